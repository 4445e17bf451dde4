package config

import (
	"fmt"
	"log"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	DBUser     string `env:"DB_USER" envDefault:"postgres"`
	DBPassword string `env:"DB_PASSWORD" envDefault:"postgres"`
	DBName     string `env:"DB_NAME" envDefault:"polarvpn_bot"`
	DBHost     string `env:"DB_HOST" envDefault:"localhost"`
	DBPort     string `env:"DB_PORT" envDefault:"5432"`

	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     string `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`

	BotToken    string  `env:"TELEGRAM_BOT_TOKEN"`
	BotUsername string  `env:"TELEGRAM_BOT_USERNAME" envDefault:"polarvpn_bot"`
	AdminIDs    []int64 `env:"ADMIN_IDS" envSeparator:","`

	YookassaShopID string `env:"YOOKASSA_SHOP_ID"`
	YookassaKey    string `env:"YOOKASSA_SECRET_KEY"`
	CryptoPayToken string `env:"CRYPTOPAY_TOKEN"`

	// PublicHost is where the subscription endpoint and webhooks are
	// reachable from outside, e.g. https://sub.example.com.
	PublicHost string `env:"PUBLIC_HOST"`
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	FleetPath      string `env:"FLEET_CONFIG" envDefault:"fleet.yaml"`
	DefaultCountry string `env:"DEFAULT_COUNTRY" envDefault:"Финляндия"`

	TrialDuration     time.Duration `env:"TRIAL_DURATION" envDefault:"24h"`
	ReferralBonusDays int           `env:"REFERRAL_BONUS_DAYS" envDefault:"7"`

	SweepInterval     time.Duration `env:"SWEEP_INTERVAL" envDefault:"10m"`
	RenewalWarnWindow time.Duration `env:"RENEWAL_WARN_WINDOW" envDefault:"24h"`
	RenewalWarnBuffer time.Duration `env:"RENEWAL_WARN_BUFFER" envDefault:"12h"`
	TrialWarnWindow   time.Duration `env:"TRIAL_WARN_WINDOW" envDefault:"3h"`

	// AllowedYooIp is the YooKassa webhook source allowlist, published at
	// https://yookassa.ru/developers/using-api/webhooks#ip.
	AllowedYooIp []string
}

func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if cfg.BotToken == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	cfg.AllowedYooIp = []string{
		"185.71.76.0/27",
		"185.71.77.0/27",
		"77.75.153.0/25",
		"77.75.156.224/28",
		"77.75.154.128/25",
		"2a02:5180::/32",
	}

	return cfg, nil
}

func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

func (c *Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}

func (c *Config) IsAdmin(telegramID int64) bool {
	for _, id := range c.AdminIDs {
		if id == telegramID {
			return true
		}
	}
	return false
}
