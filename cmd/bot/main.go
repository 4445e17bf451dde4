package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"polarvpn-bot/internal/bot"
	"polarvpn-bot/internal/config"
	"polarvpn-bot/internal/database"
	"polarvpn-bot/internal/engine"
	"polarvpn-bot/internal/fleet"
	"polarvpn-bot/internal/ledger"
	"polarvpn-bot/internal/models"
	"polarvpn-bot/internal/payment"
	"polarvpn-bot/internal/server"
	"polarvpn-bot/internal/worker"
	"polarvpn-bot/internal/xui"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	db, err := database.ConnectPostgres(cfg)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	rdb, err := database.ConnectRedis(cfg)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}

	store := ledger.NewStore(db)
	if err := store.SeedProducts(defaultProducts()); err != nil {
		logger.Error("failed to seed products", "error", err)
		os.Exit(1)
	}

	registry, err := fleet.Load(cfg.FleetPath)
	if err != nil {
		logger.Error("failed to load fleet config", "path", cfg.FleetPath, "error", err)
		os.Exit(1)
	}
	allocator := fleet.NewAllocator(registry)
	logger.Info("fleet loaded", "nodes", registry.Len(), "countries", registry.Countries())

	panel := xui.NewClient(15 * time.Second)
	yoo := payment.NewYooKassaClient(cfg.YookassaShopID, cfg.YookassaKey)
	crypto := payment.NewCryptoPayClient(cfg.CryptoPayToken, cfg.BotUsername)

	// The notifier needs the bot instance and the engine needs the
	// notifier, so the bot is built first and gets its engine after.
	tgBot, err := bot.NewBot(cfg.BotToken, store, nil, panel, yoo, crypto, registry, rdb, cfg, logger)
	if err != nil {
		logger.Error("failed to create bot", "error", err)
		os.Exit(1)
	}
	notifier := bot.NewNotifier(tgBot)

	eng := engine.New(store, panel, allocator, notifier, engine.Config{
		PublicHost:        cfg.PublicHost,
		DefaultCountry:    cfg.DefaultCountry,
		ReferralBonusDays: cfg.ReferralBonusDays,
		TrialDuration:     cfg.TrialDuration,
	}, logger)
	tgBot.Engine = eng

	sweeper := worker.NewSweeper(store, notifier, worker.Config{
		Interval:          cfg.SweepInterval,
		RenewalWarnWindow: cfg.RenewalWarnWindow,
		RenewalWarnBuffer: cfg.RenewalWarnBuffer,
		TrialWarnWindow:   cfg.TrialWarnWindow,
	}, logger)

	hooks := payment.NewWebhookHandler(eng, cfg.AllowedYooIp, cfg.CryptoPayToken, logger)
	srv := server.New(cfg.ListenAddr, store, hooks, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("http server failed", "error", err)
			cancel()
		}
	}()

	sweeper.Start()

	go func() {
		if err := tgBot.Start(ctx); err != nil {
			logger.Error("bot stopped", "error", err)
			cancel()
		}
	}()

	logger.Info("service started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case <-stop:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}

	cancel()
	sweeper.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}

	logger.Info("service stopped")
}

// defaultProducts is the launch tariff table; SeedProducts only applies
// it to an empty catalogue.
func defaultProducts() []models.Product {
	return []models.Product{
		{Name: "VPN 30 дней (Финляндия)", Price: 199, DurationDays: 30, Country: "Финляндия"},
		{Name: "VPN 60 дней (Финляндия)", Price: 369, DurationDays: 60, Country: "Финляндия"},
		{Name: "VPN 90 дней (Финляндия)", Price: 529, DurationDays: 90, Country: "Финляндия"},
		{Name: "VPN 30 дней (Германия)", Price: 149, DurationDays: 30, Country: "Германия"},
		{Name: "VPN 60 дней (Германия)", Price: 269, DurationDays: 60, Country: "Германия"},
		{Name: "VPN 90 дней (Германия)", Price: 379, DurationDays: 90, Country: "Германия"},
		{Name: "VPN 30 дней (Нидерланды)", Price: 149, DurationDays: 30, Country: "Нидерланды"},
		{Name: "VPN 60 дней (Нидерланды)", Price: 269, DurationDays: 60, Country: "Нидерланды"},
		{Name: "VPN 90 дней (Нидерланды)", Price: 379, DurationDays: 90, Country: "Нидерланды"},
	}
}
