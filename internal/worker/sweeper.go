// Package worker runs the background expiry sweeps: renewal warnings,
// trial warnings, expiry notifications and the "you never tried it"
// reminder. Each sweep is an independent query->notify->flag cycle over
// a disjoint row set; one failing sweep never blocks the others, and a
// flag is only set when the send succeeded or the recipient is
// permanently unreachable, so transient failures retry next tick.
package worker

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"polarvpn-bot/internal/models"
	"polarvpn-bot/internal/notify"
)

// Ledger is the sweep-facing slice of the persistent store.
type Ledger interface {
	RenewalWarningCandidates(from, to time.Time) ([]models.Credential, error)
	TrialWarningCandidates(from, to time.Time) ([]models.Credential, error)
	ExpiredUnnotified(now time.Time) ([]models.Credential, error)
	TrialReminderCandidates(registeredFrom, registeredTo time.Time) ([]models.User, error)
	MarkRenewalWarningSent(credID uint) error
	MarkTrialWarningSent(credID uint) error
	MarkExpiryNotified(credID uint) error
	MarkTrialReminderSent(userID uint) error
}

type Config struct {
	// Interval between sweep ticks.
	Interval time.Duration
	// RenewalWarnWindow is how far before expiry the renewal warning
	// fires (the N in "expires within N hours").
	RenewalWarnWindow time.Duration
	// RenewalWarnBuffer bounds the window from below: candidates are
	// credentials expiring in [now+(N-buffer), now+N]. A scheduler
	// outage shorter than the buffer cannot cause a missed warning.
	RenewalWarnBuffer time.Duration
	// TrialWarnWindow is the pre-expiry window for trial credentials.
	TrialWarnWindow time.Duration
}

func (c *Config) applyDefaults() {
	if c.Interval == 0 {
		c.Interval = 10 * time.Minute
	}
	if c.RenewalWarnWindow == 0 {
		c.RenewalWarnWindow = 24 * time.Hour
	}
	if c.RenewalWarnBuffer == 0 {
		c.RenewalWarnBuffer = 12 * time.Hour
	}
	if c.TrialWarnWindow == 0 {
		c.TrialWarnWindow = 3 * time.Hour
	}
}

type Sweeper struct {
	ledger   Ledger
	notifier notify.Notifier
	cfg      Config
	log      *slog.Logger

	// now is injectable for window tests.
	now func() time.Time

	cron *cron.Cron
}

func NewSweeper(l Ledger, n notify.Notifier, cfg Config, logger *slog.Logger) *Sweeper {
	cfg.applyDefaults()
	return &Sweeper{
		ledger:   l,
		notifier: n,
		cfg:      cfg,
		log:      logger,
		now:      time.Now,
	}
}

// Start runs one sweep immediately and then on every interval tick
// until Stop is called.
func (s *Sweeper) Start() {
	s.Sweep()

	s.cron = cron.New()
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.Interval), s.Sweep)
	if err != nil {
		s.log.Error("failed to schedule sweep", "error", err)
		return
	}
	s.cron.Start()
	s.log.Info("expiry sweeper started", "interval", s.cfg.Interval)
}

func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep runs the four notification classes. Order does not matter;
// their row sets are disjoint.
func (s *Sweeper) Sweep() {
	s.sweepRenewalWarnings()
	s.sweepTrialWarnings()
	s.sweepExpired()
	s.sweepTrialReminders()
}

func (s *Sweeper) sweepRenewalWarnings() {
	now := s.now()
	from := now.Add(s.cfg.RenewalWarnWindow - s.cfg.RenewalWarnBuffer)
	to := now.Add(s.cfg.RenewalWarnWindow)

	creds, err := s.ledger.RenewalWarningCandidates(from, to)
	if err != nil {
		s.log.Error("renewal warning query failed", "error", err)
		return
	}

	for _, cred := range creds {
		text := fmt.Sprintf(
			"🔔 Напоминание: ваш доступ истекает %s.\n\n"+
				"Продлите его заранее, чтобы не остаться без VPN.",
			cred.ExpiresAt.Format("02.01.2006 15:04"))
		err := s.notifier.Notify(cred.User.TelegramID, text, notify.FollowUpRenewal)
		if err != nil && !notify.IsPermanent(err) {
			s.log.Warn("renewal warning delivery failed, will retry",
				"credential_id", cred.ID, "telegram_id", cred.User.TelegramID, "error", err)
			continue
		}
		if err := s.ledger.MarkRenewalWarningSent(cred.ID); err != nil {
			s.log.Error("failed to flag renewal warning", "credential_id", cred.ID, "error", err)
		}
	}
}

func (s *Sweeper) sweepTrialWarnings() {
	now := s.now()
	creds, err := s.ledger.TrialWarningCandidates(now, now.Add(s.cfg.TrialWarnWindow))
	if err != nil {
		s.log.Error("trial warning query failed", "error", err)
		return
	}

	for _, cred := range creds {
		text := "⏳ Ваш пробный доступ скоро закончится!\n\n" +
			"Успейте оформить подписку со скидкой, пока пробный период активен — " +
			"кнопка «🛒 Купить VPN» в меню."
		err := s.notifier.Notify(cred.User.TelegramID, text, notify.FollowUpBuy)
		if err != nil && !notify.IsPermanent(err) {
			s.log.Warn("trial warning delivery failed, will retry",
				"credential_id", cred.ID, "error", err)
			continue
		}
		if err := s.ledger.MarkTrialWarningSent(cred.ID); err != nil {
			s.log.Error("failed to flag trial warning", "credential_id", cred.ID, "error", err)
		}
	}
}

func (s *Sweeper) sweepExpired() {
	creds, err := s.ledger.ExpiredUnnotified(s.now())
	if err != nil {
		s.log.Error("expiry query failed", "error", err)
		return
	}

	for _, cred := range creds {
		var text string
		var followUp notify.FollowUp
		if cred.Trial() {
			text = "⌛️ Ваш пробный период истёк.\n\n" +
				"Надеемся, вам понравилась скорость! Чтобы продолжить, выберите тариф в меню."
			followUp = notify.FollowUpTrialExpired
		} else {
			text = "❌ Срок действия вашего доступа истёк.\n\n" +
				"Продлите подписку, чтобы восстановить доступ."
			followUp = notify.FollowUpRenewal
		}
		err := s.notifier.Notify(cred.User.TelegramID, text, followUp)
		if err != nil && !notify.IsPermanent(err) {
			s.log.Warn("expiry notification delivery failed, will retry",
				"credential_id", cred.ID, "error", err)
			continue
		}
		if err := s.ledger.MarkExpiryNotified(cred.ID); err != nil {
			s.log.Error("failed to flag expiry notification", "credential_id", cred.ID, "error", err)
		}
	}
}

// sweepTrialReminders nudges users who registered about a day ago and
// never claimed the free trial. Unreachable recipients are flagged
// anyway: there is no point retrying someone who blocked the bot.
func (s *Sweeper) sweepTrialReminders() {
	now := s.now()
	users, err := s.ledger.TrialReminderCandidates(now.Add(-25*time.Hour), now.Add(-24*time.Hour))
	if err != nil {
		s.log.Error("trial reminder query failed", "error", err)
		return
	}

	for _, user := range users {
		text := "👋 Вы ещё не попробовали наш VPN!\n\n" +
			"Бесплатный пробный доступ на 24 часа ждёт вас в меню — без оплаты и карты."
		err := s.notifier.Notify(user.TelegramID, text, notify.FollowUpBuy)
		if err != nil && !notify.IsPermanent(err) {
			s.log.Warn("trial reminder delivery failed, will retry",
				"user_id", user.ID, "error", err)
			continue
		}
		if err := s.ledger.MarkTrialReminderSent(user.ID); err != nil {
			s.log.Error("failed to flag trial reminder", "user_id", user.ID, "error", err)
		}
	}
}
