package bot

import (
	"context"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"polarvpn-bot/internal/notify"
)

// Notifier delivers engine- and worker-originated messages through the
// bot, mapping follow-up classes to the matching inline keyboards.
// Implements notify.Notifier.
type Notifier struct {
	bot      *telego.Bot
	adminIDs []int64
}

func NewNotifier(b *Bot) *Notifier {
	return &Notifier{bot: b.Instance, adminIDs: b.Cfg.AdminIDs}
}

func (n *Notifier) Notify(telegramID int64, text string, followUp notify.FollowUp) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msg := tu.Message(tu.ID(telegramID), text)
	if keyboard := followUpKeyboard(followUp); keyboard != nil {
		msg = msg.WithReplyMarkup(keyboard)
	}

	if _, err := n.bot.SendMessage(ctx, msg); err != nil {
		return &deliveryError{cause: err}
	}
	return nil
}

// Escalate fans the message out to every configured admin. Best effort.
func (n *Notifier) Escalate(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, adminID := range n.adminIDs {
		_, _ = n.bot.SendMessage(ctx, tu.Message(tu.ID(adminID), text))
	}
}

func followUpKeyboard(followUp notify.FollowUp) *telego.InlineKeyboardMarkup {
	switch followUp {
	case notify.FollowUpNewCredential:
		return tu.InlineKeyboard(
			tu.InlineKeyboardRow(
				tu.InlineKeyboardButton("📖 Инструкция").WithCallbackData("instruction"),
				tu.InlineKeyboardButton("🔑 Мои ключи").WithCallbackData("keys"),
			),
		)
	case notify.FollowUpRenewal:
		return tu.InlineKeyboard(
			tu.InlineKeyboardRow(
				tu.InlineKeyboardButton("🔑 Мои ключи").WithCallbackData("keys"),
			),
		)
	case notify.FollowUpTrialExpired, notify.FollowUpBuy:
		return tu.InlineKeyboard(
			tu.InlineKeyboardRow(
				tu.InlineKeyboardButton("🚀 Купить VPN").WithCallbackData("buy"),
			),
		)
	default:
		return nil
	}
}

// deliveryError classifies Telegram send failures; recipients who
// blocked the bot or deleted their account are unreachable for good.
type deliveryError struct {
	cause error
}

func (e *deliveryError) Error() string { return e.cause.Error() }
func (e *deliveryError) Unwrap() error { return e.cause }

func (e *deliveryError) Permanent() bool {
	text := e.cause.Error()
	for _, marker := range []string{
		"bot was blocked by the user",
		"user is deactivated",
		"chat not found",
		"bot can't initiate conversation",
	} {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
