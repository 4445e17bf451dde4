package bot

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"

	"polarvpn-bot/internal/ledger"
	"polarvpn-bot/internal/models"
)

// Admin commands. Silently ignored for everyone not in ADMIN_IDS so the
// commands stay invisible to regular users.

func (b *Bot) handleStats(ctx *th.Context, update telego.Update) error {
	message := update.Message
	if !b.Cfg.IsAdmin(message.From.ID) {
		return nil
	}

	stats, err := b.Ledger.Stats()
	if err != nil {
		b.Log.Error("failed to collect stats", "error", err)
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.Chat.ID), "❌ Ошибка при сборе статистики."))
		return nil
	}

	msg := fmt.Sprintf("📊 *Статистика*\n\n"+
		"👥 Пользователей: %d\n"+
		"🔑 Активных ключей: %d\n"+
		"💰 Оплаченных заказов: %d\n"+
		"💵 Выручка: %.2f₽",
		stats.Users, stats.ActiveCredentials, stats.PaidOrders, stats.Revenue)
	_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.Chat.ID), msg).
		WithParseMode(telego.ModeMarkdown))
	return nil
}

// /grant <telegram_id> <days> issues a free credential.
func (b *Bot) handleGrant(ctx *th.Context, update telego.Update) error {
	message := update.Message
	if !b.Cfg.IsAdmin(message.From.ID) {
		return nil
	}

	parts := strings.Fields(message.Text)
	if len(parts) != 3 {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.Chat.ID),
			"Использование: /grant <telegram_id> <days>"))
		return nil
	}
	telegramID, err1 := strconv.ParseInt(parts[1], 10, 64)
	days, err2 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || days <= 0 {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.Chat.ID),
			"Использование: /grant <telegram_id> <days>"))
		return nil
	}

	url, err := b.Engine.Grant(ctx.Context(), telegramID, days)
	if err != nil {
		b.Log.Error("grant failed", "telegram_id", telegramID, "days", days, "error", err)
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.Chat.ID),
			fmt.Sprintf("❌ Не удалось выдать доступ: %v", err)))
		return nil
	}

	_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.Chat.ID),
		fmt.Sprintf("✅ Доступ на %d дней выдан пользователю %d.\n%s", days, telegramID, url)))
	return nil
}

// /extend <credential_id> <days> moves a credential's expiry forward.
func (b *Bot) handleExtend(ctx *th.Context, update telego.Update) error {
	message := update.Message
	if !b.Cfg.IsAdmin(message.From.ID) {
		return nil
	}

	parts := strings.Fields(message.Text)
	if len(parts) != 3 {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.Chat.ID),
			"Использование: /extend <credential_id> <days>"))
		return nil
	}
	credID, err1 := strconv.ParseUint(parts[1], 10, 32)
	days, err2 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || days <= 0 {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.Chat.ID),
			"Использование: /extend <credential_id> <days>"))
		return nil
	}

	newExpiry, err := b.Engine.OperatorExtend(ctx.Context(), uint(credID), days)
	if err != nil {
		b.Log.Error("extend failed", "credential_id", credID, "days", days, "error", err)
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.Chat.ID),
			fmt.Sprintf("❌ Не удалось продлить: %v", err)))
		return nil
	}

	_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.Chat.ID),
		fmt.Sprintf("✅ Ключ %d продлён до %s.", credID, newExpiry.Format("02.01.2006 15:04"))))
	return nil
}

// /invoice <telegram_id> <amount> bills a user outside the tariff table.
// The payment confirms as a plain receipt; no credential is touched.
func (b *Bot) handleInvoice(ctx *th.Context, update telego.Update) error {
	message := update.Message
	if !b.Cfg.IsAdmin(message.From.ID) {
		return nil
	}

	targetID, amount, err := parseInvoiceArgs(message.Text)
	if err != nil {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.Chat.ID),
			"Использование: /invoice <telegram_id> <amount>"))
		return nil
	}

	user, err := b.Ledger.UserByTelegramID(targetID)
	if err != nil {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.Chat.ID),
			fmt.Sprintf("❌ Пользователь %d не найден.", targetID)))
		return nil
	}

	order, err := b.Ledger.CreateOrder(user.ID, nil, amount, ledger.OrderMeta{Kind: ledger.OrderKindAdHoc})
	if err != nil {
		b.Log.Error("failed to create ad-hoc order", "user_id", user.ID, "error", err)
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.Chat.ID), "❌ Не удалось создать заказ."))
		return nil
	}

	returnURL := "https://t.me/" + b.Cfg.BotUsername
	metadata := map[string]string{"order_id": strconv.FormatUint(uint64(order.ID), 10)}
	resp, err := b.Yoo.CreatePayment(ctx.Context(), order.Amount, fmt.Sprintf("Счёт #%d", order.ID), returnURL, metadata)
	if err != nil {
		b.Log.Error("failed to create yookassa payment", "order_id", order.ID, "error", err)
		b.failOrder(order.ID)
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.Chat.ID), "❌ Ошибка при создании платежа."))
		return nil
	}
	if err := b.Ledger.AttachPaymentRef(order.ID, models.GatewayYooKassa, resp.ID); err != nil {
		b.Log.Error("failed to attach payment ref", "order_id", order.ID, "error", err)
	}

	keyboard := tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("💳 Оплатить").WithURL(resp.Confirmation.ConfirmationURL),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("✅ Я оплатил").WithCallbackData(
				fmt.Sprintf("check:%d", order.ID)),
		),
	)
	_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
		tu.ID(user.TelegramID),
		fmt.Sprintf("💳 Вам выставлен счёт #%d на %.2f₽.\n\nОплатите по кнопке ниже, затем нажмите «Я оплатил».",
			order.ID, order.Amount),
	).WithReplyMarkup(keyboard))

	_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.Chat.ID),
		fmt.Sprintf("✅ Счёт #%d на %.2f₽ отправлен пользователю %d.", order.ID, order.Amount, targetID)))
	return nil
}

func parseInvoiceArgs(text string) (telegramID int64, amount float64, err error) {
	parts := strings.Fields(text)
	if len(parts) != 3 {
		return 0, 0, fmt.Errorf("want /invoice <telegram_id> <amount>, got %d args", len(parts)-1)
	}
	telegramID, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad telegram id %q: %w", parts[1], err)
	}
	amount, err = strconv.ParseFloat(strings.Replace(parts[2], ",", ".", 1), 64)
	if err != nil || amount <= 0 {
		return 0, 0, fmt.Errorf("bad amount %q", parts[2])
	}
	return telegramID, amount, nil
}

// /broadcast <text> sends the text to every registered user. Paced to
// stay under the Bot API rate limit.
func (b *Bot) handleBroadcast(ctx *th.Context, update telego.Update) error {
	message := update.Message
	if !b.Cfg.IsAdmin(message.From.ID) {
		return nil
	}

	text := strings.TrimSpace(strings.TrimPrefix(message.Text, "/broadcast"))
	if text == "" {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.Chat.ID),
			"Использование: /broadcast <текст>"))
		return nil
	}

	ids, err := b.Ledger.AllTelegramIDs()
	if err != nil {
		b.Log.Error("broadcast: failed to list users", "error", err)
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.Chat.ID), "❌ Ошибка при выборке пользователей."))
		return nil
	}

	sent := 0
	for _, id := range ids {
		if _, err := ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(id), text)); err == nil {
			sent++
		}
		time.Sleep(50 * time.Millisecond)
	}

	_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.Chat.ID),
		fmt.Sprintf("📣 Рассылка завершена: доставлено %d из %d.", sent, len(ids))))
	return nil
}
