// Package bot is the Telegram presentation layer: menus, the purchase
// and renewal flows, trial and referral self-service, and the admin
// commands. All money- and credential-state transitions happen in the
// engine and ledger; the bot only drives them.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/redis/go-redis/v9"

	"polarvpn-bot/internal/config"
	"polarvpn-bot/internal/engine"
	"polarvpn-bot/internal/fleet"
	"polarvpn-bot/internal/ledger"
	"polarvpn-bot/internal/models"
	"polarvpn-bot/internal/payment"
	"polarvpn-bot/internal/xui"
)

type Bot struct {
	Instance *telego.Bot
	Ledger   *ledger.Store
	Engine   *engine.Engine
	Panel    *xui.Client
	Yoo      *payment.YooKassaClient
	Crypto   *payment.CryptoPayClient
	Fleet    *fleet.Registry
	Redis    *redis.Client
	Cfg      *config.Config
	Log      *slog.Logger
}

func NewBot(token string, store *ledger.Store, eng *engine.Engine, panel *xui.Client,
	yoo *payment.YooKassaClient, crypto *payment.CryptoPayClient, registry *fleet.Registry,
	rdb *redis.Client, cfg *config.Config, logger *slog.Logger) (*Bot, error) {

	tgBot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	return &Bot{
		Instance: tgBot,
		Ledger:   store,
		Engine:   eng,
		Panel:    panel,
		Yoo:      yoo,
		Crypto:   crypto,
		Fleet:    registry,
		Redis:    rdb,
		Cfg:      cfg,
		Log:      logger,
	}, nil
}

func (b *Bot) Start(ctx context.Context) error {
	updates, err := b.Instance.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(b.Instance, updates)
	if err != nil {
		return fmt.Errorf("failed to create handler: %w", err)
	}

	handler.Use(b.throttle)

	handler.Handle(b.handleStart, th.CommandEqual("start"))
	handler.Handle(b.handleMainMenu, th.CallbackDataEqual("start_back"))
	handler.Handle(b.handleBuy, th.CallbackDataEqual("buy"))
	handler.Handle(b.handleCountry, th.CallbackDataPrefix("country:"))
	handler.Handle(b.handleTariff, th.CallbackDataPrefix("tariff:"))
	handler.Handle(b.handleGateway, th.CallbackDataPrefix("gw:"))
	handler.Handle(b.handleCheckPayment, th.CallbackDataPrefix("check:"))
	handler.Handle(b.handleKeys, th.CallbackDataEqual("keys"))
	handler.Handle(b.handleRenew, th.CallbackDataPrefix("renew:"))
	handler.Handle(b.handleRenewTariff, th.CallbackDataPrefix("rtariff:"))
	handler.Handle(b.handleTrial, th.CallbackDataEqual("trial"))
	handler.Handle(b.handleReferral, th.CallbackDataEqual("referral"))
	handler.Handle(b.handleBonusSpend, th.CallbackDataEqual("bonus_spend"))
	handler.Handle(b.handleInstruction, th.CallbackDataEqual("instruction"))

	handler.Handle(b.handleStats, th.CommandEqual("stats"))
	handler.Handle(b.handleGrant, th.CommandEqual("grant"))
	handler.Handle(b.handleExtend, th.CommandEqual("extend"))
	handler.Handle(b.handleInvoice, th.CommandEqual("invoice"))
	handler.Handle(b.handleBroadcast, th.CommandEqual("broadcast"))

	return handler.Start()
}

func mainMenuKeyboard() *telego.InlineKeyboardMarkup {
	return tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("🚀 Купить VPN").WithCallbackData("buy"),
			tu.InlineKeyboardButton("🔑 Мои ключи").WithCallbackData("keys"),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("🎁 Попробовать бесплатно").WithCallbackData("trial"),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("🤝 Пригласить друга").WithCallbackData("referral"),
			tu.InlineKeyboardButton("📖 Инструкция").WithCallbackData("instruction"),
		),
	)
}

const greeting = "Привет, %s! 👋\n\n" +
	"PolarVPN — быстрый и надёжный VPN на протоколе VLESS.\n" +
	"Выберите действие:"

func (b *Bot) handleStart(ctx *th.Context, update telego.Update) error {
	message := update.Message
	telegramID := message.From.ID

	args := ""
	if parts := strings.Split(message.Text, " "); len(parts) > 1 {
		args = parts[1]
	}

	user, created, err := b.Ledger.GetOrCreateUser(telegramID, message.From.Username, message.From.FirstName)
	if err != nil {
		b.Log.Error("failed to get/create user", "telegram_id", telegramID, "error", err)
		return nil
	}

	// Referral deep link: /start ref_<id>. Only ever binds once, and
	// never to yourself.
	if args != "" && args != user.ReferralCode && (created || user.ReferrerID == nil) {
		if referrer, err := b.Ledger.UserByReferralCode(args); err == nil {
			if err := b.Ledger.RecordReferral(referrer.ID, user.ID); err != nil {
				b.Log.Error("failed to record referral", "referrer_id", referrer.ID, "referred_id", user.ID, "error", err)
			} else {
				b.Log.Info("referral recorded", "referrer_id", referrer.ID, "referred_id", user.ID)
			}
		}
	}

	_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
		tu.ID(message.Chat.ID),
		fmt.Sprintf(greeting, message.From.FirstName),
	).WithReplyMarkup(mainMenuKeyboard()))
	return nil
}

func (b *Bot) handleMainMenu(ctx *th.Context, update telego.Update) error {
	callback := update.CallbackQuery
	_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
		tu.ID(callback.From.ID),
		"Выберите действие:",
	).WithReplyMarkup(mainMenuKeyboard()))
	_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
	return nil
}

// handleBuy shows the country choice built from the configured fleet.
func (b *Bot) handleBuy(ctx *th.Context, update telego.Update) error {
	callback := update.CallbackQuery

	countries := b.Fleet.Countries()
	if len(countries) == 0 {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(callback.From.ID), "❌ Сейчас нет доступных серверов. Попробуйте позже."))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}

	rows := make([][]telego.InlineKeyboardButton, 0, len(countries)+1)
	for _, country := range countries {
		rows = append(rows, tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("🌍 "+country).WithCallbackData("country:"+country),
		))
	}
	rows = append(rows, tu.InlineKeyboardRow(
		tu.InlineKeyboardButton("« Назад").WithCallbackData("start_back"),
	))

	_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
		tu.ID(callback.From.ID),
		"🌍 Выберите страну сервера:",
	).WithReplyMarkup(tu.InlineKeyboard(rows...)))
	_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
	return nil
}

func (b *Bot) handleCountry(ctx *th.Context, update telego.Update) error {
	callback := update.CallbackQuery
	country := strings.TrimPrefix(callback.Data, "country:")

	products, err := b.Ledger.ProductsForCountry(country)
	if err != nil || len(products) == 0 {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(callback.From.ID), "❌ Для этой страны пока нет тарифов."))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}

	rows := make([][]telego.InlineKeyboardButton, 0, len(products)+1)
	for _, p := range products {
		label := fmt.Sprintf("%d дней — %.0f₽", p.DurationDays, p.Price)
		data := fmt.Sprintf("tariff:%d:%s", p.ID, country)
		rows = append(rows, tu.InlineKeyboardRow(
			tu.InlineKeyboardButton(label).WithCallbackData(data),
		))
	}
	rows = append(rows, tu.InlineKeyboardRow(
		tu.InlineKeyboardButton("« Назад").WithCallbackData("buy"),
	))

	_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
		tu.ID(callback.From.ID),
		fmt.Sprintf("📊 Тарифы (%s):", country),
	).WithReplyMarkup(tu.InlineKeyboard(rows...)))
	_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
	return nil
}

func (b *Bot) handleTariff(ctx *th.Context, update telego.Update) error {
	callback := update.CallbackQuery
	parts := strings.SplitN(strings.TrimPrefix(callback.Data, "tariff:"), ":", 2)
	if len(parts) != 2 {
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}
	productID, country := parts[0], parts[1]

	keyboard := tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("💳 Банковская карта").WithCallbackData(
				fmt.Sprintf("gw:yk:p:%s:%s", productID, country)),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("💎 Криптовалюта (USDT)").WithCallbackData(
				fmt.Sprintf("gw:cp:p:%s:%s", productID, country)),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("« Назад").WithCallbackData("country:"+country),
		),
	)

	_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
		tu.ID(callback.From.ID),
		"💰 Выберите способ оплаты:",
	).WithReplyMarkup(keyboard))
	_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
	return nil
}

// handleGateway creates the order and the gateway invoice. Callback data:
// gw:<yk|cp>:p:<productID>:<country> for a purchase,
// gw:<yk|cp>:r:<productID>:<credentialID> for a renewal.
func (b *Bot) handleGateway(ctx *th.Context, update telego.Update) error {
	callback := update.CallbackQuery
	telegramID := callback.From.ID
	parts := strings.SplitN(strings.TrimPrefix(callback.Data, "gw:"), ":", 4)
	if len(parts) != 4 {
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}
	gateway, kind, rawProductID, extra := parts[0], parts[1], parts[2], parts[3]

	user, err := b.Ledger.UserByTelegramID(telegramID)
	if err != nil {
		b.sendError(ctx, telegramID, callback.ID, "❌ Пользователь не найден. Нажмите /start.")
		return nil
	}

	pid, err := strconv.ParseUint(rawProductID, 10, 32)
	if err != nil {
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}
	product, err := b.Ledger.ProductByID(uint(pid))
	if err != nil {
		b.sendError(ctx, telegramID, callback.ID, "❌ Тариф не найден.")
		return nil
	}

	meta := ledger.OrderMeta{Kind: ledger.OrderKindPurchase, Country: extra}
	if kind == "r" {
		credID, err := strconv.ParseUint(extra, 10, 32)
		if err != nil {
			_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
			return nil
		}
		meta = ledger.OrderMeta{Kind: ledger.OrderKindRenewal, CredentialID: uint(credID)}
	}

	productID := product.ID
	order, err := b.Ledger.CreateOrder(user.ID, &productID, product.Price, meta)
	if err != nil {
		b.Log.Error("failed to create order", "user_id", user.ID, "error", err)
		b.sendError(ctx, telegramID, callback.ID, "❌ Не удалось создать заказ. Попробуйте ещё раз.")
		return nil
	}

	switch gateway {
	case "yk":
		b.createYooKassaInvoice(ctx, order, product, telegramID, callback.ID)
	case "cp":
		b.createCryptoInvoice(ctx, order, product, telegramID, callback.ID)
	default:
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
	}
	return nil
}

func (b *Bot) createYooKassaInvoice(ctx *th.Context, order *models.Order, product *models.Product, telegramID int64, callbackID string) {
	returnURL := "https://t.me/" + b.Cfg.BotUsername
	metadata := map[string]string{"order_id": strconv.FormatUint(uint64(order.ID), 10)}

	resp, err := b.Yoo.CreatePayment(ctx.Context(), order.Amount, product.Name, returnURL, metadata)
	if err != nil {
		b.Log.Error("failed to create yookassa payment", "order_id", order.ID, "error", err)
		b.failOrder(order.ID)
		b.sendError(ctx, telegramID, callbackID, "❌ Ошибка при создании платежа. Попробуйте ещё раз.")
		return
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
		tu.ID(telegramID),
		fmt.Sprintf("💳 Заказ #%d: %s — %.2f₽\n\nОплатите по кнопке ниже, затем нажмите «Я оплатил».",
			order.ID, product.Name, order.Amount),
	).WithReplyMarkup(keyboard))
	_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callbackID))
}

func (b *Bot) createCryptoInvoice(ctx *th.Context, order *models.Order, product *models.Product, telegramID int64, callbackID string) {
	payload := payment.EncodeOrderPayload(order.ID)

	invoice, err := b.Crypto.CreateInvoice(ctx.Context(), order.Amount, product.Name, payload)
	if err != nil {
		b.Log.Error("failed to create cryptopay invoice", "order_id", order.ID, "error", err)
		b.failOrder(order.ID)
		b.sendError(ctx, telegramID, callbackID, "❌ Ошибка при создании счёта. Попробуйте ещё раз.")
		return
	}
	if err := b.Ledger.AttachPaymentRef(order.ID, models.GatewayCryptoPay, strconv.FormatInt(invoice.InvoiceID, 10)); err != nil {
		b.Log.Error("failed to attach payment ref", "order_id", order.ID, "error", err)
	}

	keyboard := tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("💎 Оплатить в USDT").WithURL(invoice.PayURL),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("✅ Я оплатил").WithCallbackData(
				fmt.Sprintf("check:%d", order.ID)),
		),
	)
	_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
		tu.ID(telegramID),
		fmt.Sprintf("💎 Заказ #%d: %s — %.2f₽ (%s USDT)\n\nОплатите по кнопке ниже, затем нажмите «Я оплатил».",
			order.ID, product.Name, order.Amount, invoice.Amount),
	).WithReplyMarkup(keyboard))
	_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callbackID))
}

// handleCheckPayment is the user-triggered confirmation path: poll the
// gateway and, if the money is there, run the same Reconcile the webhook
// would. The engine's idempotency makes a race with the webhook safe.
func (b *Bot) handleCheckPayment(ctx *th.Context, update telego.Update) error {
	callback := update.CallbackQuery
	telegramID := callback.From.ID

	rawID := strings.TrimPrefix(callback.Data, "check:")
	orderID, err := strconv.ParseUint(rawID, 10, 32)
	if err != nil {
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}

	order, err := b.Ledger.OrderByID(uint(orderID))
	if err != nil {
		b.sendError(ctx, telegramID, callback.ID, "❌ Заказ не найден.")
		return nil
	}
	if order.Status == models.OrderStatusPaid {
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(),
			tu.CallbackQuery(callback.ID).WithText("Заказ уже обработан ✅"))
		return nil
	}

	paid := false
	switch order.Gateway {
	case models.GatewayYooKassa:
		p, err := b.Yoo.FindPayment(ctx.Context(), order.PaymentID)
		if err != nil {
			b.Log.Error("failed to check yookassa payment", "order_id", order.ID, "error", err)
		} else {
			paid = p.Status == "succeeded"
		}
	case models.GatewayCryptoPay:
		invoiceID, convErr := strconv.ParseInt(order.PaymentID, 10, 64)
		if convErr != nil {
			b.Log.Error("order has non-numeric invoice id", "order_id", order.ID, "payment_id", order.PaymentID)
			break
		}
		inv, err := b.Crypto.FindInvoice(ctx.Context(), invoiceID)
		if err != nil {
			b.Log.Error("failed to check cryptopay invoice", "order_id", order.ID, "error", err)
		} else {
			paid = inv.Status == "paid"
		}
	}

	if !paid {
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(),
			tu.CallbackQuery(callback.ID).WithText("Оплата ещё не поступила. Попробуйте через минуту.").WithShowAlert())
		return nil
	}

	outcome, msg := b.Engine.Reconcile(ctx.Context(), order.ID, order.PaymentID)
	switch outcome {
	case engine.OutcomeProvisioned, engine.OutcomeRenewed, engine.OutcomeConfirmed:
		// The engine already delivered the result message.
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(),
			tu.CallbackQuery(callback.ID).WithText("Готово ✅"))
	case engine.OutcomeAlreadyProcessed:
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(),
			tu.CallbackQuery(callback.ID).WithText("Заказ уже обработан ✅"))
	default:
		if relayReconcileMessage(outcome) {
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), msg))
		}
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
	}
	return nil
}

// handleKeys lists the user's credentials with their subscription links
// and a renew button per key.
func (b *Bot) handleKeys(ctx *th.Context, update telego.Update) error {
	callback := update.CallbackQuery
	telegramID := callback.From.ID

	user, err := b.Ledger.UserByTelegramID(telegramID)
	if err != nil {
		b.sendError(ctx, telegramID, callback.ID, "❌ Пользователь не найден. Нажмите /start.")
		return nil
	}
	creds, err := b.Ledger.CredentialsByUser(user.ID)
	if err != nil || len(creds) == 0 {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(telegramID),
			"🔑 У вас пока нет ключей.\nКупите VPN или попробуйте бесплатно!",
		).WithReplyMarkup(mainMenuKeyboard()))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}

	for _, cred := range creds {
		status := "✅ Активен"
		if cred.ExpiresAt.Before(time.Now()) {
			status = "⚠️ Истёк"
		}
		kindLabel := "Подписка"
		if cred.Trial() {
			kindLabel = "Бесплатный доступ"
		}
		country := cred.NodeName
		node, nodeKnown := b.Fleet.Find(cred.NodeName)
		if nodeKnown {
			country = node.Country
		}

		msg := fmt.Sprintf("🔑 *%s* (%s)\n🔹 Статус: %s\n📅 До: %s\n\n🔗 Ссылка-подписка:\n`%s`",
			kindLabel, country, status, cred.ExpiresAt.Format("02.01.2006 15:04"),
			b.Engine.SubscriptionURL(cred.SubToken))

		// Traffic counters are a nicety; a panel hiccup must not break
		// the keys view.
		if nodeKnown && cred.ExpiresAt.After(time.Now()) {
			email := engine.ClientEmail(user.TelegramID, cred.ClientID)
			if up, down, err := b.Panel.ClientTraffic(ctx.Context(), node, email); err == nil {
				msg += fmt.Sprintf("\n📊 Трафик: ↑ %s / ↓ %s", formatBytes(up), formatBytes(down))
			}
		}

		keyboard := tu.InlineKeyboard(
			tu.InlineKeyboardRow(
				tu.InlineKeyboardButton("🔄 Продлить").WithCallbackData(
					fmt.Sprintf("renew:%d", cred.ID)),
			),
		)
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), msg).
			WithParseMode(telego.ModeMarkdown).WithReplyMarkup(keyboard))
	}
	_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
	return nil
}

func (b *Bot) handleRenew(ctx *th.Context, update telego.Update) error {
	callback := update.CallbackQuery
	telegramID := callback.From.ID

	rawID := strings.TrimPrefix(callback.Data, "renew:")
	credID, err := strconv.ParseUint(rawID, 10, 32)
	if err != nil {
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}

	cred, err := b.Ledger.CredentialByID(uint(credID))
	if err != nil {
		b.sendError(ctx, telegramID, callback.ID, "❌ Ключ не найден.")
		return nil
	}

	country := ""
	if node, ok := b.Fleet.Find(cred.NodeName); ok {
		country = node.Country
	}
	products, err := b.Ledger.ProductsForCountry(country)
	if err != nil || len(products) == 0 {
		b.sendError(ctx, telegramID, callback.ID, "❌ Для этого ключа нет тарифов продления.")
		return nil
	}

	rows := make([][]telego.InlineKeyboardButton, 0, len(products)+1)
	for _, p := range products {
		label := fmt.Sprintf("+%d дней — %.0f₽", p.DurationDays, p.Price)
		rows = append(rows, tu.InlineKeyboardRow(
			tu.InlineKeyboardButton(label).WithCallbackData(
				fmt.Sprintf("rtariff:%d:%d", p.ID, cred.ID)),
		))
	}
	rows = append(rows, tu.InlineKeyboardRow(
		tu.InlineKeyboardButton("« Назад").WithCallbackData("keys"),
	))

	_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
		tu.ID(telegramID),
		"🔄 На сколько продлить?",
	).WithReplyMarkup(tu.InlineKeyboard(rows...)))
	_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
	return nil
}

func (b *Bot) handleRenewTariff(ctx *th.Context, update telego.Update) error {
	callback := update.CallbackQuery
	parts := strings.SplitN(strings.TrimPrefix(callback.Data, "rtariff:"), ":", 2)
	if len(parts) != 2 {
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}
	productID, credID := parts[0], parts[1]

	keyboard := tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("💳 Банковская карта").WithCallbackData(
				fmt.Sprintf("gw:yk:r:%s:%s", productID, credID)),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("💎 Криптовалюта (USDT)").WithCallbackData(
				fmt.Sprintf("gw:cp:r:%s:%s", productID, credID)),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("« Назад").WithCallbackData("renew:"+credID),
		),
	)

	_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
		tu.ID(callback.From.ID),
		"💰 Выберите способ оплаты:",
	).WithReplyMarkup(keyboard))
	_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
	return nil
}

func (b *Bot) handleTrial(ctx *th.Context, update telego.Update) error {
	callback := update.CallbackQuery
	telegramID := callback.From.ID

	url, err := b.Engine.IssueTrial(ctx.Context(), telegramID, false)
	if err != nil {
		if errors.Is(err, engine.ErrTrialAlreadyUsed) {
			_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(),
				tu.CallbackQuery(callback.ID).WithText("Вы уже использовали бесплатный доступ.").WithShowAlert())
			return nil
		}
		b.Log.Error("failed to issue trial", "telegram_id", telegramID, "error", err)
		b.sendError(ctx, telegramID, callback.ID, "❌ Не удалось выдать доступ. Попробуйте позже.")
		return nil
	}

	_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
		tu.ID(telegramID),
		fmt.Sprintf("🎁 Ваш бесплатный доступ на 24 часа готов!\n\n🔗 Ссылка-подписка:\n`%s`\n\n"+
			"Добавьте её в V2RayNG (Android) или V2Box (iOS).", url),
	).WithParseMode(telego.ModeMarkdown))
	_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
	return nil
}

func (b *Bot) handleReferral(ctx *th.Context, update telego.Update) error {
	callback := update.CallbackQuery
	telegramID := callback.From.ID

	user, err := b.Ledger.UserByTelegramID(telegramID)
	if err != nil {
		b.sendError(ctx, telegramID, callback.ID, "❌ Пользователь не найден. Нажмите /start.")
		return nil
	}

	invited, purchased, err := b.Ledger.ReferralStats(user.ID)
	if err != nil {
		b.Log.Error("failed to load referral stats", "user_id", user.ID, "error", err)
	}

	refLink := fmt.Sprintf("https://t.me/%s?start=%s", b.Cfg.BotUsername, user.ReferralCode)
	msg := fmt.Sprintf("🤝 *Пригласить друга*\n\n"+
		"За первую покупку каждого приглашённого вы получаете %d бонусных дней.\n\n"+
		"👥 Приглашено: %d\n"+
		"💰 Купили: %d\n"+
		"🎁 Бонусных дней: %d\n\n"+
		"🔗 *Ваша ссылка:*\n`%s`",
		b.Cfg.ReferralBonusDays, invited, purchased, user.BonusDays, refLink)

	rows := [][]telego.InlineKeyboardButton{}
	if user.BonusDays > 0 {
		rows = append(rows, tu.InlineKeyboardRow(
			tu.InlineKeyboardButton(fmt.Sprintf("🎁 Потратить %d дн.", user.BonusDays)).WithCallbackData("bonus_spend"),
		))
	}
	rows = append(rows, tu.InlineKeyboardRow(
		tu.InlineKeyboardButton("« Назад").WithCallbackData("start_back"),
	))

	_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), msg).
		WithParseMode(telego.ModeMarkdown).WithReplyMarkup(tu.InlineKeyboard(rows...)))
	_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
	return nil
}

// handleBonusSpend converts the whole bonus balance into access time:
// an extension of the newest credential, or a fresh credential when the
// user has none.
func (b *Bot) handleBonusSpend(ctx *th.Context, update telego.Update) error {
	callback := update.CallbackQuery
	telegramID := callback.From.ID

	user, err := b.Ledger.UserByTelegramID(telegramID)
	if err != nil {
		b.sendError(ctx, telegramID, callback.ID, "❌ Пользователь не найден. Нажмите /start.")
		return nil
	}
	days := user.BonusDays
	if days <= 0 {
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(),
			tu.CallbackQuery(callback.ID).WithText("Бонусных дней пока нет."))
		return nil
	}

	creds, err := b.Ledger.CredentialsByUser(user.ID)
	if err != nil {
		b.Log.Error("failed to load credentials", "user_id", user.ID, "error", err)
		b.sendError(ctx, telegramID, callback.ID, "❌ Ошибка. Попробуйте позже.")
		return nil
	}

	if len(creds) > 0 {
		newExpiry, err := b.Engine.ExtendWithReferralBonus(ctx.Context(), telegramID, creds[0].ID, days)
		if err != nil {
			b.Log.Error("failed to spend bonus on extension", "user_id", user.ID, "error", err)
			b.sendError(ctx, telegramID, callback.ID, "❌ Не удалось продлить доступ. Попробуйте позже.")
			return nil
		}
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(telegramID),
			fmt.Sprintf("🎁 %d бонусных дней зачислены!\n📅 Доступ продлён до: %s",
				days, newExpiry.Format("02.01.2006 15:04")),
		))
	} else {
		url, err := b.Engine.IssueReferralBonus(ctx.Context(), telegramID, days)
		if err != nil {
			b.Log.Error("failed to spend bonus on new credential", "user_id", user.ID, "error", err)
			b.sendError(ctx, telegramID, callback.ID, "❌ Не удалось выдать доступ. Попробуйте позже.")
			return nil
		}
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(telegramID),
			fmt.Sprintf("🎁 Доступ на %d дней за бонусы готов!\n\n🔗 Ссылка-подписка:\n`%s`", days, url),
		).WithParseMode(telego.ModeMarkdown))
	}
	_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
	return nil
}

func (b *Bot) handleInstruction(ctx *th.Context, update telego.Update) error {
	callback := update.CallbackQuery

	msg := "📖 *Как подключиться:*\n\n" +
		"1. Купите VPN или возьмите бесплатный доступ.\n" +
		"2. Скопируйте ссылку-подписку.\n" +
		"3. Скачайте приложение (V2RayNG для Android, V2Box для iOS).\n" +
		"4. Добавьте подписку по ссылке.\n" +
		"5. Нажмите «Подключиться»!"

	_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
		tu.ID(callback.From.ID), msg).WithParseMode(telego.ModeMarkdown))
	_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
	return nil
}

// relayReconcileMessage reports whether the manual check handler has to
// deliver the reconcile message itself. On a post-payment failure the
// engine already sent the user the remediation text, so repeating it
// here would message the user twice.
func relayReconcileMessage(outcome engine.Outcome) bool {
	return outcome != engine.OutcomeFailed
}

func (b *Bot) sendError(ctx *th.Context, telegramID int64, callbackID, text string) {
	_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), text))
	_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callbackID))
}

func (b *Bot) failOrder(orderID uint) {
	if err := b.Ledger.MarkOrderFailed(orderID); err != nil {
		b.Log.Error("failed to mark order failed", "order_id", orderID, "error", err)
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d Б", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %sБ", float64(n)/float64(div), []string{"К", "М", "Г", "Т"}[exp])
}
