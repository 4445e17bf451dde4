package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"polarvpn-bot/internal/fleet"
	"polarvpn-bot/internal/ledger"
	"polarvpn-bot/internal/models"
	"polarvpn-bot/internal/notify"
)

// Outcome classifies what a Reconcile call did.
type Outcome int

const (
	// OutcomeProvisioned: a new credential was created and delivered.
	OutcomeProvisioned Outcome = iota
	// OutcomeRenewed: an existing credential's expiry was extended.
	OutcomeRenewed
	// OutcomeConfirmed: an ad-hoc charge was confirmed, no credential touched.
	OutcomeConfirmed
	// OutcomeAlreadyProcessed: another caller won the pending->paid
	// transition; nothing was done. Not an error.
	OutcomeAlreadyProcessed
	// OutcomeOrderNotFound: no such order; nothing was done.
	OutcomeOrderNotFound
	// OutcomeFailed: payment is recorded but provisioning needs manual
	// remediation; operators have been escalated to.
	OutcomeFailed
)

const supportMsg = "⚠️ Оплата получена, но при выдаче доступа произошла ошибка.\n" +
	"Мы уже разбираемся — напишите в поддержку, если доступ не появится в ближайшее время."

// Reconcile processes one payment confirmation for an order. It is safe
// to call any number of times from any number of racing callers: the
// order's conditional pending->paid update picks exactly one winner and
// only the winner provisions. paymentRef is the gateway's external
// payment identifier, recorded on the order.
//
// Failures after the order is marked paid never roll the payment back:
// the user gets a remediation-pending message and operators get the
// full context, because money has already moved.
func (e *Engine) Reconcile(ctx context.Context, orderID uint, paymentRef string) (Outcome, string) {
	order, err := e.ledger.OrderByID(orderID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			e.log.Warn("reconcile: order not found", "order_id", orderID)
			return OutcomeOrderNotFound, "Заказ не найден."
		}
		e.log.Error("reconcile: order lookup failed", "order_id", orderID, "error", err)
		return OutcomeFailed, "Не удалось проверить заказ. Попробуйте ещё раз."
	}

	won, err := e.ledger.MarkOrderPaid(orderID, paymentRef)
	if err != nil {
		e.log.Error("reconcile: paid transition failed", "order_id", orderID, "error", err)
		e.notifier.Escalate(fmt.Sprintf("❗️ Заказ #%d: не удалось перевести в paid: %v", orderID, err))
		return OutcomeFailed, supportMsg
	}
	if !won {
		return OutcomeAlreadyProcessed, "Этот заказ уже обработан."
	}

	user, err := e.ledger.UserByID(order.UserID)
	if err != nil {
		e.escalateOrder(order, fmt.Errorf("user %d lookup failed: %w", order.UserID, err))
		return OutcomeFailed, supportMsg
	}

	e.accrueReferralBonus(order, user)

	meta := ledger.DecodeOrderMeta(order.Meta)
	switch {
	case meta.Kind == ledger.OrderKindRenewal:
		return e.reconcileRenewal(ctx, order, user, meta)
	case meta.Kind == ledger.OrderKindAdHoc || order.ProductID == nil:
		msg := fmt.Sprintf("✅ Оплата на сумму %.2f₽ получена. Спасибо!", order.Amount)
		e.send(user.TelegramID, msg, notify.FollowUpNone)
		return OutcomeConfirmed, msg
	default:
		return e.reconcilePurchase(ctx, order, user, meta)
	}
}

func (e *Engine) reconcilePurchase(ctx context.Context, order *models.Order, user *models.User, meta ledger.OrderMeta) (Outcome, string) {
	product, err := e.ledger.ProductByID(*order.ProductID)
	if err != nil {
		e.escalateOrder(order, fmt.Errorf("product %d lookup failed: %w", *order.ProductID, err))
		return OutcomeFailed, supportMsg
	}

	country := meta.Country
	if country == "" {
		country = product.Country
	}
	if country == "" {
		country = e.cfg.DefaultCountry
	}
	if country == "" {
		e.escalateOrder(order, errors.New("could not resolve target country"))
		return OutcomeFailed, supportMsg
	}

	duration := time.Duration(product.DurationDays) * 24 * time.Hour
	cred, err := e.provision(ctx, user, country, duration, &order.ID, product.Name)
	if err != nil {
		e.escalateOrder(order, err)
		return OutcomeFailed, supportMsg
	}

	msg := fmt.Sprintf(
		"✅ Оплата прошла успешно!\n\n"+
			"📅 Доступ действует до: %s\n\n"+
			"🔗 Ваша ссылка-подписка:\n%s\n\n"+
			"Добавьте её в V2RayNG (Android) или V2Box (iOS).",
		cred.ExpiresAt.Format("02.01.2006 15:04"), e.SubscriptionURL(cred.SubToken))
	e.send(user.TelegramID, msg, notify.FollowUpNewCredential)
	e.log.Info("order provisioned",
		"order_id", order.ID, "credential_id", cred.ID, "node", cred.NodeName, "country", country)
	return OutcomeProvisioned, msg
}

func (e *Engine) reconcileRenewal(ctx context.Context, order *models.Order, user *models.User, meta ledger.OrderMeta) (Outcome, string) {
	cred, err := e.ledger.CredentialByID(meta.CredentialID)
	if err != nil {
		e.escalateOrder(order, fmt.Errorf("renewal target %d: %w", meta.CredentialID, err))
		return OutcomeFailed, supportMsg
	}
	if cred.UserID != order.UserID {
		e.escalateOrder(order, fmt.Errorf("renewal target %d belongs to user %d, payer is %d",
			cred.ID, cred.UserID, order.UserID))
		return OutcomeFailed, supportMsg
	}
	if order.ProductID == nil {
		e.escalateOrder(order, errors.New("renewal order has no product"))
		return OutcomeFailed, supportMsg
	}
	product, err := e.ledger.ProductByID(*order.ProductID)
	if err != nil {
		e.escalateOrder(order, fmt.Errorf("renewal product %d: %w", *order.ProductID, err))
		return OutcomeFailed, supportMsg
	}

	duration := time.Duration(product.DurationDays) * 24 * time.Hour
	newExpiry, err := e.extendUpstream(ctx, cred, user, duration)
	if err != nil {
		e.escalateOrder(order, err)
		return OutcomeFailed, supportMsg
	}

	msg := fmt.Sprintf(
		"✅ Подписка продлена!\n\n"+
			"📅 Новый срок действия: до %s\n\n"+
			"Ссылка-подписка не изменилась:\n%s",
		newExpiry.Format("02.01.2006 15:04"), e.SubscriptionURL(cred.SubToken))
	e.send(user.TelegramID, msg, notify.FollowUpRenewal)
	e.log.Info("credential renewed", "order_id", order.ID, "credential_id", cred.ID, "new_expiry", newExpiry)
	return OutcomeRenewed, msg
}

// extendUpstream moves a credential's expiry to max(now, current)+duration:
// renewing an expired credential starts from now, renewing a live one
// stacks on top, never truncates. In-place panel update first, then a
// delete+recreate fallback with the same client UUID so the rendered
// link and subscription token stay valid.
func (e *Engine) extendUpstream(ctx context.Context, cred *models.Credential, user *models.User, duration time.Duration) (time.Time, error) {
	now := time.Now()
	base := cred.ExpiresAt
	if base.Before(now) {
		base = now
	}
	newExpiry := base.Add(duration)

	node, ok := e.nodes.Find(cred.NodeName)
	if !ok {
		return time.Time{}, fmt.Errorf("node %q for credential %d is no longer configured", cred.NodeName, cred.ID)
	}

	expiryMillis := newExpiry.UnixMilli()
	if err := e.panel.UpdateClientExpiry(ctx, node, cred.ClientID, expiryMillis); err != nil {
		e.log.Warn("in-place expiry update failed, falling back to recreate",
			"credential_id", cred.ID, "node", cred.NodeName, "error", err)
		if delErr := e.panel.DeleteClient(ctx, node, cred.ClientID); delErr != nil {
			e.log.Warn("delete before recreate failed", "credential_id", cred.ID, "error", delErr)
		}
		email := ClientEmail(user.TelegramID, cred.ClientID)
		if addErr := e.panel.AddClient(ctx, node, cred.ClientID, email, clientSubID(cred.ClientID), expiryMillis); addErr != nil {
			return time.Time{}, fmt.Errorf("upstream extension failed on %s (update: %v, recreate: %w)",
				cred.NodeName, err, addErr)
		}
	}

	if err := e.ledger.ExtendCredential(cred.ID, newExpiry); err != nil {
		return time.Time{}, fmt.Errorf("failed to persist new expiry for credential %d: %w", cred.ID, err)
	}
	return newExpiry, nil
}

// provision allocates a node, registers the client upstream, renders
// the connection link and persists the credential with a fresh
// subscription token. Shared by the purchase, trial and bonus paths.
func (e *Engine) provision(ctx context.Context, user *models.User, country string, duration time.Duration, orderID *uint, tag string) (*models.Credential, error) {
	node, err := e.nodes.NextNode(country)
	if err != nil {
		if errors.Is(err, fleet.ErrNoNodeForCountry) {
			return nil, fmt.Errorf("no node for country %q: %w", country, err)
		}
		return nil, err
	}

	clientID := newClientIdentity()
	email := ClientEmail(user.TelegramID, clientID)
	expiresAt := time.Now().Add(duration)

	if err := e.panel.AddClient(ctx, node, clientID, email, clientSubID(clientID), expiresAt.UnixMilli()); err != nil {
		return nil, fmt.Errorf("provisioning on %s failed: %w", node.Name, err)
	}

	cred := &models.Credential{
		UserID:        user.ID,
		OrderID:       orderID,
		ClientID:      clientID,
		NodeName:      node.Name,
		SubToken:      newSubToken(),
		ConnectionURI: e.renderLink(node, clientID, tag),
		ExpiresAt:     expiresAt,
	}
	if err := e.ledger.CreateCredential(cred); err != nil {
		// The upstream client exists but the row does not; surface it
		// so an operator can reconcile by hand.
		return nil, fmt.Errorf("failed to persist credential (client %s on %s): %w", clientID, node.Name, err)
	}
	return cred, nil
}

func (e *Engine) accrueReferralBonus(order *models.Order, user *models.User) {
	referrerID, accrued, err := e.ledger.MarkReferralPurchased(order.UserID, e.cfg.ReferralBonusDays)
	if err != nil {
		e.log.Error("referral accrual failed", "order_id", order.ID, "error", err)
		return
	}
	if !accrued {
		return
	}
	referrer, err := e.ledger.UserByID(referrerID)
	if err != nil {
		e.log.Error("referrer lookup failed", "referrer_id", referrerID, "error", err)
		return
	}
	e.send(referrer.TelegramID, fmt.Sprintf(
		"🎁 Приглашённый вами пользователь совершил первую покупку!\n"+
			"Вам начислено %d бонусных дней.", e.cfg.ReferralBonusDays), notify.FollowUpNone)
	e.log.Info("referral bonus accrued", "referrer_id", referrerID, "referred_id", user.ID)
}

func (e *Engine) escalateOrder(order *models.Order, cause error) {
	e.log.Error("post-payment failure", "order_id", order.ID, "user_id", order.UserID, "error", cause)
	e.notifier.Escalate(fmt.Sprintf(
		"⚠️ СБОЙ ВЫДАЧИ ДОСТУПА ⚠️\n\n"+
			"Заказ #%d (пользователь %d, сумма %.2f₽) оплачен, но доступ не выдан.\n"+
			"Ошибка: %v\n\n"+
			"Требуется ручное вмешательство!",
		order.ID, order.UserID, order.Amount, cause))
	if user, err := e.ledger.UserByID(order.UserID); err == nil {
		e.send(user.TelegramID, supportMsg, notify.FollowUpNone)
	}
}

func (e *Engine) send(telegramID int64, text string, followUp notify.FollowUp) {
	if err := e.notifier.Notify(telegramID, text, followUp); err != nil {
		e.log.Warn("notification delivery failed", "telegram_id", telegramID, "error", err)
	}
}
