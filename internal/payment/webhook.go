package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"polarvpn-bot/internal/engine"
	"polarvpn-bot/internal/utils"
)

// Reconciler is the single entry point both webhook receivers converge
// on; its idempotency guarantees make gateway redeliveries harmless.
type Reconciler interface {
	Reconcile(ctx context.Context, orderID uint, paymentRef string) (engine.Outcome, string)
}

// WebhookHandler receives payment confirmations from both gateways and
// maps them onto Reconcile after validating each sender's authenticity:
// YooKassa by source-IP allowlist, CryptoPay by HMAC signature.
type WebhookHandler struct {
	Reconciler     Reconciler
	AllowedYooCIDR []string
	CryptoToken    string
	Log            *slog.Logger
}

func NewWebhookHandler(rec Reconciler, allowedYooCIDR []string, cryptoToken string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		Reconciler:     rec,
		AllowedYooCIDR: allowedYooCIDR,
		CryptoToken:    cryptoToken,
		Log:            logger,
	}
}

// HandleYooKassa processes payment.succeeded notifications. Everything
// the gateway should not retry answers 200, including unknown orders:
// nothing changed, redelivery is harmless.
func (h *WebhookHandler) HandleYooKassa(w http.ResponseWriter, r *http.Request) {
	if !h.sourceAllowed(r) {
		h.Log.Warn("yookassa webhook from disallowed source", "remote", r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	var notification WebhookNotification
	if err := json.NewDecoder(r.Body).Decode(&notification); err != nil {
		h.Log.Warn("failed to decode yookassa webhook", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if notification.Event != "payment.succeeded" || notification.Object.Status != "succeeded" {
		h.Log.Info("ignored yookassa event", "event", notification.Event, "status", notification.Object.Status)
		w.WriteHeader(http.StatusOK)
		return
	}

	orderID, err := orderIDFromMetadata(notification.Object.Metadata)
	if err != nil {
		h.Log.Error("yookassa webhook without usable order id",
			"payment_id", notification.Object.ID, "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	outcome, _ := h.Reconciler.Reconcile(r.Context(), orderID, notification.Object.ID)
	h.Log.Info("yookassa webhook reconciled",
		"order_id", orderID, "payment_id", notification.Object.ID, "outcome", outcome)
	w.WriteHeader(http.StatusOK)
}

// HandleCryptoPay processes invoice_paid updates. The signature is
// HMAC-SHA256 over the raw body, keyed with SHA256 of the API token.
func (h *WebhookHandler) HandleCryptoPay(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if !h.cryptoSignatureValid(body, r.Header.Get("Crypto-Pay-Api-Signature")) {
		h.Log.Warn("cryptopay webhook with bad signature", "remote", r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	var update CryptoUpdate
	if err := json.Unmarshal(body, &update); err != nil {
		h.Log.Warn("failed to decode cryptopay webhook", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if update.UpdateType != "invoice_paid" || update.Payload.Status != "paid" {
		h.Log.Info("ignored cryptopay update", "type", update.UpdateType, "status", update.Payload.Status)
		w.WriteHeader(http.StatusOK)
		return
	}

	orderID, err := DecodeOrderPayload(update.Payload.Payload)
	if err != nil {
		h.Log.Error("cryptopay webhook without usable order id",
			"invoice_id", update.Payload.InvoiceID, "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	ref := strconv.FormatInt(update.Payload.InvoiceID, 10)
	outcome, _ := h.Reconciler.Reconcile(r.Context(), orderID, ref)
	h.Log.Info("cryptopay webhook reconciled",
		"order_id", orderID, "invoice_id", update.Payload.InvoiceID, "outcome", outcome)
	w.WriteHeader(http.StatusOK)
}

func (h *WebhookHandler) sourceAllowed(r *http.Request) bool {
	if len(h.AllowedYooCIDR) == 0 {
		return true
	}
	ip := r.Header.Get("X-Real-IP")
	if ip == "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		} else {
			ip = host
		}
	}
	return utils.IsAllowedIP(ip, h.AllowedYooCIDR)
}

func (h *WebhookHandler) cryptoSignatureValid(body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	secret := sha256.Sum256([]byte(h.CryptoToken))
	mac := hmac.New(sha256.New, secret[:])
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func orderIDFromMetadata(metadata map[string]string) (uint, error) {
	raw, ok := metadata["order_id"]
	if !ok {
		return 0, errMissingOrderID
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, errMissingOrderID
	}
	return uint(id), nil
}

var errMissingOrderID = errors.New("metadata missing or invalid order_id")
