// Package engine turns confirmed payments into provisioned credentials.
// Reconcile is the single entry point for both payment-gateway webhooks
// and the user-triggered payment check; whichever caller wins the
// order's pending->paid transition performs the provisioning, everyone
// else backs off with AlreadyProcessed.
package engine

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"polarvpn-bot/internal/fleet"
	"polarvpn-bot/internal/models"
	"polarvpn-bot/internal/notify"
	"polarvpn-bot/internal/vless"
)

// Ledger is the slice of the persistent store the engine depends on.
type Ledger interface {
	OrderByID(id uint) (*models.Order, error)
	MarkOrderPaid(orderID uint, paymentID string) (bool, error)
	MarkOrderFailed(orderID uint) error
	ProductByID(id uint) (*models.Product, error)
	UserByID(id uint) (*models.User, error)
	UserByTelegramID(telegramID int64) (*models.User, error)
	CreateCredential(cred *models.Credential) error
	CredentialByID(id uint) (*models.Credential, error)
	ExtendCredential(id uint, newExpiry time.Time) error
	ClaimTrial(userID uint) (bool, error)
	ReleaseTrial(userID uint) error
	MarkReferralPurchased(referredID uint, bonusDays int) (uint, bool, error)
	AccrueBonus(userID uint, days int) error
	SpendBonus(userID uint, days int) error
}

// Panel is the upstream provisioning surface. Calls carry a bounded
// timeout and are never retried by the implementation.
type Panel interface {
	AddClient(ctx context.Context, node fleet.Node, clientID, email, subID string, expiryMillis int64) error
	UpdateClientExpiry(ctx context.Context, node fleet.Node, clientID string, expiryMillis int64) error
	DeleteClient(ctx context.Context, node fleet.Node, clientID string) error
}

// NodeSource covers the two fleet lookups the engine performs: rotation
// for new provisioning and by-name resolution for renewals.
type NodeSource interface {
	NextNode(country string) (fleet.Node, error)
	Find(name string) (fleet.Node, bool)
}

// Config carries the policy knobs the engine needs.
type Config struct {
	// PublicHost is the externally reachable base URL subscription
	// links are built from, e.g. https://vpn.example.com.
	PublicHost string
	// DefaultCountry is the fallback when neither the order metadata
	// nor the product pins a country.
	DefaultCountry string
	// ReferralBonusDays is accrued to the referrer on the referred
	// user's first paid order.
	ReferralBonusDays int
	// TrialDuration is the lifetime of a free trial credential.
	TrialDuration time.Duration
}

type Engine struct {
	ledger   Ledger
	panel    Panel
	nodes    NodeSource
	notifier notify.Notifier
	cfg      Config
	log      *slog.Logger
}

func New(l Ledger, panel Panel, nodes NodeSource, notifier notify.Notifier, cfg Config, logger *slog.Logger) *Engine {
	if cfg.ReferralBonusDays == 0 {
		cfg.ReferralBonusDays = 7
	}
	if cfg.TrialDuration == 0 {
		cfg.TrialDuration = 24 * time.Hour
	}
	return &Engine{
		ledger:   l,
		panel:    panel,
		nodes:    nodes,
		notifier: notifier,
		cfg:      cfg,
		log:      logger,
	}
}

// SubscriptionURL renders the stable external link for a token.
func (e *Engine) SubscriptionURL(token string) string {
	return strings.TrimRight(e.cfg.PublicHost, "/") + "/sub/" + token
}

// renderLink builds the user-facing connection URI for a client on a
// node. Tagged with the product name so the key is recognizable in apps.
func (e *Engine) renderLink(node fleet.Node, clientID, tag string) string {
	return vless.Link(node, clientID, tag)
}

// newClientIdentity mints the panel-side identity for a credential.
// Everything is derived from the client UUID so a delete+recreate with
// the same UUID reproduces the identical upstream client.
func newClientIdentity() string {
	return uuid.New().String()
}

// ClientEmail derives the panel-side email identity for a credential.
// Deterministic so reporting surfaces can rebuild it from stored fields.
// Stored client ids are usually UUIDs but the column does not enforce
// that, so the truncation tolerates shorter values.
func ClientEmail(telegramID int64, clientID string) string {
	suffix := clientID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return "u" + strconv.FormatInt(telegramID, 10) + "_" + suffix
}

func clientSubID(clientID string) string {
	id := strings.ReplaceAll(clientID, "-", "")
	if len(id) > 16 {
		id = id[:16]
	}
	return id
}

func newSubToken() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
