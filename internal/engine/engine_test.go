package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"polarvpn-bot/internal/fleet"
	"polarvpn-bot/internal/ledger"
	"polarvpn-bot/internal/models"
	"polarvpn-bot/internal/notify"
)

// fakeLedger is a mutex-guarded in-memory implementation of the Ledger
// slice, with the same single-winner semantics as the real store.
type fakeLedger struct {
	mu          sync.Mutex
	orders      map[uint]*models.Order
	products    map[uint]*models.Product
	users       map[uint]*models.User
	credentials map[uint]*models.Credential
	nextCredID  uint

	referralReferrer uint
	referralPending  bool

	spendErr error
	refunds  int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		orders:      make(map[uint]*models.Order),
		products:    make(map[uint]*models.Product),
		users:       make(map[uint]*models.User),
		credentials: make(map[uint]*models.Credential),
	}
}

func (f *fakeLedger) OrderByID(id uint) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (f *fakeLedger) MarkOrderPaid(orderID uint, paymentID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok || o.Status != models.OrderStatusPending {
		return false, nil
	}
	o.Status = models.OrderStatusPaid
	o.PaymentID = paymentID
	return true, nil
}

func (f *fakeLedger) MarkOrderFailed(orderID uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[orderID]; ok && o.Status == models.OrderStatusPending {
		o.Status = models.OrderStatusFailed
	}
	return nil
}

func (f *fakeLedger) ProductByID(id uint) (*models.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return p, nil
}

func (f *fakeLedger) UserByID(id uint) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeLedger) UserByTelegramID(telegramID int64) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.TelegramID == telegramID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ledger.ErrNotFound
}

func (f *fakeLedger) CreateCredential(cred *models.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextCredID++
	cred.ID = f.nextCredID
	cp := *cred
	f.credentials[cred.ID] = &cp
	return nil
}

func (f *fakeLedger) CredentialByID(id uint) (*models.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.credentials[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeLedger) ExtendCredential(id uint, newExpiry time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.credentials[id]; ok && c.ExpiresAt.Before(newExpiry) {
		c.ExpiresAt = newExpiry
	}
	return nil
}

func (f *fakeLedger) ClaimTrial(userID uint) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok || u.TrialIssued {
		return false, nil
	}
	u.TrialIssued = true
	return true, nil
}

func (f *fakeLedger) ReleaseTrial(userID uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[userID]; ok {
		u.TrialIssued = false
	}
	return nil
}

func (f *fakeLedger) MarkReferralPurchased(referredID uint, bonusDays int) (uint, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.referralPending {
		return 0, false, nil
	}
	f.referralPending = false
	if u, ok := f.users[f.referralReferrer]; ok {
		u.BonusDays += bonusDays
	}
	return f.referralReferrer, true, nil
}

func (f *fakeLedger) AccrueBonus(userID uint, days int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds++
	if u, ok := f.users[userID]; ok {
		u.BonusDays += days
	}
	return nil
}

func (f *fakeLedger) SpendBonus(userID uint, days int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spendErr != nil {
		return f.spendErr
	}
	u, ok := f.users[userID]
	if !ok || u.BonusDays < days {
		return ledger.ErrInsufficientBonus
	}
	u.BonusDays -= days
	return nil
}

// fakePanel counts upstream calls and fails on demand.
type fakePanel struct {
	mu          sync.Mutex
	addCalls    int
	updateCalls int
	deleteCalls int
	lastAddID   string

	addErr    error
	updateErr error
}

func (p *fakePanel) AddClient(_ context.Context, _ fleet.Node, clientID, _, _ string, _ int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addCalls++
	p.lastAddID = clientID
	return p.addErr
}

func (p *fakePanel) UpdateClientExpiry(_ context.Context, _ fleet.Node, _ string, _ int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updateCalls++
	return p.updateErr
}

func (p *fakePanel) DeleteClient(_ context.Context, _ fleet.Node, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleteCalls++
	return nil
}

// The production wiring hands the engine a *fleet.Allocator.
var _ NodeSource = (*fleet.Allocator)(nil)

type fakeNodes struct {
	node    fleet.Node
	nextErr error
}

func (n *fakeNodes) NextNode(string) (fleet.Node, error) {
	if n.nextErr != nil {
		return fleet.Node{}, n.nextErr
	}
	return n.node, nil
}

func (n *fakeNodes) Find(name string) (fleet.Node, bool) {
	if name == n.node.Name {
		return n.node, true
	}
	return fleet.Node{}, false
}

type sentMessage struct {
	telegramID int64
	text       string
	followUp   notify.FollowUp
}

type fakeNotifier struct {
	mu          sync.Mutex
	messages    []sentMessage
	escalations []string
}

func (n *fakeNotifier) Notify(telegramID int64, text string, followUp notify.FollowUp) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, sentMessage{telegramID, text, followUp})
	return nil
}

func (n *fakeNotifier) Escalate(text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.escalations = append(n.escalations, text)
}

var testNode = fleet.Node{
	Name: "fi-1", Country: "Финляндия", Address: "fi1.example.com", Port: 443,
	PublicKey: "pbk", ShortID: "sid", Fingerprint: "chrome", SNI: []string{"yahoo.com"},
}

type fixture struct {
	ledger   *fakeLedger
	panel    *fakePanel
	nodes    *fakeNodes
	notifier *fakeNotifier
	engine   *Engine
}

func newFixture() *fixture {
	l := newFakeLedger()
	p := &fakePanel{}
	n := &fakeNodes{node: testNode}
	nf := &fakeNotifier{}
	e := New(l, p, n, nf, Config{
		PublicHost:     "https://vpn.example.com",
		DefaultCountry: "Финляндия",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return &fixture{ledger: l, panel: p, nodes: n, notifier: nf, engine: e}
}

func (f *fixture) addUser(id uint, telegramID int64) *models.User {
	u := &models.User{ID: id, TelegramID: telegramID}
	f.ledger.users[id] = u
	return u
}

func (f *fixture) addProduct(id uint, days int, country string) *models.Product {
	p := &models.Product{ID: id, Name: fmt.Sprintf("VPN %dd", days), Price: 199, DurationDays: days, Country: country}
	f.ledger.products[id] = p
	return p
}

func (f *fixture) addOrder(id, userID uint, productID *uint, meta ledger.OrderMeta) *models.Order {
	o := &models.Order{ID: id, UserID: userID, ProductID: productID, Amount: 199,
		Status: models.OrderStatusPending, Meta: meta.Encode()}
	f.ledger.orders[id] = o
	return o
}

func TestReconcileProvisionsExactlyOnceUnderRace(t *testing.T) {
	f := newFixture()
	f.addUser(1, 100)
	pid := uint(1)
	f.addProduct(pid, 30, "Финляндия")
	f.addOrder(42, 1, &pid, ledger.OrderMeta{Kind: ledger.OrderKindPurchase})

	const racers = 16
	outcomes := make([]Outcome, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], _ = f.engine.Reconcile(context.Background(), 42, fmt.Sprintf("pay-%d", i))
		}(i)
	}
	wg.Wait()

	provisioned, already := 0, 0
	for _, o := range outcomes {
		switch o {
		case OutcomeProvisioned:
			provisioned++
		case OutcomeAlreadyProcessed:
			already++
		default:
			t.Fatalf("unexpected outcome %v", o)
		}
	}
	if provisioned != 1 || already != racers-1 {
		t.Fatalf("provisioned=%d already=%d", provisioned, already)
	}
	if f.panel.addCalls != 1 {
		t.Fatalf("panel AddClient called %d times", f.panel.addCalls)
	}
	if len(f.ledger.credentials) != 1 {
		t.Fatalf("%d credentials created", len(f.ledger.credentials))
	}
}

func TestReconcilePurchaseDeliversLink(t *testing.T) {
	f := newFixture()
	f.addUser(1, 100)
	pid := uint(1)
	f.addProduct(pid, 30, "Финляндия")
	f.addOrder(42, 1, &pid, ledger.OrderMeta{Kind: ledger.OrderKindPurchase})

	outcome, _ := f.engine.Reconcile(context.Background(), 42, "pay-1")
	if outcome != OutcomeProvisioned {
		t.Fatalf("outcome: %v", outcome)
	}

	if len(f.notifier.messages) != 1 {
		t.Fatalf("messages: %d", len(f.notifier.messages))
	}
	msg := f.notifier.messages[0]
	if msg.telegramID != 100 || msg.followUp != notify.FollowUpNewCredential {
		t.Fatalf("message: %+v", msg)
	}
	if !strings.Contains(msg.text, "https://vpn.example.com/sub/") {
		t.Fatalf("message lacks subscription link: %s", msg.text)
	}

	cred := f.ledger.credentials[1]
	if cred.NodeName != "fi-1" || cred.OrderID == nil || *cred.OrderID != 42 {
		t.Fatalf("credential: %+v", cred)
	}
	if !strings.HasPrefix(cred.ConnectionURI, "vless://") {
		t.Fatalf("connection uri: %s", cred.ConnectionURI)
	}
}

func TestReconcileOrderNotFound(t *testing.T) {
	f := newFixture()
	outcome, _ := f.engine.Reconcile(context.Background(), 999, "pay-1")
	if outcome != OutcomeOrderNotFound {
		t.Fatalf("outcome: %v", outcome)
	}
	if f.panel.addCalls != 0 {
		t.Fatal("panel was touched for an unknown order")
	}
}

func TestReconcileAdHocConfirms(t *testing.T) {
	f := newFixture()
	f.addUser(1, 100)
	f.addOrder(42, 1, nil, ledger.OrderMeta{Kind: ledger.OrderKindAdHoc, Comment: "ручной счёт"})

	outcome, _ := f.engine.Reconcile(context.Background(), 42, "pay-1")
	if outcome != OutcomeConfirmed {
		t.Fatalf("outcome: %v", outcome)
	}
	if f.panel.addCalls != 0 || len(f.ledger.credentials) != 0 {
		t.Fatal("ad-hoc order touched provisioning")
	}
}

func TestReconcileRenewalStacksOnLiveCredential(t *testing.T) {
	f := newFixture()
	user := f.addUser(1, 100)
	pid := uint(1)
	f.addProduct(pid, 30, "Финляндия")

	expiry := time.Now().Add(48 * time.Hour)
	cred := &models.Credential{UserID: user.ID, ClientID: "cid-1", NodeName: "fi-1",
		SubToken: "tok", ConnectionURI: "vless://x", ExpiresAt: expiry}
	f.ledger.CreateCredential(cred)
	f.addOrder(42, 1, &pid, ledger.OrderMeta{Kind: ledger.OrderKindRenewal, CredentialID: cred.ID})

	outcome, _ := f.engine.Reconcile(context.Background(), 42, "pay-1")
	if outcome != OutcomeRenewed {
		t.Fatalf("outcome: %v", outcome)
	}

	got, _ := f.ledger.CredentialByID(cred.ID)
	want := expiry.Add(30 * 24 * time.Hour)
	if diff := got.ExpiresAt.Sub(want); diff < -time.Minute || diff > time.Minute {
		t.Fatalf("expiry: got %v, want about %v", got.ExpiresAt, want)
	}
	if f.panel.updateCalls != 1 || f.panel.addCalls != 0 {
		t.Fatalf("panel calls: update=%d add=%d", f.panel.updateCalls, f.panel.addCalls)
	}
}

func TestReconcileRenewalOfExpiredStartsFromNow(t *testing.T) {
	f := newFixture()
	user := f.addUser(1, 100)
	pid := uint(1)
	f.addProduct(pid, 30, "Финляндия")

	cred := &models.Credential{UserID: user.ID, ClientID: "cid-1", NodeName: "fi-1",
		SubToken: "tok", ConnectionURI: "vless://x", ExpiresAt: time.Now().Add(-72 * time.Hour)}
	f.ledger.CreateCredential(cred)
	f.addOrder(42, 1, &pid, ledger.OrderMeta{Kind: ledger.OrderKindRenewal, CredentialID: cred.ID})

	if outcome, _ := f.engine.Reconcile(context.Background(), 42, "pay-1"); outcome != OutcomeRenewed {
		t.Fatalf("outcome: %v", outcome)
	}

	got, _ := f.ledger.CredentialByID(cred.ID)
	want := time.Now().Add(30 * 24 * time.Hour)
	if diff := got.ExpiresAt.Sub(want); diff < -time.Minute || diff > time.Minute {
		t.Fatalf("expiry: got %v, want about %v", got.ExpiresAt, want)
	}
}

func TestRenewalFallsBackToRecreateWithSameClientID(t *testing.T) {
	f := newFixture()
	user := f.addUser(1, 100)
	pid := uint(1)
	f.addProduct(pid, 30, "Финляндия")
	f.panel.updateErr = errors.New("panel rejects partial updates")

	cred := &models.Credential{UserID: user.ID, ClientID: "cid-stable", NodeName: "fi-1",
		SubToken: "tok", ConnectionURI: "vless://x", ExpiresAt: time.Now().Add(24 * time.Hour)}
	f.ledger.CreateCredential(cred)
	f.addOrder(42, 1, &pid, ledger.OrderMeta{Kind: ledger.OrderKindRenewal, CredentialID: cred.ID})

	if outcome, _ := f.engine.Reconcile(context.Background(), 42, "pay-1"); outcome != OutcomeRenewed {
		t.Fatalf("outcome: %v", outcome)
	}
	if f.panel.deleteCalls != 1 || f.panel.addCalls != 1 {
		t.Fatalf("panel calls: delete=%d add=%d", f.panel.deleteCalls, f.panel.addCalls)
	}
	if f.panel.lastAddID != "cid-stable" {
		t.Fatalf("recreate used a new client id: %s", f.panel.lastAddID)
	}
}

func TestReconcileRenewalRejectsForeignCredential(t *testing.T) {
	f := newFixture()
	f.addUser(1, 100)
	owner := f.addUser(2, 200)
	pid := uint(1)
	f.addProduct(pid, 30, "Финляндия")

	cred := &models.Credential{UserID: owner.ID, ClientID: "cid-1", NodeName: "fi-1",
		SubToken: "tok", ConnectionURI: "vless://x", ExpiresAt: time.Now().Add(24 * time.Hour)}
	f.ledger.CreateCredential(cred)
	f.addOrder(42, 1, &pid, ledger.OrderMeta{Kind: ledger.OrderKindRenewal, CredentialID: cred.ID})

	outcome, _ := f.engine.Reconcile(context.Background(), 42, "pay-1")
	if outcome != OutcomeFailed {
		t.Fatalf("outcome: %v", outcome)
	}
	if len(f.notifier.escalations) != 1 {
		t.Fatalf("escalations: %d", len(f.notifier.escalations))
	}
	if f.panel.updateCalls != 0 {
		t.Fatal("foreign credential was extended upstream")
	}
}

func TestProvisioningFailureEscalatesAndKeepsOrderPaid(t *testing.T) {
	f := newFixture()
	f.addUser(1, 100)
	pid := uint(1)
	f.addProduct(pid, 30, "Финляндия")
	f.addOrder(42, 1, &pid, ledger.OrderMeta{Kind: ledger.OrderKindPurchase})
	f.panel.addErr = errors.New("node unreachable")

	outcome, _ := f.engine.Reconcile(context.Background(), 42, "pay-1")
	if outcome != OutcomeFailed {
		t.Fatalf("outcome: %v", outcome)
	}

	// Money moved: the order stays paid and operators hear about it.
	order, _ := f.ledger.OrderByID(42)
	if order.Status != models.OrderStatusPaid {
		t.Fatalf("order status: %s", order.Status)
	}
	if len(f.notifier.escalations) != 1 {
		t.Fatalf("escalations: %d", len(f.notifier.escalations))
	}
	// The user was told remediation is underway, exactly once — callers
	// rely on the engine owning this delivery and must not repeat it.
	remediations := 0
	for _, m := range f.notifier.messages {
		if m.telegramID == 100 && strings.Contains(m.text, "поддержку") {
			remediations++
		}
	}
	if remediations != 1 {
		t.Fatalf("remediation messages: %d, want 1 (%+v)", remediations, f.notifier.messages)
	}
}

func TestReconcileAccruesReferralBonusOnFirstPurchase(t *testing.T) {
	f := newFixture()
	f.addUser(1, 100) // referred buyer
	f.addUser(2, 200) // referrer
	pid := uint(1)
	f.addProduct(pid, 30, "Финляндия")
	f.addOrder(42, 1, &pid, ledger.OrderMeta{Kind: ledger.OrderKindPurchase})
	f.ledger.referralReferrer = 2
	f.ledger.referralPending = true

	if outcome, _ := f.engine.Reconcile(context.Background(), 42, "pay-1"); outcome != OutcomeProvisioned {
		t.Fatalf("outcome: %v", outcome)
	}

	if f.ledger.users[2].BonusDays != 7 {
		t.Fatalf("referrer bonus: %d", f.ledger.users[2].BonusDays)
	}
	notified := false
	for _, m := range f.notifier.messages {
		if m.telegramID == 200 && strings.Contains(m.text, "бонусных") {
			notified = true
		}
	}
	if !notified {
		t.Fatalf("referrer not notified: %+v", f.notifier.messages)
	}
}

func TestIssueTrialOncePerUser(t *testing.T) {
	f := newFixture()
	f.addUser(1, 100)

	url, err := f.engine.IssueTrial(context.Background(), 100, false)
	if err != nil {
		t.Fatalf("IssueTrial: %v", err)
	}
	if !strings.HasPrefix(url, "https://vpn.example.com/sub/") {
		t.Fatalf("url: %s", url)
	}
	if !f.ledger.users[1].TrialIssued {
		t.Fatal("trial flag not set")
	}

	if _, err := f.engine.IssueTrial(context.Background(), 100, false); !errors.Is(err, ErrTrialAlreadyUsed) {
		t.Fatalf("second trial: got %v, want ErrTrialAlreadyUsed", err)
	}

	// Operators can force a re-issue.
	if _, err := f.engine.IssueTrial(context.Background(), 100, true); err != nil {
		t.Fatalf("forced trial: %v", err)
	}
}

func TestIssueTrialExactlyOnceUnderRace(t *testing.T) {
	f := newFixture()
	f.addUser(1, 100)

	const racers = 8
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.IssueTrial(context.Background(), 100, false)
		}(i)
	}
	wg.Wait()

	issued := 0
	for _, err := range errs {
		switch {
		case err == nil:
			issued++
		case errors.Is(err, ErrTrialAlreadyUsed):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if issued != 1 {
		t.Fatalf("trial issued %d times, want 1", issued)
	}
	if len(f.ledger.credentials) != 1 {
		t.Fatalf("%d credentials created", len(f.ledger.credentials))
	}
}

func TestIssueTrialReleasesClaimOnProvisioningFailure(t *testing.T) {
	f := newFixture()
	f.addUser(1, 100)
	f.panel.addErr = errors.New("node unreachable")

	if _, err := f.engine.IssueTrial(context.Background(), 100, false); err == nil {
		t.Fatal("expected provisioning error")
	}
	if f.ledger.users[1].TrialIssued {
		t.Fatal("failed trial left the flag claimed")
	}

	// The user keeps their trial after the hiccup.
	f.panel.addErr = nil
	if _, err := f.engine.IssueTrial(context.Background(), 100, false); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestClientIdentityToleratesShortIDs(t *testing.T) {
	// Client ids are normally UUIDs, but operator-created rows may carry
	// shorter values; derivation must truncate, not panic.
	if got := ClientEmail(100, "cid-1"); got != "u100_cid-1" {
		t.Fatalf("ClientEmail short: %s", got)
	}
	if got := ClientEmail(100, "0f1e2d3c-4b5a-6978-8796-a5b4c3d2e1f0"); got != "u100_0f1e2d3c" {
		t.Fatalf("ClientEmail uuid: %s", got)
	}
	if got := clientSubID("cid-1"); got != "cid1" {
		t.Fatalf("clientSubID short: %s", got)
	}
	if got := clientSubID("0f1e2d3c-4b5a-6978-8796-a5b4c3d2e1f0"); got != "0f1e2d3c4b5a6978" {
		t.Fatalf("clientSubID uuid: %s", got)
	}
}

func TestIssueReferralBonusRefundsOnProvisioningFailure(t *testing.T) {
	f := newFixture()
	u := f.addUser(1, 100)
	u.BonusDays = 7
	f.panel.addErr = errors.New("node unreachable")

	if _, err := f.engine.IssueReferralBonus(context.Background(), 100, 7); err == nil {
		t.Fatal("expected provisioning error")
	}
	if f.ledger.users[1].BonusDays != 7 {
		t.Fatalf("balance after refund: %d", f.ledger.users[1].BonusDays)
	}
	if f.ledger.refunds != 1 {
		t.Fatalf("refunds: %d", f.ledger.refunds)
	}
}

func TestIssueReferralBonusInsufficientBalance(t *testing.T) {
	f := newFixture()
	f.addUser(1, 100)

	if _, err := f.engine.IssueReferralBonus(context.Background(), 100, 7); !errors.Is(err, ledger.ErrInsufficientBonus) {
		t.Fatalf("got %v, want ErrInsufficientBonus", err)
	}
	if f.panel.addCalls != 0 {
		t.Fatal("panel was touched without balance")
	}
}
