package ledger

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"polarvpn-bot/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.User{}, &models.Product{}, &models.Order{}, &models.Credential{}, &models.Referral{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return NewStore(db)
}

func mustUser(t *testing.T, s *Store, telegramID int64) *models.User {
	t.Helper()
	user, _, err := s.GetOrCreateUser(telegramID, "user", "User")
	if err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}
	return user
}

func TestGetOrCreateUserIdempotent(t *testing.T) {
	s := newTestStore(t)

	first, created, err := s.GetOrCreateUser(100, "alice", "Alice")
	if err != nil || !created {
		t.Fatalf("first contact: created=%v err=%v", created, err)
	}
	second, created, err := s.GetOrCreateUser(100, "alice", "Alice")
	if err != nil || created {
		t.Fatalf("second contact: created=%v err=%v", created, err)
	}
	if first.ID != second.ID {
		t.Fatalf("ids differ: %d vs %d", first.ID, second.ID)
	}
	if first.ReferralCode != "ref_100" {
		t.Fatalf("referral code: got %q", first.ReferralCode)
	}
}

func TestMarkOrderPaidExactlyOneWinner(t *testing.T) {
	s := newTestStore(t)
	user := mustUser(t, s, 100)

	order, err := s.CreateOrder(user.ID, nil, 199, OrderMeta{Kind: OrderKindPurchase})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	won, err := s.MarkOrderPaid(order.ID, "pay-1")
	if err != nil || !won {
		t.Fatalf("first caller: won=%v err=%v", won, err)
	}

	// Every later attempt, whatever the payment ref, loses.
	for i := 0; i < 3; i++ {
		won, err := s.MarkOrderPaid(order.ID, fmt.Sprintf("pay-%d", i+2))
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if won {
			t.Fatalf("attempt %d also won the pending->paid transition", i)
		}
	}

	got, err := s.OrderByID(order.ID)
	if err != nil {
		t.Fatalf("OrderByID: %v", err)
	}
	if got.Status != models.OrderStatusPaid || got.PaymentID != "pay-1" {
		t.Fatalf("order after race: status=%s payment_id=%s", got.Status, got.PaymentID)
	}
}

func TestMarkOrderFailedOnlyWhilePending(t *testing.T) {
	s := newTestStore(t)
	user := mustUser(t, s, 100)

	order, _ := s.CreateOrder(user.ID, nil, 199, OrderMeta{Kind: OrderKindPurchase})
	if _, err := s.MarkOrderPaid(order.ID, "pay-1"); err != nil {
		t.Fatalf("MarkOrderPaid: %v", err)
	}
	if err := s.MarkOrderFailed(order.ID); err != nil {
		t.Fatalf("MarkOrderFailed: %v", err)
	}

	got, _ := s.OrderByID(order.ID)
	if got.Status != models.OrderStatusPaid {
		t.Fatalf("paid order transitioned to %s", got.Status)
	}
}

func TestClaimTrialSingleWinner(t *testing.T) {
	s := newTestStore(t)
	user := mustUser(t, s, 100)

	claimed, err := s.ClaimTrial(user.ID)
	if err != nil || !claimed {
		t.Fatalf("first claim: claimed=%v err=%v", claimed, err)
	}
	claimed, err = s.ClaimTrial(user.ID)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed {
		t.Fatal("second claim also won the flag")
	}

	// Releasing (after a failed provisioning) re-arms the claim.
	if err := s.ReleaseTrial(user.ID); err != nil {
		t.Fatalf("ReleaseTrial: %v", err)
	}
	claimed, err = s.ClaimTrial(user.ID)
	if err != nil || !claimed {
		t.Fatalf("claim after release: claimed=%v err=%v", claimed, err)
	}
}

func TestExtendCredentialNeverTruncates(t *testing.T) {
	s := newTestStore(t)
	user := mustUser(t, s, 100)

	expiry := time.Now().Add(48 * time.Hour).Truncate(time.Second)
	cred := &models.Credential{
		UserID: user.ID, ClientID: "c1", NodeName: "fi-1",
		SubToken: "tok1", ConnectionURI: "vless://x", ExpiresAt: expiry,
	}
	if err := s.CreateCredential(cred); err != nil {
		t.Fatalf("CreateCredential: %v", err)
	}

	// A stale caller with an earlier expiry changes nothing.
	if err := s.ExtendCredential(cred.ID, expiry.Add(-24*time.Hour)); err != nil {
		t.Fatalf("ExtendCredential (stale): %v", err)
	}
	got, _ := s.CredentialByID(cred.ID)
	if !got.ExpiresAt.Equal(expiry) {
		t.Fatalf("stale extend moved expiry to %v", got.ExpiresAt)
	}

	later := expiry.Add(72 * time.Hour)
	if err := s.ExtendCredential(cred.ID, later); err != nil {
		t.Fatalf("ExtendCredential: %v", err)
	}
	got, _ = s.CredentialByID(cred.ID)
	if !got.ExpiresAt.Equal(later) {
		t.Fatalf("extend did not apply: %v", got.ExpiresAt)
	}
}

func TestRenewalWarningCandidatesWindow(t *testing.T) {
	s := newTestStore(t)
	user := mustUser(t, s, 100)
	orderID := uint(1)
	now := time.Now()

	mk := func(token string, orderID *uint, expiresIn time.Duration, warned bool) {
		t.Helper()
		err := s.CreateCredential(&models.Credential{
			UserID: user.ID, OrderID: orderID, ClientID: token, NodeName: "fi-1",
			SubToken: token, ConnectionURI: "vless://x",
			ExpiresAt:          now.Add(expiresIn),
			RenewalWarningSent: warned,
		})
		if err != nil {
			t.Fatalf("CreateCredential %s: %v", token, err)
		}
	}

	mk("inside", &orderID, 18*time.Hour, false)       // in [12h, 24h]
	mk("too-soon", &orderID, 6*time.Hour, false)      // below the window
	mk("too-late", &orderID, 30*time.Hour, false)     // above the window
	mk("already-warned", &orderID, 18*time.Hour, true)
	mk("trial", nil, 18*time.Hour, false) // no order: not a renewal candidate

	creds, err := s.RenewalWarningCandidates(now.Add(12*time.Hour), now.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("RenewalWarningCandidates: %v", err)
	}
	if len(creds) != 1 || creds[0].SubToken != "inside" {
		t.Fatalf("got %d candidates, want exactly [inside]: %+v", len(creds), creds)
	}
	if creds[0].User.TelegramID != 100 {
		t.Fatalf("user not preloaded: %+v", creds[0].User)
	}
}

func TestTrialReminderCandidates(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	fresh := mustUser(t, s, 100) // registered just now: outside the window
	_ = fresh

	stale := mustUser(t, s, 200)
	if err := s.db.Model(&models.User{}).Where("id = ?", stale.ID).
		Update("created_at", now.Add(-24*time.Hour-30*time.Minute)).Error; err != nil {
		t.Fatalf("backdate: %v", err)
	}

	claimed := mustUser(t, s, 300)
	s.db.Model(&models.User{}).Where("id = ?", claimed.ID).
		Updates(map[string]interface{}{"created_at": now.Add(-24*time.Hour - 30*time.Minute), "trial_issued": true})

	users, err := s.TrialReminderCandidates(now.Add(-25*time.Hour), now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("TrialReminderCandidates: %v", err)
	}
	if len(users) != 1 || users[0].TelegramID != 200 {
		t.Fatalf("got %d candidates, want exactly user 200: %+v", len(users), users)
	}
}

func TestReferralBindsOnce(t *testing.T) {
	s := newTestStore(t)
	referrerA := mustUser(t, s, 100)
	referrerB := mustUser(t, s, 200)
	referred := mustUser(t, s, 300)

	if err := s.RecordReferral(referrerA.ID, referred.ID); err != nil {
		t.Fatalf("RecordReferral: %v", err)
	}
	// A second binding attempt by a different referrer is a no-op.
	if err := s.RecordReferral(referrerB.ID, referred.ID); err != nil {
		t.Fatalf("RecordReferral (second): %v", err)
	}

	got, _ := s.UserByID(referred.ID)
	if got.ReferrerID == nil || *got.ReferrerID != referrerA.ID {
		t.Fatalf("referrer binding: %+v", got.ReferrerID)
	}

	var count int64
	s.db.Model(&models.Referral{}).Where("referred_id = ?", referred.ID).Count(&count)
	if count != 1 {
		t.Fatalf("referral rows: %d", count)
	}
}

func TestSelfReferralIgnored(t *testing.T) {
	s := newTestStore(t)
	user := mustUser(t, s, 100)

	if err := s.RecordReferral(user.ID, user.ID); err != nil {
		t.Fatalf("RecordReferral: %v", err)
	}
	got, _ := s.UserByID(user.ID)
	if got.ReferrerID != nil {
		t.Fatal("self-referral was recorded")
	}
}

func TestMarkReferralPurchasedAccruesOnce(t *testing.T) {
	s := newTestStore(t)
	referrer := mustUser(t, s, 100)
	referred := mustUser(t, s, 200)

	if err := s.RecordReferral(referrer.ID, referred.ID); err != nil {
		t.Fatalf("RecordReferral: %v", err)
	}

	gotReferrer, accrued, err := s.MarkReferralPurchased(referred.ID, 7)
	if err != nil || !accrued || gotReferrer != referrer.ID {
		t.Fatalf("first purchase: referrer=%d accrued=%v err=%v", gotReferrer, accrued, err)
	}

	// A second paid order by the same user accrues nothing.
	_, accrued, err = s.MarkReferralPurchased(referred.ID, 7)
	if err != nil || accrued {
		t.Fatalf("second purchase: accrued=%v err=%v", accrued, err)
	}

	got, _ := s.UserByID(referrer.ID)
	if got.BonusDays != 7 {
		t.Fatalf("bonus days: %d", got.BonusDays)
	}
}

func TestMarkReferralPurchasedWithoutReferral(t *testing.T) {
	s := newTestStore(t)
	user := mustUser(t, s, 100)

	_, accrued, err := s.MarkReferralPurchased(user.ID, 7)
	if err != nil || accrued {
		t.Fatalf("accrued=%v err=%v", accrued, err)
	}
}

func TestSpendBonusConditionalDebit(t *testing.T) {
	s := newTestStore(t)
	user := mustUser(t, s, 100)

	if err := s.AccrueBonus(user.ID, 7); err != nil {
		t.Fatalf("AccrueBonus: %v", err)
	}
	if err := s.SpendBonus(user.ID, 10); !errors.Is(err, ErrInsufficientBonus) {
		t.Fatalf("overspend: got %v, want ErrInsufficientBonus", err)
	}
	if err := s.SpendBonus(user.ID, 7); err != nil {
		t.Fatalf("SpendBonus: %v", err)
	}

	got, _ := s.UserByID(user.ID)
	if got.BonusDays != 0 {
		t.Fatalf("balance after spend: %d", got.BonusDays)
	}
}

func TestProductsForCountryIncludesGlobal(t *testing.T) {
	s := newTestStore(t)
	err := s.SeedProducts([]models.Product{
		{Name: "FI 30", Price: 199, DurationDays: 30, Country: "Финляндия"},
		{Name: "DE 30", Price: 149, DurationDays: 30, Country: "Германия"},
		{Name: "Everywhere 30", Price: 179, DurationDays: 30},
	})
	if err != nil {
		t.Fatalf("SeedProducts: %v", err)
	}

	products, err := s.ProductsForCountry("Финляндия")
	if err != nil {
		t.Fatalf("ProductsForCountry: %v", err)
	}
	if len(products) != 2 {
		t.Fatalf("got %d products, want 2 (country + global): %+v", len(products), products)
	}

	// Seeding again must not duplicate the catalogue.
	if err := s.SeedProducts([]models.Product{{Name: "X", Price: 1, DurationDays: 1}}); err != nil {
		t.Fatalf("re-seed: %v", err)
	}
	all, _ := s.Products()
	if len(all) != 3 {
		t.Fatalf("catalogue after re-seed: %d products", len(all))
	}
}
