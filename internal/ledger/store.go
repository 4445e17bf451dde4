// Package ledger is the system of record for users, products, orders,
// credentials and referrals. Everything state-changing that the
// reconciliation engine depends on for correctness lives here as a
// single guarded statement, not a read-then-write.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"polarvpn-bot/internal/models"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrInsufficientBonus = errors.New("insufficient bonus days")
)

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// GetOrCreateUser registers the chat identity on first contact. The
// second return value reports whether the user was created by this call.
func (s *Store) GetOrCreateUser(telegramID int64, username, firstName string) (*models.User, bool, error) {
	var user models.User
	err := s.db.Where("telegram_id = ?", telegramID).First(&user).Error
	if err == nil {
		return &user, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, fmt.Errorf("failed to look up user %d: %w", telegramID, err)
	}

	user = models.User{
		TelegramID:   telegramID,
		Username:     username,
		FirstName:    firstName,
		ReferralCode: fmt.Sprintf("ref_%d", telegramID),
	}
	if err := s.db.Create(&user).Error; err != nil {
		// Lost a race against a concurrent first contact; re-read.
		var existing models.User
		if lookupErr := s.db.Where("telegram_id = ?", telegramID).First(&existing).Error; lookupErr == nil {
			return &existing, false, nil
		}
		return nil, false, fmt.Errorf("failed to create user %d: %w", telegramID, err)
	}
	return &user, true, nil
}

func (s *Store) UserByTelegramID(telegramID int64) (*models.User, error) {
	var user models.User
	if err := s.db.Where("telegram_id = ?", telegramID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) UserByID(id uint) (*models.User, error) {
	var user models.User
	if err := s.db.First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) UserByReferralCode(code string) (*models.User, error) {
	var user models.User
	if err := s.db.Where("referral_code = ?", code).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

// ClaimTrial flips the once-per-user trial flag. The update is guarded,
// so of any number of racing claims exactly one returns true.
func (s *Store) ClaimTrial(userID uint) (bool, error) {
	res := s.db.Model(&models.User{}).
		Where("id = ? AND trial_issued = ?", userID, false).
		Update("trial_issued", true)
	return res.RowsAffected > 0, res.Error
}

// ReleaseTrial returns the claim after a failed provisioning attempt.
func (s *Store) ReleaseTrial(userID uint) error {
	return s.db.Model(&models.User{}).Where("id = ?", userID).Update("trial_issued", false).Error
}

func (s *Store) MarkTrialReminderSent(userID uint) error {
	return s.db.Model(&models.User{}).Where("id = ?", userID).Update("trial_reminder_sent", true).Error
}

func (s *Store) Products() ([]models.Product, error) {
	var products []models.Product
	if err := s.db.Order("country, duration_days").Find(&products).Error; err != nil {
		return nil, err
	}
	return products, nil
}

// ProductsForCountry returns products scoped to the country plus the
// ones offered everywhere.
func (s *Store) ProductsForCountry(country string) ([]models.Product, error) {
	var products []models.Product
	if err := s.db.Where("country = ? OR country = ''", country).Order("duration_days").Find(&products).Error; err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) ProductByID(id uint) (*models.Product, error) {
	var product models.Product
	if err := s.db.First(&product, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

// SeedProducts inserts the tariff table once; an existing catalogue is
// left untouched.
func (s *Store) SeedProducts(products []models.Product) error {
	var count int64
	if err := s.db.Model(&models.Product{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return s.db.Create(&products).Error
}

// StatsSummary is the operator /stats snapshot.
type StatsSummary struct {
	Users             int64
	ActiveCredentials int64
	PaidOrders        int64
	Revenue           float64
}

func (s *Store) Stats() (*StatsSummary, error) {
	var stats StatsSummary
	if err := s.db.Model(&models.User{}).Count(&stats.Users).Error; err != nil {
		return nil, err
	}
	if err := s.db.Model(&models.Credential{}).
		Where("expires_at > ?", time.Now()).Count(&stats.ActiveCredentials).Error; err != nil {
		return nil, err
	}
	if err := s.db.Model(&models.Order{}).
		Where("status = ?", models.OrderStatusPaid).Count(&stats.PaidOrders).Error; err != nil {
		return nil, err
	}
	err := s.db.Model(&models.Order{}).
		Where("status = ?", models.OrderStatusPaid).
		Select("COALESCE(SUM(amount), 0)").Scan(&stats.Revenue).Error
	return &stats, err
}

func (s *Store) AllTelegramIDs() ([]int64, error) {
	var ids []int64
	if err := s.db.Model(&models.User{}).Pluck("telegram_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}
