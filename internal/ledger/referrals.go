package ledger

import (
	"fmt"

	"gorm.io/gorm"

	"polarvpn-bot/internal/models"
)

// RecordReferral links a referred user to their referrer on first
// contact. A user can only ever have one referrer; later attempts and
// self-referrals are ignored.
func (s *Store) RecordReferral(referrerID, referredID uint) error {
	if referrerID == referredID {
		return nil
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.User{}).
			Where("id = ? AND referrer_id IS NULL", referredID).
			Update("referrer_id", referrerID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return tx.Create(&models.Referral{
			ReferrerID: referrerID,
			ReferredID: referredID,
		}).Error
	})
}

// MarkReferralPurchased flips the referral's purchased flag the first
// time the referred user's order reaches paid, and accrues bonusDays to
// the referrer's balance. The flag flip is the guard: later paid orders
// by the same user accrue nothing. Returns the referrer's user id when
// an accrual happened.
func (s *Store) MarkReferralPurchased(referredID uint, bonusDays int) (uint, bool, error) {
	var referral models.Referral
	err := s.db.Where("referred_id = ?", referredID).First(&referral).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, false, nil
		}
		return 0, false, err
	}

	accrued := false
	err = s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Referral{}).
			Where("id = ? AND purchased = ?", referral.ID, false).
			Update("purchased", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		accrued = true
		return tx.Model(&models.User{}).
			Where("id = ?", referral.ReferrerID).
			Update("bonus_days", gorm.Expr("bonus_days + ?", bonusDays)).Error
	})
	if err != nil {
		return 0, false, fmt.Errorf("failed to mark referral purchased: %w", err)
	}
	return referral.ReferrerID, accrued, nil
}

// AccrueBonus credits bonus days to the user's balance. Used for the
// referral accrual and for rolling a debit back when a bonus grant
// fails after the balance was already charged.
func (s *Store) AccrueBonus(userID uint, days int) error {
	return s.db.Model(&models.User{}).
		Where("id = ?", userID).
		Update("bonus_days", gorm.Expr("bonus_days + ?", days)).Error
}

// SpendBonus debits the user's bonus-day balance. The debit is a single
// conditional statement so a racing double-spend cannot drive the
// balance negative.
func (s *Store) SpendBonus(userID uint, days int) error {
	if days <= 0 {
		return fmt.Errorf("invalid bonus amount: %d", days)
	}
	res := s.db.Model(&models.User{}).
		Where("id = ? AND bonus_days >= ?", userID, days).
		Update("bonus_days", gorm.Expr("bonus_days - ?", days))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInsufficientBonus
	}
	return nil
}

// ReferralStats returns how many users someone invited and how many of
// them have purchased.
func (s *Store) ReferralStats(referrerID uint) (invited, purchased int64, err error) {
	if err = s.db.Model(&models.Referral{}).Where("referrer_id = ?", referrerID).Count(&invited).Error; err != nil {
		return 0, 0, err
	}
	err = s.db.Model(&models.Referral{}).Where("referrer_id = ? AND purchased = ?", referrerID, true).Count(&purchased).Error
	return invited, purchased, err
}
