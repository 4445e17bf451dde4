package ledger

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"polarvpn-bot/internal/models"
)

func (s *Store) CreateCredential(cred *models.Credential) error {
	return s.db.Create(cred).Error
}

func (s *Store) CredentialByID(id uint) (*models.Credential, error) {
	var cred models.Credential
	if err := s.db.First(&cred, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &cred, nil
}

func (s *Store) CredentialBySubToken(token string) (*models.Credential, error) {
	var cred models.Credential
	if err := s.db.Where("sub_token = ?", token).First(&cred).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &cred, nil
}

func (s *Store) CredentialsByUser(userID uint) ([]models.Credential, error) {
	var creds []models.Credential
	if err := s.db.Where("user_id = ?", userID).Order("expires_at DESC").Find(&creds).Error; err != nil {
		return nil, err
	}
	return creds, nil
}

// ExtendCredential moves the expiry forward. The statement is guarded
// so the stored expiry can only ever grow; a stale caller with an
// earlier timestamp changes nothing.
func (s *Store) ExtendCredential(id uint, newExpiry time.Time) error {
	return s.db.Model(&models.Credential{}).
		Where("id = ? AND expires_at < ?", id, newExpiry).
		Update("expires_at", newExpiry).Error
}

// Sweep queries. Each returns only unflagged rows, so a credential is a
// candidate for each notification class at most once.

func (s *Store) RenewalWarningCandidates(from, to time.Time) ([]models.Credential, error) {
	var creds []models.Credential
	err := s.db.Preload("User").
		Where("order_id IS NOT NULL AND renewal_warning_sent = ? AND expires_at BETWEEN ? AND ?", false, from, to).
		Find(&creds).Error
	return creds, err
}

func (s *Store) TrialWarningCandidates(from, to time.Time) ([]models.Credential, error) {
	var creds []models.Credential
	err := s.db.Preload("User").
		Where("order_id IS NULL AND trial_warning_sent = ? AND expires_at BETWEEN ? AND ?", false, from, to).
		Find(&creds).Error
	return creds, err
}

func (s *Store) ExpiredUnnotified(now time.Time) ([]models.Credential, error) {
	var creds []models.Credential
	err := s.db.Preload("User").
		Where("expiry_notified = ? AND expires_at < ?", false, now).
		Find(&creds).Error
	return creds, err
}

// TrialReminderCandidates returns users who registered inside the given
// window, never claimed a trial and were never reminded.
func (s *Store) TrialReminderCandidates(registeredFrom, registeredTo time.Time) ([]models.User, error) {
	var users []models.User
	err := s.db.
		Where("trial_issued = ? AND trial_reminder_sent = ? AND created_at BETWEEN ? AND ?",
			false, false, registeredFrom, registeredTo).
		Find(&users).Error
	return users, err
}

// One-shot notification flags. false->true only, never reset.

func (s *Store) MarkRenewalWarningSent(credID uint) error {
	return s.db.Model(&models.Credential{}).Where("id = ?", credID).
		Update("renewal_warning_sent", true).Error
}

func (s *Store) MarkTrialWarningSent(credID uint) error {
	return s.db.Model(&models.Credential{}).Where("id = ?", credID).
		Update("trial_warning_sent", true).Error
}

func (s *Store) MarkExpiryNotified(credID uint) error {
	return s.db.Model(&models.Credential{}).Where("id = ?", credID).
		Update("expiry_notified", true).Error
}
