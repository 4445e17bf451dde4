package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTrialAlreadyUsed means the user has already claimed their one free
// trial and the caller did not force a re-issue.
var ErrTrialAlreadyUsed = errors.New("trial already issued")

// IssueTrial provisions a free trial credential (no order behind it).
// One per user; operators can force a re-issue. The flag is claimed with
// a guarded update before provisioning, so racing calls cannot both pass
// the check; a provisioning failure releases the claim.
func (e *Engine) IssueTrial(ctx context.Context, telegramID int64, force bool) (string, error) {
	user, err := e.ledger.UserByTelegramID(telegramID)
	if err != nil {
		return "", fmt.Errorf("trial: user %d: %w", telegramID, err)
	}
	if !force {
		claimed, err := e.ledger.ClaimTrial(user.ID)
		if err != nil {
			return "", fmt.Errorf("trial claim for user %d: %w", telegramID, err)
		}
		if !claimed {
			return "", ErrTrialAlreadyUsed
		}
	}

	cred, err := e.provision(ctx, user, e.cfg.DefaultCountry, e.cfg.TrialDuration, nil, "Trial")
	if err != nil {
		if !force {
			if releaseErr := e.ledger.ReleaseTrial(user.ID); releaseErr != nil {
				e.log.Error("trial claim release failed", "user_id", user.ID, "error", releaseErr)
			}
		}
		return "", fmt.Errorf("trial provisioning for user %d: %w", telegramID, err)
	}

	e.log.Info("trial issued", "user_id", user.ID, "credential_id", cred.ID)
	return e.SubscriptionURL(cred.SubToken), nil
}

// IssueReferralBonus spends bonus days on a brand-new credential. The
// balance is debited first; a provisioning failure refunds it.
func (e *Engine) IssueReferralBonus(ctx context.Context, telegramID int64, days int) (string, error) {
	user, err := e.ledger.UserByTelegramID(telegramID)
	if err != nil {
		return "", fmt.Errorf("bonus: user %d: %w", telegramID, err)
	}
	if err := e.ledger.SpendBonus(user.ID, days); err != nil {
		return "", err
	}

	duration := time.Duration(days) * 24 * time.Hour
	cred, err := e.provision(ctx, user, e.cfg.DefaultCountry, duration, nil, fmt.Sprintf("Bonus %dd", days))
	if err != nil {
		if refundErr := e.ledger.AccrueBonus(user.ID, days); refundErr != nil {
			e.log.Error("bonus refund failed", "user_id", user.ID, "days", days, "error", refundErr)
		}
		return "", fmt.Errorf("bonus provisioning for user %d: %w", telegramID, err)
	}

	e.log.Info("bonus credential issued", "user_id", user.ID, "credential_id", cred.ID, "days", days)
	return e.SubscriptionURL(cred.SubToken), nil
}

// Grant provisions a free credential for an arbitrary number of days.
// Operator path; touches no trial flag and no bonus balance.
func (e *Engine) Grant(ctx context.Context, telegramID int64, days int) (string, error) {
	user, err := e.ledger.UserByTelegramID(telegramID)
	if err != nil {
		return "", fmt.Errorf("grant: user %d: %w", telegramID, err)
	}

	duration := time.Duration(days) * 24 * time.Hour
	cred, err := e.provision(ctx, user, e.cfg.DefaultCountry, duration, nil, fmt.Sprintf("Gift %dd", days))
	if err != nil {
		return "", fmt.Errorf("grant provisioning for user %d: %w", telegramID, err)
	}

	e.log.Info("credential granted", "user_id", user.ID, "credential_id", cred.ID, "days", days)
	return e.SubscriptionURL(cred.SubToken), nil
}

// OperatorExtend moves a credential's expiry forward by the given number
// of days, regardless of ownership. Operator path.
func (e *Engine) OperatorExtend(ctx context.Context, credentialID uint, days int) (time.Time, error) {
	cred, err := e.ledger.CredentialByID(credentialID)
	if err != nil {
		return time.Time{}, fmt.Errorf("extend: credential %d: %w", credentialID, err)
	}
	user, err := e.ledger.UserByID(cred.UserID)
	if err != nil {
		return time.Time{}, fmt.Errorf("extend: owner of credential %d: %w", credentialID, err)
	}
	return e.extendUpstream(ctx, cred, user, time.Duration(days)*24*time.Hour)
}

// ExtendWithReferralBonus spends bonus days to extend an existing
// credential owned by the user. Same upstream path as a paid renewal,
// at zero price; the balance is refunded if the extension fails.
func (e *Engine) ExtendWithReferralBonus(ctx context.Context, telegramID int64, credentialID uint, days int) (time.Time, error) {
	user, err := e.ledger.UserByTelegramID(telegramID)
	if err != nil {
		return time.Time{}, fmt.Errorf("bonus extend: user %d: %w", telegramID, err)
	}
	cred, err := e.ledger.CredentialByID(credentialID)
	if err != nil {
		return time.Time{}, fmt.Errorf("bonus extend: credential %d: %w", credentialID, err)
	}
	if cred.UserID != user.ID {
		return time.Time{}, fmt.Errorf("credential %d does not belong to user %d", credentialID, telegramID)
	}

	if err := e.ledger.SpendBonus(user.ID, days); err != nil {
		return time.Time{}, err
	}

	newExpiry, err := e.extendUpstream(ctx, cred, user, time.Duration(days)*24*time.Hour)
	if err != nil {
		if refundErr := e.ledger.AccrueBonus(user.ID, days); refundErr != nil {
			e.log.Error("bonus refund failed", "user_id", user.ID, "days", days, "error", refundErr)
		}
		return time.Time{}, err
	}

	e.log.Info("credential extended with bonus",
		"user_id", user.ID, "credential_id", cred.ID, "days", days, "new_expiry", newExpiry)
	return newExpiry, nil
}
