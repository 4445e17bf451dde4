package models

import (
	"time"
)

// Referral records a who-invited-whom pair. Purchased flips once, the
// first time the referred user completes a paid order, and drives the
// bonus-day accrual to the referrer.
type Referral struct {
	ID         uint `gorm:"primaryKey"`
	ReferrerID uint `gorm:"not null;index"`
	ReferredID uint `gorm:"not null;uniqueIndex"`
	Purchased  bool `gorm:"default:false"`
	CreatedAt  time.Time
}
