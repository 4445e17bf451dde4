package models

import (
	"time"
)

type User struct {
	ID                uint   `gorm:"primaryKey"`
	TelegramID        int64  `gorm:"uniqueIndex;not null"`
	Username          string `gorm:"size:255"`
	FirstName         string `gorm:"size:255"`
	TrialIssued       bool   `gorm:"default:false"`
	TrialReminderSent bool   `gorm:"default:false"`
	BonusDays         int    `gorm:"default:0"`
	ReferrerID        *uint  `gorm:"index"`
	ReferralCode      string `gorm:"size:32;uniqueIndex"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
