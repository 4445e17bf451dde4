package models

import (
	"time"
)

// Credential is one provisioned VPN access grant. OrderID is nil for
// free grants (trial, referral bonus, operator-issued). SubToken is the
// stable external handle served by the subscription endpoint and never
// changes after issue; the panel-side ClientID is deliberately a
// separate identity so upstream re-provisioning stays invisible to the
// user. The three notification flags only ever go false->true.
type Credential struct {
	ID                 uint   `gorm:"primaryKey"`
	UserID             uint   `gorm:"not null;index"`
	User               User   `gorm:"constraint:OnUpdate:CASCADE,OnDelete:SET NULL;"`
	OrderID            *uint  `gorm:"index"`
	ClientID           string `gorm:"size:64;not null"`
	NodeName           string `gorm:"size:64;not null"`
	SubToken           string `gorm:"size:64;uniqueIndex;not null"`
	ConnectionURI      string `gorm:"size:1024;not null"`
	ExpiresAt          time.Time
	RenewalWarningSent bool `gorm:"default:false"`
	ExpiryNotified     bool `gorm:"default:false"`
	TrialWarningSent   bool `gorm:"default:false"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Trial reports whether the credential is a free grant rather than a
// purchased one.
func (c *Credential) Trial() bool {
	return c.OrderID == nil
}
