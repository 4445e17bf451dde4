package models

import (
	"time"
)

const (
	OrderStatusPending = "pending"
	OrderStatusPaid    = "paid"
	OrderStatusFailed  = "failed"
)

const (
	GatewayYooKassa  = "yookassa"
	GatewayCryptoPay = "cryptopay"
)

// Order is one purchase or renewal attempt. Status only ever moves
// pending->paid or pending->failed; paid and failed are terminal.
// Meta holds JSON correlation data (renewal target, ad-hoc charge
// discriminator, explicit country) set when the order is created.
type Order struct {
	ID        uint    `gorm:"primaryKey"`
	UserID    uint    `gorm:"not null;index"`
	User      User    `gorm:"constraint:OnUpdate:CASCADE,OnDelete:SET NULL;"`
	ProductID *uint   `gorm:"index"`
	Amount    float64 `gorm:"not null"`
	Status    string  `gorm:"size:16;default:'pending';index"`
	Gateway   string  `gorm:"size:32"`
	PaymentID string  `gorm:"size:255"`
	Meta      string  `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
