package models

import (
	"time"
)

// Product is a priced duration offer. Country is empty for products
// offered everywhere.
type Product struct {
	ID           uint    `gorm:"primaryKey"`
	Name         string  `gorm:"size:255;not null"`
	Price        float64 `gorm:"not null"`
	DurationDays int     `gorm:"not null"`
	Country      string  `gorm:"size:64;index"`
	CreatedAt    time.Time
}
