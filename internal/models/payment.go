package models

import (
	"time"
)

type Payment struct {
	ID                uint `gorm:"primaryKey"`
	UserID            uint `gorm:"not null;index"`
	User              User `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	VpnKeyID          *uint
	Amount            float64 `gorm:"not null"`
	Currency          string  `gorm:"size:8;default:'RUB'"`
	Status            string  `gorm:"size:32;default:'pending'"`
	Provider          string  `gorm:"size:32"`
	ProviderPaymentID string  `gorm:"size:255;index"`
	ConfirmationURL   string  `gorm:"size:512"`
	Description       string  `gorm:"size:255"`
	PlanDays          int
	PlanLabel         string `gorm:"size:64"`
	IdempotencyKey    string `gorm:"size:64"`
	PaidAt            *time.Time
	// ProcessedAt is the single settlement guard: set at most once,
	// inside the same transaction that extends the subscription.
	ProcessedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
