package models

import (
	"time"
)

type User struct {
	ID           uint   `gorm:"primaryKey"`
	TelegramID   int64  `gorm:"uniqueIndex;not null"`
	Username     string `gorm:"size:255"`
	Disabled     bool   `gorm:"default:false"`
	ReferralCode string `gorm:"size:32;uniqueIndex"`
	ReferrerID   *uint  `gorm:"index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
