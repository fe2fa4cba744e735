package models

import (
	"time"
)

type Subscription struct {
	ID                uint  `gorm:"primaryKey"`
	UserID            uint  `gorm:"not null;index"`
	User              User  `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	VpnKeyID          *uint `gorm:"index"`
	VpnKey            *VpnKey
	StartDate         time.Time `gorm:"not null"`
	EndDate           time.Time `gorm:"not null;index"`
	Active            bool      `gorm:"default:true"`
	NotifiedTwoDaysAt *time.Time
	NotifiedOneDayAt  *time.Time
	CreatedAt         time.Time
}
