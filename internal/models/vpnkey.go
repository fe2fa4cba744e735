package models

import (
	"time"
)

// VpnKey statuses. PENDING is a local placeholder only; ACTIVE means the
// client exists in the panel and KeyValue holds a resolved link.
const (
	KeyStatusPending = "PENDING"
	KeyStatusActive  = "ACTIVE"
	KeyStatusFailed  = "FAILED"
	KeyStatusRevoked = "REVOKED"
)

type VpnKey struct {
	ID          uint   `gorm:"primaryKey"`
	UserID      uint   `gorm:"not null;index"`
	User        User   `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	ClientUUID  string `gorm:"size:36;uniqueIndex;not null"`
	ClientEmail string `gorm:"size:255;uniqueIndex;not null"`
	Status      string `gorm:"size:16;not null;default:'PENDING';index"`
	Revoked     bool   `gorm:"default:false"`
	KeyValue    string `gorm:"size:1024"`
	LastError   string `gorm:"size:512"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (k *VpnKey) MarkActive(value string) {
	k.Status = KeyStatusActive
	k.KeyValue = value
	k.LastError = ""
}

func (k *VpnKey) MarkFailed(errMsg string) {
	k.Status = KeyStatusFailed
	k.LastError = errMsg
}

func (k *VpnKey) MarkRevoked() {
	k.Status = KeyStatusRevoked
	k.Revoked = true
}
