package domain

import "time"

// WhatsAppSession is the persisted record of a tenant's session state.
// StateVersion carries the state's updatedAt in unix nanoseconds so that
// stale writes can be rejected without relying on database time precision.
type WhatsAppSession struct {
	ID              int64     `json:"id,string" gorm:"primaryKey"`
	Tenant          string    `json:"tenant" gorm:"uniqueIndex;size:128"`
	Status          string    `json:"status" gorm:"size:32;index"`
	PairingArtifact string    `json:"pairing_artifact"`
	LastError       string    `json:"last_error"`
	StateVersion    int64     `json:"state_version"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (WhatsAppSession) TableName() string {
	return "whatsapp_session"
}
