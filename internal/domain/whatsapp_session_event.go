package domain

import "time"

// WhatsAppSessionEvent is one committed transition, kept for history and audit.
type WhatsAppSessionEvent struct {
	ID         int64     `json:"id,string" gorm:"primaryKey"`
	Tenant     string    `json:"tenant" gorm:"size:128;index:idx_wa_event_tenant_time,priority:1"`
	Status     string    `json:"status" gorm:"size:32"`
	LastError  string    `json:"last_error"`
	OccurredAt time.Time `json:"occurred_at" gorm:"index:idx_wa_event_tenant_time,priority:2;index:idx_wa_event_time"`
}

// TableName Specify table name
func (WhatsAppSessionEvent) TableName() string {
	return "whatsapp_session_event"
}
