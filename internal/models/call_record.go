package models

import "time"

// CallRecord is the audit row written when a conversation ends. One row per
// conversation, best-effort: a failed write is logged and dropped, never
// surfaced to the caller.
type CallRecord struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	ConversationID string `gorm:"size:64;index"`
	Channel       string `gorm:"size:16;index"` // voice, sms, whatsapp
	Direction     string `gorm:"size:16"`       // inbound, outbound
	Counterpart   string `gorm:"size:64"`
	MessageCount  int
	StartedAt     time.Time
	EndedAt       time.Time
	CreatedAt     time.Time
}
