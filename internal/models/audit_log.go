package models

import (
	"time"

	"github.com/google/uuid"
)

// Represents a security-relevant event, append-only
type AuditLog struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	EventType string         `gorm:"size:64;not null;index" json:"event_type"`
	UserID    *uuid.UUID     `gorm:"type:uuid;index" json:"user_id,omitempty"`
	IPAddress *string        `gorm:"size:64" json:"ip_address,omitempty"`
	UserAgent *string        `json:"user_agent,omitempty"`
	Metadata  map[string]any `gorm:"type:text;serializer:json" json:"metadata"`
	CreatedAt time.Time      `gorm:"index" json:"created_at"`
}

func (AuditLog) TableName() string {
	return "audit_logs"
}
