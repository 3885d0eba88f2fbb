package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/pagination"
)

// WebhookDeadLetter holds a verified gateway event that could not be reconciled.
type WebhookDeadLetter struct {
	ID          uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	EventID     string          `gorm:"column:event_id;not null;uniqueIndex:webhook_dead_letters_event_id_key"`
	EventType   string          `gorm:"column:event_type;not null"`
	SessionID   *string         `gorm:"column:session_id"`
	Payload     json.RawMessage `gorm:"column:payload;type:jsonb;not null"`
	Reason      string          `gorm:"column:reason;not null"`
	ReplayCount int             `gorm:"column:replay_count;not null;default:0"`
	ReplayedAt  *time.Time      `gorm:"column:replayed_at"`
	ResolvedAt  *time.Time      `gorm:"column:resolved_at"`
	CreatedAt   time.Time       `gorm:"column:created_at;autoCreateTime"`
}

func (w *WebhookDeadLetter) BeforeCreate(*gorm.DB) error {
	ensureID(&w.ID)
	return nil
}

func (w WebhookDeadLetter) PageKey() pagination.Cursor {
	return pagination.Cursor{CreatedAt: w.CreatedAt, ID: w.ID}
}
