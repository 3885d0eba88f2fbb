package stripewebhook

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/pagination"
)

// DeadLetterRepository stores verified events that could not be turned into orders.
type DeadLetterRepository struct {
	db *gorm.DB
}

func NewDeadLetterRepository(db *gorm.DB) *DeadLetterRepository {
	return &DeadLetterRepository{db: db}
}

// Record keeps the first copy of an event; redeliveries of the same event id are ignored.
func (r *DeadLetterRepository) Record(ctx context.Context, eventID, eventType, sessionID string, payload []byte, reason string) error {
	row := models.WebhookDeadLetter{
		EventID:   eventID,
		EventType: eventType,
		Payload:   json.RawMessage(payload),
		Reason:    reason,
	}
	if sessionID != "" {
		row.SessionID = &sessionID
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(&row).Error
}

func (r *DeadLetterRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.WebhookDeadLetter, error) {
	var row models.WebhookDeadLetter
	err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ListUnresolved pages open dead letters newest first.
func (r *DeadLetterRepository) ListUnresolved(ctx context.Context, params pagination.Params) ([]models.WebhookDeadLetter, string, error) {
	return pagination.NewestFirst[models.WebhookDeadLetter](r.db.WithContext(ctx).Where("resolved_at IS NULL"), params)
}

// MarkReplayed records a replay attempt and, when resolved, closes the entry.
func (r *DeadLetterRepository) MarkReplayed(ctx context.Context, id uuid.UUID, resolved bool, reason string) error {
	now := time.Now().UTC()
	updates := map[string]any{
		"replay_count": gorm.Expr("replay_count + 1"),
		"replayed_at":  now,
	}
	if resolved {
		updates["resolved_at"] = now
	} else if reason != "" {
		updates["reason"] = reason
	}
	return r.db.WithContext(ctx).
		Model(&models.WebhookDeadLetter{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// DeleteResolvedBefore removes replayed entries closed before the cutoff.
func (r *DeadLetterRepository) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("resolved_at IS NOT NULL AND resolved_at < ?", cutoff).
		Delete(&models.WebhookDeadLetter{})
	return res.RowsAffected, res.Error
}
