package orders

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/pagination"
)

// Unique constraints the order insert relies on.
const (
	ExternalPaymentUniqueConstraint = "orders_external_payment_id_key"
	OrderNumberUniqueConstraint     = "orders_order_number_key"
)

type Repository struct {
	db *gorm.DB
}

// NewRepository builds an orders repository bound to the provided DB.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	if tx == nil {
		return r
	}
	return &Repository{db: tx}
}

// Create inserts the order and its items. The external payment id unique key
// makes this insert the deduplication gate.
func (r *Repository) Create(ctx context.Context, order *models.Order) error {
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return r.findOne(ctx, "id = ?", id)
}

// FindByExternalPaymentID returns nil when no order exists for the payment.
func (r *Repository) FindByExternalPaymentID(ctx context.Context, externalPaymentID string) (*models.Order, error) {
	return r.findOne(ctx, "external_payment_id = ?", externalPaymentID)
}

// FindBySessionForBuyer returns nil until the session's order is reconciled.
func (r *Repository) FindBySessionForBuyer(ctx context.Context, sessionID, buyerID string) (*models.Order, error) {
	return r.findOne(ctx, "checkout_session_id = ? AND buyer_id = ?", sessionID, buyerID)
}

func (r *Repository) findOne(ctx context.Context, query string, args ...any) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("line_index ASC") }).
		Where(query, args...).
		First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ListNeedingAttention pages flagged orders newest first.
func (r *Repository) ListNeedingAttention(ctx context.Context, params pagination.Params) ([]models.Order, string, error) {
	q := r.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("line_index ASC") }).
		Where("needs_attention = ?", true)
	return pagination.NewestFirst[models.Order](q, params)
}

// UpdateStatus moves an order only while it still holds the expected status.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to enums.OrderStatus) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{"status": to, "updated_at": time.Now().UTC()})
	return res.RowsAffected == 1, res.Error
}

func (r *Repository) SetReconcileState(ctx context.Context, id uuid.UUID, state enums.ReconcileState) error {
	return r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ?", id).
		Updates(map[string]any{"reconcile_state": state, "updated_at": time.Now().UTC()}).Error
}

// FlagAttention marks an order for manual follow-up. Reasons accumulate.
func (r *Repository) FlagAttention(ctx context.Context, id uuid.UUID, state enums.ReconcileState, reason string) error {
	var order models.Order
	if err := r.db.WithContext(ctx).Select("id", "attention_reason").First(&order, "id = ?", id).Error; err != nil {
		return err
	}
	combined := reason
	if order.AttentionReason != nil && *order.AttentionReason != "" && *order.AttentionReason != reason {
		combined = *order.AttentionReason + "; " + reason
	}
	return r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"needs_attention":  true,
			"attention_reason": combined,
			"reconcile_state":  state,
			"updated_at":       time.Now().UTC(),
		}).Error
}

// ClearAttention resolves a flagged order after manual follow-up.
func (r *Repository) ClearAttention(ctx context.Context, id uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND needs_attention = ?", id, true).
		Updates(map[string]any{"needs_attention": false, "attention_reason": nil, "updated_at": time.Now().UTC()})
	return res.RowsAffected == 1, res.Error
}
