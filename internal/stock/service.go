package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
)

// ReasonInsufficientStock is recorded when the conditional decrement matched no row.
const ReasonInsufficientStock = "insufficient stock at reconciliation"

var retryableStatuses = []enums.StockAdjustmentStatus{
	enums.StockAdjustmentPending,
	enums.StockAdjustmentFailed,
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Line is one order line that must decrement exactly one stock counter.
type Line struct {
	LineIndex  int
	ProductID  uuid.UUID
	VariantSKU string
	Quantity   int
}

// Outcome reports what happened to one adjustment.
type Outcome struct {
	AdjustmentID   uuid.UUID
	LineIndex      int
	Applied        bool
	AlreadyApplied bool
	Reason         string
}

// Failed reports a soft failure: the line was attempted and not applied.
func (o Outcome) Failed() bool {
	return !o.Applied && !o.AlreadyApplied
}

type Service struct {
	db     *gorm.DB
	tx     txRunner
	ledger *Ledger
	now    func() time.Time
}

type ServiceParams struct {
	DB                *gorm.DB
	TransactionRunner txRunner
}

func NewService(params ServiceParams) (*Service, error) {
	if params.DB == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "stock db required")
	}
	if params.TransactionRunner == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	return &Service{
		db:     params.DB,
		tx:     params.TransactionRunner,
		ledger: NewLedger(params.DB),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// PlanTx records one pending adjustment per line inside the caller's transaction.
// The (order, line) unique key makes a second plan for the same order fail.
func (s *Service) PlanTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, lines []Line) error {
	if len(lines) == 0 {
		return nil
	}
	now := s.now()
	rows := make([]models.StockAdjustment, 0, len(lines))
	for _, line := range lines {
		row := models.StockAdjustment{
			OrderID:       orderID,
			LineIndex:     line.LineIndex,
			ProductID:     line.ProductID,
			Quantity:      line.Quantity,
			Status:        enums.StockAdjustmentPending,
			LastAttemptAt: now,
		}
		if line.VariantSKU != "" {
			sku := line.VariantSKU
			row.VariantSKU = &sku
		}
		rows = append(rows, row)
	}
	return tx.WithContext(ctx).Create(&rows).Error
}

// ApplyOrder attempts every outstanding adjustment of an order. Individual line
// failures are reported in the outcomes, never as an error.
func (s *Service) ApplyOrder(ctx context.Context, orderID uuid.UUID) ([]Outcome, error) {
	var rows []models.StockAdjustment
	err := s.db.WithContext(ctx).
		Where("order_id = ? AND status IN ?", orderID, retryableStatuses).
		Order("line_index ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	outcomes := make([]Outcome, 0, len(rows))
	for _, row := range rows {
		outcome, err := s.Apply(ctx, row)
		if err != nil {
			outcome.Reason = err.Error()
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// Apply claims one adjustment and performs its decrement in a single transaction.
func (s *Service) Apply(ctx context.Context, adj models.StockAdjustment) (Outcome, error) {
	outcome := Outcome{AdjustmentID: adj.ID, LineIndex: adj.LineIndex}
	now := s.now()

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		claim := tx.WithContext(ctx).
			Model(&models.StockAdjustment{}).
			Where("id = ? AND status IN ?", adj.ID, retryableStatuses).
			Updates(map[string]any{
				"status":          enums.StockAdjustmentApplied,
				"reason":          nil,
				"attempt_count":   gorm.Expr("attempt_count + 1"),
				"last_attempt_at": now,
			})
		if claim.Error != nil {
			return claim.Error
		}
		if claim.RowsAffected == 0 {
			outcome.AlreadyApplied = true
			return nil
		}

		ledger := s.ledger.WithTx(tx)
		var applied bool
		var err error
		if adj.VariantSKU != nil && *adj.VariantSKU != "" {
			applied, err = ledger.DecrementVariantStock(ctx, adj.ProductID, *adj.VariantSKU, adj.Quantity)
		} else {
			applied, err = ledger.DecrementBaseStock(ctx, adj.ProductID, adj.Quantity)
		}
		if err != nil {
			return err
		}
		if applied {
			outcome.Applied = true
			return nil
		}

		outcome.Reason = ReasonInsufficientStock
		return tx.WithContext(ctx).
			Model(&models.StockAdjustment{}).
			Where("id = ?", adj.ID).
			Updates(map[string]any{
				"status": enums.StockAdjustmentFailed,
				"reason": ReasonInsufficientStock,
			}).Error
	})
	if err != nil {
		if markErr := s.markFailed(ctx, adj.ID, err.Error(), now); markErr != nil {
			err = errors.Join(err, markErr)
		}
		return outcome, fmt.Errorf("apply stock adjustment %s: %w", adj.ID, err)
	}
	return outcome, nil
}

// ListRetryable returns outstanding adjustments last attempted before the cutoff.
func (s *Service) ListRetryable(ctx context.Context, before time.Time, limit int) ([]models.StockAdjustment, error) {
	var rows []models.StockAdjustment
	q := s.db.WithContext(ctx).
		Where("status IN ? AND last_attempt_at < ?", retryableStatuses, before).
		Order("last_attempt_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// MarkExhausted stops retrying an adjustment that will not succeed automatically.
func (s *Service) MarkExhausted(ctx context.Context, id uuid.UUID, reason string) error {
	return s.db.WithContext(ctx).
		Model(&models.StockAdjustment{}).
		Where("id = ? AND status IN ?", id, retryableStatuses).
		Updates(map[string]any{
			"status": enums.StockAdjustmentExhausted,
			"reason": reason,
		}).Error
}

// ListForOrder returns every adjustment of an order in line order.
func (s *Service) ListForOrder(ctx context.Context, orderID uuid.UUID) ([]models.StockAdjustment, error) {
	var rows []models.StockAdjustment
	err := s.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("line_index ASC").
		Find(&rows).Error
	return rows, err
}

func (s *Service) markFailed(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	return s.db.WithContext(ctx).
		Model(&models.StockAdjustment{}).
		Where("id = ? AND status IN ?", id, retryableStatuses).
		Updates(map[string]any{
			"status":          enums.StockAdjustmentFailed,
			"reason":          reason,
			"attempt_count":   gorm.Expr("attempt_count + 1"),
			"last_attempt_at": at,
		}).Error
}
