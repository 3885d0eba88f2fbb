package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/storefront-backend/internal/stock"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

const (
	stockRetryMaxAttempts = 5
	stockRetryBatchSize   = 100
	stockRetryMinAge      = time.Minute
)

type stockRetrier interface {
	ListRetryable(ctx context.Context, before time.Time, limit int) ([]models.StockAdjustment, error)
	Apply(ctx context.Context, adj models.StockAdjustment) (stock.Outcome, error)
	MarkExhausted(ctx context.Context, id uuid.UUID, reason string) error
}

type attentionFlagger interface {
	FlagAttention(ctx context.Context, id uuid.UUID, state enums.ReconcileState, reason string) error
}

type StockRetryJobParams struct {
	Logger      *logger.Logger
	Stock       stockRetrier
	Orders      attentionFlagger
	MaxAttempts int
	BatchSize   int
	MinAge      time.Duration
}

// NewStockRetryJob retries stock adjustments that failed or never ran after an
// order was persisted. Adjustments that keep failing are parked and the order is
// flagged for a manual stock audit.
func NewStockRetryJob(params StockRetryJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Stock == nil {
		return nil, fmt.Errorf("stock service required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	job := &stockRetryJob{
		logg:        params.Logger,
		stock:       params.Stock,
		orders:      params.Orders,
		maxAttempts: params.MaxAttempts,
		batchSize:   params.BatchSize,
		minAge:      params.MinAge,
		now:         time.Now,
	}
	if job.maxAttempts <= 0 {
		job.maxAttempts = stockRetryMaxAttempts
	}
	if job.batchSize <= 0 {
		job.batchSize = stockRetryBatchSize
	}
	if job.minAge <= 0 {
		job.minAge = stockRetryMinAge
	}
	return job, nil
}

type stockRetryJob struct {
	logg        *logger.Logger
	stock       stockRetrier
	orders      attentionFlagger
	maxAttempts int
	batchSize   int
	minAge      time.Duration
	now         func() time.Time
}

func (j *stockRetryJob) Name() string { return "stock-adjustment-retry" }

func (j *stockRetryJob) Run(ctx context.Context) error {
	before := j.now().UTC().Add(-j.minAge)
	rows, err := j.stock.ListRetryable(ctx, before, j.batchSize)
	if err != nil {
		return fmt.Errorf("list retryable adjustments: %w", err)
	}

	var (
		errs      error
		applied   int
		exhausted int
	)
	for _, row := range rows {
		rowCtx := j.logg.WithFields(ctx, map[string]any{
			"adjustment_id": row.ID.String(),
			"order_id":      row.OrderID.String(),
			"line_index":    row.LineIndex,
			"attempt_count": row.AttemptCount,
		})
		if row.AttemptCount >= j.maxAttempts {
			if err := j.exhaust(rowCtx, row); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			exhausted++
			continue
		}

		outcome, err := j.stock.Apply(rowCtx, row)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if outcome.Applied {
			applied++
			j.logg.Info(rowCtx, "stock adjustment applied on retry")
		}
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"candidates": len(rows),
		"applied":    applied,
		"exhausted":  exhausted,
	})
	j.logg.Info(logCtx, "stock adjustment retry complete")
	return errs
}

func (j *stockRetryJob) exhaust(ctx context.Context, row models.StockAdjustment) error {
	reason := fmt.Sprintf("stock adjustment for line %d exhausted after %d attempts", row.LineIndex, row.AttemptCount)
	if err := j.stock.MarkExhausted(ctx, row.ID, reason); err != nil {
		return fmt.Errorf("mark adjustment %s exhausted: %w", row.ID, err)
	}
	if err := j.orders.FlagAttention(ctx, row.OrderID, enums.ReconcilePartiallyFailed, reason); err != nil {
		return fmt.Errorf("flag order %s: %w", row.OrderID, err)
	}
	j.logg.Warn(ctx, "stock adjustment exhausted; order flagged for audit")
	return nil
}
