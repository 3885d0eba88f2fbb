package cron

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

const (
	outboxRetentionDays     = 30
	outboxMinAttempts       = 5
	deadLetterRetentionDays = 90
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxRetentionRepo interface {
	DeletePublishedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time, minAttemptCount int) (int64, error)
}

type deadLetterPurger interface {
	DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type OutboxRetentionJobParams struct {
	Logger      *logger.Logger
	DB          txRunner
	Repository  outboxRetentionRepo
	Retention   int
	MinAttempts int
}

type DeadLetterRetentionJobParams struct {
	Logger     *logger.Logger
	Repository deadLetterPurger
	Retention  int
}

// retentionJob deletes rows older than a day-based window through purge.
type retentionJob struct {
	name      string
	logg      *logger.Logger
	retention int
	fields    map[string]any
	purge     func(ctx context.Context, cutoff time.Time) (int64, error)
	now       func() time.Time
}

// NewOutboxRetentionJob removes published outbox rows and rows already copied to the DLQ.
func NewOutboxRetentionJob(params OutboxRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Repository == nil {
		return nil, fmt.Errorf("outbox repository required")
	}
	minAttempts := params.MinAttempts
	if minAttempts <= 0 {
		minAttempts = outboxMinAttempts
	}
	return &retentionJob{
		name:      "outbox-retention",
		logg:      params.Logger,
		retention: withDefault(params.Retention, outboxRetentionDays),
		fields:    map[string]any{"min_attempts": minAttempts},
		purge: func(ctx context.Context, cutoff time.Time) (int64, error) {
			var deleted int64
			err := params.DB.WithTx(ctx, func(tx *gorm.DB) error {
				rows, err := params.Repository.DeletePublishedBefore(ctx, tx, cutoff, minAttempts)
				deleted = rows
				return err
			})
			return deleted, err
		},
		now: time.Now,
	}, nil
}

// NewDeadLetterRetentionJob removes webhook dead letters resolved before the window.
// Unresolved dead letters are kept until an operator replays them.
func NewDeadLetterRetentionJob(params DeadLetterRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Repository == nil {
		return nil, fmt.Errorf("dead letter repository required")
	}
	return &retentionJob{
		name:      "dead-letter-retention",
		logg:      params.Logger,
		retention: withDefault(params.Retention, deadLetterRetentionDays),
		purge:     params.Repository.DeleteResolvedBefore,
		now:       time.Now,
	}, nil
}

func (j *retentionJob) Name() string { return j.name }

func (j *retentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-time.Duration(j.retention) * 24 * time.Hour)
	deleted, err := j.purge(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("%s: %w", j.name, err)
	}
	fields := map[string]any{
		"cutoff":         cutoff,
		"retention_days": j.retention,
		"rows_deleted":   deleted,
	}
	for k, v := range j.fields {
		fields[k] = v
	}
	j.logg.Info(j.logg.WithFields(ctx, fields), "retention cleanup complete")
	return nil
}

func withDefault(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
