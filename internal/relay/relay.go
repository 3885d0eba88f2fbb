// Package relay drains the order outbox onto the Pub/Sub topics its consumers read.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/metrics"
	"github.com/angelmondragon/storefront-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/storefront-backend/pkg/outbox/registry"
)

// Sender delivers one message to a topic and returns its message ID.
type Sender interface {
	Send(ctx context.Context, topic string, msg *gcppubsub.Message) (string, error)
	Ping(ctx context.Context) error
}

type database interface {
	Ping(ctx context.Context) error
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxStore interface {
	FetchUnpublishedForPublish(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error)
	MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error
	MarkFailedTx(tx *gorm.DB, id uuid.UUID, err error) error
	DeadLetterTx(tx *gorm.DB, row models.OutboxEvent, reason enums.OutboxDLQErrorReason, cause error, attempts int) error
}

type eventResolver interface {
	Resolve(event models.OutboxEvent) (*registry.ResolvedEvent, error)
}

// Params wires a Relay.
type Params struct {
	DB      database
	Outbox  outboxStore
	Events  eventResolver
	Sender  Sender
	Metrics *metrics.OutboxMetrics
	Logger  *logger.Logger
	Policy  Policy
}

// Relay publishes pending outbox rows. Rows are locked for the length of a drain,
// so several relays can run against the same table.
type Relay struct {
	db      database
	outbox  outboxStore
	events  eventResolver
	sender  Sender
	metrics *metrics.OutboxMetrics
	logg    *logger.Logger
	policy  Policy
}

func New(p Params) (*Relay, error) {
	switch {
	case p.Logger == nil:
		return nil, errors.New("logger is required")
	case p.DB == nil:
		return nil, errors.New("database is required")
	case p.Outbox == nil:
		return nil, errors.New("outbox store is required")
	case p.Events == nil:
		return nil, errors.New("event registry is required")
	case p.Sender == nil:
		return nil, errors.New("sender is required")
	}
	return &Relay{
		db:      p.DB,
		outbox:  p.Outbox,
		events:  p.Events,
		sender:  p.Sender,
		metrics: p.Metrics,
		logg:    p.Logger,
		policy:  p.Policy.withDefaults(),
	}, nil
}

// Run drains until ctx ends. A full batch is followed immediately by another drain,
// a short one waits a poll interval and a failed one backs off.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.db.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	if err := r.sender.Ping(ctx); err != nil {
		return fmt.Errorf("pubsub ping failed: %w", err)
	}

	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := r.Drain(ctx)
		var wait time.Duration
		switch {
		case err != nil:
			r.logg.Error(ctx, "outbox drain failed", err)
			wait = r.policy.backoff(failures)
			failures++
		case n >= r.policy.BatchSize:
			failures = 0
			continue
		default:
			failures = 0
			wait = r.policy.jitter(r.policy.PollInterval)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// outcome is what happened to one row during a drain.
type outcome struct {
	topic       string
	messageID   string
	err         error
	deadLetter  enums.OutboxDLQErrorReason
	orderNumber string
}

// Drain publishes one locked batch and records each row's outcome in the same
// transaction. It returns the number of rows it picked up.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	picked := 0
	err := r.db.WithTx(ctx, func(tx *gorm.DB) error {
		rows, err := r.outbox.FetchUnpublishedForPublish(tx, r.policy.BatchSize, r.policy.MaxAttempts)
		if err != nil {
			return fmt.Errorf("fetch outbox batch: %w", err)
		}
		picked = len(rows)
		for _, row := range rows {
			if err := r.settle(ctx, tx, row, r.deliver(ctx, row)); err != nil {
				return err
			}
		}
		return nil
	})
	return picked, err
}

// Flush drains batches until one comes back short, then reports how many rows
// it picked up in total. Rows that fail stay pending for the next run.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := r.Drain(ctx)
		total += n
		if err != nil || n < r.policy.BatchSize {
			return total, err
		}
	}
}

func (r *Relay) deliver(ctx context.Context, row models.OutboxEvent) outcome {
	resolved, err := r.events.Resolve(row)
	if err != nil {
		return outcome{err: err, deadLetter: enums.OutboxDLQReasonNonRetryable}
	}

	out := outcome{
		topic:       resolved.Route.Topic,
		orderNumber: orderNumberOf(resolved.Payload),
	}
	if out.topic == "" {
		out.err = fmt.Errorf("no topic configured for %s", row.EventType)
		out.deadLetter = enums.OutboxDLQReasonNonRetryable
		return out
	}

	attrs := map[string]string{
		"event_id":       resolved.Envelope.EventID,
		"event_type":     string(row.EventType),
		"event_version":  strconv.Itoa(resolved.Envelope.Version),
		"aggregate_type": string(row.AggregateType),
		"aggregate_id":   row.AggregateID.String(),
		"created_at":     row.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if out.orderNumber != "" {
		attrs["order_number"] = out.orderNumber
	}

	sendCtx, cancel := context.WithTimeout(ctx, r.policy.PublishTimeout)
	defer cancel()
	out.messageID, out.err = r.sender.Send(sendCtx, out.topic, &gcppubsub.Message{Data: row.Payload, Attributes: attrs})
	if out.err == nil {
		return out
	}

	var permanent registry.PermanentError
	switch {
	case errors.As(out.err, &permanent):
		out.deadLetter = enums.OutboxDLQReasonNonRetryable
	case r.policy.exhausted(row.AttemptCount + 1):
		out.deadLetter = enums.OutboxDLQReasonMaxAttempts
		out.err = fmt.Errorf("max publish attempts reached: %w", out.err)
	}
	return out
}

func (r *Relay) settle(ctx context.Context, tx *gorm.DB, row models.OutboxEvent, out outcome) error {
	fields := map[string]any{
		"outbox_id":     row.ID.String(),
		"event_type":    row.EventType,
		"aggregate_id":  row.AggregateID.String(),
		"attempt_count": row.AttemptCount,
	}
	if out.topic != "" {
		fields["topic"] = out.topic
	}
	if out.orderNumber != "" {
		fields["order_number"] = out.orderNumber
	}
	logCtx := r.logg.WithFields(ctx, fields)

	switch {
	case out.err == nil:
		if err := r.outbox.MarkPublishedTx(tx, row.ID); err != nil {
			return fmt.Errorf("mark published %s: %w", row.ID, err)
		}
		r.metrics.Inc(string(row.EventType), metrics.OutboxResultPublished)
		r.logg.Info(r.logg.WithField(logCtx, "message_id", out.messageID), "order event published")
		return nil

	case out.deadLetter != "":
		if err := r.outbox.DeadLetterTx(tx, row, out.deadLetter, out.err, row.AttemptCount+1); err != nil {
			return fmt.Errorf("dead letter %s: %w", row.ID, err)
		}
		r.metrics.Inc(string(row.EventType), metrics.OutboxResultDeadLettered)
		r.logg.Warn(r.logg.WithFields(logCtx, map[string]any{
			"error_reason": out.deadLetter,
			"error":        out.err.Error(),
		}), "order event dead lettered")
		return nil

	default:
		if err := r.outbox.MarkFailedTx(tx, row.ID, out.err); err != nil {
			return fmt.Errorf("mark failed %s: %w", row.ID, err)
		}
		r.metrics.Inc(string(row.EventType), metrics.OutboxResultRetry)
		r.logg.Warn(r.logg.WithField(logCtx, "error", out.err.Error()), "order event publish failed, will retry")
		return nil
	}
}

func orderNumberOf(payload any) string {
	switch p := payload.(type) {
	case *payloads.OrderPaidEvent:
		return p.OrderNumber
	case *payloads.OrderConfirmationRequestedEvent:
		return p.OrderNumber
	case *payloads.OrderStatusChangedEvent:
		return p.OrderNumber
	}
	return ""
}
