// Package worker feeds order_paid events from the analytics subscription into
// the order facts handler.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-backend/internal/analytics/types"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/outbox"
)

const factsConsumer = "order-facts"

type Handler interface {
	Handle(ctx context.Context, envelope types.Envelope) error
}

type onceRunner interface {
	Once(ctx context.Context, consumer string, eventID uuid.UUID, handle func(context.Context) error) (bool, error)
}

type ConsumerParams struct {
	Subscription *gcppubsub.Subscriber
	Handler      Handler
	Idempotency  onceRunner
	Logger       *logger.Logger
}

// Consumer writes one order fact per paid order. Malformed messages are acked
// and logged because redelivery cannot repair them.
type Consumer struct {
	subscription *gcppubsub.Subscriber
	handler      Handler
	idempotency  onceRunner
	logg         *logger.Logger
}

func NewConsumer(p ConsumerParams) (*Consumer, error) {
	switch {
	case p.Subscription == nil:
		return nil, errors.New("analytics subscription is required")
	case p.Handler == nil:
		return nil, errors.New("order facts handler is required")
	case p.Idempotency == nil:
		return nil, errors.New("idempotency guard is required")
	case p.Logger == nil:
		return nil, errors.New("logger is required")
	}
	return &Consumer{
		subscription: p.Subscription,
		handler:      p.Handler,
		idempotency:  p.Idempotency,
		logg:         p.Logger,
	}, nil
}

func (c *Consumer) Run(ctx context.Context) error {
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *gcppubsub.Message) {
		if c.consume(ctx, msg) == redeliver {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

type verdict int

const (
	settled verdict = iota
	redeliver
)

func (c *Consumer) consume(ctx context.Context, msg *gcppubsub.Message) verdict {
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"message_id": msg.ID,
		"event_type": msg.Attributes["event_type"],
	})
	if number := msg.Attributes["order_number"]; number != "" {
		logCtx = c.logg.WithOrderNumber(logCtx, number)
	}

	envelope, eventID, err := decodeEnvelope(msg)
	if err != nil {
		c.logg.Warn(c.logg.WithField(logCtx, "error", err.Error()), "dropping malformed order event")
		return settled
	}
	if envelope.EventType != enums.EventOrderPaid {
		c.logg.Info(logCtx, "no order fact for event type")
		return settled
	}
	logCtx = c.logg.WithFields(logCtx, map[string]any{
		"event_id": envelope.EventID,
		"order_id": envelope.AggregateID,
	})

	duplicate, err := c.idempotency.Once(logCtx, factsConsumer, eventID, func(ctx context.Context) error {
		return c.handler.Handle(ctx, envelope)
	})
	switch {
	case errors.Is(err, types.ErrUnsupportedEventType):
		c.logg.Info(logCtx, "order fact handler declined event")
		return settled
	case errors.Is(err, types.ErrFactRejected):
		c.logg.Error(logCtx, "dropping order fact bigquery will not accept", err)
		return settled
	case err != nil:
		c.logg.Error(logCtx, "order fact not written", err)
		return redeliver
	case duplicate:
		c.logg.Info(logCtx, "order fact already written")
	}
	return settled
}

// decodeEnvelope combines the stored outbox envelope with the attributes the
// relay stamps on every message. The body wins for the event ID and time.
func decodeEnvelope(msg *gcppubsub.Message) (types.Envelope, uuid.UUID, error) {
	stored, err := outbox.DecodeEnvelope(msg.Data)
	if err != nil {
		return types.Envelope{}, uuid.Nil, err
	}
	attrs := msg.Attributes

	eventType, err := enums.ParseOutboxEventType(attrs["event_type"])
	if err != nil {
		return types.Envelope{}, uuid.Nil, fmt.Errorf("event_type: %w", err)
	}
	aggregateType, err := enums.ParseOutboxAggregateType(attrs["aggregate_type"])
	if err != nil {
		return types.Envelope{}, uuid.Nil, fmt.Errorf("aggregate_type: %w", err)
	}
	if aggregateType != eventType.Aggregate() {
		return types.Envelope{}, uuid.Nil, fmt.Errorf("%s is not an %s event", eventType, aggregateType)
	}
	if attrs["aggregate_id"] == "" {
		return types.Envelope{}, uuid.Nil, errors.New("aggregate_id missing")
	}

	rawID := firstNonEmpty(stored.EventID, attrs["event_id"])
	eventID, err := uuid.Parse(rawID)
	if err != nil {
		return types.Envelope{}, uuid.Nil, fmt.Errorf("event_id %q: %w", rawID, err)
	}

	occurredAt := stored.OccurredAt
	if occurredAt.IsZero() {
		occurredAt, _ = time.Parse(time.RFC3339Nano, attrs["created_at"])
	}

	return types.Envelope{
		EventID:       eventID.String(),
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   attrs["aggregate_id"],
		OccurredAt:    occurredAt.UTC(),
		Payload:       stored.Data,
	}, eventID, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
