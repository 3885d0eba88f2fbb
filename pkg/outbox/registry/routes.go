// Package registry maps order event types to their Pub/Sub topic and payload
// type. The relay resolves rows through it and consumers open messages with it.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/storefront-backend/pkg/config"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/outbox"
	"github.com/angelmondragon/storefront-backend/pkg/outbox/payloads"
)

// PermanentError marks a row or send failure that no retry can fix. The relay
// dead-letters it on the spot.
type PermanentError struct {
	Err error
}

func (e PermanentError) Error() string {
	if e.Err == nil {
		return "permanent outbox failure"
	}
	return e.Err.Error()
}

func (e PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	return PermanentError{Err: err}
}

// Route is where one order event type is published.
type Route struct {
	EventType enums.OutboxEventType
	Aggregate enums.OutboxAggregateType
	Topic     string
	decode    func(json.RawMessage) (any, error)
}

// ResolvedEvent is an outbox row checked against its route, with the payload
// decoded into its payloads type.
type ResolvedEvent struct {
	Route    Route
	Envelope outbox.PayloadEnvelope
	Payload  any
}

type Routes struct {
	byType map[enums.OutboxEventType]Route
}

// NewRoutes binds each order event to its configured topic. Every missing
// topic is reported, not only the first.
func NewRoutes(cfg config.PubSubConfig) (*Routes, error) {
	var err error
	for name, topic := range map[string]string{
		"orders":       cfg.OrdersTopic,
		"notification": cfg.NotificationTopic,
		"analytics":    cfg.AnalyticsTopic,
	} {
		if topic == "" {
			err = multierr.Append(err, fmt.Errorf("%s topic is required", name))
		}
	}
	if err != nil {
		return nil, err
	}

	r := &Routes{byType: map[enums.OutboxEventType]Route{}}
	r.add(route[payloads.OrderPaidEvent](enums.EventOrderPaid, cfg.AnalyticsTopic))
	r.add(route[payloads.OrderConfirmationRequestedEvent](enums.EventOrderConfirmationRequested, cfg.NotificationTopic))
	r.add(route[payloads.OrderStatusChangedEvent](enums.EventOrderStatusChanged, cfg.OrdersTopic))
	return r, nil
}

func route[T any](eventType enums.OutboxEventType, topic string) Route {
	return Route{
		EventType: eventType,
		Aggregate: eventType.Aggregate(),
		Topic:     topic,
		decode: func(data json.RawMessage) (any, error) {
			var out T
			if err := json.Unmarshal(data, &out); err != nil {
				return nil, err
			}
			return &out, nil
		},
	}
}

func (r *Routes) add(rt Route) {
	r.byType[rt.EventType] = rt
}

// Topics lists every distinct topic the relay publishes to.
func (r *Routes) Topics() []string {
	seen := map[string]bool{}
	var out []string
	for _, rt := range r.byType {
		if !seen[rt.Topic] {
			seen[rt.Topic] = true
			out = append(out, rt.Topic)
		}
	}
	sort.Strings(out)
	return out
}

// Resolve checks row against its route and decodes the payload. Every error
// is a PermanentError.
func (r *Routes) Resolve(row models.OutboxEvent) (*ResolvedEvent, error) {
	rt, ok := r.byType[row.EventType]
	switch {
	case !ok:
		return nil, Permanent(fmt.Errorf("no route for event type %s", row.EventType))
	case rt.Aggregate != row.AggregateType:
		return nil, Permanent(fmt.Errorf("%s belongs to %s, row says %s", row.EventType, rt.Aggregate, row.AggregateType))
	case row.AggregateID == uuid.Nil:
		return nil, Permanent(errors.New("aggregate_id missing"))
	}

	env, err := outbox.DecodeEnvelope(row.Payload)
	if err != nil {
		return nil, Permanent(err)
	}
	payload, err := rt.decode(env.Data)
	if err != nil {
		return nil, Permanent(fmt.Errorf("decode %s payload: %w", row.EventType, err))
	}
	return &ResolvedEvent{Route: rt, Envelope: env, Payload: payload}, nil
}

// Open decodes a relayed message body into its envelope and typed payload.
func Open[T any](body []byte) (outbox.PayloadEnvelope, T, error) {
	var payload T
	env, err := outbox.DecodeEnvelope(body)
	if err != nil {
		return outbox.PayloadEnvelope{}, payload, err
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return outbox.PayloadEnvelope{}, payload, fmt.Errorf("%w: %v", outbox.ErrMalformedEnvelope, err)
	}
	return env, payload, nil
}
