package types

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/angelmondragon/storefront-backend/pkg/enums"
)

var (
	// ErrUnsupportedEventType marks an event the analytics worker acknowledges without writing.
	ErrUnsupportedEventType = errors.New("unsupported analytics event type")
	// ErrFactRejected marks a fact that can never be written. Redelivery will not help.
	ErrFactRejected = errors.New("order fact rejected")
)

// Envelope is an outbox event as received from the analytics subscription.
type Envelope struct {
	EventID       string                    `json:"event_id"`
	EventType     enums.OutboxEventType     `json:"event_type"`
	AggregateType enums.OutboxAggregateType `json:"aggregate_type"`
	AggregateID   string                    `json:"aggregate_id"`
	OccurredAt    time.Time                 `json:"occurred_at"`
	Payload       json.RawMessage           `json:"payload"`
}
