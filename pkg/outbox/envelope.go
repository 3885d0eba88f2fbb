package outbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EnvelopeVersion is the envelope layout producers write today. Consumers
// accept every version from 1 up to it.
const EnvelopeVersion = 1

// ErrMalformedEnvelope marks a body no consumer version can read.
var ErrMalformedEnvelope = errors.New("malformed order event envelope")

// ActorRef is the admin or buyer behind a status change. Reconciler events
// carry none.
type ActorRef struct {
	Subject string `json:"subject"`
	Role    string `json:"role,omitempty"`
}

// PayloadEnvelope is stored in outbox_events.payload and relayed unchanged as
// the message body.
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Actor      *ActorRef       `json:"actor,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// DecodeEnvelope parses a relayed body and checks that it carries a payload in
// a version this build understands.
func DecodeEnvelope(body []byte) (PayloadEnvelope, error) {
	var env PayloadEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return PayloadEnvelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Version < 1 || env.Version > EnvelopeVersion {
		return PayloadEnvelope{}, fmt.Errorf("%w: version %d not in 1..%d", ErrMalformedEnvelope, env.Version, EnvelopeVersion)
	}
	if data := bytes.TrimSpace(env.Data); len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return PayloadEnvelope{}, fmt.Errorf("%w: data missing", ErrMalformedEnvelope)
	}
	return env, nil
}
