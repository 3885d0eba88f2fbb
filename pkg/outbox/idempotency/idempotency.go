// Package idempotency keeps Pub/Sub consumers from handling a redelivered
// outbox event twice.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/storefront-backend/pkg/redis"
)

// Guard claims an event ID per consumer with SETNX. A claim lives for the TTL
// once the handler succeeds and is released when it fails so the redelivery
// can run again.
type Guard struct {
	store redis.IdempotencyStore
	ttl   time.Duration
}

func NewGuard(store redis.IdempotencyStore, ttl time.Duration) (*Guard, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	return &Guard{store: store, ttl: ttl}, nil
}

// Once runs handle unless consumer already handled eventID. duplicate reports
// a skipped run. A handler error is returned as is, joined with any failure to
// release the claim.
func (g *Guard) Once(ctx context.Context, consumer string, eventID uuid.UUID, handle func(context.Context) error) (duplicate bool, err error) {
	key, err := g.key(consumer, eventID)
	if err != nil {
		return false, err
	}
	claimed, err := g.store.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), g.ttl)
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	if !claimed {
		return true, nil
	}
	if err := handle(ctx); err != nil {
		if relErr := g.store.Del(context.WithoutCancel(ctx), key); relErr != nil {
			err = multierr.Append(err, fmt.Errorf("release %s: %w", key, relErr))
		}
		return false, err
	}
	return false, nil
}

// Forget drops a claim so the event is handled again on its next delivery.
func (g *Guard) Forget(ctx context.Context, consumer string, eventID uuid.UUID) error {
	key, err := g.key(consumer, eventID)
	if err != nil {
		return err
	}
	return g.store.Del(ctx, key)
}

// Keys look like sf:idempotency:evt:processed:<consumer>:<event_id>.
func (g *Guard) key(consumer string, eventID uuid.UUID) (string, error) {
	if consumer == "" {
		return "", errors.New("consumer name is required")
	}
	if eventID == uuid.Nil {
		return "", errors.New("event id is required")
	}
	return g.store.IdempotencyKey("evt:processed:"+consumer, eventID.String()), nil
}
