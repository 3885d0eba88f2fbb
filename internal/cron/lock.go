package cron

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const defaultLeaseTTL = 10 * time.Minute

// HeldError reports that another worker owns the maintenance cycle.
type HeldError struct {
	Holder string
}

func (e *HeldError) Error() string {
	return "maintenance lock held by " + e.Holder
}

// Lock hands out the single lease that allows a maintenance cycle to run.
type Lock interface {
	Acquire(ctx context.Context) (*Lease, error)
}

type leaseStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	ReleaseIfOwner(ctx context.Context, key, token string) (bool, error)
}

// MaintenanceLock stores the lease in redis as "<worker>/<nonce>" so an
// operator can see which replica is running maintenance.
type MaintenanceLock struct {
	store  leaseStore
	key    string
	worker string
	ttl    time.Duration
}

// NewMaintenanceLock builds the lock for worker. The lease expires after ttl
// if the holder dies mid-cycle.
func NewMaintenanceLock(store leaseStore, key, worker string, ttl time.Duration) (*MaintenanceLock, error) {
	switch {
	case store == nil:
		return nil, errors.New("lease store required")
	case key == "":
		return nil, errors.New("lock key is required")
	case worker == "":
		return nil, errors.New("worker id is required")
	}
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	return &MaintenanceLock{store: store, key: key, worker: worker, ttl: ttl}, nil
}

// Acquire takes the lease. When another worker holds it the error is a
// *HeldError naming that worker.
func (l *MaintenanceLock) Acquire(ctx context.Context) (*Lease, error) {
	token := l.worker + "/" + uuid.NewString()
	ok, err := l.store.SetNX(ctx, l.key, token, l.ttl)
	if err != nil {
		return nil, fmt.Errorf("take maintenance lease: %w", err)
	}
	if !ok {
		return nil, &HeldError{Holder: l.holder(ctx)}
	}
	return &Lease{store: l.store, key: l.key, token: token, Holder: l.worker, Expires: time.Now().Add(l.ttl)}, nil
}

func (l *MaintenanceLock) holder(ctx context.Context) string {
	token, err := l.store.Get(ctx, l.key)
	switch {
	case errors.Is(err, goredis.Nil):
		return "released just now"
	case err != nil:
		return "unknown"
	}
	worker, _, _ := strings.Cut(token, "/")
	return worker
}

// Lease is a held maintenance lock.
type Lease struct {
	store   leaseStore
	key     string
	token   string
	Holder  string
	Expires time.Time
}

// Release gives the lease back. A lease that already expired and was taken by
// another worker is left alone.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil || l.token == "" {
		return nil
	}
	if _, err := l.store.ReleaseIfOwner(ctx, l.key, l.token); err != nil {
		return fmt.Errorf("release maintenance lease: %w", err)
	}
	l.token = ""
	return nil
}
