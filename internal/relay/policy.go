package relay

import (
	"math/rand/v2"
	"time"

	"github.com/angelmondragon/storefront-backend/pkg/config"
)

// Policy bounds how the relay polls and how long a failing row keeps being retried.
type Policy struct {
	BatchSize      int
	MaxAttempts    int
	PollInterval   time.Duration
	MaxBackoff     time.Duration
	PublishTimeout time.Duration
	// Jitter adds up to this much random delay to every wait. Zero disables it.
	Jitter time.Duration
}

// PolicyFromConfig reads the outbox settings, filling gaps with defaults.
func PolicyFromConfig(cfg config.OutboxConfig) Policy {
	return Policy{
		BatchSize:    cfg.BatchSize,
		MaxAttempts:  cfg.MaxAttempts,
		PollInterval: time.Duration(cfg.PollIntervalMS) * time.Millisecond,
		Jitter:       250 * time.Millisecond,
	}.withDefaults()
}

func (p Policy) withDefaults() Policy {
	if p.BatchSize <= 0 {
		p.BatchSize = 50
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 10
	}
	if p.PollInterval <= 0 {
		p.PollInterval = 500 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 10 * time.Second
	}
	if p.PublishTimeout <= 0 {
		p.PublishTimeout = 10 * time.Second
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// exhausted reports whether a row that has now failed attempts times is done.
func (p Policy) exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// backoff doubles the poll interval for each consecutive failed drain, capped at MaxBackoff.
func (p Policy) backoff(failures int) time.Duration {
	wait := p.PollInterval
	for i := 0; i < failures && wait < p.MaxBackoff; i++ {
		wait *= 2
	}
	if wait > p.MaxBackoff {
		wait = p.MaxBackoff
	}
	return p.jitter(wait)
}

func (p Policy) jitter(d time.Duration) time.Duration {
	if p.Jitter <= 0 {
		return d
	}
	return d + rand.N(p.Jitter)
}
