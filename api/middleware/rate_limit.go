package middleware

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/angelmondragon/storefront-backend/api/responses"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

type rateLimiterStore interface {
	FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error)
}

// RateLimitPolicy is a fixed window counter per authenticated buyer.
type RateLimitPolicy struct {
	name   string
	window time.Duration
	limit  int
}

func NewRateLimitPolicy(name string, window time.Duration, limit int) RateLimitPolicy {
	return RateLimitPolicy{
		name:   strings.ToLower(strings.TrimSpace(name)),
		window: window,
		limit:  limit,
	}
}

func (p RateLimitPolicy) enabled() bool {
	return p.window > 0 && p.limit > 0
}

// scope buckets counters by window start; the store adds its own namespace.
func (p RateLimitPolicy) scope(userID string, now time.Time) string {
	bucket := now.UTC().Truncate(p.window).Unix()
	return fmt.Sprintf("%s:user:%s:%d", p.name, userID, bucket)
}

// retryAfter is the number of whole seconds until the current window closes.
func (p RateLimitPolicy) retryAfter(now time.Time) int {
	end := now.UTC().Truncate(p.window).Add(p.window)
	secs := int(math.Ceil(end.Sub(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// BuyerRateLimit rejects a buyer's requests above the policy limit with RATE_LIMIT_EXCEEDED.
// It must run after Auth.
func BuyerRateLimit(policy RateLimitPolicy, store rateLimiterStore, logg *logger.Logger) func(http.Handler) http.Handler {
	return buyerRateLimit(policy, store, logg, time.Now)
}

func buyerRateLimit(policy RateLimitPolicy, store rateLimiterStore, logg *logger.Logger, now func() time.Time) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !policy.enabled() || store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			userID := UserIDFromContext(ctx)
			if userID == "" {
				next.ServeHTTP(w, r)
				return
			}

			at := now()
			allowed, count, err := store.FixedWindowAllow(ctx, policy.scope(userID, at), int64(policy.limit), policy.window)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "rate limiting"))
				return
			}
			if !allowed {
				if logg != nil {
					logg.Warn(logg.WithFields(ctx, map[string]any{
						"policy":         policy.name,
						"attempts":       count,
						"limit":          policy.limit,
						"window_seconds": int(policy.window.Seconds()),
					}), "rate limit blocked request")
				}
				w.Header().Set("Retry-After", strconv.Itoa(policy.retryAfter(at)))
				responses.WriteError(ctx, nil, w, pkgerrors.New(pkgerrors.CodeRateLimit, "too many checkout attempts; try again shortly"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
