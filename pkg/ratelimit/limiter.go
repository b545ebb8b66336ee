// Package ratelimit implements the per-identity cooldown gate. It is a
// best-effort throttle: near-simultaneous requests for one key may both
// pass (last-writer-wins), availability is preferred over exactness.
package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

// Decision is the outcome of a cooldown check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Store persists per-key last-seen timestamps. Allow must record the
// current time when it admits a request.
type Store interface {
	Allow(ctx context.Context, key string, cooldown time.Duration) (Decision, error)
}

// Limiter wraps a Store with the bypass and fail-open rules: no store or
// a non-positive cooldown always admits, and store errors admit rather
// than block all traffic.
type Limiter struct {
	store  Store
	logger *slog.Logger
}

func NewLimiter(store Store, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{store: store, logger: logger}
}

// Allow checks whether key may proceed under the given cooldown.
func (l *Limiter) Allow(ctx context.Context, key string, cooldown time.Duration) Decision {
	if l.store == nil || cooldown <= 0 {
		return Decision{Allowed: true}
	}
	d, err := l.store.Allow(ctx, key, cooldown)
	if err != nil {
		l.logger.Warn("rate limit store failed open", "key", key, "error", err)
		return Decision{Allowed: true}
	}
	return d
}
