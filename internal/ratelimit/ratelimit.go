// Package ratelimit implements a fixed-window request limiter backed by Redis
// or process memory.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned for a non-positive limit or window.
var ErrInvalidConfig = errors.New("ratelimit: invalid config")

// Result contains the result of a rate limit check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns how long to wait before the next request is allowed.
// Returns 0 if the current request was allowed.
func (r *Result) RetryAfter() time.Duration {
	if r.Allowed {
		return 0
	}
	return time.Until(r.ResetAt)
}

// Store atomically increments a counter that expires window after its first
// increment.
type Store interface {
	IncrementAndGet(ctx context.Context, key string, window time.Duration) (current int64, ttl time.Duration, err error)
}

// Limiter allows Limit requests per key per Window.
type Limiter struct {
	store  Store
	limit  int
	window time.Duration
	prefix string
}

// New creates a fixed-window limiter.
func New(store Store, limit int, window time.Duration) (*Limiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, fmt.Errorf("%w: limit=%d window=%s", ErrInvalidConfig, limit, window)
	}
	return &Limiter{store: store, limit: limit, window: window, prefix: "gymhub:rl:"}, nil
}

// Allow consumes one slot for key.
func (l *Limiter) Allow(ctx context.Context, key string) (*Result, error) {
	current, ttl, err := l.store.IncrementAndGet(ctx, l.prefix+key, l.window)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: increment: %w", err)
	}
	if ttl <= 0 {
		ttl = l.window
	}
	return &Result{
		Allowed:   current <= int64(l.limit),
		Limit:     l.limit,
		Remaining: max(l.limit-int(current), 0),
		ResetAt:   time.Now().Add(ttl),
	}, nil
}
