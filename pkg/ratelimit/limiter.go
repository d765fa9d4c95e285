// Package ratelimit enforces the per-node outbound request budget. The
// check runs in the transport before a pooled connection is acquired and
// before the circuit breaker is consulted, so a rate-limited caller never
// consumes breaker probes.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// ErrLimited is returned when a node's window budget is exhausted.
type ErrLimited struct {
	Slug       string
	RetryAfter time.Duration
}

func (e *ErrLimited) Error() string {
	return fmt.Sprintf("rate limit for node %s exceeded, retry in %s", e.Slug, e.RetryAfter.Round(time.Second))
}

// Store tracks window counters per identifier.
type Store interface {
	// Incr bumps the counter for the identifier's current window and
	// returns the new count plus the window end.
	Incr(ctx context.Context, identifier string, window time.Duration) (count int, windowEnd time.Time, err error)
}

// Limiter applies a fixed requests-per-minute window per node.
type Limiter struct {
	enabled bool
	limit   int
	window  time.Duration
	store   Store
}

// New creates a limiter. A nil store or disabled flag yields a no-op.
func New(enabled bool, requestsPerMinute int, store Store) *Limiter {
	return &Limiter{
		enabled: enabled && store != nil,
		limit:   requestsPerMinute,
		window:  time.Minute,
		store:   store,
	}
}

// Acquire spends one request from the node's budget.
func (l *Limiter) Acquire(ctx context.Context, slug string) error {
	if !l.enabled {
		return nil
	}

	count, windowEnd, err := l.store.Incr(ctx, slug, l.window)
	if err != nil {
		return fmt.Errorf("rate limit store failed: %w", err)
	}
	if count > l.limit {
		return &ErrLimited{Slug: slug, RetryAfter: time.Until(windowEnd)}
	}
	return nil
}
