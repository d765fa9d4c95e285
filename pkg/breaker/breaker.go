// Package breaker implements the per-node circuit breaker guarding all
// outbound peer calls.
//
// Closed: calls pass, consecutive failures are counted. Open: calls
// short-circuit with ErrNodeUnavailable until the cool-down expires.
// Half-open: exactly one probe call is admitted; its outcome decides
// whether the breaker closes again or re-opens.
package breaker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrNodeUnavailable is returned while the breaker is open (or while the
// single half-open probe slot is taken).
type ErrNodeUnavailable struct {
	Slug       string
	RetryAfter time.Duration
}

func (e *ErrNodeUnavailable) Error() string {
	return fmt.Sprintf("node %s is unavailable (circuit open, retry in %s)", e.Slug, e.RetryAfter.Round(time.Second))
}

// Breaker is the state machine for one node.
type Breaker struct {
	mu sync.Mutex

	slug      string
	threshold int
	cooldown  time.Duration
	logger    *slog.Logger

	state         State
	failures      int
	changedAt     time.Time
	probeInFlight bool
	clock         func() time.Time
}

// New creates a closed breaker for slug.
func New(slug string, threshold int, cooldown time.Duration, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		slug:      slug,
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logger,
		state:     StateClosed,
		changedAt: time.Now(),
		clock:     time.Now,
	}
}

// Allow reports whether a call may proceed. When it returns nil the caller
// must report the outcome by calling exactly one of Success or Failure;
// skipping the report would pin a half-open breaker's probe slot forever.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		elapsed := b.clock().Sub(b.changedAt)
		if elapsed < b.cooldown {
			return &ErrNodeUnavailable{Slug: b.slug, RetryAfter: b.cooldown - elapsed}
		}
		b.transition(StateHalfOpen)
		b.probeInFlight = true
		return nil
	case StateHalfOpen:
		if b.probeInFlight {
			return &ErrNodeUnavailable{Slug: b.slug, RetryAfter: b.cooldown}
		}
		b.probeInFlight = true
		return nil
	}
	return nil
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.probeInFlight = false
		b.failures = 0
		b.transition(StateClosed)
	}
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.probeInFlight = false
		b.transition(StateOpen)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	// An expired open breaker is observably half-open.
	if b.state == StateOpen && b.clock().Sub(b.changedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// transition must be called with the lock held.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.changedAt = b.clock()
	b.logger.Info("breaker state changed", "node", b.slug, "from", from, "to", to)
}

// Registry holds one breaker per node slug.
type Registry struct {
	mu        sync.Mutex
	breakers  map[string]*Breaker
	threshold int
	cooldown  time.Duration
	logger    *slog.Logger
}

// NewRegistry creates a breaker registry with shared tuning.
func NewRegistry(threshold int, cooldown time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		breakers:  make(map[string]*Breaker),
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logger,
	}
}

// For returns (creating if needed) the breaker for slug.
func (r *Registry) For(slug string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[slug]
	if !ok {
		b = New(slug, r.threshold, r.cooldown, r.logger)
		r.breakers[slug] = b
	}
	return b
}

// StateOf returns the breaker state for slug without creating one.
func (r *Registry) StateOf(slug string) State {
	r.mu.Lock()
	b, ok := r.breakers[slug]
	r.mu.Unlock()
	if !ok {
		return StateClosed
	}
	return b.State()
}
