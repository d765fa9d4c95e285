package session

import (
	"context"
	"errors"
	"sync"
)

// ErrStoreUnavailable marks storage failures. It is the one error class
// that is fatal to a request (surfaced as a 5xx by the server).
var ErrStoreUnavailable = errors.New("session store unavailable")

// ErrVersionConflict is returned when a save observes a newer stored
// version than the one it loaded. With per-session serialization this only
// happens on operator error (two processes on one store).
var ErrVersionConflict = errors.New("session version conflict")

// Store loads and persists session contexts.
type Store interface {
	// Load returns the context for sessionID, freshly allocated when the
	// session is new. Load never returns nil without an error.
	Load(ctx context.Context, sessionID, callerID string) (*Context, error)

	// Save persists the full context atomically, bumping its version.
	Save(ctx context.Context, c *Context) error

	// Delete removes a session.
	Delete(ctx context.Context, sessionID string) error

	// Close releases store resources.
	Close() error
}

// Locker serializes work per session id. Cross-session work stays fully
// parallel; no lock is held across LLM calls by callers that follow the
// orchestrator's lock-load-work-save discipline per request.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// NewLocker creates an empty locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*lockEntry)}
}

// Lock acquires the per-session lock and returns its unlock function.
func (l *Locker) Lock(sessionID string) func() {
	l.mu.Lock()
	entry, ok := l.locks[sessionID]
	if !ok {
		entry = &lockEntry{}
		l.locks[sessionID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, sessionID)
		}
		l.mu.Unlock()
	}
}
