package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is the cache-only Store used in tests and as the
// write-through cache in front of the SQLite store. Entries are evicted
// after idleTTL of inactivity.
type MemoryStore struct {
	mu      sync.RWMutex
	items   map[string]*memoryEntry
	idleTTL time.Duration
}

type memoryEntry struct {
	data     []byte
	lastUsed time.Time
}

// NewMemoryStore creates a store; idleTTL <= 0 disables eviction.
func NewMemoryStore(idleTTL time.Duration) *MemoryStore {
	return &MemoryStore{
		items:   make(map[string]*memoryEntry),
		idleTTL: idleTTL,
	}
}

// Load implements Store. Contexts round-trip through JSON so callers can
// never alias the stored copy.
func (s *MemoryStore) Load(_ context.Context, sessionID, callerID string) (*Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictLocked()

	entry, ok := s.items[sessionID]
	if !ok {
		return NewContext(sessionID, callerID), nil
	}
	entry.lastUsed = time.Now()

	c := &Context{}
	if err := json.Unmarshal(entry.data, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, c *Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.items[c.ID]; ok {
		stored := &Context{}
		if err := json.Unmarshal(entry.data, stored); err == nil && stored.Version > c.Version {
			return ErrVersionConflict
		}
	}

	c.Version++
	c.UpdatedAt = time.Now()

	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	s.items[c.ID] = &memoryEntry{data: data, lastUsed: time.Now()}
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, sessionID)
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// evictLocked drops idle entries. Called with the write lock held.
func (s *MemoryStore) evictLocked() {
	if s.idleTTL <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.idleTTL)
	for id, entry := range s.items {
		if entry.lastUsed.Before(cutoff) {
			delete(s.items, id)
		}
	}
}
