package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	count int
	end   time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*window)}
}

// Incr implements Store.
func (s *MemoryStore) Incr(_ context.Context, identifier string, d time.Duration) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	w, ok := s.windows[identifier]
	if !ok || w.end.Before(now) {
		w = &window{end: now.Add(d)}
		s.windows[identifier] = w
	}
	w.count++
	return w.count, w.end, nil
}
