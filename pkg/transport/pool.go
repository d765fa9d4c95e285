package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// ConnPool shares HTTP clients across sessions, keyed by destination node,
// with a TTL on each client and a per-node cap on concurrent forwards.
type ConnPool struct {
	mu         sync.Mutex
	clients    map[string]*poolClient
	semaphores map[string]chan struct{}

	maxPerNode int
	ttl        time.Duration
	timeout    time.Duration
}

type poolClient struct {
	client  *http.Client
	created time.Time
}

// PoolStats is the per-pool view surfaced on the dashboard.
type PoolStats struct {
	Clients    int `json:"clients"`
	MaxPerNode int `json:"max_per_node"`
}

// NewConnPool creates a pool. timeout applies per request on the pooled
// clients; per-operation deadlines still come from the caller's context.
func NewConnPool(maxPerNode int, ttl, timeout time.Duration) *ConnPool {
	return &ConnPool{
		clients:    make(map[string]*poolClient),
		semaphores: make(map[string]chan struct{}),
		maxPerNode: maxPerNode,
		ttl:        ttl,
		timeout:    timeout,
	}
}

// Acquire returns an HTTP client for the node and a release func. It blocks
// while the node's cap is reached, honoring ctx cancellation.
func (p *ConnPool) Acquire(ctx context.Context, slug string) (*http.Client, func(), error) {
	p.mu.Lock()
	sem, ok := p.semaphores[slug]
	if !ok {
		sem = make(chan struct{}, p.maxPerNode)
		p.semaphores[slug] = sem
	}
	p.mu.Unlock()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("connection pool wait for %s: %w", slug, ctx.Err())
	}

	p.mu.Lock()
	pc, ok := p.clients[slug]
	if !ok || time.Since(pc.created) > p.ttl {
		pc = &poolClient{
			client: &http.Client{
				Timeout: p.timeout,
				Transport: &http.Transport{
					MaxIdleConnsPerHost: p.maxPerNode,
					IdleConnTimeout:     p.ttl,
				},
			},
			created: time.Now(),
		}
		p.clients[slug] = pc
	}
	p.mu.Unlock()

	release := func() { <-sem }
	return pc.client, release, nil
}

// Invalidate drops the cached client for a node, e.g. after credential
// rotation changed what the connections were keyed on.
func (p *ConnPool) Invalidate(slug string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.clients, slug)
}

// Stats returns current pool counters.
func (p *ConnPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{Clients: len(p.clients), MaxPerNode: p.maxPerNode}
}
