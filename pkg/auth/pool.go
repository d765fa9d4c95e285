package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kadirpekel/agentmesh/pkg/httpclient"
)

// refreshSkew renews tokens this long before their actual expiry so a
// forward never departs with a token that dies in flight.
const refreshSkew = 30 * time.Second

type poolEntry struct {
	creds   *Credentials
	expires time.Time
}

// Pool caches outbound credentials per destination node and refreshes them
// through the peer's /auth/refresh endpoint. At most one refresh is in
// flight per node; concurrent callers share its result.
type Pool struct {
	mu      sync.RWMutex
	entries map[string]*poolEntry
	group   singleflight.Group
	client  *httpclient.Client
}

// NewPool creates an empty credential pool.
func NewPool(client *httpclient.Client) *Pool {
	if client == nil {
		client = httpclient.New()
	}
	return &Pool{
		entries: make(map[string]*poolEntry),
		client:  client,
	}
}

// Set stores freshly issued credentials for a node, e.g. after /register.
func (p *Pool) Set(slug string, creds *Credentials) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[slug] = &poolEntry{
		creds:   creds,
		expires: time.Now().Add(time.Duration(creds.ExpiresIn) * time.Second),
	}
}

// Token returns a valid access token for the node, refreshing when the
// cached one is expired or about to expire.
func (p *Pool) Token(ctx context.Context, slug, baseURL string) (string, error) {
	p.mu.RLock()
	entry := p.entries[slug]
	p.mu.RUnlock()

	if entry == nil {
		return "", fmt.Errorf("no credentials for node %s; register first", slug)
	}
	if time.Until(entry.expires) > refreshSkew {
		return entry.creds.AccessToken, nil
	}

	v, err, _ := p.group.Do(slug, func() (interface{}, error) {
		return p.refresh(ctx, slug, baseURL, entry.creds.RefreshToken)
	})
	if err != nil {
		return "", err
	}
	return v.(*Credentials).AccessToken, nil
}

// Invalidate drops the cached access token so the next Token call performs
// a refresh. Called by the transport after a 401.
func (p *Pool) Invalidate(slug string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.entries[slug]; ok {
		entry.expires = time.Time{}
	}
}

func (p *Pool) refresh(ctx context.Context, slug, baseURL, refreshToken string) (*Credentials, error) {
	payload, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal refresh request: %w", err)
	}

	url := strings.TrimSuffix(baseURL, "/") + "/auth/refresh"
	resp, err := p.client.Post(ctx, url, payload, nil)
	if err != nil {
		return nil, fmt.Errorf("credential refresh for %s failed: %w", slug, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read refresh response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("credential refresh for %s returned %d", slug, resp.StatusCode)
	}

	creds := &Credentials{}
	if err := json.Unmarshal(raw, creds); err != nil {
		return nil, fmt.Errorf("failed to decode refresh response: %w", err)
	}

	p.Set(slug, creds)
	return creds, nil
}
