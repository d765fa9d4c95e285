package node

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Health estimator tuning. alpha weights the newest sample.
const (
	healthAlpha = 0.2

	// pingFailureLimit consecutive ping failures flip a node to error.
	pingFailureLimit = 3
)

// ErrNodeNotFound is returned for unknown slugs.
type ErrNodeNotFound struct {
	Slug string
}

func (e *ErrNodeNotFound) Error() string {
	return fmt.Sprintf("node %s is not registered", e.Slug)
}

// Registry is the in-memory source of truth for peer nodes.
type Registry struct {
	mu     sync.RWMutex
	nodes  map[string]*Node
	logger *slog.Logger

	// onStatusChange observers, e.g. the discovery cache invalidator.
	onStatusChange []func(slug string, status Status)
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		nodes:  make(map[string]*Node),
		logger: logger,
	}
}

// OnStatusChange registers an observer invoked after a node's status
// changes. Observers must not call back into the registry.
func (r *Registry) OnStatusChange(fn func(slug string, status Status)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStatusChange = append(r.onStatusChange, fn)
}

// Register creates or updates the node for desc.Slug. Registration is
// idempotent by slug: a re-register keeps the node's identity and health
// history but replaces its declared capabilities. Credential rotation is
// the caller's concern (the server issues a fresh pair on each call).
func (r *Registry) Register(desc Description) (*Node, error) {
	if desc.Slug == "" {
		return nil, fmt.Errorf("node slug is required")
	}
	if desc.BaseURL == "" {
		return nil, fmt.Errorf("node %s: base_url is required", desc.Slug)
	}
	if desc.Type == "" {
		desc.Type = TypeChild
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	n, ok := r.nodes[desc.Slug]
	if !ok {
		n = &Node{
			Slug:         desc.Slug,
			RegisteredAt: now,
			Health:       Health{SuccessRate: 1.0, LastSeen: now},
		}
		r.nodes[desc.Slug] = n
	}

	n.Name = desc.Name
	n.BaseURL = strings.TrimSuffix(desc.BaseURL, "/")
	n.Type = desc.Type
	n.Caps = desc.Caps
	n.Version = desc.Version
	n.Description = desc.Description
	n.Status = StatusActive
	n.UpdatedAt = now

	r.logger.Info("node registered",
		"node", n.Slug,
		"type", n.Type,
		"collections", len(n.Caps.Collections),
		"collectors", len(n.Caps.Collectors),
		"tools", len(n.Caps.Tools))

	return n, nil
}

// GetBySlug returns the node for slug.
func (r *Registry) GetBySlug(slug string) (*Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[slug]
	if !ok {
		return nil, &ErrNodeNotFound{Slug: slug}
	}
	return n, nil
}

// ListActive returns active nodes sorted by slug.
func (r *Registry) ListActive() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		if n.Status == StatusActive {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// ListPingable returns the nodes the health prober should visit: active
// nodes plus errored ones, which need a successful ping to come back.
// Inactive (soft-deleted) nodes are skipped.
func (r *Registry) ListPingable() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		if n.Status == StatusActive || n.Status == StatusError {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// FindForCollection returns the active node declaring the collection,
// matching the exact name first and the normalized singular/plural form
// second. When several nodes match, the least loaded wins.
func (r *Registry) FindForCollection(name string) (*Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var exact, fuzzy []*Node
	want := strings.ToLower(name)
	for _, n := range r.nodes {
		if n.Status != StatusActive {
			continue
		}
		for _, c := range n.Caps.Collections {
			have := strings.ToLower(c.Name)
			if have == want {
				exact = append(exact, n)
				break
			}
			if singular(have) == singular(want) {
				fuzzy = append(fuzzy, n)
				break
			}
		}
	}

	candidates := exact
	if len(candidates) == 0 {
		candidates = fuzzy
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no active node declares collection %q", name)
	}

	sort.Slice(candidates, func(i, j int) bool {
		li, lj := candidates[i].Load(), candidates[j].Load()
		if li != lj {
			return li < lj
		}
		ci, cj := candidates[i].ActiveConns(), candidates[j].ActiveConns()
		if ci != cj {
			return ci < cj
		}
		return candidates[i].Slug < candidates[j].Slug
	})
	return candidates[0], nil
}

// UpdateHealth folds one call sample into the node's rolling health.
// Three consecutive ping failures transition the node to error; a single
// successful ping restores it to active.
func (r *Registry) UpdateHealth(slug string, s Sample) error {
	r.mu.Lock()

	n, ok := r.nodes[slug]
	if !ok {
		r.mu.Unlock()
		return &ErrNodeNotFound{Slug: slug}
	}

	h := &n.Health
	h.Samples++
	latencyMs := float64(s.Latency.Milliseconds())
	if h.Samples == 1 {
		h.AvgLatencyMs = latencyMs
	} else {
		h.AvgLatencyMs = healthAlpha*latencyMs + (1-healthAlpha)*h.AvgLatencyMs
	}

	outcome := 0.0
	if s.Success {
		outcome = 1.0
		h.LastSeen = time.Now()
	}
	h.SuccessRate = healthAlpha*outcome + (1-healthAlpha)*h.SuccessRate

	var changed Status
	if s.Ping {
		if s.Success {
			h.PingFailures = 0
			if n.Status == StatusError {
				n.Status = StatusActive
				changed = StatusActive
			}
		} else {
			h.PingFailures++
			if h.PingFailures >= pingFailureLimit && n.Status == StatusActive {
				n.Status = StatusError
				changed = StatusError
			}
		}
	}
	n.UpdatedAt = time.Now()
	observers := r.onStatusChange
	r.mu.Unlock()

	if changed != "" {
		r.logger.Warn("node status changed", "node", slug, "status", changed)
		for _, fn := range observers {
			fn(slug, changed)
		}
	}
	return nil
}

// MarkInactive soft-deletes a node.
func (r *Registry) MarkInactive(slug string) error {
	r.mu.Lock()
	n, ok := r.nodes[slug]
	if !ok {
		r.mu.Unlock()
		return &ErrNodeNotFound{Slug: slug}
	}
	n.Status = StatusInactive
	n.UpdatedAt = time.Now()
	observers := r.onStatusChange
	r.mu.Unlock()

	for _, fn := range observers {
		fn(slug, StatusInactive)
	}
	return nil
}

// HealthReport is the per-node view exposed on the dashboard.
type HealthReport struct {
	Slug         string  `json:"slug"`
	Status       Status  `json:"status"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	SuccessRate  float64 `json:"success_rate"`
	PingFailures int     `json:"ping_failures"`
	LastSeen     string  `json:"last_seen"`
	ActiveConns  int64   `json:"active_conns"`
	BreakerState string  `json:"breaker_state,omitempty"`
}

// GetHealthReport returns the health view for one node.
func (r *Registry) GetHealthReport(slug string) (*HealthReport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[slug]
	if !ok {
		return nil, &ErrNodeNotFound{Slug: slug}
	}
	return &HealthReport{
		Slug:         n.Slug,
		Status:       n.Status,
		AvgLatencyMs: n.Health.AvgLatencyMs,
		SuccessRate:  n.Health.SuccessRate,
		PingFailures: n.Health.PingFailures,
		LastSeen:     n.Health.LastSeen.Format(time.RFC3339),
		ActiveConns:  n.ActiveConns(),
	}, nil
}

// Statistics summarizes the fleet.
type Statistics struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Inactive int `json:"inactive"`
	Errored  int `json:"errored"`
}

// Statistics returns fleet counts by status.
func (r *Registry) Statistics() Statistics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var s Statistics
	for _, n := range r.nodes {
		s.Total++
		switch n.Status {
		case StatusActive:
			s.Active++
		case StatusInactive:
			s.Inactive++
		case StatusError:
			s.Errored++
		}
	}
	return s
}

// singular normalizes trivial English plurals for collection matching.
func singular(s string) string {
	switch {
	case strings.HasSuffix(s, "ies"):
		return s[:len(s)-3] + "y"
	case strings.HasSuffix(s, "ses"):
		return s[:len(s)-2]
	case strings.HasSuffix(s, "s") && !strings.HasSuffix(s, "ss"):
		return s[:len(s)-1]
	default:
		return s
	}
}
