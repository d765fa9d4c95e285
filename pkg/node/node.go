// Package node is the registry of peer nodes: their declared capabilities,
// rolling health, and routing load. The in-memory registry is the source of
// truth for routing decisions; a node's advertised capability set is
// authoritative until the next discovery refresh.
package node

import (
	"sync/atomic"
	"time"

	"github.com/kadirpekel/agentmesh/pkg/collector"
)

// Node types.
type Type string

const (
	TypeMaster Type = "master"
	TypeChild  Type = "child"
)

// Node statuses.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusError    Status = "error"
)

// Collection is a searchable data collection a node declares.
type Collection struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Capabilities is the set of resources a node advertises.
type Capabilities struct {
	Tools       []string               `json:"tools,omitempty"`
	Collectors  []collector.Descriptor `json:"collectors,omitempty"`
	Collections []Collection           `json:"collections,omitempty"`
	Domains     []string               `json:"domains,omitempty"`
}

// Health holds rolling health metrics. Latency and success rate are
// exponentially weighted so one slow call does not flap routing.
type Health struct {
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	SuccessRate  float64   `json:"success_rate"`
	PingFailures int       `json:"ping_failures"`
	LastSeen     time.Time `json:"last_seen"`
	Samples      int64     `json:"samples"`
}

// Sample is one observed call against a node.
type Sample struct {
	Latency time.Duration
	Success bool
	Ping    bool
}

// Node is one registered peer.
type Node struct {
	Slug        string       `json:"slug"`
	Name        string       `json:"name"`
	BaseURL     string       `json:"base_url"`
	Type        Type         `json:"type"`
	Status      Status       `json:"status"`
	Caps        Capabilities `json:"capabilities"`
	Version     string       `json:"version,omitempty"`
	Description string       `json:"description,omitempty"`
	Health      Health       `json:"health"`

	RegisteredAt time.Time `json:"registered_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// activeConns counts in-flight forwards; feeds the load formula.
	activeConns atomic.Int64
}

// Description describes a node at registration time.
type Description struct {
	Slug        string       `json:"slug"`
	Name        string       `json:"name"`
	BaseURL     string       `json:"base_url"`
	Type        Type         `json:"type"`
	Caps        Capabilities `json:"capabilities"`
	Version     string       `json:"version,omitempty"`
	Description string       `json:"description,omitempty"`
}

// ActiveConns returns the number of in-flight forwards to this node.
func (n *Node) ActiveConns() int64 { return n.activeConns.Load() }

// AcquireConn increments the in-flight counter; the returned func releases.
func (n *Node) AcquireConn() func() {
	n.activeConns.Add(1)
	return func() { n.activeConns.Add(-1) }
}

// Load is the routing load estimate: active connections weighted by the
// node's failure rate. Lower is better. Ties are broken by the registry
// (fewer active connections, then slug).
func (n *Node) Load() float64 {
	return float64(n.activeConns.Load()) * (1 - n.Health.SuccessRate)
}
