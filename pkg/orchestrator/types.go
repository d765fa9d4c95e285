// Package orchestrator is the per-message driver: it loads the session
// context, runs the routing decision, dispatches to the matching handler
// and persists the updated context. Exactly one user turn and one
// assistant turn are appended per inbound message, success or failure.
package orchestrator

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// RequestOptions is the enumerated per-request configuration. Unknown keys
// are rejected at the boundary.
type RequestOptions struct {
	Engine         string   `json:"engine,omitempty"`
	Model          string   `json:"model,omitempty"`
	UseMemory      *bool    `json:"use_memory,omitempty"`
	UseActions     *bool    `json:"use_actions,omitempty"`
	UseRAG         *bool    `json:"use_rag,omitempty"`
	RAGCollections []string `json:"rag_collections,omitempty"`
}

// Request is the /chat body.
type Request struct {
	Message   string         `json:"message"`
	SessionID string         `json:"session_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Options   RequestOptions `json:"options,omitempty"`
}

// DecodeRequest parses a /chat body strictly: unknown fields and an empty
// message are rejected.
func DecodeRequest(r io.Reader) (*Request, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	req := &Request{}
	if err := dec.Decode(req); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("message is required")
	}
	return req, nil
}

// Metadata describes what the runtime did with the message.
type Metadata struct {
	WorkflowActive    bool     `json:"workflow_active"`
	WorkflowClass     string   `json:"workflow_class,omitempty"`
	WorkflowCompleted bool     `json:"workflow_completed"`
	AgentStrategy     string   `json:"agent_strategy"`
	EntityIDs         []string `json:"entity_ids,omitempty"`
	EntityType        string   `json:"entity_type,omitempty"`
}

// Response is the /chat reply.
type Response struct {
	Success   bool     `json:"success"`
	Response  string   `json:"response"`
	SessionID string   `json:"session_id"`
	Metadata  Metadata `json:"metadata"`
}
