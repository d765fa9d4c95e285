// Package tools implements the unified tool dispatcher: a flat registry
// merging locally registered tools with tools advertised by remote nodes,
// parameter validation against declared schemas, and LLM-backed parameter
// extraction from free text.
package tools

import (
	"context"
	"fmt"
	"time"
)

// ToolParameter declares one parameter of a tool.
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"` // string | integer | number | boolean | array | object
	Description string      `json:"description,omitempty"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
}

// ToolInfo describes a tool to the routing prompt and to peers.
type ToolInfo struct {
	Name        string          `json:"name"`
	Model       string          `json:"model,omitempty"` // owning domain model
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters,omitempty"`
}

// ToolResult is the outcome of one invocation.
type ToolResult struct {
	Success       bool                   `json:"success"`
	Content       string                 `json:"content,omitempty"`
	Output        interface{}            `json:"output,omitempty"`
	Error         string                 `json:"error,omitempty"`
	ToolName      string                 `json:"tool_name"`
	ExecutionTime time.Duration          `json:"execution_time,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Tool is a locally implemented tool.
type Tool interface {
	GetInfo() ToolInfo
	Execute(ctx context.Context, args map[string]interface{}) (ToolResult, error)
}

// RemoteTool is a tool advertised by a peer node.
type RemoteTool struct {
	Info ToolInfo `json:"info"`
	Node string   `json:"node"`
}

// RemoteCatalog supplies the remote half of the dispatch table. The
// discovery service implements it.
type RemoteCatalog interface {
	RemoteTools(ctx context.Context) ([]RemoteTool, error)
}

// ValidationError reports a parameter schema mismatch. It is returned to
// the caller structured and never retried.
type ValidationError struct {
	Tool    string
	Param   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tool %s: parameter %s: %s", e.Tool, e.Param, e.Message)
}

// ToolFailure wraps execution errors from local handlers and peers.
type ToolFailure struct {
	Tool string
	Err  error
}

func (e *ToolFailure) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolFailure) Unwrap() error { return e.Err }
