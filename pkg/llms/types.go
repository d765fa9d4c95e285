// Package llms defines the narrow LLM-provider interface the runtime
// consumes, plus OpenAI-compatible and Anthropic implementations.
//
// The runtime uses single-shot chat completion only: routing decisions,
// routed-session classification, field extraction and parameter extraction
// all go through Provider.Generate.
package llms

import "context"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat-completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateRequest is a single-shot completion request.
type GenerateRequest struct {
	Model    string
	Messages []Message

	// ForceJSON asks the provider for a JSON-object response where the API
	// supports it. Callers must still parse defensively; see ExtractJSONObject.
	ForceJSON bool

	Temperature *float64
	MaxTokens   int
}

// GenerateResponse is the completed model output.
type GenerateResponse struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Provider is the capability interface for an upstream LLM endpoint.
type Provider interface {
	// Name returns the configured provider name.
	Name() string

	// Generate performs one blocking chat completion.
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
}
