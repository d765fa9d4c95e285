package orchestrator

import (
	"context"
	"net/http"

	"github.com/kadirpekel/agentmesh/pkg/registry"
	"github.com/kadirpekel/agentmesh/pkg/routing"
	"github.com/kadirpekel/agentmesh/pkg/session"
)

// ResultKind tags a handler outcome.
type ResultKind string

const (
	// ResultSuccess ends the exchange; the text is the final answer.
	ResultSuccess ResultKind = "success"

	// ResultNeedsInput asks the user a question; the conversation state
	// expects their next message.
	ResultNeedsInput ResultKind = "needs_user_input"

	// ResultFailure is a handled domain failure with a user-safe text.
	ResultFailure ResultKind = "failure"
)

// HandlerResult is the tagged outcome of one handler invocation.
type HandlerResult struct {
	Kind ResultKind
	Text string
	Data map[string]interface{}

	// EntityIDs/EntityType feed the session's entity-list memory and the
	// response metadata.
	EntityIDs  []string
	EntityType string

	WorkflowCompleted bool
}

// HandlerContext is everything a handler may need for one message.
type HandlerContext struct {
	Session  *session.Context
	Message  string
	Decision *routing.Decision
	Request  *Request

	// Inbound carries the original request headers so forwards can relay
	// the whitelisted ones.
	Inbound http.Header
}

// Handler executes one routing action.
type Handler interface {
	Action() routing.Action
	Handle(ctx context.Context, h *HandlerContext) (*HandlerResult, error)
}

// HandlerRegistry maps actions to handlers.
type HandlerRegistry struct {
	*registry.BaseRegistry[Handler]
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{BaseRegistry: registry.NewBaseRegistry[Handler]()}
}

// Add registers a handler under its action.
func (r *HandlerRegistry) Add(h Handler) error {
	return r.Register(string(h.Action()), h)
}

// For returns the handler for an action.
func (r *HandlerRegistry) For(action routing.Action) (Handler, bool) {
	return r.Get(string(action))
}
