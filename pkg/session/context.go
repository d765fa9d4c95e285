// Package session is the per-session context store: the conversation log,
// the scratchpad, the workflow stack, routing memory and entity-list
// memory for one session id.
//
// Contexts are durable across process restarts (SQLite store) with a
// write-through in-memory cache; the cache alone serves the memory driver
// used in tests. Per-session work is serialized by Locker so the
// read-modify-write cycle in the orchestrator is free of lost updates.
package session

import (
	"time"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one entry of the append-only conversation log.
type Turn struct {
	Role      string                 `json:"role"`
	Content   string                 `json:"content"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// EntityList records the ids and type of the most recently presented list,
// so a later "the second one" resolves to a real id.
type EntityList struct {
	IDs   []string `json:"ids"`
	Type  string   `json:"type"`
	Start int      `json:"start"`
	End   int      `json:"end"`
}

// Frame is a suspended collector execution on the workflow stack.
type Frame struct {
	Workflow   string                 `json:"workflow"`
	Step       string                 `json:"step"`
	Data       map[string]interface{} `json:"data"`
	ResumeStep string                 `json:"resume_step"`
	StepPrefix string                 `json:"step_prefix,omitempty"`

	// Field names the slot in the parent's collected data that receives
	// the child's resolved entity id on completion.
	Field string `json:"field,omitempty"`
}

// ActiveCollector describes the collector currently driving the session.
type ActiveCollector struct {
	Name      string `json:"name"`
	Node      string `json:"node,omitempty"` // empty for local collectors
	State     string `json:"state"`
	AskingFor string `json:"asking_for,omitempty"`
}

// RoutedNode is the session's routing memory: the remote node currently
// owning the conversation.
type RoutedNode struct {
	Slug  string    `json:"slug"`
	Since time.Time `json:"since"`
}

// Context is the full conversational state of one session.
type Context struct {
	ID       string `json:"id"`
	CallerID string `json:"caller_id,omitempty"`

	// Version increments on every save; the store rejects stale writes.
	Version int64 `json:"version"`

	Turns     []Turn                 `json:"turns"`
	Scratch   map[string]interface{} `json:"scratch,omitempty"`
	Stack     []Frame                `json:"stack,omitempty"`
	Collected map[string]interface{} `json:"collected,omitempty"`
	Collector *ActiveCollector       `json:"collector,omitempty"`
	RoutedTo  *RoutedNode            `json:"routed_to,omitempty"`
	Entities  *EntityList            `json:"entities,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewContext allocates an empty context for a session.
func NewContext(sessionID, callerID string) *Context {
	now := time.Now()
	return &Context{
		ID:        sessionID,
		CallerID:  callerID,
		Scratch:   make(map[string]interface{}),
		Collected: make(map[string]interface{}),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AppendUser appends a user turn to the conversation log.
func (c *Context) AppendUser(content string) {
	c.Turns = append(c.Turns, Turn{
		Role:      RoleUser,
		Content:   content,
		CreatedAt: time.Now(),
	})
}

// AppendAssistant appends an assistant turn with optional metadata.
func (c *Context) AppendAssistant(content string, meta map[string]interface{}) {
	c.Turns = append(c.Turns, Turn{
		Role:      RoleAssistant,
		Content:   content,
		Meta:      meta,
		CreatedAt: time.Now(),
	})
}

// LastTurns returns up to n most recent turns, oldest first.
func (c *Context) LastTurns(n int) []Turn {
	if n <= 0 || len(c.Turns) <= n {
		return c.Turns
	}
	return c.Turns[len(c.Turns)-n:]
}

// LastAssistant returns the most recent assistant turn, or nil.
func (c *Context) LastAssistant() *Turn {
	for i := len(c.Turns) - 1; i >= 0; i-- {
		if c.Turns[i].Role == RoleAssistant {
			return &c.Turns[i]
		}
	}
	return nil
}

// Set stores a scratchpad value.
func (c *Context) Set(key string, value interface{}) {
	if c.Scratch == nil {
		c.Scratch = make(map[string]interface{})
	}
	c.Scratch[key] = value
}

// Get reads a scratchpad value.
func (c *Context) Get(key string) (interface{}, bool) {
	v, ok := c.Scratch[key]
	return v, ok
}

// Forget removes a scratchpad value.
func (c *Context) Forget(key string) {
	delete(c.Scratch, key)
}

// PushFrame suspends the current collector execution onto the stack.
func (c *Context) PushFrame(f Frame) {
	c.Stack = append(c.Stack, f)
}

// PopFrame removes and returns the top frame. ok is false on an empty stack.
func (c *Context) PopFrame() (Frame, bool) {
	if len(c.Stack) == 0 {
		return Frame{}, false
	}
	f := c.Stack[len(c.Stack)-1]
	c.Stack = c.Stack[:len(c.Stack)-1]
	return f, true
}

// SetEntityList records the most recently presented list.
func (c *Context) SetEntityList(ids []string, entityType string) {
	c.Entities = &EntityList{
		IDs:  ids,
		Type: entityType,
		End:  len(ids),
	}
}

// ClearWorkflow drops the active collector, its collected data and the
// whole workflow stack. Used on cancel and on the loop guard tripping.
func (c *Context) ClearWorkflow() {
	c.Collector = nil
	c.Collected = make(map[string]interface{})
	c.Stack = nil
}
