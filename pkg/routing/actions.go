// Package routing is the per-message decision engine: deterministic fast
// paths short-circuit the LLM for obvious cases, a session policy decides
// whether routed conversations stay remote, and an orchestration prompt
// classifies everything else into a fixed action vocabulary.
package routing

// Action is one of the fixed set of things the orchestrator can do with a
// message.
type Action string

const (
	ActionContinueCollector Action = "continue_collector"
	ActionStartCollector    Action = "start_collector"
	ActionUseTool           Action = "use_tool"
	ActionRouteToNode       Action = "route_to_node"
	ActionResumeSession     Action = "resume_session"
	ActionPauseAndHandle    Action = "pause_and_handle"
	ActionSearchKnowledge   Action = "search_knowledge"
	ActionConversational    Action = "conversational"
	ActionResolvePositional Action = "resolve_positional_reference"
)

// knownActions gates LLM output; anything else falls back to the safest
// action, a knowledge search.
var knownActions = map[Action]bool{
	ActionContinueCollector: true,
	ActionStartCollector:    true,
	ActionUseTool:           true,
	ActionRouteToNode:       true,
	ActionResumeSession:     true,
	ActionPauseAndHandle:    true,
	ActionSearchKnowledge:   true,
	ActionConversational:    true,
	ActionResolvePositional: true,
}

// SelectedEntity is the resolved target of a positional reference.
type SelectedEntity struct {
	ID    string
	Type  string
	Index int // 1-based position in the presented list
}

// Decision is the routing engine's answer for one message.
type Decision struct {
	Action   Action
	Resource string
	Reason   string

	// Entity is set when Action is resolve_positional_reference.
	Entity *SelectedEntity
}
