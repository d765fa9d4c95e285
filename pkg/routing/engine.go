package routing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kadirpekel/agentmesh/pkg/collector"
	"github.com/kadirpekel/agentmesh/pkg/llms"
	"github.com/kadirpekel/agentmesh/pkg/logger"
	"github.com/kadirpekel/agentmesh/pkg/node"
	"github.com/kadirpekel/agentmesh/pkg/session"
	"github.com/kadirpekel/agentmesh/pkg/tools"
)

// DigestSource provides the routing digest and the collector catalog.
// Satisfied by discovery.Service.
type DigestSource interface {
	RoutingDigest(ctx context.Context) (string, error)
	Collectors(ctx context.Context, includeRemote bool) ([]collector.Descriptor, error)
}

// ToolCatalog provides the merged tool table. Satisfied by
// tools.Dispatcher.
type ToolCatalog interface {
	Catalog(ctx context.Context) ([]tools.ToolInfo, error)
}

// Engine turns an inbound message plus session state into a Decision.
type Engine struct {
	self    string
	llm     llms.Provider
	digest  DigestSource
	toolCat ToolCatalog
	nodes   *node.Registry
	policy  *SessionPolicy
	profile []string
	history int
	logger  *slog.Logger
}

// NewEngine builds the decision engine. profileFields selects which
// scratchpad keys are surfaced to the orchestration prompt.
func NewEngine(self string, llm llms.Provider, digest DigestSource, toolCat ToolCatalog,
	nodes *node.Registry, policy *SessionPolicy, profileFields []string, log *slog.Logger) *Engine {
	if log == nil {
		log = logger.Get()
	}
	return &Engine{
		self:    self,
		llm:     llm,
		digest:  digest,
		toolCat: toolCat,
		nodes:   nodes,
		policy:  policy,
		profile: profileFields,
		history: 6,
		logger:  log,
	}
}

// Notice is attached by Decide when the decision carries a user-visible
// explanation, e.g. an unreachable routed node.
type noticeKey struct{}

// WithNotice stores a user-visible notice on the context for the handler.
func WithNotice(ctx context.Context, notice string) context.Context {
	if notice == "" {
		return ctx
	}
	return context.WithValue(ctx, noticeKey{}, notice)
}

// NoticeFrom reads a notice left by the routing policy, if any.
func NoticeFrom(ctx context.Context) string {
	if v, ok := ctx.Value(noticeKey{}).(string); ok {
		return v
	}
	return ""
}

// Decide runs the decision order: deterministic fast paths, then the
// routed-session policy, then the LLM orchestration prompt, then the
// follow-up guard. It may clear the session's routing memory when the
// policy says the conversation comes back local.
func (e *Engine) Decide(ctx context.Context, sctx *session.Context, message string) (*Decision, context.Context, error) {
	// An active collector owns every turn until it finishes or the user
	// cancels; the cancel vocabulary is the collector engine's to handle.
	if sctx.Collector != nil {
		return &Decision{
			Action:   ActionContinueCollector,
			Resource: sctx.Collector.Name,
			Reason:   "collector in progress",
		}, ctx, nil
	}

	if sctx.RoutedTo != nil {
		if IsShortFollowUp(message) {
			return &Decision{
				Action:   ActionRouteToNode,
				Resource: sctx.RoutedTo.Slug,
				Reason:   "short follow-up in a routed session",
			}, ctx, nil
		}

		result, err := e.policy.Evaluate(ctx, sctx, message)
		if err != nil {
			return nil, ctx, err
		}
		switch result.Outcome {
		case PolicyContinue, PolicyReRoute:
			return &Decision{
				Action:   ActionRouteToNode,
				Resource: result.Slug,
				Reason:   "routed-session policy: " + string(result.Outcome),
			}, ctx, nil
		case PolicyLocal:
			// Cleared before dispatch so the local decision below starts
			// from a clean slate.
			sctx.RoutedTo = nil
			ctx = WithNotice(ctx, result.Notice)
		}
	}

	if idx, ok := OrdinalIndex(message); ok {
		if ent := sctx.Entities; ent != nil && idx >= 1 && idx <= len(ent.IDs) {
			return &Decision{
				Action: ActionResolvePositional,
				Reason: fmt.Sprintf("positional reference %d into the presented list", idx),
				Entity: &SelectedEntity{ID: ent.IDs[idx-1], Type: ent.Type, Index: idx},
			}, ctx, nil
		}
		// A numbered list in the last assistant turn makes a bare index an
		// option selection even without entity memory.
		if last := sctx.LastAssistant(); last != nil && idx <= NumberedListSize(last.Content) {
			return &Decision{
				Action: ActionConversational,
				Reason: fmt.Sprintf("selection of option %d from the presented list", idx),
			}, ctx, nil
		}
	}

	decision, err := e.orchestrate(ctx, sctx, message)
	if err != nil {
		return nil, ctx, err
	}

	// Follow-up guard: a knowledge search about the list we just showed
	// would only re-list it.
	if decision.Action == ActionSearchKnowledge && sctx.Entities != nil && IsListFollowUp(message) {
		decision.Action = ActionConversational
		decision.Reason = "follow-up about the presented list"
	}

	return decision, ctx, nil
}

// orchestrate is the general case: one LLM call over the full cluster
// picture.
func (e *Engine) orchestrate(ctx context.Context, sctx *session.Context, message string) (*Decision, error) {
	prompt, err := e.buildPrompt(ctx, sctx, message)
	if err != nil {
		return nil, err
	}

	resp, err := e.llm.Generate(ctx, llms.GenerateRequest{
		Messages: []llms.Message{
			{Role: llms.RoleSystem, Content: "You are a routing orchestrator. Answer in exactly three lines: ACTION, RESOURCE, REASON."},
			{Role: llms.RoleUser, Content: prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("orchestration call failed: %w", err)
	}

	decision := ParseDecision(resp.Text)
	e.resolveResource(ctx, sctx, decision)
	e.logger.Debug("routing decision",
		"session", sctx.ID, "action", decision.Action, "resource", decision.Resource)
	return decision, nil
}

func (e *Engine) buildPrompt(ctx context.Context, sctx *session.Context, message string) (string, error) {
	digest, err := e.digest.RoutingDigest(ctx)
	if err != nil {
		return "", fmt.Errorf("routing digest unavailable: %w", err)
	}

	var b strings.Builder
	b.WriteString("Nodes:\n")
	b.WriteString(digest)
	b.WriteString("\n")

	if len(sctx.Stack) > 0 {
		b.WriteString("\nPaused workflows (most recent last):\n")
		for _, f := range sctx.Stack {
			b.WriteString(fmt.Sprintf("- %s at %s\n", f.Workflow, f.Step))
		}
	}

	if collectors, err := e.digest.Collectors(ctx, true); err == nil && len(collectors) > 0 {
		b.WriteString("\nCollectors (multi-turn flows):\n")
		for _, d := range collectors {
			b.WriteString(fmt.Sprintf("- %s: %s", d.Name, d.Goal))
			if len(d.Triggers) > 0 {
				b.WriteString(" [triggers: " + strings.Join(d.Triggers, ", ") + "]")
			}
			b.WriteString("\n")
		}
	}

	if infos, err := e.toolCat.Catalog(ctx); err == nil && len(infos) > 0 {
		b.WriteString("\nTools:\n")
		for _, t := range infos {
			b.WriteString(fmt.Sprintf("- %s: %s\n", t.Name, t.Description))
		}
	}

	if profile := e.profileText(sctx); profile != "" {
		b.WriteString("\nUser profile:\n")
		b.WriteString(profile)
	}

	b.WriteString("\nRecent conversation:\n")
	for _, t := range sctx.LastTurns(e.history) {
		b.WriteString(fmt.Sprintf("%s: %s\n", t.Role, t.Content))
	}

	b.WriteString("\nNew message: ")
	b.WriteString(message)
	b.WriteString(`

Pick exactly one action:
- start_collector: begin a multi-turn flow (RESOURCE: collector name)
- use_tool: run a tool (RESOURCE: tool name)
- route_to_node: forward to the node owning the topic (RESOURCE: node slug)
- resume_session: resume a paused workflow from the stack
- pause_and_handle: pause the current work and answer first
- search_knowledge: look the answer up in the knowledge base
- conversational: just reply

Respond in exactly three lines:
ACTION: <action>
RESOURCE: <name or none>
REASON: <one sentence>`)

	return b.String(), nil
}

func (e *Engine) profileText(sctx *session.Context) string {
	if len(e.profile) == 0 {
		return ""
	}
	var b strings.Builder
	for _, field := range e.profile {
		if v, ok := sctx.Get(field); ok {
			b.WriteString(fmt.Sprintf("- %s: %v\n", field, v))
		}
	}
	return b.String()
}

// resolveResource applies the tie-breaks: local resources win over remote
// ones with the same name, route targets must be real active nodes, and a
// collection name routes to its least-loaded owner.
func (e *Engine) resolveResource(ctx context.Context, sctx *session.Context, d *Decision) {
	switch d.Action {
	case ActionStartCollector:
		d.Resource = e.pickCollector(ctx, d.Resource)
	case ActionRouteToNode:
		slug := strings.ToLower(d.Resource)
		if n, err := e.nodes.GetBySlug(slug); err == nil && n.Status == node.StatusActive {
			d.Resource = slug
			return
		}
		// Maybe the model answered with a collection instead of a slug.
		if n, err := e.nodes.FindForCollection(slug); err == nil {
			d.Resource = n.Slug
			return
		}
		d.Action = ActionSearchKnowledge
		d.Resource = ""
		d.Reason = "route target unknown, falling back to knowledge search"
	}
}

// pickCollector prefers a local descriptor over same-named remote ones.
func (e *Engine) pickCollector(ctx context.Context, name string) string {
	descriptors, err := e.digest.Collectors(ctx, true)
	if err != nil {
		return name
	}
	for _, d := range descriptors {
		if !strings.EqualFold(d.Name, name) {
			continue
		}
		if d.Node == "" || d.Node == e.self {
			return d.Name
		}
	}
	return name
}

// ParseDecision reads the model's three-line answer. Keys are matched
// case-insensitively; an unrecognized or missing action falls back to
// search_knowledge.
func ParseDecision(text string) *Decision {
	d := &Decision{Action: ActionSearchKnowledge, Reason: "unrecognized model answer"}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToUpper(strings.TrimSpace(key)) {
		case "ACTION":
			action := Action(strings.ToLower(value))
			if knownActions[action] {
				d.Action = action
				d.Reason = ""
			}
		case "RESOURCE":
			if !strings.EqualFold(value, "none") {
				d.Resource = value
			}
		case "REASON":
			if d.Reason == "" {
				d.Reason = value
			}
		}
	}
	return d
}
