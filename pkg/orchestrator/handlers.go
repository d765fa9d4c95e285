package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kadirpekel/agentmesh/pkg/breaker"
	"github.com/kadirpekel/agentmesh/pkg/collector"
	"github.com/kadirpekel/agentmesh/pkg/llms"
	"github.com/kadirpekel/agentmesh/pkg/node"
	"github.com/kadirpekel/agentmesh/pkg/routing"
	"github.com/kadirpekel/agentmesh/pkg/session"
	"github.com/kadirpekel/agentmesh/pkg/tools"
	"github.com/kadirpekel/agentmesh/pkg/transport"
	"github.com/kadirpekel/agentmesh/pkg/vector"
)

// Scratchpad keys for the selected-entity context left by positional
// reference resolution.
const (
	ScratchSelectedEntityID   = "selected_entity_id"
	ScratchSelectedEntityType = "selected_entity_type"
)

// Deps bundles the collaborators the default handlers need.
type Deps struct {
	Self            string
	LLM             llms.Provider
	LLMs            *llms.LLMRegistry
	Collectors      *collector.Registry
	CollectorEngine *collector.Engine
	Dispatcher      *tools.Dispatcher
	Discovery       routing.DigestSource
	Nodes           *node.Registry
	Forwarder       *transport.Forwarder
	Vector          vector.Store
	RAGCollections  []string
	Logger          *slog.Logger
}

// RegisterDefaultHandlers wires one handler per action into the registry.
func RegisterDefaultHandlers(reg *HandlerRegistry, d Deps) error {
	conversational := &conversationalHandler{llm: d.LLM, engines: d.LLMs}
	route := &routeToNodeHandler{nodes: d.Nodes, fwd: d.Forwarder}

	handlers := []Handler{
		&continueCollectorHandler{engine: d.CollectorEngine},
		&startCollectorHandler{
			self:       d.Self,
			engine:     d.CollectorEngine,
			collectors: d.Collectors,
			discovery:  d.Discovery,
			nodes:      d.Nodes,
			route:      route,
		},
		&useToolHandler{dispatcher: d.Dispatcher, llm: d.LLM},
		route,
		&resumeSessionHandler{engine: d.CollectorEngine},
		&pauseAndHandleHandler{engine: d.CollectorEngine, answer: conversational},
		&searchKnowledgeHandler{
			store:       d.Vector,
			llm:         d.LLM,
			engines:     d.LLMs,
			collections: d.RAGCollections,
			fallback:    conversational,
			logger:      d.Logger,
		},
		conversational,
		&resolvePositionalHandler{llm: d.LLM},
	}
	for _, h := range handlers {
		if err := reg.Add(h); err != nil {
			return err
		}
	}
	return nil
}

// requestLLM applies the per-request engine and model overrides to the
// default provider. An unknown engine is a caller mistake and surfaces
// as an error.
func requestLLM(def llms.Provider, engines *llms.LLMRegistry, req *Request) (llms.Provider, error) {
	p := def
	if req == nil {
		return p, nil
	}
	if name := req.Options.Engine; name != "" {
		if engines == nil {
			return nil, fmt.Errorf("engine %q requested but no engine registry is configured", name)
		}
		resolved, err := engines.Resolve(name, "")
		if err != nil {
			return nil, err
		}
		p = resolved
	}
	if model := req.Options.Model; model != "" {
		p = llms.WithModel(p, model)
	}
	return p, nil
}

// continue_collector

type continueCollectorHandler struct {
	engine *collector.Engine
}

func (h *continueCollectorHandler) Action() routing.Action { return routing.ActionContinueCollector }

func (h *continueCollectorHandler) Handle(ctx context.Context, hctx *HandlerContext) (*HandlerResult, error) {
	res, err := h.engine.Continue(ctx, hctx.Session, hctx.Message)
	return collectorResult(res, err)
}

// start_collector

type startCollectorHandler struct {
	self       string
	engine     *collector.Engine
	collectors *collector.Registry
	discovery  routing.DigestSource
	nodes      *node.Registry
	route      *routeToNodeHandler
}

func (h *startCollectorHandler) Action() routing.Action { return routing.ActionStartCollector }

func (h *startCollectorHandler) Handle(ctx context.Context, hctx *HandlerContext) (*HandlerResult, error) {
	name := hctx.Decision.Resource
	if name == "" {
		return nil, fmt.Errorf("start_collector decision without a collector name")
	}

	if _, ok := h.collectors.Get(name); ok {
		res, err := h.engine.Start(ctx, hctx.Session, name, hctx.Message)
		return collectorResult(res, err)
	}

	// A remote collector means the owning node runs the flow; route the
	// whole conversation there.
	if slug := h.remoteOwner(ctx, name); slug != "" {
		hctx.Decision.Resource = slug
		return h.route.Handle(ctx, hctx)
	}
	return nil, &collector.ErrUnknownCollector{Name: name}
}

func (h *startCollectorHandler) remoteOwner(ctx context.Context, name string) string {
	if h.discovery == nil {
		return ""
	}
	descriptors, err := h.discovery.Collectors(ctx, true)
	if err != nil {
		return ""
	}
	for _, d := range descriptors {
		if strings.EqualFold(d.Name, name) && d.Node != "" && d.Node != h.self {
			return d.Node
		}
	}
	return ""
}

func collectorResult(res *collector.Result, err error) (*HandlerResult, error) {
	if err != nil {
		var loop *collector.ErrStepLoopExceeded
		if errors.As(err, &loop) && res != nil {
			return &HandlerResult{Kind: ResultFailure, Text: res.Text}, nil
		}
		return nil, err
	}

	out := &HandlerResult{Kind: ResultNeedsInput, Text: res.Text, Data: res.Data}
	if res.Completed {
		out.Kind = ResultSuccess
		out.WorkflowCompleted = true
		if res.EntityID != "" {
			out.EntityIDs = []string{res.EntityID}
			out.EntityType = res.EntityType
		}
	}
	if res.Cancelled {
		out.Kind = ResultSuccess
	}
	return out, nil
}

// use_tool

type useToolHandler struct {
	dispatcher *tools.Dispatcher
	llm        llms.Provider
}

func (h *useToolHandler) Action() routing.Action { return routing.ActionUseTool }

func (h *useToolHandler) Handle(ctx context.Context, hctx *HandlerContext) (*HandlerResult, error) {
	name := hctx.Decision.Resource
	info, _, err := h.dispatcher.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}

	params, err := tools.ExtractParams(ctx, h.llm, info, hctx.Message)
	if err != nil {
		return nil, err
	}

	result, err := h.dispatcher.Execute(ctx, name, params, hctx.Inbound)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return &HandlerResult{
			Kind: ResultFailure,
			Text: fmt.Sprintf("The %s tool reported a problem: %s", name, result.Error),
		}, nil
	}

	text := result.Content
	if text == "" {
		text = fmt.Sprintf("Done, %s completed.", name)
	}
	return &HandlerResult{Kind: ResultSuccess, Text: text}, nil
}

// route_to_node

type routeToNodeHandler struct {
	nodes *node.Registry
	fwd   *transport.Forwarder
}

func (h *routeToNodeHandler) Action() routing.Action { return routing.ActionRouteToNode }

func (h *routeToNodeHandler) Handle(ctx context.Context, hctx *HandlerContext) (*HandlerResult, error) {
	slug := hctx.Decision.Resource
	dest, err := h.nodes.GetBySlug(slug)
	if err != nil {
		return nil, err
	}

	body := &Request{
		Message:   hctx.Message,
		SessionID: hctx.Session.ID,
		UserID:    hctx.Session.CallerID,
	}
	if hctx.Request != nil {
		body.Options = hctx.Request.Options
	}

	resp, err := h.fwd.Forward(ctx, dest, "/chat", body, hctx.Inbound)
	if err != nil {
		var unavailable *breaker.ErrNodeUnavailable
		if errors.As(err, &unavailable) {
			return &HandlerResult{
				Kind: ResultFailure,
				Text: fmt.Sprintf("%s is unavailable right now. Please try again in a moment.", dest.Name),
			}, nil
		}
		if transport.IsTransient(err) {
			return &HandlerResult{
				Kind: ResultFailure,
				Text: fmt.Sprintf("I had trouble reaching %s. Please try again.", dest.Name),
			}, nil
		}
		return nil, err
	}

	remote := &Response{}
	if err := resp.Decode(remote); err != nil {
		return nil, fmt.Errorf("node %s returned an unreadable reply: %w", slug, err)
	}

	hctx.Session.RoutedTo = &session.RoutedNode{Slug: slug, Since: time.Now()}

	out := &HandlerResult{Kind: ResultSuccess, Text: remote.Response}
	if !remote.Success {
		out.Kind = ResultFailure
	}
	if len(remote.Metadata.EntityIDs) > 0 {
		out.EntityIDs = remote.Metadata.EntityIDs
		out.EntityType = remote.Metadata.EntityType
	}
	return out, nil
}

// resume_session

type resumeSessionHandler struct {
	engine *collector.Engine
}

func (h *resumeSessionHandler) Action() routing.Action { return routing.ActionResumeSession }

func (h *resumeSessionHandler) Handle(ctx context.Context, hctx *HandlerContext) (*HandlerResult, error) {
	res, err := h.engine.Resume(ctx, hctx.Session)
	return collectorResult(res, err)
}

// pause_and_handle

type pauseAndHandleHandler struct {
	engine *collector.Engine
	answer *conversationalHandler
}

func (h *pauseAndHandleHandler) Action() routing.Action { return routing.ActionPauseAndHandle }

func (h *pauseAndHandleHandler) Handle(ctx context.Context, hctx *HandlerContext) (*HandlerResult, error) {
	paused := h.engine.Pause(hctx.Session)

	out, err := h.answer.Handle(ctx, hctx)
	if err != nil {
		return nil, err
	}
	if paused {
		out.Text += "\n\nSay \"continue\" when you want to pick up where we left off."
	}
	return out, nil
}

// search_knowledge

type searchKnowledgeHandler struct {
	store       vector.Store
	llm         llms.Provider
	engines     *llms.LLMRegistry
	collections []string
	fallback    *conversationalHandler
	logger      *slog.Logger
}

func (h *searchKnowledgeHandler) Action() routing.Action { return routing.ActionSearchKnowledge }

func (h *searchKnowledgeHandler) Handle(ctx context.Context, hctx *HandlerContext) (*HandlerResult, error) {
	if hctx.Request != nil && hctx.Request.Options.UseRAG != nil && !*hctx.Request.Options.UseRAG {
		return h.fallback.Handle(ctx, hctx)
	}
	collections := h.collections
	if hctx.Request != nil && len(hctx.Request.Options.RAGCollections) > 0 {
		collections = hctx.Request.Options.RAGCollections
	}
	if h.store == nil || len(collections) == 0 {
		return h.fallback.Handle(ctx, hctx)
	}

	var hits []vector.Hit
	for _, col := range collections {
		found, err := h.store.Search(ctx, col, hctx.Message, 5, nil)
		if err != nil {
			h.logger.Warn("knowledge search failed",
				"collection", col, "session", hctx.Session.ID, "error", err)
			continue
		}
		hits = append(hits, found...)
	}
	if len(hits) == 0 {
		return &HandlerResult{
			Kind: ResultSuccess,
			Text: "I couldn't find anything relevant to that in the knowledge base.",
		}, nil
	}

	var b strings.Builder
	b.WriteString("Answer the user's question using only the excerpts below. Cite nothing else.\n\nExcerpts:\n")
	for i, hit := range hits {
		if i >= 8 {
			break
		}
		b.WriteString("- ")
		b.WriteString(hit.Content)
		b.WriteString("\n")
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(hctx.Message)

	llm, err := requestLLM(h.llm, h.engines, hctx.Request)
	if err != nil {
		return nil, err
	}
	resp, err := llm.Generate(ctx, llms.GenerateRequest{
		Messages: []llms.Message{
			{Role: llms.RoleSystem, Content: "You answer questions from retrieved documents, concisely."},
			{Role: llms.RoleUser, Content: b.String()},
		},
	})
	if err != nil {
		return nil, err
	}
	return &HandlerResult{Kind: ResultSuccess, Text: strings.TrimSpace(resp.Text)}, nil
}

// conversational

type conversationalHandler struct {
	llm     llms.Provider
	engines *llms.LLMRegistry
}

func (h *conversationalHandler) Action() routing.Action { return routing.ActionConversational }

func (h *conversationalHandler) Handle(ctx context.Context, hctx *HandlerContext) (*HandlerResult, error) {
	useMemory := hctx.Request == nil || hctx.Request.Options.UseMemory == nil || *hctx.Request.Options.UseMemory

	var b strings.Builder
	if useMemory {
		b.WriteString("Recent conversation:\n")
		for _, t := range hctx.Session.LastTurns(8) {
			b.WriteString(fmt.Sprintf("%s: %s\n", t.Role, t.Content))
		}
		if id, ok := hctx.Session.Get(ScratchSelectedEntityID); ok {
			b.WriteString(fmt.Sprintf("\nThe user previously selected entity %v.\n", id))
		}
		b.WriteString("\nReply to the last user message.")
	} else {
		// Memoryless requests see only the inbound message.
		b.WriteString("Message: ")
		b.WriteString(hctx.Message)
		b.WriteString("\n\nReply to the message.")
	}

	llm, err := requestLLM(h.llm, h.engines, hctx.Request)
	if err != nil {
		return nil, err
	}
	resp, err := llm.Generate(ctx, llms.GenerateRequest{
		Messages: []llms.Message{
			{Role: llms.RoleSystem, Content: "You are a concise, helpful assistant."},
			{Role: llms.RoleUser, Content: b.String()},
		},
	})
	if err != nil {
		return nil, err
	}
	return &HandlerResult{Kind: ResultSuccess, Text: strings.TrimSpace(resp.Text)}, nil
}

// resolve_positional_reference

type resolvePositionalHandler struct {
	llm llms.Provider
}

func (h *resolvePositionalHandler) Action() routing.Action { return routing.ActionResolvePositional }

func (h *resolvePositionalHandler) Handle(ctx context.Context, hctx *HandlerContext) (*HandlerResult, error) {
	entity := hctx.Decision.Entity
	if entity == nil {
		return nil, fmt.Errorf("positional decision without a resolved entity")
	}

	hctx.Session.Set(ScratchSelectedEntityID, entity.ID)
	hctx.Session.Set(ScratchSelectedEntityType, entity.Type)

	text := fmt.Sprintf("Got it, %s #%d (%s). What would you like to do with it?",
		entity.Type, entity.Index, entity.ID)

	return &HandlerResult{
		Kind:       ResultSuccess,
		Text:       text,
		Data:       map[string]interface{}{"selected_entity_id": entity.ID},
		EntityIDs:  []string{entity.ID},
		EntityType: entity.Type,
	}, nil
}
