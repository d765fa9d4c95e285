package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kadirpekel/agentmesh/pkg/logger"
	"github.com/kadirpekel/agentmesh/pkg/routing"
	"github.com/kadirpekel/agentmesh/pkg/session"
)

// Orchestrator drives one message through decide/execute/persist.
type Orchestrator struct {
	store      session.Store
	locker     *session.Locker
	engine     *routing.Engine
	handlers   *HandlerRegistry
	llmTimeout time.Duration
	logger     *slog.Logger
}

// New builds the orchestrator. llmTimeout bounds each handler execution;
// zero disables the bound.
func New(store session.Store, engine *routing.Engine, handlers *HandlerRegistry,
	llmTimeout time.Duration, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = logger.Get()
	}
	return &Orchestrator{
		store:      store,
		locker:     session.NewLocker(),
		engine:     engine,
		handlers:   handlers,
		llmTimeout: llmTimeout,
		logger:     log,
	}
}

// HandleMessage processes one inbound message. The conversation log grows
// by exactly one user turn and one assistant turn whatever the handler
// outcome; only context-store errors propagate.
func (o *Orchestrator) HandleMessage(ctx context.Context, req *Request, inbound http.Header) (*Response, error) {
	tracer := otel.Tracer("agentmesh/orchestrator")
	ctx, span := tracer.Start(ctx, "orchestrator.handle")
	defer span.End()

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	span.SetAttributes(attribute.String("session.id", sessionID))

	unlock := o.locker.Lock(sessionID)
	defer unlock()

	sctx, err := o.store.Load(ctx, sessionID, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrStoreUnavailable, err)
	}
	sctx.AppendUser(req.Message)

	result, action := o.process(ctx, sctx, req, inbound)

	meta := map[string]interface{}{"strategy": string(action)}
	sctx.AppendAssistant(result.Text, meta)
	if len(result.EntityIDs) > 0 {
		sctx.SetEntityList(result.EntityIDs, result.EntityType)
	}

	if err := o.save(ctx, sctx); err != nil {
		return nil, err
	}

	resp := &Response{
		Success:   result.Kind != ResultFailure,
		Response:  result.Text,
		SessionID: sessionID,
		Metadata: Metadata{
			WorkflowActive:    sctx.Collector != nil,
			WorkflowCompleted: result.WorkflowCompleted,
			AgentStrategy:     string(action),
			EntityIDs:         result.EntityIDs,
			EntityType:        result.EntityType,
		},
	}
	if sctx.Collector != nil {
		resp.Metadata.WorkflowClass = sctx.Collector.Name
	}
	span.SetAttributes(attribute.String("routing.action", string(action)))
	return resp, nil
}

// process runs decide + execute, converting every handler error into a
// user-safe conversational result.
func (o *Orchestrator) process(ctx context.Context, sctx *session.Context, req *Request, inbound http.Header) (*HandlerResult, routing.Action) {
	decision, dctx, err := o.engine.Decide(ctx, sctx, req.Message)
	if err != nil {
		o.logFailure(sctx, "decide", "", err, req.Message)
		return userSafeFailure(err), routing.ActionConversational
	}

	// Requests that disable actions still get an answer, just never a
	// side-effecting one.
	if req.Options.UseActions != nil && !*req.Options.UseActions {
		switch decision.Action {
		case routing.ActionUseTool, routing.ActionStartCollector:
			decision.Action = routing.ActionConversational
			decision.Resource = ""
		}
	}

	handler, ok := o.handlers.For(decision.Action)
	if !ok {
		o.logFailure(sctx, "dispatch", string(decision.Action),
			fmt.Errorf("no handler registered"), req.Message)
		return userSafeFailure(nil), routing.ActionConversational
	}

	hctx := &HandlerContext{
		Session:  sctx,
		Message:  req.Message,
		Decision: decision,
		Request:  req,
		Inbound:  inbound,
	}

	if o.llmTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(dctx, o.llmTimeout)
		defer cancel()
	}

	result, err := handler.Handle(dctx, hctx)
	if err != nil {
		o.logFailure(sctx, "handle", string(decision.Action), err, req.Message)
		return userSafeFailure(err), decision.Action
	}

	if notice := routing.NoticeFrom(dctx); notice != "" {
		result.Text = notice + "\n\n" + result.Text
	}
	return result, decision.Action
}

// save persists the context, resolving a version conflict once by
// re-loading and re-applying the two appended turns.
func (o *Orchestrator) save(ctx context.Context, sctx *session.Context) error {
	err := o.store.Save(ctx, sctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, session.ErrVersionConflict) {
		return fmt.Errorf("%w: %v", session.ErrStoreUnavailable, err)
	}

	fresh, loadErr := o.store.Load(ctx, sctx.ID, sctx.CallerID)
	if loadErr != nil {
		return fmt.Errorf("%w: %v", session.ErrStoreUnavailable, loadErr)
	}
	if n := len(sctx.Turns); n >= 2 {
		fresh.Turns = append(fresh.Turns, sctx.Turns[n-2:]...)
	}
	if saveErr := o.store.Save(ctx, fresh); saveErr != nil {
		return fmt.Errorf("%w: %v", session.ErrStoreUnavailable, saveErr)
	}
	return nil
}

func (o *Orchestrator) logFailure(sctx *session.Context, stage, action string, err error, message string) {
	o.logger.Error("message handling failed",
		"session", sctx.ID,
		"stage", stage,
		"decision", action,
		"error", err,
		"message", logger.Preview(message))
}

// userSafeFailure is the catch-all conversion of handler errors.
func userSafeFailure(err error) *HandlerResult {
	text := "Sorry, something went wrong while handling that. Please try again."
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		text = "That took longer than expected and timed out. Please try again."
	}
	return &HandlerResult{Kind: ResultFailure, Text: text}
}
