package collector

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kadirpekel/agentmesh/pkg/llms"
	"github.com/kadirpekel/agentmesh/pkg/logger"
	"github.com/kadirpekel/agentmesh/pkg/session"
)

// DefaultMaxSteps bounds how many times a collector may revisit the same
// step before the workflow is aborted.
const DefaultMaxSteps = 20

// stepCountsKey is the scratchpad slot holding per-step visit counters.
const stepCountsKey = "__step_counts"

// ErrStepLoopExceeded reports a collector stuck asking for the same thing.
type ErrStepLoopExceeded struct {
	Workflow string
	Step     string
}

func (e *ErrStepLoopExceeded) Error() string {
	return fmt.Sprintf("collector %s exceeded the step limit at %s", e.Workflow, e.Step)
}

// ErrUnknownCollector reports a start or continue against a collector this
// node does not implement.
type ErrUnknownCollector struct {
	Name string
}

func (e *ErrUnknownCollector) Error() string {
	return fmt.Sprintf("unknown collector: %s", e.Name)
}

// Result is the outcome of one collector turn.
type Result struct {
	// Text is the next thing to say to the user: a field prompt, the
	// confirmation summary, the completion text or a cancel acknowledgment.
	Text string

	// State is the collector state after this turn.
	State string

	Completed bool
	Cancelled bool

	// EntityID is set when a completion action created an entity.
	EntityID   string
	EntityType string

	// Data is the collected map at completion time.
	Data map[string]interface{}
}

// Engine drives local collectors over the session's workflow state. It is
// stateless itself; everything lives in the session context so a node
// restart resumes mid-collection.
type Engine struct {
	llm      llms.Provider
	reg      *Registry
	maxSteps int
	logger   *slog.Logger
}

// NewEngine creates a collector engine. maxSteps <= 0 selects the default
// loop guard.
func NewEngine(llm llms.Provider, reg *Registry, maxSteps int, log *slog.Logger) *Engine {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	if log == nil {
		log = logger.Get()
	}
	return &Engine{llm: llm, reg: reg, maxSteps: maxSteps, logger: log}
}

// Start activates the named collector for the session and processes the
// triggering message as its first input turn.
func (e *Engine) Start(ctx context.Context, sctx *session.Context, name, message string) (*Result, error) {
	reg, ok := e.reg.Get(name)
	if !ok {
		return nil, &ErrUnknownCollector{Name: name}
	}

	sctx.Collector = &session.ActiveCollector{Name: name, State: StateCollecting}
	sctx.Collected = make(map[string]interface{})
	e.resetStepCounts(sctx)

	e.logger.Info("collector started", "collector", name, "session", sctx.ID)
	return e.ingest(ctx, sctx, reg, message)
}

// Continue feeds the next user message to the session's active collector.
func (e *Engine) Continue(ctx context.Context, sctx *session.Context, message string) (*Result, error) {
	active := sctx.Collector
	if active == nil {
		return nil, fmt.Errorf("no active collector in session %s", sctx.ID)
	}

	if IsCancel(message) {
		e.logger.Info("collector cancelled", "collector", active.Name, "session", sctx.ID)
		sctx.ClearWorkflow()
		e.resetStepCounts(sctx)
		return &Result{
			Text:      "Okay, I've cancelled that. Anything else I can help with?",
			State:     StateCancelled,
			Cancelled: true,
		}, nil
	}

	reg, ok := e.reg.Get(active.Name)
	if !ok {
		sctx.ClearWorkflow()
		return nil, &ErrUnknownCollector{Name: active.Name}
	}

	if active.State == StateConfirming {
		return e.confirm(ctx, sctx, reg, message)
	}
	return e.ingest(ctx, sctx, reg, message)
}

// confirm handles a turn while the collector awaits confirmation.
func (e *Engine) confirm(ctx context.Context, sctx *session.Context, reg *Registration, message string) (*Result, error) {
	if IsAffirmative(message) {
		return e.complete(ctx, sctx, reg)
	}

	// A rejection or a correction drops back to collecting. Corrections
	// carry new field values, so run extraction either way.
	sctx.Collector.State = StateCollecting
	if IsNegative(message) {
		sctx.Collector.AskingFor = ""
		return &Result{
			Text:  "No problem. What would you like to change?",
			State: StateCollecting,
		}, nil
	}
	return e.ingest(ctx, sctx, reg, message)
}

// ingest extracts fields from the message, merges them and advances the
// collector to its next step.
func (e *Engine) ingest(ctx context.Context, sctx *session.Context, reg *Registration, message string) (*Result, error) {
	d := &reg.Descriptor

	extracted, err := ExtractFields(ctx, e.llm, d, sctx.Collected, sctx.Collector.AskingFor, message)
	if err != nil {
		return nil, err
	}
	if len(extracted) > 0 {
		e.logger.Debug("fields extracted",
			"collector", d.Name, "count", len(extracted), "session", sctx.ID)
	}
	if sctx.Collected == nil {
		sctx.Collected = make(map[string]interface{})
	}
	MergeFields(sctx.Collected, extracted)

	return e.advance(ctx, sctx, reg)
}

// advance decides the collector's next step: spawn a sub-flow, ask for the
// next missing field, or move to confirmation. Every step visit counts
// against the loop guard.
func (e *Engine) advance(ctx context.Context, sctx *session.Context, reg *Registration) (*Result, error) {
	d := &reg.Descriptor

	missing := d.MissingRequired(sctx.Collected)
	if missing == nil {
		if err := e.bumpStep(sctx, d.Name, "confirm"); err != nil {
			return e.abort(sctx, err)
		}
		sctx.Collector.State = StateConfirming
		sctx.Collector.AskingFor = ""
		return &Result{Text: Summary(d, sctx.Collected), State: StateConfirming}, nil
	}

	step := "collect:" + missing.Name
	if err := e.bumpStep(sctx, d.Name, step); err != nil {
		return e.abort(sctx, err)
	}

	if missing.ChildFlow != "" {
		return e.spawnChild(ctx, sctx, d, missing, step)
	}

	sctx.Collector.State = StateCollecting
	sctx.Collector.AskingFor = missing.Name
	return &Result{Text: e.promptFor(missing), State: StateCollecting}, nil
}

// spawnChild suspends the current collector onto the workflow stack and
// starts the child flow that resolves the missing field to an entity id.
func (e *Engine) spawnChild(ctx context.Context, sctx *session.Context, parent *Descriptor, field *Field, step string) (*Result, error) {
	childReg, ok := e.reg.Get(field.ChildFlow)
	if !ok {
		// An unresolvable child flow falls back to asking for the field
		// directly rather than stranding the parent.
		e.logger.Warn("child flow not registered, asking directly",
			"collector", parent.Name, "child", field.ChildFlow)
		sctx.Collector.State = StateCollecting
		sctx.Collector.AskingFor = field.Name
		return &Result{Text: e.promptFor(field), State: StateCollecting}, nil
	}

	sctx.PushFrame(session.Frame{
		Workflow:   parent.Name,
		Step:       step,
		Data:       sctx.Collected,
		ResumeStep: step,
		StepPrefix: field.ChildFlow + ".",
		Field:      field.Name,
	})

	sctx.Collector = &session.ActiveCollector{Name: field.ChildFlow, State: StateCollecting}
	sctx.Collected = make(map[string]interface{})

	e.logger.Info("sub-flow started",
		"parent", parent.Name, "child", field.ChildFlow, "field", field.Name, "session", sctx.ID)
	return e.advance(ctx, sctx, childReg)
}

// complete runs the completion action, then either finishes the workflow or
// resumes the suspended parent with the child's entity id filled in.
func (e *Engine) complete(ctx context.Context, sctx *session.Context, reg *Registration) (*Result, error) {
	d := &reg.Descriptor
	data := sctx.Collected

	entityID := ""
	text := fmt.Sprintf("Done. %s is complete.", d.Goal)
	if reg.Complete != nil {
		var err error
		entityID, text, err = reg.Complete(ctx, data)
		if err != nil {
			return nil, fmt.Errorf("completion of %s failed: %w", d.Name, err)
		}
	}

	e.logger.Info("collector completed",
		"collector", d.Name, "entity_id", entityID, "session", sctx.ID)

	frame, nested := sctx.PopFrame()
	if !nested {
		sctx.Collector = nil
		sctx.Collected = make(map[string]interface{})
		e.resetStepCounts(sctx)
		return &Result{
			Text:       text,
			State:      StateCompleted,
			Completed:  true,
			EntityID:   entityID,
			EntityType: d.Name,
			Data:       data,
		}, nil
	}

	// Resume the parent: the child's entity id becomes the value of the
	// field that triggered the sub-flow.
	parentReg, ok := e.reg.Get(frame.Workflow)
	if !ok {
		sctx.ClearWorkflow()
		return nil, &ErrUnknownCollector{Name: frame.Workflow}
	}
	sctx.Collector = &session.ActiveCollector{Name: frame.Workflow, State: StateCollecting}
	sctx.Collected = frame.Data
	if sctx.Collected == nil {
		sctx.Collected = make(map[string]interface{})
	}
	if frame.Field != "" && entityID != "" {
		sctx.Collected[frame.Field] = entityID
	}

	parentResult, err := e.advance(ctx, sctx, parentReg)
	if err != nil {
		return nil, err
	}
	parentResult.Text = text + "\n\n" + parentResult.Text
	return parentResult, nil
}

// Pause suspends the active collector onto the workflow stack so another
// concern can be handled first. Returns false when nothing is active.
func (e *Engine) Pause(sctx *session.Context) bool {
	active := sctx.Collector
	if active == nil {
		return false
	}
	step := "confirm"
	if active.State == StateCollecting && active.AskingFor != "" {
		step = "collect:" + active.AskingFor
	}
	sctx.PushFrame(session.Frame{
		Workflow:   active.Name,
		Step:       step,
		Data:       sctx.Collected,
		ResumeStep: step,
	})
	sctx.Collector = nil
	sctx.Collected = make(map[string]interface{})
	e.logger.Info("collector paused", "collector", active.Name, "session", sctx.ID)
	return true
}

// Resume reinstates the most recently paused collector and re-asks its
// pending question.
func (e *Engine) Resume(ctx context.Context, sctx *session.Context) (*Result, error) {
	frame, ok := sctx.PopFrame()
	if !ok {
		return nil, fmt.Errorf("no paused workflow in session %s", sctx.ID)
	}
	reg, ok := e.reg.Get(frame.Workflow)
	if !ok {
		return nil, &ErrUnknownCollector{Name: frame.Workflow}
	}

	sctx.Collector = &session.ActiveCollector{Name: frame.Workflow, State: StateCollecting}
	sctx.Collected = frame.Data
	if sctx.Collected == nil {
		sctx.Collected = make(map[string]interface{})
	}
	e.logger.Info("collector resumed", "collector", frame.Workflow, "session", sctx.ID)
	return e.advance(ctx, sctx, reg)
}

// abort clears the workflow after the loop guard trips and reports a
// user-safe failure.
func (e *Engine) abort(sctx *session.Context, err error) (*Result, error) {
	e.logger.Error("collector aborted", "session", sctx.ID, "error", err)
	sctx.ClearWorkflow()
	e.resetStepCounts(sctx)
	return &Result{
		Text:  "Something went wrong with that flow, so I've reset it. Let's start over.",
		State: StateFailed,
	}, err
}

// bumpStep increments the visit counter for one collector step. Step keys
// are namespaced per workflow so a parent and child asking for like-named
// fields do not share a counter.
func (e *Engine) bumpStep(sctx *session.Context, workflow, step string) error {
	counts := e.stepCounts(sctx)
	key := workflow + "." + step
	n := toInt(counts[key]) + 1
	counts[key] = n
	sctx.Set(stepCountsKey, counts)
	if n > e.maxSteps {
		return &ErrStepLoopExceeded{Workflow: workflow, Step: step}
	}
	return nil
}

func (e *Engine) stepCounts(sctx *session.Context) map[string]interface{} {
	if v, ok := sctx.Get(stepCountsKey); ok {
		if m, ok := v.(map[string]interface{}); ok {
			return m
		}
	}
	return make(map[string]interface{})
}

func (e *Engine) resetStepCounts(sctx *session.Context) {
	sctx.Forget(stepCountsKey)
}

func (e *Engine) promptFor(f *Field) string {
	if f.Prompt != "" {
		return f.Prompt
	}
	return fmt.Sprintf("What is the %s?", f.Name)
}

// toInt reads a scratchpad counter that may have been through a JSON round
// trip, where ints come back as float64.
func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
