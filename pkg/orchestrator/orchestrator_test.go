package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentmesh/pkg/auth"
	"github.com/kadirpekel/agentmesh/pkg/breaker"
	"github.com/kadirpekel/agentmesh/pkg/collector"
	"github.com/kadirpekel/agentmesh/pkg/llms"
	"github.com/kadirpekel/agentmesh/pkg/node"
	"github.com/kadirpekel/agentmesh/pkg/ratelimit"
	"github.com/kadirpekel/agentmesh/pkg/routing"
	"github.com/kadirpekel/agentmesh/pkg/session"
	"github.com/kadirpekel/agentmesh/pkg/tools"
	"github.com/kadirpekel/agentmesh/pkg/transport"
)

// scriptedLLM returns canned responses in order, repeating the last one.
type scriptedLLM struct {
	responses []string
	calls     atomic.Int32
}

func (s *scriptedLLM) Name() string { return "scripted" }

func (s *scriptedLLM) Generate(ctx context.Context, req llms.GenerateRequest) (*llms.GenerateResponse, error) {
	idx := int(s.calls.Add(1)) - 1
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	return &llms.GenerateResponse{Text: s.responses[idx]}, nil
}

type fakeDigest struct {
	descriptors []collector.Descriptor
}

func (f *fakeDigest) RoutingDigest(ctx context.Context) (string, error) {
	return "- master (local): orchestration\n- mail: email\n- billing: invoices\n", nil
}

func (f *fakeDigest) Collectors(ctx context.Context, includeRemote bool) ([]collector.Descriptor, error) {
	return f.descriptors, nil
}

type fakeCatalog struct{}

func (f *fakeCatalog) Catalog(ctx context.Context) ([]tools.ToolInfo, error) { return nil, nil }

type staticCollections struct{ m map[string][]node.Collection }

func (s *staticCollections) Collections(ctx context.Context) (map[string][]node.Collection, error) {
	return s.m, nil
}

type testEnv struct {
	llm      *scriptedLLM
	store    session.Store
	nodes    *node.Registry
	breakers *breaker.Registry
	orch     *Orchestrator
	mailHits *atomic.Int32
}

// invoiceDescriptor is the S2/S3 collector.
func invoiceDescriptor() collector.Descriptor {
	return collector.Descriptor{
		Name: "create_invoice",
		Goal: "create an invoice",
		Fields: []collector.Field{
			{Name: "customer", Type: collector.FieldString, Required: true, Prompt: "Which customer is this for?"},
			{Name: "items", Type: collector.FieldArray, Required: true, Prompt: "What items should it include?"},
		},
	}
}

func newEnv(t *testing.T, llm *scriptedLLM, mailURL string, threshold int, cooldown time.Duration) *testEnv {
	t.Helper()
	log := slog.Default()

	nodes := node.NewRegistry(log)
	_, err := nodes.Register(node.Description{
		Slug: "mail", Name: "Mail", BaseURL: mailURL, Type: node.TypeChild,
		Caps: node.Capabilities{
			Collections: []node.Collection{{Name: "emails"}},
			Domains:     []string{"email"},
		},
	})
	require.NoError(t, err)
	_, err = nodes.Register(node.Description{
		Slug: "billing", Name: "Billing", BaseURL: "http://billing.invalid", Type: node.TypeChild,
		Caps: node.Capabilities{Collections: []node.Collection{{Name: "invoices"}}},
	})
	require.NoError(t, err)

	breakers := breaker.NewRegistry(threshold, cooldown, log)
	connPool := transport.NewConnPool(4, time.Minute, 5*time.Second)
	creds := auth.NewPool(nil)
	creds.Set("mail", &auth.Credentials{AccessToken: "tok", RefreshToken: "ref", ExpiresIn: 3600})
	creds.Set("billing", &auth.Credentials{AccessToken: "tok", RefreshToken: "ref", ExpiresIn: 3600})
	limiter := ratelimit.New(false, 0, nil)
	fwd := transport.NewForwarder("master", nodes, connPool, creds, breakers, limiter, log)

	collectors := collector.NewRegistry()
	require.NoError(t, collectors.Add(invoiceDescriptor(),
		func(ctx context.Context, data map[string]interface{}) (string, string, error) {
			return "inv-1", "Created invoice inv-1.", nil
		}))
	colEngine := collector.NewEngine(llm, collectors, 0, log)

	cols := &staticCollections{m: map[string][]node.Collection{
		"mail":    {{Name: "emails"}},
		"billing": {{Name: "invoices"}},
	}}
	policy := routing.NewSessionPolicy(llm, nodes, breakers, cols, log)
	digest := &fakeDigest{descriptors: collectors.Descriptors()}
	engine := routing.NewEngine("master", llm, digest, &fakeCatalog{}, nodes, policy, nil, log)

	localTools := tools.NewRegistry()
	dispatcher := tools.NewDispatcher(localTools, nil, fwd, nodes)

	handlers := NewHandlerRegistry()
	require.NoError(t, RegisterDefaultHandlers(handlers, Deps{
		Self:            "master",
		LLM:             llm,
		Collectors:      collectors,
		CollectorEngine: colEngine,
		Dispatcher:      dispatcher,
		Discovery:       digest,
		Nodes:           nodes,
		Forwarder:       fwd,
		Logger:          log,
	}))

	store := session.NewMemoryStore(time.Hour)
	orch := New(store, engine, handlers, 0, log)

	return &testEnv{llm: llm, store: store, nodes: nodes, breakers: breakers, orch: orch}
}

// mailServer fakes the remote mail node's /chat.
func mailServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	hits := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		_ = json.NewEncoder(w).Encode(&Response{
			Success:  true,
			Response: "Here are your latest emails:\n1. Invoice inquiry\n2. Weekly report",
			Metadata: Metadata{
				AgentStrategy: "conversational",
				EntityIDs:     []string{"e1", "e2"},
				EntityType:    "email",
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, hits
}

func (e *testEnv) loadSession(t *testing.T, id string) *session.Context {
	t.Helper()
	sctx, err := e.store.Load(context.Background(), id, "")
	require.NoError(t, err)
	return sctx
}

func TestScenario_Conversational(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		"ACTION: conversational\nRESOURCE: none\nREASON: greeting",
		"Hello! How can I help?",
	}}
	env := newEnv(t, llm, "http://mail.invalid", 5, time.Minute)

	resp, err := env.orch.HandleMessage(context.Background(), &Request{Message: "hi", SessionID: "s1"}, nil)
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, "Hello! How can I help?", resp.Response)
	assert.Equal(t, "conversational", resp.Metadata.AgentStrategy)
	assert.False(t, resp.Metadata.WorkflowActive)

	sctx := env.loadSession(t, "s1")
	require.Len(t, sctx.Turns, 2)
	assert.Equal(t, session.RoleUser, sctx.Turns[0].Role)
	assert.Equal(t, session.RoleAssistant, sctx.Turns[1].Role)
	assert.Empty(t, sctx.Stack)
}

func TestScenario_StartCollectorAndConfirm(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		"ACTION: start_collector\nRESOURCE: create_invoice\nREASON: invoice request",
		`{"customer": "Acme", "items": [{"name": "widgets", "qty": 2, "price": 50}]}`,
	}}
	env := newEnv(t, llm, "http://mail.invalid", 5, time.Minute)

	// S2: one turn fills every required field and lands on confirmation.
	resp, err := env.orch.HandleMessage(context.Background(),
		&Request{Message: "create an invoice for Acme for 2 widgets at $50", SessionID: "s2"}, nil)
	require.NoError(t, err)

	assert.True(t, resp.Metadata.WorkflowActive)
	assert.Equal(t, "create_invoice", resp.Metadata.WorkflowClass)
	assert.Contains(t, resp.Response, "Shall I proceed?")

	sctx := env.loadSession(t, "s2")
	require.NotNil(t, sctx.Collector)
	assert.Equal(t, collector.StateConfirming, sctx.Collector.State)
	assert.Equal(t, "Acme", sctx.Collected["customer"])
	items := sctx.Collected["items"].([]interface{})
	require.Len(t, items, 1)
	item := items[0].(map[string]interface{})
	assert.Equal(t, "widgets", item["name"])
	assert.Equal(t, float64(2), item["qty"])
	assert.Equal(t, float64(50), item["price"])

	// S3: "yes" completes without consulting the decision LLM.
	decideCalls := llm.calls.Load()
	resp, err = env.orch.HandleMessage(context.Background(), &Request{Message: "yes", SessionID: "s2"}, nil)
	require.NoError(t, err)

	assert.Equal(t, decideCalls, llm.calls.Load())
	assert.True(t, resp.Success)
	assert.True(t, resp.Metadata.WorkflowCompleted)
	assert.False(t, resp.Metadata.WorkflowActive)
	assert.Contains(t, resp.Response, "inv-1")
	assert.Equal(t, []string{"inv-1"}, resp.Metadata.EntityIDs)

	sctx = env.loadSession(t, "s2")
	assert.Nil(t, sctx.Collector)
	require.Len(t, sctx.Turns, 4)
	assert.Contains(t, sctx.Turns[3].Content, "inv-1")
}

func TestScenario_RoutingLifecycle(t *testing.T) {
	srv, hits := mailServer(t)
	llm := &scriptedLLM{responses: []string{
		"ACTION: route_to_node\nRESOURCE: mail\nREASON: email domain",
		"ACTION: conversational\nRESOURCE: none\nREASON: local topic",
		"You have 3 invoices.",
	}}
	env := newEnv(t, llm, srv.URL, 5, time.Minute)

	// S4: the message routes to mail and the session remembers it.
	resp, err := env.orch.HandleMessage(context.Background(),
		&Request{Message: "show me my latest emails", SessionID: "s4"}, nil)
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, "route_to_node", resp.Metadata.AgentStrategy)
	assert.Contains(t, resp.Response, "latest emails")
	assert.Equal(t, []string{"e1", "e2"}, resp.Metadata.EntityIDs)
	assert.Equal(t, int32(1), hits.Load())

	sctx := env.loadSession(t, "s4")
	require.NotNil(t, sctx.RoutedTo)
	assert.Equal(t, "mail", sctx.RoutedTo.Slug)

	// S5: a bare "1" forwards again without any LLM call.
	callsBefore := llm.calls.Load()
	resp, err = env.orch.HandleMessage(context.Background(), &Request{Message: "1", SessionID: "s4"}, nil)
	require.NoError(t, err)

	assert.Equal(t, callsBefore, llm.calls.Load())
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, "route_to_node", resp.Metadata.AgentStrategy)

	// S6: an invoices question is a topic shift; routing memory is cleared
	// and mail is not contacted.
	resp, err = env.orch.HandleMessage(context.Background(),
		&Request{Message: "how many invoices do I have", SessionID: "s4"}, nil)
	require.NoError(t, err)

	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, "conversational", resp.Metadata.AgentStrategy)

	sctx = env.loadSession(t, "s4")
	assert.Nil(t, sctx.RoutedTo)
}

func TestScenario_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	// A server that closes immediately produces pure network errors.
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close()

	llm := &scriptedLLM{responses: []string{
		"ACTION: route_to_node\nRESOURCE: mail\nREASON: email domain",
	}}
	env := newEnv(t, llm, dead.URL, 5, 100*time.Millisecond)

	for i := 0; i < 5; i++ {
		resp, err := env.orch.HandleMessage(context.Background(),
			&Request{Message: "show me my emails", SessionID: "s7"}, nil)
		require.NoError(t, err)
		assert.False(t, resp.Success)
	}
	assert.Equal(t, breaker.StateOpen, env.breakers.StateOf("mail"))

	// The sixth call short-circuits without touching the network.
	resp, err := env.orch.HandleMessage(context.Background(),
		&Request{Message: "show me my emails", SessionID: "s7"}, nil)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Response, "unavailable")

	// After the cool-down one probe is allowed again.
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, breaker.StateHalfOpen, env.breakers.StateOf("mail"))
}

func TestScenario_PositionalReference(t *testing.T) {
	srv, _ := mailServer(t)
	llm := &scriptedLLM{responses: []string{
		"ACTION: route_to_node\nRESOURCE: mail\nREASON: email domain",
	}}
	env := newEnv(t, llm, srv.URL, 5, time.Minute)

	_, err := env.orch.HandleMessage(context.Background(),
		&Request{Message: "show me my latest emails", SessionID: "s8"}, nil)
	require.NoError(t, err)

	// Clear the routing memory so the positional fast path applies.
	sctx := env.loadSession(t, "s8")
	sctx.RoutedTo = nil
	require.NoError(t, env.store.Save(context.Background(), sctx))

	resp, err := env.orch.HandleMessage(context.Background(),
		&Request{Message: "the second one", SessionID: "s8"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "resolve_positional_reference", resp.Metadata.AgentStrategy)
	assert.Contains(t, resp.Response, "e2")
	assert.Equal(t, []string{"e2"}, resp.Metadata.EntityIDs)
	assert.Equal(t, "email", resp.Metadata.EntityType)

	sctx = env.loadSession(t, "s8")
	id, _ := sctx.Get(ScratchSelectedEntityID)
	assert.Equal(t, "e2", id)
	typ, _ := sctx.Get(ScratchSelectedEntityType)
	assert.Equal(t, "email", typ)
}

func TestProperty_TurnInvariantOnFailure(t *testing.T) {
	// Route decision to an unreachable node: the handler fails but the log
	// still grows by exactly one user and one assistant turn.
	llm := &scriptedLLM{responses: []string{
		"ACTION: route_to_node\nRESOURCE: billing\nREASON: invoices",
	}}
	env := newEnv(t, llm, "http://mail.invalid", 5, time.Minute)

	resp, err := env.orch.HandleMessage(context.Background(),
		&Request{Message: "list my invoices", SessionID: "sf"}, nil)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Response)

	sctx := env.loadSession(t, "sf")
	require.Len(t, sctx.Turns, 2)
	assert.Equal(t, session.RoleUser, sctx.Turns[0].Role)
	assert.Equal(t, session.RoleAssistant, sctx.Turns[1].Role)
}

func TestProperty_ActiveCollectorAlwaysContinues(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		"ACTION: start_collector\nRESOURCE: create_invoice\nREASON: invoice request",
		`{"customer": "Acme"}`,
		`{}`,
	}}
	env := newEnv(t, llm, "http://mail.invalid", 5, time.Minute)

	_, err := env.orch.HandleMessage(context.Background(),
		&Request{Message: "create an invoice for Acme", SessionID: "sp"}, nil)
	require.NoError(t, err)

	// Off-topic messages still go to the collector while it is active.
	resp, err := env.orch.HandleMessage(context.Background(),
		&Request{Message: "what's the weather in Berlin", SessionID: "sp"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "continue_collector", resp.Metadata.AgentStrategy)
	assert.True(t, resp.Metadata.WorkflowActive)
}

func TestDisabledActionsDowngradeToConversational(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		"ACTION: start_collector\nRESOURCE: create_invoice\nREASON: invoice request",
		"I can't start anything right now, but here's what an invoice needs.",
	}}
	env := newEnv(t, llm, "http://mail.invalid", 5, time.Minute)

	off := false
	resp, err := env.orch.HandleMessage(context.Background(), &Request{
		Message:   "create an invoice for Acme",
		SessionID: "sa",
		Options:   RequestOptions{UseActions: &off},
	}, nil)
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, "conversational", resp.Metadata.AgentStrategy)
	assert.False(t, resp.Metadata.WorkflowActive, "no collector starts when actions are disabled")

	sctx := env.loadSession(t, "sa")
	assert.Nil(t, sctx.Collector)
}

func TestDecodeRequest_RejectsUnknownFields(t *testing.T) {
	_, err := DecodeRequest(strings.NewReader(`{"message": "hi", "bogus": 1}`))
	require.Error(t, err)

	_, err = DecodeRequest(strings.NewReader(`{"message": ""}`))
	require.Error(t, err)

	req, err := DecodeRequest(strings.NewReader(
		`{"message": "hi", "session_id": "s", "options": {"use_rag": true, "rag_collections": ["docs"]}}`))
	require.NoError(t, err)
	assert.Equal(t, "hi", req.Message)
	require.NotNil(t, req.Options.UseRAG)
	assert.True(t, *req.Options.UseRAG)
}

func TestSessionIDGeneratedWhenMissing(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		"ACTION: conversational\nRESOURCE: none\nREASON: greeting",
		"Hello!",
	}}
	env := newEnv(t, llm, "http://mail.invalid", 5, time.Minute)

	resp, err := env.orch.HandleMessage(context.Background(), &Request{Message: "hi"}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.SessionID)

	sctx := env.loadSession(t, resp.SessionID)
	assert.Len(t, sctx.Turns, 2)
}
