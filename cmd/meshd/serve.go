package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kadirpekel/agentmesh/pkg/auth"
	"github.com/kadirpekel/agentmesh/pkg/breaker"
	"github.com/kadirpekel/agentmesh/pkg/collector"
	"github.com/kadirpekel/agentmesh/pkg/config"
	"github.com/kadirpekel/agentmesh/pkg/discovery"
	"github.com/kadirpekel/agentmesh/pkg/httpclient"
	"github.com/kadirpekel/agentmesh/pkg/llms"
	"github.com/kadirpekel/agentmesh/pkg/logger"
	"github.com/kadirpekel/agentmesh/pkg/node"
	"github.com/kadirpekel/agentmesh/pkg/orchestrator"
	"github.com/kadirpekel/agentmesh/pkg/ratelimit"
	"github.com/kadirpekel/agentmesh/pkg/routing"
	"github.com/kadirpekel/agentmesh/pkg/server"
	"github.com/kadirpekel/agentmesh/pkg/session"
	"github.com/kadirpekel/agentmesh/pkg/tools"
	"github.com/kadirpekel/agentmesh/pkg/transport"
	"github.com/kadirpekel/agentmesh/pkg/vector"
)

const pingInterval = 30 * time.Second

// ServeCmd starts the node.
type ServeCmd struct {
	Port int `help:"Override the configured listen port."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return configErr(err)
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	initLogging(cfg, cli)
	log := logger.Get()

	store, err := newSessionStore(cfg)
	if err != nil {
		return storageErr(fmt.Errorf("failed to open session store: %w", err))
	}
	defer func() { _ = store.Close() }()

	llmReg, err := llms.NewLLMRegistry(cfg.LLM)
	if err != nil {
		return configErr(err)
	}
	baseLLM, err := llmReg.Resolve("", cfg.LLM.DefaultEngine)
	if err != nil {
		return configErr(err)
	}
	chatLLM := llms.WithModel(baseLLM, cfg.LLM.DefaultModel)
	orchModel := cfg.LLM.OrchestrationModel
	if orchModel == "" {
		orchModel = cfg.LLM.DefaultModel
	}
	// Routing prompts are short and structured; they may run on a cheaper
	// model than the one answering users.
	routingLLM := llms.WithModel(baseLLM, orchModel)

	nodes := node.NewRegistry(log)
	breakers := breaker.NewRegistry(cfg.Breaker.FailureThreshold,
		time.Duration(cfg.Breaker.CooldownSeconds)*time.Second, log)
	connPool := transport.NewConnPool(cfg.Pool.MaxPerNode,
		time.Duration(cfg.Pool.TTLSeconds)*time.Second, cfg.Timeouts.ForwardTimeout())
	credsPool := auth.NewPool(httpclient.New())
	limiter := ratelimit.New(cfg.RateLimit.Enabled, cfg.RateLimit.RequestsPerMinute,
		ratelimit.NewMemoryStore())
	fwd := transport.NewForwarder(cfg.Node.Slug, nodes, connPool, credsPool, breakers, limiter, log)

	localTools := tools.NewRegistry()
	collectors := collector.NewRegistry()
	colEngine := collector.NewEngine(chatLLM, collectors, cfg.Collector.MaxStepExecutions, log)

	local := &server.LocalCatalog{
		Tools:       localTools,
		Collectors:  collectors,
		Collections: localCollections(cfg),
		Domains:     cfg.Node.Domains,
		Version:     cfg.Version,
	}
	disc := discovery.NewService(cfg.Node.Slug, local, nodes, fwd,
		time.Duration(cfg.Cache.TTLSeconds)*time.Second,
		time.Duration(cfg.Discovery.DigestTTLSeconds)*time.Second,
		cfg.Timeouts.DiscoveryTimeout(), log)

	var vstore vector.Store
	if cfg.Vector.Enabled {
		embedder, err := llms.NewOpenAIEmbedder(cfg.Vector.EmbeddingBaseURL,
			cfg.Vector.EmbeddingAPIKey, cfg.Vector.EmbeddingModel)
		if err != nil {
			return configErr(err)
		}
		vstore, err = vector.NewQdrantStore(cfg.Vector, embedder)
		if err != nil {
			return configErr(fmt.Errorf("failed to connect to vector store: %w", err))
		}
	}

	dispatcher := tools.NewDispatcher(localTools, disc, fwd, nodes)
	policy := routing.NewSessionPolicy(routingLLM, nodes, breakers, disc, log)
	engine := routing.NewEngine(cfg.Node.Slug, routingLLM, disc, dispatcher, nodes, policy,
		cfg.Profile.Fields, log)

	handlers := orchestrator.NewHandlerRegistry()
	if err := orchestrator.RegisterDefaultHandlers(handlers, orchestrator.Deps{
		Self:            cfg.Node.Slug,
		LLM:             chatLLM,
		LLMs:            llmReg,
		Collectors:      collectors,
		CollectorEngine: colEngine,
		Dispatcher:      dispatcher,
		Discovery:       disc,
		Nodes:           nodes,
		Forwarder:       fwd,
		Vector:          vstore,
		RAGCollections:  cfg.Vector.Collections,
		Logger:          log,
	}); err != nil {
		return configErr(err)
	}
	orch := orchestrator.New(store, engine, handlers, cfg.Timeouts.LLMTimeout(), log)

	var issuer *auth.Issuer
	if cfg.Auth.Secret != "" {
		issuer, err = auth.NewIssuer(cfg.Auth.Secret, cfg.Node.Slug,
			time.Duration(cfg.Auth.AccessTTLMinutes)*time.Minute,
			time.Duration(cfg.Auth.RefreshTTLMinutes)*time.Minute)
		if err != nil {
			return configErr(err)
		}
	}

	srv := server.New(server.Deps{
		Config:       cfg,
		Orchestrator: orch,
		Issuer:       issuer,
		Nodes:        nodes,
		Breakers:     breakers,
		ConnPool:     connPool,
		Vector:       vstore,
		LocalTools:   localTools,
		Local:        local,
		Discovery:    disc,
		Logger:       log,
	})

	// Children announce themselves to the master before serving.
	if !cfg.Node.IsMaster && cfg.Node.MasterURL != "" {
		if err := registerWithMaster(ctx, cfg, nodes, credsPool, local, log); err != nil {
			return peerErr(err)
		}
	}

	go pingLoop(ctx, nodes, fwd, log)
	if sqlite, ok := store.(*session.SQLiteStore); ok {
		go sweepLoop(ctx, sqlite, cfg, log)
	}

	if err := srv.Start(ctx); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	config.LoadDotEnv()
	loader, err := config.NewLoader(path)
	if err != nil {
		return nil, err
	}
	return loader.Load()
}

func initLogging(cfg *config.Config, cli *CLI) {
	level := cfg.Logging.Level
	if cli.LogLevel != "" {
		level = cli.LogLevel
	}
	format := cfg.Logging.Format
	if cli.LogFormat != "" {
		format = cli.LogFormat
	}
	logger.Init(logger.ParseLevel(level), format, os.Stderr)
}

func newSessionStore(cfg *config.Config) (session.Store, error) {
	idleTTL := time.Duration(cfg.Session.IdleTTLMin) * time.Minute
	switch cfg.Session.Driver {
	case "memory":
		return session.NewMemoryStore(idleTTL), nil
	default:
		return session.NewSQLiteStore(cfg.Session.Path)
	}
}

func localCollections(cfg *config.Config) []node.Collection {
	out := make([]node.Collection, 0, len(cfg.Vector.Collections))
	for _, name := range cfg.Vector.Collections {
		out = append(out, node.Collection{Name: name})
	}
	return out
}

// registerWithMaster performs the child's startup handshake: discover the
// master's identity via /health, then POST /register for credentials.
func registerWithMaster(ctx context.Context, cfg *config.Config, nodes *node.Registry,
	creds *auth.Pool, local *server.LocalCatalog, log *slog.Logger) error {

	client := httpclient.New()
	masterURL := cfg.Node.MasterURL

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, masterURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("master %s unreachable: %w", masterURL, err)
	}
	var health struct {
		Node string `json:"node"`
	}
	if err := decodeBody(resp, &health); err != nil || health.Node == "" {
		return fmt.Errorf("master %s returned an invalid health response", masterURL)
	}

	cat := local.LocalCatalog()
	payload, err := json.Marshal(node.Description{
		Slug:    cfg.Node.Slug,
		Name:    cfg.Node.Name,
		BaseURL: cfg.Node.BaseURL,
		Type:    node.TypeChild,
		Caps: node.Capabilities{
			Tools:       toolNames(cat.Tools),
			Collectors:  cat.Collectors,
			Collections: cat.Collections,
			Domains:     cat.Domains,
		},
		Version:     cfg.Version,
		Description: cfg.Node.Name,
	})
	if err != nil {
		return err
	}

	resp, err = client.Post(ctx, masterURL+"/register", payload, nil)
	if err != nil {
		return fmt.Errorf("registration with master failed: %w", err)
	}
	var reg struct {
		Success     bool              `json:"success"`
		Credentials *auth.Credentials `json:"credentials"`
	}
	if err := decodeBody(resp, &reg); err != nil || !reg.Success || reg.Credentials == nil {
		return fmt.Errorf("master %s rejected registration", masterURL)
	}

	if _, err := nodes.Register(node.Description{
		Slug:    health.Node,
		Name:    health.Node,
		BaseURL: masterURL,
		Type:    node.TypeMaster,
	}); err != nil {
		return err
	}
	creds.Set(health.Node, reg.Credentials)

	log.Info("registered with master", "master", health.Node, "url", masterURL)
	return nil
}

func decodeBody(resp *http.Response, v interface{}) error {
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(raw))
	}
	return json.Unmarshal(raw, v)
}

func toolNames(infos []tools.ToolInfo) []string {
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}
	return names
}

// pingLoop keeps node health fresh; the registry flips nodes to error
// after repeated ping failures and back to active on the first success.
func pingLoop(ctx context.Context, nodes *node.Registry, fwd *transport.Forwarder, log *slog.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Errored nodes stay on the probe list so a successful
			// ping can bring them back.
			for _, n := range nodes.ListPingable() {
				if err := fwd.Ping(ctx, n); err != nil {
					log.Debug("ping failed", "node", n.Slug, "error", err)
				}
			}
		}
	}
}

// sweepLoop evicts idle sessions from the durable store.
func sweepLoop(ctx context.Context, store *session.SQLiteStore, cfg *config.Config, log *slog.Logger) {
	ttl := time.Duration(cfg.Session.IdleTTLMin) * time.Minute
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := store.Sweep(ctx, ttl); err != nil {
				log.Warn("session sweep failed", "error", err)
			} else if n > 0 {
				log.Debug("sessions swept", "count", n)
			}
		}
	}
}
