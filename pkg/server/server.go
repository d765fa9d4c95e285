// Package server exposes the node's HTTP surface: chat, health,
// capability discovery, peer registration, token refresh, vector search
// and aggregation, remote tool execution and the cluster dashboard.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kadirpekel/agentmesh/pkg/auth"
	"github.com/kadirpekel/agentmesh/pkg/breaker"
	"github.com/kadirpekel/agentmesh/pkg/collector"
	"github.com/kadirpekel/agentmesh/pkg/config"
	"github.com/kadirpekel/agentmesh/pkg/discovery"
	"github.com/kadirpekel/agentmesh/pkg/node"
	"github.com/kadirpekel/agentmesh/pkg/orchestrator"
	"github.com/kadirpekel/agentmesh/pkg/tools"
	"github.com/kadirpekel/agentmesh/pkg/transport"
	"github.com/kadirpekel/agentmesh/pkg/vector"
)

// LocalCatalog implements discovery.LocalSource over the node's own
// registries.
type LocalCatalog struct {
	Tools       *tools.Registry
	Collectors  *collector.Registry
	Collections []node.Collection
	Domains     []string
	Version     string
}

// LocalCatalog implements discovery.LocalSource.
func (l *LocalCatalog) LocalCatalog() discovery.Catalog {
	cat := discovery.Catalog{
		Collections: l.Collections,
		Domains:     l.Domains,
		Version:     l.Version,
	}
	if l.Tools != nil {
		cat.Tools = l.Tools.Infos()
	}
	if l.Collectors != nil {
		cat.Collectors = l.Collectors.Descriptors()
	}
	return cat
}

// Deps bundles everything the HTTP surface serves.
type Deps struct {
	Config       *config.Config
	Orchestrator *orchestrator.Orchestrator
	Issuer       *auth.Issuer
	Nodes        *node.Registry
	Breakers     *breaker.Registry
	ConnPool     *transport.ConnPool
	Vector       vector.Store
	LocalTools   *tools.Registry
	Local        *LocalCatalog
	Discovery    *discovery.Service
	Logger       *slog.Logger
}

// Server is the node's HTTP front end.
type Server struct {
	deps   Deps
	logger *slog.Logger
	http   *http.Server
}

// New builds the server around its collaborators.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{deps: deps, logger: logger}
}

// Router assembles the chi mux with the shared middleware stack.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(transport.TraceIDMiddleware)
	r.Use(transport.MetricsMiddleware)

	// Public surface.
	r.Get("/health", s.handleHealth)
	r.Post("/register", s.handleRegister)
	r.Post("/auth/refresh", s.handleAuthRefresh)
	r.Handle("/metrics", promhttp.Handler())

	// Caller surface.
	r.Post("/chat", s.handleChat)
	r.Get("/collections", s.handleCollections)
	r.Get("/dashboard", s.handleDashboard)

	// Peer surface, bearer-authenticated.
	r.Group(func(r chi.Router) {
		r.Use(s.requireNodeAuth)
		r.Get("/capabilities", s.handleCapabilities)
		r.Post("/search", s.handleSearch)
		r.Post("/aggregate", s.handleAggregate)
		r.Post("/execute", s.handleExecute)
	})

	return r
}

// Start serves until ctx is cancelled, then drains connections.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.deps.Config.Server.Host, s.deps.Config.Server.Port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr, "node", s.deps.Config.Node.Slug)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}
