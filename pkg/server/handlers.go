package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/kadirpekel/agentmesh/pkg/node"
	"github.com/kadirpekel/agentmesh/pkg/orchestrator"
	"github.com/kadirpekel/agentmesh/pkg/session"
	"github.com/kadirpekel/agentmesh/pkg/tools"
	"github.com/kadirpekel/agentmesh/pkg/vector"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"success": false, "error": msg})
}

// requireNodeAuth verifies the peer's bearer access token and stamps its
// verified slug onto the request.
func (s *Server) requireNodeAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Issuer == nil {
			writeError(w, http.StatusServiceUnavailable, "node auth is not configured")
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		slug, err := s.deps.Issuer.Verify(r.Context(), token, "access")
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		r.Header.Set("X-Verified-Node", slug)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := orchestrator.DecodeRequest(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.deps.Orchestrator.HandleMessage(r.Context(), req, r.Header)
	if err != nil {
		if errors.Is(err, session.ErrStoreUnavailable) {
			s.logger.Error("session store failure", "error", err)
			writeError(w, http.StatusServiceUnavailable, "session storage unavailable")
			return
		}
		s.logger.Error("chat handling failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	cfg := s.deps.Config
	typ := node.TypeChild
	if cfg.Node.IsMaster {
		typ = node.TypeMaster
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"node":    cfg.Node.Slug,
		"type":    typ,
		"version": cfg.Version,
		"domains": cfg.Node.Domains,
		"tags":    cfg.Node.Tags,
	})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Local.LocalCatalog())
}

func (s *Server) handleCollections(w http.ResponseWriter, r *http.Request) {
	out := map[string][]node.Collection{
		s.deps.Config.Node.Slug: s.deps.Local.Collections,
	}
	if s.deps.Discovery != nil {
		if remote, err := s.deps.Discovery.Collections(r.Context()); err == nil {
			for slug, cols := range remote {
				out[slug] = cols
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"collections": out})
}

// registerRequest is the /register body: the caller's self-description.
type registerRequest struct {
	node.Description
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if s.deps.Issuer == nil {
		writeError(w, http.StatusServiceUnavailable, "node auth is not configured")
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid register body")
		return
	}
	if req.Slug == "" || req.BaseURL == "" {
		writeError(w, http.StatusBadRequest, "slug and base_url are required")
		return
	}

	n, err := s.deps.Nodes.Register(req.Description)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	creds, err := s.deps.Issuer.IssuePair(req.Slug)
	if err != nil {
		s.logger.Error("credential issuance failed", "node", req.Slug, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue credentials")
		return
	}

	s.logger.Info("node registered", "node", req.Slug, "base_url", req.BaseURL)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"node":        n,
		"credentials": creds,
	})
}

func (s *Server) handleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	if s.deps.Issuer == nil {
		writeError(w, http.StatusServiceUnavailable, "node auth is not configured")
		return
	}

	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	creds, err := s.deps.Issuer.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

type searchRequest struct {
	Collection string        `json:"collection"`
	Query      string        `json:"query"`
	Limit      int           `json:"limit,omitempty"`
	Filter     vector.Filter `json:"filter,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Vector == nil {
		writeError(w, http.StatusNotImplemented, "vector search is not enabled on this node")
		return
	}

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Collection == "" || req.Query == "" {
		writeError(w, http.StatusBadRequest, "collection and query are required")
		return
	}
	if req.Limit <= 0 || req.Limit > 100 {
		req.Limit = 10
	}

	hits, err := s.deps.Vector.Search(r.Context(), req.Collection, req.Query, req.Limit, req.Filter)
	if err != nil {
		s.logger.Error("vector search failed", "collection", req.Collection, "error", err)
		writeError(w, http.StatusBadGateway, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "hits": hits})
}

type aggregateRequest struct {
	Collection string        `json:"collection"`
	Filter     vector.Filter `json:"filter,omitempty"`
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Vector == nil {
		writeError(w, http.StatusNotImplemented, "vector search is not enabled on this node")
		return
	}

	var req aggregateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Collection == "" {
		writeError(w, http.StatusBadRequest, "collection is required")
		return
	}

	count, err := s.deps.Vector.Count(r.Context(), req.Collection, req.Filter)
	if err != nil {
		s.logger.Error("aggregate failed", "collection", req.Collection, "error", err)
		writeError(w, http.StatusBadGateway, "aggregate failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"collection": req.Collection,
		"count":      count,
	})
}

type executeRequest struct {
	Tool       string                 `json:"tool"`
	Model      string                 `json:"model,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// handleExecute runs a locally declared tool on behalf of a peer.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Tool == "" {
		writeError(w, http.StatusBadRequest, "tool is required")
		return
	}

	tool, ok := s.deps.LocalTools.Get(req.Tool)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown tool: "+req.Tool)
		return
	}

	info := tool.GetInfo()
	if err := tools.ValidateParams(info, req.Parameters); err != nil {
		var verr *tools.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"success": false,
				"error":   verr.Message,
				"param":   verr.Param,
				"tool":    verr.Tool,
			})
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	start := time.Now()
	result, err := tool.Execute(r.Context(), req.Parameters)
	if err != nil {
		s.logger.Error("tool execution failed",
			"tool", req.Tool, "peer", r.Header.Get("X-Verified-Node"), "error", err)
		writeJSON(w, http.StatusOK, tools.ToolResult{
			Success:  false,
			Error:    err.Error(),
			ToolName: req.Tool,
		})
		return
	}
	result.ToolName = req.Tool
	result.ExecutionTime = time.Since(start)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	stats := s.deps.Nodes.Statistics()

	type nodeView struct {
		Slug    string      `json:"slug"`
		Name    string      `json:"name"`
		Status  node.Status `json:"status"`
		Breaker string      `json:"breaker"`
		Load    float64     `json:"load"`
		Health  node.Health `json:"health"`
	}
	var views []nodeView
	for _, n := range s.deps.Nodes.ListActive() {
		views = append(views, nodeView{
			Slug:    n.Slug,
			Name:    n.Name,
			Status:  n.Status,
			Breaker: string(s.deps.Breakers.StateOf(n.Slug)),
			Load:    n.Load(),
			Health:  n.Health,
		})
	}

	out := map[string]interface{}{
		"node":       s.deps.Config.Node.Slug,
		"statistics": stats,
		"nodes":      views,
	}
	if s.deps.ConnPool != nil {
		out["pool"] = s.deps.ConnPool.Stats()
	}
	writeJSON(w, http.StatusOK, out)
}
