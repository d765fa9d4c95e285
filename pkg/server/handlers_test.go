package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentmesh/pkg/auth"
	"github.com/kadirpekel/agentmesh/pkg/breaker"
	"github.com/kadirpekel/agentmesh/pkg/collector"
	"github.com/kadirpekel/agentmesh/pkg/config"
	"github.com/kadirpekel/agentmesh/pkg/node"
	"github.com/kadirpekel/agentmesh/pkg/tools"
	"github.com/kadirpekel/agentmesh/pkg/transport"
)

type echoTool struct{}

func (echoTool) GetInfo() tools.ToolInfo {
	return tools.ToolInfo{
		Name:        "echo",
		Description: "Echo the input back.",
		Parameters: []tools.ToolParameter{
			{Name: "text", Type: "string", Required: true},
		},
	}
}

func (echoTool) Execute(_ context.Context, args map[string]interface{}) (tools.ToolResult, error) {
	return tools.ToolResult{Success: true, Content: args["text"].(string)}, nil
}

type serverEnv struct {
	srv    *httptest.Server
	issuer *auth.Issuer
	nodes  *node.Registry
}

func newServerEnv(t *testing.T) *serverEnv {
	t.Helper()

	issuer, err := auth.NewIssuer("test-secret", "master", time.Minute, time.Hour)
	require.NoError(t, err)

	localTools := tools.NewRegistry()
	require.NoError(t, localTools.RegisterTool(echoTool{}))

	nodes := node.NewRegistry(nil)
	cfg := &config.Config{
		Node: config.NodeConfig{Slug: "master", IsMaster: true, Domains: []string{"general"}},
	}

	s := New(Deps{
		Config:     cfg,
		Issuer:     issuer,
		Nodes:      nodes,
		Breakers:   breaker.NewRegistry(5, time.Minute, nil),
		ConnPool:   transport.NewConnPool(4, time.Minute, time.Second),
		LocalTools: localTools,
		Local: &LocalCatalog{
			Tools:       localTools,
			Collectors:  collector.NewRegistry(),
			Collections: []node.Collection{{Name: "docs"}},
			Domains:     cfg.Node.Domains,
		},
	})

	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &serverEnv{srv: srv, issuer: issuer, nodes: nodes}
}

func (e *serverEnv) postJSON(t *testing.T, path string, body interface{}, token string) (*http.Response, map[string]interface{}) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, e.srv.URL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	out := map[string]interface{}{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (e *serverEnv) get(t *testing.T, path, token string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.srv.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	out := map[string]interface{}{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (e *serverEnv) peerToken(t *testing.T, slug string) string {
	t.Helper()
	creds, err := e.issuer.IssuePair(slug)
	require.NoError(t, err)
	return creds.AccessToken
}

func TestHandleHealth(t *testing.T) {
	env := newServerEnv(t)

	resp, body := env.get(t, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "master", body["node"])
	assert.Equal(t, "master", body["type"])
}

func TestHandleRegister(t *testing.T) {
	env := newServerEnv(t)

	resp, body := env.postJSON(t, "/register", map[string]interface{}{
		"slug":     "mail",
		"name":     "Mail Node",
		"base_url": "http://mail:8600",
		"capabilities": map[string]interface{}{
			"collections": []map[string]string{{"name": "emails"}},
		},
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])

	creds := body["credentials"].(map[string]interface{})
	assert.NotEmpty(t, creds["access_token"])
	assert.NotEmpty(t, creds["refresh_token"])

	n, err := env.nodes.GetBySlug("mail")
	require.NoError(t, err)
	assert.Equal(t, node.StatusActive, n.Status)
	require.Len(t, n.Caps.Collections, 1)
	assert.Equal(t, "emails", n.Caps.Collections[0].Name)
}

func TestHandleRegister_Validation(t *testing.T) {
	env := newServerEnv(t)

	resp, _ := env.postJSON(t, "/register", map[string]interface{}{"slug": "mail"}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.postJSON(t, "/register", map[string]interface{}{"base_url": "http://x"}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleAuthRefresh(t *testing.T) {
	env := newServerEnv(t)

	creds, err := env.issuer.IssuePair("mail")
	require.NoError(t, err)

	resp, body := env.postJSON(t, "/auth/refresh",
		map[string]string{"refresh_token": creds.RefreshToken}, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["access_token"])

	resp, _ = env.postJSON(t, "/auth/refresh", map[string]string{"refresh_token": "bogus"}, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.postJSON(t, "/auth/refresh", map[string]string{}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPeerSurface_RequiresBearerToken(t *testing.T) {
	env := newServerEnv(t)

	resp, _ := env.get(t, "/capabilities", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.get(t, "/capabilities", "garbage")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := env.get(t, "/capabilities", env.peerToken(t, "mail"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	toolList := body["tools"].([]interface{})
	require.Len(t, toolList, 1)
	assert.Equal(t, "echo", toolList[0].(map[string]interface{})["name"])
}

func TestHandleExecute(t *testing.T) {
	env := newServerEnv(t)
	token := env.peerToken(t, "mail")

	resp, body := env.postJSON(t, "/execute", map[string]interface{}{
		"tool":       "echo",
		"parameters": map[string]interface{}{"text": "hello"},
	}, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "hello", body["content"])
	assert.Equal(t, "echo", body["tool_name"])
}

func TestHandleExecute_ValidationAndUnknownTool(t *testing.T) {
	env := newServerEnv(t)
	token := env.peerToken(t, "mail")

	resp, body := env.postJSON(t, "/execute", map[string]interface{}{
		"tool":       "echo",
		"parameters": map[string]interface{}{},
	}, token)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "text", body["param"])

	resp, _ = env.postJSON(t, "/execute", map[string]interface{}{"tool": "ghost"}, token)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleChat_RejectsMalformedBody(t *testing.T) {
	env := newServerEnv(t)

	resp, _ := env.postJSON(t, "/chat", map[string]interface{}{"bogus_field": 1}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.postJSON(t, "/chat", map[string]interface{}{"message": ""}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleSearch_NotImplementedWithoutVectorStore(t *testing.T) {
	env := newServerEnv(t)
	token := env.peerToken(t, "mail")

	resp, _ := env.postJSON(t, "/search", map[string]interface{}{
		"collection": "docs", "query": "anything",
	}, token)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestHandleDashboard(t *testing.T) {
	env := newServerEnv(t)
	_, err := env.nodes.Register(node.Description{Slug: "mail", BaseURL: "http://mail"})
	require.NoError(t, err)

	resp, body := env.get(t, "/dashboard", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "master", body["node"])

	views := body["nodes"].([]interface{})
	require.Len(t, views, 1)
	view := views[0].(map[string]interface{})
	assert.Equal(t, "mail", view["slug"])
	assert.Equal(t, "closed", view["breaker"])
}

func TestHandleCollections(t *testing.T) {
	env := newServerEnv(t)

	resp, body := env.get(t, "/collections", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cols := body["collections"].(map[string]interface{})
	local := cols["master"].([]interface{})
	require.Len(t, local, 1)
	assert.Equal(t, "docs", local[0].(map[string]interface{})["name"])
}
