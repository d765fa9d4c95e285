// Package transport moves requests between nodes: an authenticated
// forwarder wrapping every outbound peer call with the rate limiter, the
// connection pool and the circuit breaker, plus the HTTP middleware shared
// by the server.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kadirpekel/agentmesh/pkg/auth"
	"github.com/kadirpekel/agentmesh/pkg/breaker"
	"github.com/kadirpekel/agentmesh/pkg/node"
	"github.com/kadirpekel/agentmesh/pkg/ratelimit"
)

// Forwarded header names.
const (
	HeaderCallerToken   = "X-Caller-Token"
	HeaderForwardedFrom = "X-Forwarded-From-Node"
	HeaderTraceID       = "X-Trace-Id"
	HeaderLocale        = "Accept-Language"
)

// forwardableHeaders is the whitelist; everything else on the inbound
// request (cookies, host, content-length) is dropped.
var forwardableHeaders = []string{
	HeaderCallerToken,
	HeaderForwardedFrom,
	HeaderTraceID,
	HeaderLocale,
}

// Response is the raw result of a forwarded call.
type Response struct {
	Status int
	Body   []byte
	Header http.Header
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v interface{}) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode peer response: %w", err)
	}
	return nil
}

// Forwarder issues authenticated calls to peer nodes.
type Forwarder struct {
	self     string
	nodes    *node.Registry
	pool     *ConnPool
	creds    *auth.Pool
	breakers *breaker.Registry
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
}

// NewForwarder wires the forwarder. self is this node's slug, stamped into
// the forwarded-from header on every call.
func NewForwarder(self string, nodes *node.Registry, pool *ConnPool, creds *auth.Pool,
	breakers *breaker.Registry, limiter *ratelimit.Limiter, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		self:     self,
		nodes:    nodes,
		pool:     pool,
		creds:    creds,
		breakers: breakers,
		limiter:  limiter,
		logger:   logger,
	}
}

// Forward POSTs body to path on the destination node. GET is used when
// body is nil and path starts with "GET ".
//
// Failure accounting: network errors and 5xx responses count against the
// node's breaker and are returned as TransientPeerError; 4xx responses are
// propagated verbatim without tripping the breaker. A 401 triggers one
// transparent credential refresh and retry.
func (f *Forwarder) Forward(ctx context.Context, dest *node.Node, path string, body interface{}, inbound http.Header) (*Response, error) {
	tracer := otel.Tracer("agentmesh.transport")
	ctx, span := tracer.Start(ctx, "node.forward")
	span.SetAttributes(
		attribute.String("mesh.node", dest.Slug),
		attribute.String("mesh.path", path),
	)
	defer span.End()

	if err := f.limiter.Acquire(ctx, dest.Slug); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	br := f.breakers.For(dest.Slug)
	if err := br.Allow(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	client, release, err := f.pool.Acquire(ctx, dest.Slug)
	if err != nil {
		br.Failure()
		return nil, &TransientPeerError{Slug: dest.Slug, Err: err}
	}
	defer release()

	releaseConn := dest.AcquireConn()
	defer releaseConn()

	start := time.Now()
	resp, err := f.doWithAuth(ctx, client, dest, path, body, inbound)
	latency := time.Since(start)

	switch {
	case err != nil:
		br.Failure()
		f.recordSample(dest.Slug, latency, false)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	case resp.Status >= 500:
		br.Failure()
		f.recordSample(dest.Slug, latency, false)
		span.SetStatus(codes.Error, http.StatusText(resp.Status))
		return nil, &TransientPeerError{Slug: dest.Slug, Status: resp.Status}
	default:
		// 2xx, 3xx and 4xx all mean the node is reachable and healthy.
		br.Success()
		f.recordSample(dest.Slug, latency, true)
		span.SetStatus(codes.Ok, "")
		return resp, nil
	}
}

// Ping issues the health probe used by fleet monitoring.
func (f *Forwarder) Ping(ctx context.Context, dest *node.Node) error {
	client, release, err := f.pool.Acquire(ctx, dest.Slug)
	if err != nil {
		return err
	}
	defer release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dest.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	start := time.Now()
	resp, err := client.Do(req)
	success := err == nil && resp.StatusCode < 500
	if resp != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
	}

	_ = f.nodes.UpdateHealth(dest.Slug, node.Sample{
		Latency: time.Since(start),
		Success: success,
		Ping:    true,
	})

	if !success {
		if err != nil {
			return &TransientPeerError{Slug: dest.Slug, Err: err}
		}
		return &TransientPeerError{Slug: dest.Slug, Status: resp.StatusCode}
	}
	return nil
}

func (f *Forwarder) doWithAuth(ctx context.Context, client *http.Client, dest *node.Node,
	path string, body interface{}, inbound http.Header) (*Response, error) {

	resp, err := f.doOnce(ctx, client, dest, path, body, inbound)
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusUnauthorized {
		return resp, nil
	}

	// One transparent refresh, then surface the auth failure. The pooled
	// client is dropped with the credential: connections are bound to the
	// credential they were opened under, so the next caller gets a client
	// minted for the fresh one. The retry keeps the client it already holds.
	f.creds.Invalidate(dest.Slug)
	f.pool.Invalidate(dest.Slug)
	resp, err = f.doOnce(ctx, client, dest, path, body, inbound)
	if err != nil {
		return nil, err
	}
	if resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden {
		return nil, &AuthError{Slug: dest.Slug, Status: resp.Status}
	}
	return resp, nil
}

func (f *Forwarder) doOnce(ctx context.Context, client *http.Client, dest *node.Node,
	path string, body interface{}, inbound http.Header) (*Response, error) {

	token, err := f.creds.Token(ctx, dest.Slug, dest.BaseURL)
	if err != nil {
		return nil, &TransientPeerError{Slug: dest.Slug, Err: err}
	}

	method := http.MethodPost
	if body == nil {
		method = http.MethodGet
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal forward body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	url := dest.BaseURL + "/" + strings.TrimPrefix(path, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create forward request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(HeaderForwardedFrom, f.self)

	for _, name := range forwardableHeaders {
		if name == HeaderForwardedFrom {
			continue // always ours, never relayed
		}
		if v := inbound.Get(name); v != "" {
			req.Header.Set(name, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &TransientPeerError{Slug: dest.Slug, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientPeerError{Slug: dest.Slug, Err: err}
	}

	f.logger.Debug("forwarded request",
		"node", dest.Slug,
		"path", path,
		"status", resp.StatusCode)

	return &Response{Status: resp.StatusCode, Body: raw, Header: resp.Header}, nil
}

func (f *Forwarder) recordSample(slug string, latency time.Duration, success bool) {
	_ = f.nodes.UpdateHealth(slug, node.Sample{Latency: latency, Success: success})
}

