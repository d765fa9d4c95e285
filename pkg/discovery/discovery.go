// Package discovery enumerates the cluster's capabilities: local tools,
// collectors and collections merged with every active peer's advertised
// catalog, cached with a TTL and invalidated on node status changes.
//
// It also renders the routing digest: the compact, deterministic text
// summary of all active nodes that primes the routing LLM. Determinism
// matters because identical digests let the provider cache the prompt.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/agentmesh/pkg/collector"
	"github.com/kadirpekel/agentmesh/pkg/node"
	"github.com/kadirpekel/agentmesh/pkg/tools"
	"github.com/kadirpekel/agentmesh/pkg/transport"
)

// Catalog is a node's full capability set.
type Catalog struct {
	Tools       []tools.ToolInfo       `json:"tools,omitempty"`
	Collectors  []collector.Descriptor `json:"collectors,omitempty"`
	Collections []node.Collection      `json:"collections,omitempty"`
	Domains     []string               `json:"domains,omitempty"`
	Version     string                 `json:"version,omitempty"`
}

// LocalSource supplies this node's own catalog. The orchestration root
// implements it over the local tool and collector registries.
type LocalSource interface {
	LocalCatalog() Catalog
}

// Service discovers and caches cluster capabilities.
type Service struct {
	self   string
	local  LocalSource
	nodes  *node.Registry
	fwd    *transport.Forwarder
	logger *slog.Logger

	ttl       time.Duration
	digestTTL time.Duration
	timeout   time.Duration // per-peer enumeration deadline

	mu           sync.RWMutex
	remote       map[string]Catalog // slug → catalog
	remoteExpiry time.Time
	digest       string
	digestExpiry time.Time
}

// NewService wires discovery. It registers itself for node status changes
// so the cache never serves a catalog for a node that just went dark.
// timeout bounds each peer enumeration; a slow peer falls back to its
// registered capabilities instead of stalling the refresh.
func NewService(self string, local LocalSource, nodes *node.Registry,
	fwd *transport.Forwarder, ttl, digestTTL, timeout time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		self:      self,
		local:     local,
		nodes:     nodes,
		fwd:       fwd,
		ttl:       ttl,
		digestTTL: digestTTL,
		timeout:   timeout,
		logger:    logger,
		remote:    make(map[string]Catalog),
	}
	nodes.OnStatusChange(func(string, node.Status) { s.Invalidate() })
	return s
}

// Invalidate drops all cached catalogs and the digest.
func (s *Service) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteExpiry = time.Time{}
	s.digestExpiry = time.Time{}
}

// Tools returns the local tool catalog.
func (s *Service) Tools() []tools.ToolInfo {
	return s.local.LocalCatalog().Tools
}

// RemoteTools implements tools.RemoteCatalog.
func (s *Service) RemoteTools(ctx context.Context) ([]tools.RemoteTool, error) {
	catalogs, err := s.remoteCatalogs(ctx)
	if err != nil {
		return nil, err
	}

	var out []tools.RemoteTool
	for slug, cat := range catalogs {
		for _, info := range cat.Tools {
			out = append(out, tools.RemoteTool{Info: info, Node: slug})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Node != out[j].Node {
			return out[i].Node < out[j].Node
		}
		return out[i].Info.Name < out[j].Info.Name
	})
	return out, nil
}

// Collectors enumerates collector descriptors; remote ones carry their
// source node slug.
func (s *Service) Collectors(ctx context.Context, includeRemote bool) ([]collector.Descriptor, error) {
	out := append([]collector.Descriptor(nil), s.local.LocalCatalog().Collectors...)
	if includeRemote {
		catalogs, err := s.remoteCatalogs(ctx)
		if err != nil {
			return nil, err
		}
		for slug, cat := range catalogs {
			for _, d := range cat.Collectors {
				d.Node = slug
				out = append(out, d)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Collections enumerates all searchable collections with their owners.
func (s *Service) Collections(ctx context.Context) (map[string][]node.Collection, error) {
	result := map[string][]node.Collection{
		s.self: s.local.LocalCatalog().Collections,
	}
	catalogs, err := s.remoteCatalogs(ctx)
	if err != nil {
		return nil, err
	}
	for slug, cat := range catalogs {
		result[slug] = cat.Collections
	}
	return result, nil
}

// RoutingDigest renders the deterministic per-node summary used by the
// decision engine's prompt. Byte-identical output for identical registry
// state is a hard guarantee.
func (s *Service) RoutingDigest(ctx context.Context) (string, error) {
	s.mu.RLock()
	if s.digest != "" && time.Now().Before(s.digestExpiry) {
		d := s.digest
		s.mu.RUnlock()
		return d, nil
	}
	s.mu.RUnlock()

	catalogs, err := s.remoteCatalogs(ctx)
	if err != nil {
		return "", err
	}

	entries := make([]digestEntry, 0, len(catalogs)+1)
	localCat := s.local.LocalCatalog()
	entries = append(entries, digestEntry{
		slug:        s.self + " (local)",
		sortKey:     s.self,
		description: "this node",
		domains:     localCat.Domains,
		collections: collectionNames(localCat.Collections),
	})

	for slug, cat := range catalogs {
		n, err := s.nodes.GetBySlug(slug)
		description := ""
		if err == nil {
			description = n.Description
		}
		entries = append(entries, digestEntry{
			slug:        slug,
			sortKey:     slug,
			description: description,
			domains:     cat.Domains,
			collections: collectionNames(cat.Collections),
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].sortKey < entries[j].sortKey })

	var b strings.Builder
	for _, e := range entries {
		b.WriteString("- ")
		b.WriteString(e.slug)
		b.WriteString(": ")
		b.WriteString(e.description)
		if len(e.domains) > 0 {
			sorted := append([]string(nil), e.domains...)
			sort.Strings(sorted)
			b.WriteString(" | domains: ")
			b.WriteString(strings.Join(sorted, ", "))
		}
		if len(e.collections) > 0 {
			b.WriteString(" | collections: ")
			b.WriteString(strings.Join(e.collections, ", "))
		}
		b.WriteString("\n")
	}
	digest := b.String()

	s.mu.Lock()
	s.digest = digest
	s.digestExpiry = time.Now().Add(s.digestTTL)
	s.mu.Unlock()

	return digest, nil
}

type digestEntry struct {
	slug        string
	sortKey     string
	description string
	domains     []string
	collections []string
}

// remoteCatalogs returns the cached merged remote catalogs, refreshing
// from every active peer when the TTL expired. Unreachable peers are
// skipped rather than failing the whole refresh.
func (s *Service) remoteCatalogs(ctx context.Context) (map[string]Catalog, error) {
	s.mu.RLock()
	if time.Now().Before(s.remoteExpiry) {
		cached := s.remote
		s.mu.RUnlock()
		return cached, nil
	}
	s.mu.RUnlock()

	fresh := make(map[string]Catalog)
	for _, n := range s.nodes.ListActive() {
		if n.Slug == s.self {
			continue
		}
		cat, err := s.fetchCatalog(ctx, n)
		if err != nil {
			s.logger.Warn("capability fetch failed", "node", n.Slug, "error", err)
			// Fall back to the capabilities declared at registration.
			cat = Catalog{
				Collectors:  n.Caps.Collectors,
				Collections: n.Caps.Collections,
				Domains:     n.Caps.Domains,
				Tools:       toolInfos(n.Caps.Tools),
			}
		}
		fresh[n.Slug] = cat
	}

	s.mu.Lock()
	s.remote = fresh
	s.remoteExpiry = time.Now().Add(s.ttl)
	s.mu.Unlock()

	return fresh, nil
}

func (s *Service) fetchCatalog(ctx context.Context, n *node.Node) (Catalog, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	resp, err := s.fwd.Forward(ctx, n, "/capabilities", nil, http.Header{})
	if err != nil {
		return Catalog{}, err
	}
	if resp.Status != http.StatusOK {
		return Catalog{}, fmt.Errorf("capabilities returned %d", resp.Status)
	}

	var cat Catalog
	if err := json.Unmarshal(resp.Body, &cat); err != nil {
		return Catalog{}, fmt.Errorf("failed to decode capabilities: %w", err)
	}
	return cat, nil
}

func collectionNames(cols []node.Collection) []string {
	names := make([]string, 0, len(cols))
	for _, c := range cols {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}

func toolInfos(names []string) []tools.ToolInfo {
	out := make([]tools.ToolInfo, 0, len(names))
	for _, name := range names {
		out = append(out, tools.ToolInfo{Name: name})
	}
	return out
}
