package routing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kadirpekel/agentmesh/pkg/breaker"
	"github.com/kadirpekel/agentmesh/pkg/llms"
	"github.com/kadirpekel/agentmesh/pkg/node"
	"github.com/kadirpekel/agentmesh/pkg/session"
)

// PolicyOutcome is the routed-session policy's verdict on a follow-up.
type PolicyOutcome string

const (
	PolicyContinue PolicyOutcome = "continue"
	PolicyReRoute  PolicyOutcome = "re_route"
	PolicyLocal    PolicyOutcome = "local"
)

// PolicyResult carries the verdict plus the re-route target and an
// optional user-visible notice.
type PolicyResult struct {
	Outcome PolicyOutcome
	Slug    string
	Notice  string
}

// CollectionSource exposes the cluster-wide collection map so the policy
// can spot topic shifts. Satisfied by discovery.Service.
type CollectionSource interface {
	Collections(ctx context.Context) (map[string][]node.Collection, error)
}

// SessionPolicy decides whether a follow-up in a routed session stays on
// the current remote node, re-routes elsewhere, or falls back to local
// handling.
type SessionPolicy struct {
	llm         llms.Provider
	nodes       *node.Registry
	breakers    *breaker.Registry
	collections CollectionSource
	logger      *slog.Logger
}

// NewSessionPolicy builds the routed-session policy.
func NewSessionPolicy(llm llms.Provider, nodes *node.Registry, breakers *breaker.Registry,
	collections CollectionSource, logger *slog.Logger) *SessionPolicy {
	return &SessionPolicy{
		llm:         llm,
		nodes:       nodes,
		breakers:    breakers,
		collections: collections,
		logger:      logger,
	}
}

// Evaluate applies the deterministic rules first, then the LLM classifier.
func (p *SessionPolicy) Evaluate(ctx context.Context, sctx *session.Context, message string) (PolicyResult, error) {
	routed := sctx.RoutedTo
	if routed == nil {
		return PolicyResult{Outcome: PolicyLocal}, nil
	}

	active, err := p.nodes.GetBySlug(routed.Slug)
	if err != nil || active.Status != node.StatusActive {
		return PolicyResult{Outcome: PolicyLocal}, nil
	}

	// An open breaker means we cannot reach the node anyway; handle the
	// message locally and tell the user.
	if p.breakers.StateOf(routed.Slug) == breaker.StateOpen {
		return PolicyResult{
			Outcome: PolicyLocal,
			Notice:  fmt.Sprintf("I can't reach %s right now, so I'll handle this here.", active.Name),
		}, nil
	}

	if p.isTopicShift(ctx, active, message) {
		p.logger.Debug("topic shift detected",
			"session", sctx.ID, "routed_to", routed.Slug)
		return PolicyResult{Outcome: PolicyLocal}, nil
	}

	result, err := p.classify(ctx, sctx, active, message)
	if err != nil {
		// Classification failures keep the session where it is.
		p.logger.Warn("routed-session classification failed, continuing",
			"session", sctx.ID, "error", err)
		return PolicyResult{Outcome: PolicyContinue, Slug: routed.Slug}, nil
	}
	return result, nil
}

// isTopicShift checks the message's nouns against the cluster collection
// map: a collection some node owns that the active node does not declare
// pulls the conversation back local for re-routing.
func (p *SessionPolicy) isTopicShift(ctx context.Context, active *node.Node, message string) bool {
	if p.collections == nil {
		return false
	}
	all, err := p.collections.Collections(ctx)
	if err != nil {
		return false
	}

	activeOwns := make(map[string]bool)
	for _, c := range active.Caps.Collections {
		activeOwns[strings.ToLower(c.Name)] = true
		activeOwns[singular(strings.ToLower(c.Name))] = true
	}

	known := make(map[string]bool)
	for slug, cols := range all {
		if slug == active.Slug {
			continue
		}
		for _, c := range cols {
			known[strings.ToLower(c.Name)] = true
			known[singular(strings.ToLower(c.Name))] = true
		}
	}

	for _, word := range strings.Fields(strings.ToLower(message)) {
		word = strings.Trim(word, ".,!?\"'")
		if word == "" {
			continue
		}
		if (known[word] || known[singular(word)]) && !activeOwns[word] && !activeOwns[singular(word)] {
			return true
		}
	}
	return false
}

func (p *SessionPolicy) classify(ctx context.Context, sctx *session.Context, active *node.Node, message string) (PolicyResult, error) {
	var b strings.Builder
	b.WriteString("A conversation is currently routed to the node below. Decide whether the new message belongs to it.\n\n")
	b.WriteString("Active node:\n")
	b.WriteString(fmt.Sprintf("- %s: %s", active.Slug, active.Description))
	b.WriteString("\n\nOther nodes:\n")
	for _, n := range p.nodes.ListActive() {
		if n.Slug == active.Slug {
			continue
		}
		b.WriteString(fmt.Sprintf("- %s: %s\n", n.Slug, n.Description))
	}

	b.WriteString("\nRecent conversation:\n")
	for _, t := range sctx.LastTurns(6) {
		b.WriteString(fmt.Sprintf("%s: %s\n", t.Role, t.Content))
	}
	b.WriteString("\nNew message: ")
	b.WriteString(message)
	b.WriteString("\n\nAnswer with exactly one token: CONTINUE to stay on the active node, RE_ROUTE:<slug> to move to another node, or LOCAL to handle it here.")

	resp, err := p.llm.Generate(ctx, llms.GenerateRequest{
		Messages: []llms.Message{
			{Role: llms.RoleSystem, Content: "You classify conversation routing. Answer with a single token."},
			{Role: llms.RoleUser, Content: b.String()},
		},
	})
	if err != nil {
		return PolicyResult{}, err
	}

	result := ParsePolicyToken(resp.Text)
	switch result.Outcome {
	case PolicyContinue:
		result.Slug = active.Slug
	case PolicyReRoute:
		// Unknown re-route targets collapse to local.
		if target, err := p.nodes.GetBySlug(result.Slug); err != nil || target.Status != node.StatusActive {
			p.logger.Warn("re-route target unknown, falling back to local",
				"session", sctx.ID, "target", result.Slug)
			return PolicyResult{Outcome: PolicyLocal}, nil
		}
	}
	return result, nil
}

// ParsePolicyToken reads the classifier's answer. Unknown tokens fall back
// to CONTINUE, which is safer than dropping session state.
func ParsePolicyToken(text string) PolicyResult {
	upper := strings.ToUpper(text)
	if idx := strings.Index(upper, "RE_ROUTE:"); idx >= 0 {
		rest := text[idx+len("RE_ROUTE:"):]
		slug := rest
		if cut := strings.IndexAny(rest, " \t\r\n.,"); cut >= 0 {
			slug = rest[:cut]
		}
		slug = strings.ToLower(strings.TrimSpace(slug))
		if slug != "" {
			return PolicyResult{Outcome: PolicyReRoute, Slug: slug}
		}
	}
	if strings.Contains(upper, "LOCAL") {
		return PolicyResult{Outcome: PolicyLocal}
	}
	return PolicyResult{Outcome: PolicyContinue}
}

// singular mirrors the registry's naive plural folding so collection
// matching behaves the same on both paths.
func singular(s string) string {
	switch {
	case strings.HasSuffix(s, "ies"):
		return strings.TrimSuffix(s, "ies") + "y"
	case strings.HasSuffix(s, "es"):
		return strings.TrimSuffix(s, "es")
	case strings.HasSuffix(s, "s"):
		return strings.TrimSuffix(s, "s")
	}
	return s
}
