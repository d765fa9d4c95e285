package llms

import (
	"fmt"

	"github.com/kadirpekel/agentmesh/pkg/config"
	"github.com/kadirpekel/agentmesh/pkg/registry"
)

// LLMRegistry holds the configured providers by name.
type LLMRegistry struct {
	*registry.BaseRegistry[Provider]
}

// NewLLMRegistry builds providers for every config entry.
func NewLLMRegistry(cfg config.LLMConfig) (*LLMRegistry, error) {
	r := &LLMRegistry{BaseRegistry: registry.NewBaseRegistry[Provider]()}

	for name, pc := range cfg.Providers {
		var provider Provider
		switch pc.Type {
		case "openai":
			provider = NewOpenAIProvider(name, pc)
		case "anthropic":
			provider = NewAnthropicProvider(name, pc)
		default:
			return nil, fmt.Errorf("unsupported llm provider type '%s'", pc.Type)
		}
		if err := r.Register(name, provider); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Resolve returns the named provider, falling back to def when name is
// empty. Unknown names are an error rather than a silent fallback.
func (r *LLMRegistry) Resolve(name, def string) (Provider, error) {
	if name == "" {
		name = def
	}
	p, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("llm provider '%s' is not configured", name)
	}
	return p, nil
}
