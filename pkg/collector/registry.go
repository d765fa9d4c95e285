package collector

import (
	"fmt"

	"github.com/kadirpekel/agentmesh/pkg/registry"
)

// Registration binds a descriptor to its local completion action.
type Registration struct {
	Descriptor Descriptor
	Complete   CompletionFunc
}

// Registry holds the collectors this node implements.
type Registry struct {
	*registry.BaseRegistry[*Registration]
}

// NewRegistry creates an empty collector registry.
func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[*Registration]()}
}

// Add validates and registers a collector declaration.
func (r *Registry) Add(d Descriptor, complete CompletionFunc) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("invalid collector: %w", err)
	}
	for _, f := range d.Fields {
		if f.ChildFlow == d.Name {
			return fmt.Errorf("collector %s declares itself as a child flow", d.Name)
		}
	}
	return r.Register(d.Name, &Registration{Descriptor: d, Complete: complete})
}

// Descriptors returns all local descriptors, name-sorted.
func (r *Registry) Descriptors() []Descriptor {
	regs := r.List()
	out := make([]Descriptor, 0, len(regs))
	for _, reg := range regs {
		out = append(out, reg.Descriptor)
	}
	return out
}
