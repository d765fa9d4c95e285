package tools

import (
	"fmt"

	"github.com/kadirpekel/agentmesh/pkg/registry"
)

// Registry holds the locally implemented tools.
type Registry struct {
	*registry.BaseRegistry[Tool]
}

// NewRegistry creates an empty local tool registry.
func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Tool]()}
}

// RegisterTool adds a local tool under its declared name.
func (r *Registry) RegisterTool(t Tool) error {
	info := t.GetInfo()
	if info.Name == "" {
		return fmt.Errorf("tool declares no name")
	}
	return r.Register(info.Name, t)
}

// Infos returns the declared ToolInfo of every local tool, name-sorted.
func (r *Registry) Infos() []ToolInfo {
	list := r.List()
	infos := make([]ToolInfo, 0, len(list))
	for _, t := range list {
		infos = append(infos, t.GetInfo())
	}
	return infos
}
