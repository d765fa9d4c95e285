package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kadirpekel/agentmesh/pkg/node"
	"github.com/kadirpekel/agentmesh/pkg/transport"
)

// entry is one row of the flat dispatch table.
type entry struct {
	info ToolInfo
	tool Tool   // nil for remote tools
	node string // empty for local tools
}

// Dispatcher routes tool invocations to local handlers or peer nodes.
//
// The dispatch table concatenates the remote catalog and then the local
// registry, so a local tool always shadows a remote one of the same name.
type Dispatcher struct {
	local  *Registry
	remote RemoteCatalog
	fwd    *transport.Forwarder
	nodes  *node.Registry
}

// NewDispatcher wires the dispatcher. remote may be nil on isolated nodes.
func NewDispatcher(local *Registry, remote RemoteCatalog, fwd *transport.Forwarder, nodes *node.Registry) *Dispatcher {
	return &Dispatcher{
		local:  local,
		remote: remote,
		fwd:    fwd,
		nodes:  nodes,
	}
}

// Catalog returns every dispatchable tool, local descriptors shadowing
// remote ones on name collisions.
func (d *Dispatcher) Catalog(ctx context.Context) ([]ToolInfo, error) {
	table, err := d.table(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]ToolInfo, 0, len(table))
	for _, name := range sortedKeys(table) {
		infos = append(infos, table[name].info)
	}
	return infos, nil
}

// Resolve returns the tool descriptor plus its owning node slug (empty for
// local tools).
func (d *Dispatcher) Resolve(ctx context.Context, name string) (ToolInfo, string, error) {
	table, err := d.table(ctx)
	if err != nil {
		return ToolInfo{}, "", err
	}
	e, ok := table[name]
	if !ok {
		return ToolInfo{}, "", fmt.Errorf("tool %q is not registered", name)
	}
	return e.info, e.node, nil
}

// Execute validates params against the tool's schema and runs it, locally
// or through the owning node's /execute endpoint.
func (d *Dispatcher) Execute(ctx context.Context, name string, params map[string]interface{}, inbound http.Header) (ToolResult, error) {
	tracer := otel.Tracer("agentmesh.tools")
	ctx, span := tracer.Start(ctx, "tool.execute")
	span.SetAttributes(attribute.String("tool.name", name))
	defer span.End()

	table, err := d.table(ctx)
	if err != nil {
		return ToolResult{}, err
	}

	e, ok := table[name]
	if !ok {
		return ToolResult{}, &ToolFailure{Tool: name, Err: fmt.Errorf("not registered")}
	}

	if err := ValidateParams(e.info, params); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return ToolResult{}, err
	}

	start := time.Now()
	if e.tool != nil {
		result, err := e.tool.Execute(ctx, params)
		result.ToolName = name
		result.ExecutionTime = time.Since(start)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return result, &ToolFailure{Tool: name, Err: err}
		}
		span.SetStatus(codes.Ok, "")
		return result, nil
	}

	return d.executeRemote(ctx, e, params, inbound, start)
}

func (d *Dispatcher) executeRemote(ctx context.Context, e entry, params map[string]interface{},
	inbound http.Header, start time.Time) (ToolResult, error) {

	dest, err := d.nodes.GetBySlug(e.node)
	if err != nil {
		return ToolResult{}, &ToolFailure{Tool: e.info.Name, Err: err}
	}

	body := map[string]interface{}{
		"tool":       e.info.Name,
		"model":      e.info.Model,
		"parameters": params,
	}
	resp, err := d.fwd.Forward(ctx, dest, "/execute", body, inbound)
	if err != nil {
		return ToolResult{}, &ToolFailure{Tool: e.info.Name, Err: err}
	}
	if resp.Status != http.StatusOK {
		return ToolResult{}, &ToolFailure{
			Tool: e.info.Name,
			Err:  fmt.Errorf("node %s returned %d", e.node, resp.Status),
		}
	}

	var result ToolResult
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return ToolResult{}, &ToolFailure{Tool: e.info.Name, Err: err}
	}
	result.ToolName = e.info.Name
	result.ExecutionTime = time.Since(start)
	return result, nil
}

// table builds the flat name→entry dispatch map: remote catalog first,
// then the local registry so local tools win collisions.
func (d *Dispatcher) table(ctx context.Context) (map[string]entry, error) {
	table := make(map[string]entry)

	if d.remote != nil {
		remote, err := d.remote.RemoteTools(ctx)
		if err != nil {
			return nil, fmt.Errorf("remote tool discovery failed: %w", err)
		}
		for _, rt := range remote {
			table[rt.Info.Name] = entry{info: rt.Info, node: rt.Node}
		}
	}

	for _, t := range d.local.List() {
		info := t.GetInfo()
		table[info.Name] = entry{info: info, tool: t}
	}
	return table, nil
}

func sortedKeys(table map[string]entry) []string {
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ValidateParams checks params against the declared parameter schema:
// required presence, type conformance and enum membership.
func ValidateParams(info ToolInfo, params map[string]interface{}) error {
	declared := make(map[string]ToolParameter, len(info.Parameters))
	for _, p := range info.Parameters {
		declared[p.Name] = p
		if p.Required {
			if _, ok := params[p.Name]; !ok {
				return &ValidationError{Tool: info.Name, Param: p.Name, Message: "is required"}
			}
		}
	}

	for name, value := range params {
		p, ok := declared[name]
		if !ok {
			return &ValidationError{Tool: info.Name, Param: name, Message: "is not declared"}
		}
		if !typeMatches(p.Type, value) {
			return &ValidationError{
				Tool:    info.Name,
				Param:   name,
				Message: fmt.Sprintf("expected %s, got %T", p.Type, value),
			}
		}
		if len(p.Enum) > 0 {
			s, _ := value.(string)
			found := false
			for _, allowed := range p.Enum {
				if s == allowed {
					found = true
					break
				}
			}
			if !found {
				return &ValidationError{Tool: info.Name, Param: name, Message: "is not an allowed value"}
			}
		}
	}
	return nil
}

func typeMatches(declared string, value interface{}) bool {
	switch declared {
	case "string":
		_, ok := value.(string)
		return ok
	case "integer":
		switch v := value.(type) {
		case int, int64:
			return true
		case float64:
			return v == float64(int64(v))
		default:
			return false
		}
	case "number":
		switch value.(type) {
		case int, int64, float64:
			return true
		default:
			return false
		}
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	default:
		return true
	}
}
