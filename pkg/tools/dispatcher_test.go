package tools

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTool struct {
	info   ToolInfo
	result ToolResult
	err    error
	calls  int
}

func (t *fakeTool) GetInfo() ToolInfo { return t.info }

func (t *fakeTool) Execute(_ context.Context, args map[string]interface{}) (ToolResult, error) {
	t.calls++
	return t.result, t.err
}

type staticCatalog struct {
	tools []RemoteTool
	err   error
}

func (c *staticCatalog) RemoteTools(context.Context) ([]RemoteTool, error) {
	return c.tools, c.err
}

func sendEmailTool() *fakeTool {
	return &fakeTool{
		info: ToolInfo{
			Name:        "send_email",
			Description: "Send an email.",
			Parameters: []ToolParameter{
				{Name: "to", Type: "string", Required: true},
				{Name: "subject", Type: "string", Required: true},
				{Name: "priority", Type: "string", Enum: []string{"low", "normal", "high"}},
			},
		},
		result: ToolResult{Success: true, Content: "sent"},
	}
}

func TestRegistry_RegisterTool(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterTool(sendEmailTool()))

	assert.Error(t, r.RegisterTool(sendEmailTool()), "duplicate names rejected")
	assert.Error(t, r.RegisterTool(&fakeTool{}), "nameless tools rejected")

	infos := r.Infos()
	require.Len(t, infos, 1)
	assert.Equal(t, "send_email", infos[0].Name)
}

func TestDispatcher_LocalExecution(t *testing.T) {
	local := NewRegistry()
	tool := sendEmailTool()
	require.NoError(t, local.RegisterTool(tool))

	d := NewDispatcher(local, nil, nil, nil)
	res, err := d.Execute(context.Background(), "send_email",
		map[string]interface{}{"to": "a@b.c", "subject": "hi"}, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "send_email", res.ToolName)
	assert.Equal(t, 1, tool.calls)
}

func TestDispatcher_LocalShadowsRemote(t *testing.T) {
	local := NewRegistry()
	tool := sendEmailTool()
	require.NoError(t, local.RegisterTool(tool))

	remote := &staticCatalog{tools: []RemoteTool{
		{Info: ToolInfo{Name: "send_email", Description: "remote variant"}, Node: "mail"},
		{Info: ToolInfo{Name: "create_invoice"}, Node: "billing"},
	}}

	d := NewDispatcher(local, remote, nil, nil)

	info, owner, err := d.Resolve(context.Background(), "send_email")
	require.NoError(t, err)
	assert.Empty(t, owner, "the local tool wins the name collision")
	assert.Equal(t, "Send an email.", info.Description)

	_, owner, err = d.Resolve(context.Background(), "create_invoice")
	require.NoError(t, err)
	assert.Equal(t, "billing", owner)

	catalog, err := d.Catalog(context.Background())
	require.NoError(t, err)
	require.Len(t, catalog, 2)
	assert.Equal(t, "create_invoice", catalog[0].Name, "catalog is name-sorted")
}

func TestDispatcher_UnknownTool(t *testing.T) {
	d := NewDispatcher(NewRegistry(), nil, nil, nil)

	_, _, err := d.Resolve(context.Background(), "ghost")
	assert.Error(t, err)

	_, err = d.Execute(context.Background(), "ghost", nil, nil)
	var failure *ToolFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "ghost", failure.Tool)
}

func TestDispatcher_ValidationRunsBeforeExecution(t *testing.T) {
	local := NewRegistry()
	tool := sendEmailTool()
	require.NoError(t, local.RegisterTool(tool))

	d := NewDispatcher(local, nil, nil, nil)
	_, err := d.Execute(context.Background(), "send_email",
		map[string]interface{}{"to": "a@b.c"}, nil)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "subject", verr.Param)
	assert.Equal(t, 0, tool.calls, "invalid calls never reach the tool")
}

func TestDispatcher_ExecutionErrorWrapped(t *testing.T) {
	local := NewRegistry()
	tool := sendEmailTool()
	tool.err = fmt.Errorf("smtp down")
	require.NoError(t, local.RegisterTool(tool))

	d := NewDispatcher(local, nil, nil, nil)
	_, err := d.Execute(context.Background(), "send_email",
		map[string]interface{}{"to": "a@b.c", "subject": "hi"}, nil)

	var failure *ToolFailure
	require.ErrorAs(t, err, &failure)
	assert.ErrorContains(t, failure, "smtp down")
}

func TestDispatcher_RemoteCatalogErrorPropagates(t *testing.T) {
	d := NewDispatcher(NewRegistry(), &staticCatalog{err: fmt.Errorf("digest expired")}, nil, nil)

	_, err := d.Catalog(context.Background())
	assert.ErrorContains(t, err, "digest expired")
}

func TestValidateParams(t *testing.T) {
	info := ToolInfo{
		Name: "t",
		Parameters: []ToolParameter{
			{Name: "name", Type: "string", Required: true},
			{Name: "count", Type: "integer"},
			{Name: "ratio", Type: "number"},
			{Name: "force", Type: "boolean"},
			{Name: "tags", Type: "array"},
			{Name: "meta", Type: "object"},
			{Name: "level", Type: "string", Enum: []string{"low", "high"}},
		},
	}

	tests := []struct {
		name      string
		params    map[string]interface{}
		wantParam string
	}{
		{"all valid", map[string]interface{}{
			"name": "x", "count": float64(3), "ratio": 1.5, "force": true,
			"tags": []interface{}{"a"}, "meta": map[string]interface{}{}, "level": "low",
		}, ""},
		{"missing required", map[string]interface{}{}, "name"},
		{"undeclared param", map[string]interface{}{"name": "x", "bogus": 1}, "bogus"},
		{"wrong type", map[string]interface{}{"name": 42}, "name"},
		{"fractional integer", map[string]interface{}{"name": "x", "count": 3.5}, "count"},
		{"whole float as integer", map[string]interface{}{"name": "x", "count": 3.0}, ""},
		{"enum violation", map[string]interface{}{"name": "x", "level": "medium"}, "level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateParams(info, tt.params)
			if tt.wantParam == "" {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantParam, verr.Param)
		})
	}
}
