package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTurnLog(t *testing.T) {
	c := NewContext("s1", "caller")

	c.AppendUser("hello")
	c.AppendAssistant("hi there", map[string]interface{}{"strategy": "conversational"})
	c.AppendUser("show my invoices")

	require.Len(t, c.Turns, 3)
	assert.Equal(t, RoleUser, c.Turns[0].Role)
	assert.Equal(t, RoleAssistant, c.Turns[1].Role)
	assert.Equal(t, "conversational", c.Turns[1].Meta["strategy"])

	last := c.LastTurns(2)
	require.Len(t, last, 2)
	assert.Equal(t, "hi there", last[0].Content)
	assert.Equal(t, "show my invoices", last[1].Content)

	assert.Len(t, c.LastTurns(10), 3, "n larger than the log returns everything")
	assert.Len(t, c.LastTurns(0), 3)
}

func TestLastAssistant(t *testing.T) {
	c := NewContext("s1", "")
	assert.Nil(t, c.LastAssistant())

	c.AppendUser("hello")
	assert.Nil(t, c.LastAssistant())

	c.AppendAssistant("first", nil)
	c.AppendUser("more")
	c.AppendAssistant("second", nil)
	c.AppendUser("even more")

	require.NotNil(t, c.LastAssistant())
	assert.Equal(t, "second", c.LastAssistant().Content)
}

func TestScratchpad(t *testing.T) {
	c := NewContext("s1", "")

	c.Set("selected_entity_id", "inv-7")
	v, ok := c.Get("selected_entity_id")
	assert.True(t, ok)
	assert.Equal(t, "inv-7", v)

	c.Forget("selected_entity_id")
	_, ok = c.Get("selected_entity_id")
	assert.False(t, ok)

	// Set works on a context deserialized with a nil scratchpad.
	c.Scratch = nil
	c.Set("k", 1)
	v, ok = c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestWorkflowStack(t *testing.T) {
	c := NewContext("s1", "")

	_, ok := c.PopFrame()
	assert.False(t, ok)

	c.PushFrame(Frame{Workflow: "create_order", Step: "collect:customer_id", Field: "customer_id"})
	c.PushFrame(Frame{Workflow: "create_customer", Step: "collect:name"})

	f, ok := c.PopFrame()
	require.True(t, ok)
	assert.Equal(t, "create_customer", f.Workflow)

	f, ok = c.PopFrame()
	require.True(t, ok)
	assert.Equal(t, "create_order", f.Workflow)
	assert.Equal(t, "customer_id", f.Field)

	_, ok = c.PopFrame()
	assert.False(t, ok)
}

func TestClearWorkflow(t *testing.T) {
	c := NewContext("s1", "")
	c.Collector = &ActiveCollector{Name: "create_order", State: "collecting"}
	c.Collected["customer"] = "ACME"
	c.PushFrame(Frame{Workflow: "create_order"})

	c.ClearWorkflow()

	assert.Nil(t, c.Collector)
	assert.Empty(t, c.Collected)
	assert.Empty(t, c.Stack)
}

func TestSetEntityList(t *testing.T) {
	c := NewContext("s1", "")
	c.SetEntityList([]string{"e1", "e2", "e3"}, "email")

	require.NotNil(t, c.Entities)
	assert.Equal(t, []string{"e1", "e2", "e3"}, c.Entities.IDs)
	assert.Equal(t, "email", c.Entities.Type)
	assert.Equal(t, 3, c.Entities.End)
}
