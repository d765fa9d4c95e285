// Package collector implements the multi-turn data-collection engine: a
// field-driven state machine that extracts values from free-text user
// turns via the LLM, asks for what is still missing, nests child
// collectors through the session's workflow stack, and hands the completed
// data to a registered completion action.
package collector

import (
	"context"
	"fmt"
)

// Field types.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldInteger FieldType = "integer"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldArray   FieldType = "array"
	FieldObject  FieldType = "object"
)

// Field defines one collectable value.
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`

	// Prompt is the human question asked when the field is missing.
	Prompt string `json:"prompt"`

	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`

	// ChildFlow names a collector that resolves this field to an entity id
	// via a nested sub-flow.
	ChildFlow string `json:"child_flow,omitempty"`
}

// Descriptor declares a collector. Local collectors have a CompletionFunc
// registered alongside; remote ones carry the owning node's slug.
type Descriptor struct {
	Name        string   `json:"name"`
	Goal        string   `json:"goal"`
	Description string   `json:"description,omitempty"`
	Fields      []Field  `json:"fields"`
	Triggers    []string `json:"triggers,omitempty"`
	Completion  string   `json:"completion,omitempty"`

	// Node is empty for local collectors.
	Node string `json:"node,omitempty"`
}

// Validate checks structural constraints on a descriptor.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("collector name is required")
	}
	if len(d.Fields) == 0 {
		return fmt.Errorf("collector %s declares no fields", d.Name)
	}
	seen := make(map[string]bool, len(d.Fields))
	for _, f := range d.Fields {
		if f.Name == "" {
			return fmt.Errorf("collector %s has a field without a name", d.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("collector %s declares field %s twice", d.Name, f.Name)
		}
		seen[f.Name] = true
		switch f.Type {
		case FieldString, FieldInteger, FieldNumber, FieldBoolean, FieldArray, FieldObject:
		default:
			return fmt.Errorf("collector %s field %s has unknown type %q", d.Name, f.Name, f.Type)
		}
	}
	return nil
}

// MissingRequired returns the first required field, in declaration order,
// that has no value in data. nil when all required fields are present.
func (d *Descriptor) MissingRequired(data map[string]interface{}) *Field {
	for i := range d.Fields {
		f := &d.Fields[i]
		if !f.Required {
			continue
		}
		if v, ok := data[f.Name]; !ok || isEmptyValue(v) {
			return f
		}
	}
	return nil
}

// FieldByName returns the named field definition.
func (d *Descriptor) FieldByName(name string) *Field {
	for i := range d.Fields {
		if d.Fields[i].Name == name {
			return &d.Fields[i]
		}
	}
	return nil
}

// CompletionFunc executes a local collector's completion action over the
// collected data and returns the created entity's id plus a user-facing
// confirmation text.
type CompletionFunc func(ctx context.Context, data map[string]interface{}) (entityID, text string, err error)

func isEmptyValue(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []interface{}:
		return len(t) == 0
	case map[string]interface{}:
		return len(t) == 0
	default:
		return false
	}
}
