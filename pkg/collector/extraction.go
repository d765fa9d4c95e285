package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kadirpekel/agentmesh/pkg/llms"
)

// ExtractFields runs the single per-turn extraction call. The prompt
// describes the already-collected map, the field currently being asked for,
// the full schema and the merge rules; the model must answer in strict
// JSON. Unparseable output means "no new fields extracted".
func ExtractFields(ctx context.Context, llm llms.Provider, d *Descriptor,
	collected map[string]interface{}, askingFor, message string) (map[string]interface{}, error) {

	collectedJSON, err := json.Marshal(collected)
	if err != nil {
		return nil, fmt.Errorf("failed to encode collected data: %w", err)
	}

	var b strings.Builder
	b.WriteString("You are collecting data for: ")
	b.WriteString(d.Goal)
	b.WriteString("\n\nField schema:\n")
	for _, f := range d.Fields {
		b.WriteString(fmt.Sprintf("- %s (%s", f.Name, f.Type))
		if f.Required {
			b.WriteString(", required")
		}
		b.WriteString(")")
		if f.Prompt != "" {
			b.WriteString(": ")
			b.WriteString(f.Prompt)
		}
		b.WriteString("\n")
	}

	b.WriteString("\nAlready collected: ")
	b.Write(collectedJSON)
	b.WriteString("\n")

	if askingFor != "" {
		b.WriteString("\nThe user was just asked for the field '")
		b.WriteString(askingFor)
		b.WriteString("'. Bias interpretation of the answer toward that field.\n")
	}

	b.WriteString(`
Merge rules: return only fields the message provides or corrects. For
array fields, return the items mentioned; items are merged by their
"name". To remove items, return them under "<field>_remove".

User message: `)
	b.WriteString(message)
	b.WriteString("\n\nRespond with a single JSON object of extracted fields. Return {} when the message provides nothing.")

	resp, err := llm.Generate(ctx, llms.GenerateRequest{
		Messages: []llms.Message{
			{Role: llms.RoleSystem, Content: "You extract structured fields from conversation. Respond with JSON only."},
			{Role: llms.RoleUser, Content: b.String()},
		},
		ForceJSON: true,
	})
	if err != nil {
		return nil, fmt.Errorf("field extraction failed: %w", err)
	}

	extracted := map[string]interface{}{}
	if !llms.ExtractJSONObject(resp.Text, &extracted) {
		// ExtractionFailure: treated as nothing extracted; the engine
		// re-prompts the user.
		return map[string]interface{}{}, nil
	}
	return extracted, nil
}

// Summary renders the collected data for the confirmation prompt.
func Summary(d *Descriptor, collected map[string]interface{}) string {
	var b strings.Builder
	b.WriteString("Here is what I have for ")
	b.WriteString(d.Goal)
	b.WriteString(":\n")
	for _, f := range d.Fields {
		v, ok := collected[f.Name]
		if !ok || isEmptyValue(v) {
			continue
		}
		encoded, err := json.Marshal(v)
		if err != nil {
			continue
		}
		b.WriteString(fmt.Sprintf("- %s: %s\n", f.Name, string(encoded)))
	}
	b.WriteString("Shall I proceed?")
	return b.String()
}
