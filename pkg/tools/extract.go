package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/kadirpekel/agentmesh/pkg/llms"
)

// ExtractParams pulls tool parameters out of a free-text message with a
// single LLM call. Non-JSON output yields an empty map, never an error;
// missing required parameters surface later as a ValidationError.
func ExtractParams(ctx context.Context, llm llms.Provider, info ToolInfo, message string) (map[string]interface{}, error) {
	if len(info.Parameters) == 0 {
		return map[string]interface{}{}, nil
	}

	var b strings.Builder
	b.WriteString("Extract the parameters for the tool '")
	b.WriteString(info.Name)
	b.WriteString("' from the user message.\n\nExpected parameters:\n")
	for _, p := range info.Parameters {
		b.WriteString(fmt.Sprintf("- %s (%s", p.Name, p.Type))
		if p.Required {
			b.WriteString(", required")
		}
		b.WriteString(")")
		if p.Description != "" {
			b.WriteString(": ")
			b.WriteString(p.Description)
		}
		if len(p.Enum) > 0 {
			b.WriteString(" [one of: ")
			b.WriteString(strings.Join(p.Enum, ", "))
			b.WriteString("]")
		}
		b.WriteString("\n")
	}
	b.WriteString("\nUser message: ")
	b.WriteString(message)
	b.WriteString("\n\nRespond with a JSON object containing only the parameters present in the message. Omit parameters the message does not mention.")

	resp, err := llm.Generate(ctx, llms.GenerateRequest{
		Messages: []llms.Message{
			{Role: llms.RoleSystem, Content: "You extract structured tool parameters. Respond with JSON only."},
			{Role: llms.RoleUser, Content: b.String()},
		},
		ForceJSON: true,
	})
	if err != nil {
		return nil, fmt.Errorf("parameter extraction failed: %w", err)
	}

	params := map[string]interface{}{}
	if !llms.ExtractJSONObject(resp.Text, &params) {
		return map[string]interface{}{}, nil
	}
	return params, nil
}
