package llms

import (
	"encoding/json"
	"strings"
)

// ExtractJSONObject pulls the first JSON object out of a model response and
// unmarshals it into v. Models wrap JSON in prose or code fences often
// enough that callers must not rely on the raw text being valid JSON.
//
// Returns false when no parseable object is present; callers treat that as
// "no information extracted", never as a hard failure.
func ExtractJSONObject(text string, v interface{}) bool {
	text = stripCodeFences(text)

	start := strings.IndexByte(text, '{')
	if start < 0 {
		return false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return json.Unmarshal([]byte(text[start:i+1]), v) == nil
			}
		}
	}
	return false
}

func stripCodeFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}
