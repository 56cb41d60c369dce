package schema

import (
	"encoding/json"
	"strings"

	"github.com/grantflow/harvest-cli/internal/resilience"
)

// ParseObject pulls a single JSON object out of model output. Models wrap
// payloads in markdown fences or lead with prose often enough that a strict
// json.Unmarshal on the whole text is not enough, so we locate the outermost
// braces after stripping any fence.
func ParseObject(text string) (map[string]any, error) {
	cleaned := stripFence(text)

	start := strings.IndexByte(cleaned, '{')
	end := strings.LastIndexByte(cleaned, '}')
	if start == -1 || end == -1 || end < start {
		return nil, resilience.NewValidation("schema: no JSON object in model output", nil).
			WithContext("snippet", snippet(text))
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &obj); err != nil {
		return nil, resilience.NewValidation("schema: malformed JSON in model output", err).
			WithContext("snippet", snippet(text))
	}
	return obj, nil
}

func stripFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.LastIndex(trimmed, "```"); idx != -1 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}

func snippet(text string) string {
	const max = 200
	text = strings.TrimSpace(text)
	if len(text) <= max {
		return text
	}
	return text[:max]
}
