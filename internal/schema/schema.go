// Package schema is the extraction-schema boundary: it hands raw
// heterogeneous payloads to the LLM service with a fixed output schema and
// shape-validates what comes back into canonical opportunities.
package schema

import (
	"encoding/json"
	"time"

	"github.com/grantflow/harvest-cli/internal/model"
	"github.com/grantflow/harvest-cli/internal/opportunity"
	"github.com/grantflow/harvest-cli/internal/resilience"
)

// OutputSchema is the fixed JSON Schema every extraction response must
// satisfy. The model is instructed to emit exactly this shape; Decode
// enforces it.
const OutputSchema = `{
  "type": "object",
  "required": ["externalId", "title"],
  "properties": {
    "externalId":   {"type": "string", "description": "the source's own identifier for this record"},
    "title":        {"type": "string"},
    "description":  {"type": "string"},
    "status":       {"type": "string", "description": "lifecycle status, e.g. forecasted/open/closed"},
    "minimumAward": {"type": ["number", "string", "null"]},
    "maximumAward": {"type": ["number", "string", "null"]},
    "totalFunding": {"type": ["number", "string", "null"]},
    "openDate":     {"type": ["string", "null"], "description": "ISO 8601 date"},
    "closeDate":    {"type": ["string", "null"], "description": "ISO 8601 date"},
    "eligibility":  {"type": "array", "items": {"type": "string"}},
    "categories":   {"type": "array", "items": {"type": "string"}},
    "isNational":   {"type": "boolean"},
    "url":          {"type": ["string", "null"]}
  },
  "additionalProperties": false
}`

// Decode shape-validates one extraction response against the output schema
// and coerces it into a canonical opportunity. Every failure is a
// non-retryable validation error naming the offending field.
func Decode(raw map[string]any, sourceID, rawResponseID string) (*model.Opportunity, error) {
	externalID, err := requireString(raw, "externalId")
	if err != nil {
		return nil, err
	}
	title, err := requireString(raw, "title")
	if err != nil {
		return nil, err
	}

	opp := &model.Opportunity{
		SourceID:      sourceID,
		ExternalID:    externalID,
		Title:         title,
		RawResponseID: rawResponseID,
	}

	if v, ok := raw["description"]; ok {
		opp.Description, err = optionalString(v, "description")
		if err != nil {
			return nil, err
		}
	}
	if v, ok := raw["status"]; ok {
		opp.Status, err = optionalString(v, "status")
		if err != nil {
			return nil, err
		}
	}
	if v, ok := raw["url"]; ok {
		opp.URL, err = optionalString(v, "url")
		if err != nil {
			return nil, err
		}
	}

	if opp.MinimumAward, err = money(raw, "minimumAward"); err != nil {
		return nil, err
	}
	if opp.MaximumAward, err = money(raw, "maximumAward"); err != nil {
		return nil, err
	}
	if opp.TotalFunding, err = money(raw, "totalFunding"); err != nil {
		return nil, err
	}
	if opp.OpenDate, err = date(raw, "openDate"); err != nil {
		return nil, err
	}
	if opp.CloseDate, err = date(raw, "closeDate"); err != nil {
		return nil, err
	}
	if opp.Eligibility, err = stringList(raw, "eligibility"); err != nil {
		return nil, err
	}
	if opp.Categories, err = stringList(raw, "categories"); err != nil {
		return nil, err
	}

	if v, ok := raw["isNational"]; ok && v != nil {
		b, isBool := v.(bool)
		if !isBool {
			return nil, fieldErr("isNational", "expected boolean", v)
		}
		opp.IsNational = b
	}

	return opp, nil
}

func fieldErr(field, msg string, value any) *resilience.PipelineError {
	return resilience.NewValidation("extraction response failed schema validation: "+field+": "+msg, nil).
		WithContext("field", field).
		WithContext("value", value)
}

func requireString(raw map[string]any, field string) (string, error) {
	v, ok := raw[field]
	if !ok || v == nil {
		return "", fieldErr(field, "missing required field", nil)
	}
	s, err := coerceString(v, field)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", fieldErr(field, "missing required field", v)
	}
	return s, nil
}

func optionalString(v any, field string) (string, error) {
	if v == nil {
		return "", nil
	}
	return coerceString(v, field)
}

func coerceString(v any, field string) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case float64:
		// Numeric external ids are common; re-render without float noise.
		b, _ := json.Marshal(t)
		return string(b), nil
	case json.Number:
		return t.String(), nil
	default:
		return "", fieldErr(field, "expected string", v)
	}
}

func money(raw map[string]any, field string) (*float64, error) {
	v, ok := raw[field]
	if !ok {
		return nil, nil
	}
	amount, err := opportunity.ParseMoney(v)
	if err != nil {
		return nil, fieldErr(field, "unparseable amount", v)
	}
	return amount, nil
}

func date(raw map[string]any, field string) (*time.Time, error) {
	v, ok := raw[field]
	if !ok {
		return nil, nil
	}
	t, err := opportunity.ParseDate(v)
	if err != nil {
		return nil, fieldErr(field, "unparseable date", v)
	}
	return t, nil
}

func stringList(raw map[string]any, field string) ([]string, error) {
	v, ok := raw[field]
	if !ok || v == nil {
		return nil, nil
	}
	items, isList := v.([]any)
	if !isList {
		return nil, fieldErr(field, "expected array of strings", v)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, isString := item.(string)
		if !isString {
			return nil, fieldErr(field, "expected array of strings", item)
		}
		out = append(out, s)
	}
	return out, nil
}
