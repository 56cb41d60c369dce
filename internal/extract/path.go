package extract

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Lookup walks a dotted path through nested maps, e.g. "data.results"
// against {"data":{"results":[...]}}. An empty path returns v itself.
// External APIs return arbitrary shapes, so a missing or mistyped segment
// reports false rather than panicking.
func Lookup(v any, path string) (any, bool) {
	if path == "" {
		return v, true
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// ItemsAt extracts the record array at path. A single object is wrapped as
// a one-element slice, since some APIs return a bare object for a
// single-result query. Non-object array elements are dropped.
func ItemsAt(v any, path string) []map[string]any {
	node, ok := Lookup(v, path)
	if !ok || node == nil {
		return nil
	}
	switch t := node.(type) {
	case []any:
		items := make([]map[string]any, 0, len(t))
		for _, el := range t {
			if m, ok := el.(map[string]any); ok {
				items = append(items, m)
			}
		}
		return items
	case map[string]any:
		return []map[string]any{t}
	default:
		return nil
	}
}

// IntAt reads an integer at path, coercing the numeric spellings JSON
// decoding produces.
func IntAt(v any, path string) (int, bool) {
	node, ok := Lookup(v, path)
	if !ok {
		return 0, false
	}
	switch t := node.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// StringAt reads a string at path, coercing numbers so numeric external
// ids survive the trip through JSON.
func StringAt(v any, path string) (string, bool) {
	node, ok := Lookup(v, path)
	if !ok || node == nil {
		return "", false
	}
	switch t := node.(type) {
	case string:
		return t, t != ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}
