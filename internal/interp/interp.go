// Package interp substitutes {{dotted.path}} placeholders in strings
// and config objects using an execution's variable context.
package interp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Interpolate replaces every {{a.b.c}} occurrence in template with the
// dotted-path lookup into vars. An unresolved path leaves the
// placeholder text unchanged so partially bound templates stay visible
// in logs. Resolved non-string values are stringified inline.
func Interpolate(template string, vars map[string]any) string {
	if !strings.Contains(template, "{{") {
		return template
	}

	var out strings.Builder
	out.Grow(len(template))

	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "{{")
		if idx == -1 {
			out.WriteString(template[i:])
			break
		}

		out.WriteString(template[i : i+idx])
		start := i + idx + 2 // skip "{{"

		end := strings.Index(template[start:], "}}")
		if end == -1 {
			// Unclosed marker, keep the rest verbatim.
			out.WriteString(template[i+idx:])
			break
		}
		end += start

		path := strings.TrimSpace(template[start:end])
		val, ok := Lookup(path, vars)
		if path == "" || !ok {
			out.WriteString(template[i+idx : end+2])
		} else {
			out.WriteString(stringify(val))
		}

		i = end + 2 // skip "}}"
	}

	return out.String()
}

// InterpolateValue walks maps and slices, applying Interpolate to every
// string leaf. Non-string leaves are returned untouched.
func InterpolateValue(v any, vars map[string]any) any {
	switch t := v.(type) {
	case string:
		return Interpolate(t, vars)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = InterpolateValue(val, vars)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = InterpolateValue(val, vars)
		}
		return out
	default:
		return v
	}
}

// InterpolateStringMap applies Interpolate to every value of a string
// map, used for webhook headers and output mappings.
func InterpolateStringMap(m map[string]string, vars map[string]any) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = Interpolate(v, vars)
	}
	return out
}

// Lookup navigates into nested maps using a dot-delimited path.
// A direct key match wins over traversal, so keys containing dots
// remain addressable.
func Lookup(path string, vars map[string]any) (any, bool) {
	if vars == nil || path == "" {
		return nil, false
	}
	if val, ok := vars[path]; ok {
		return val, true
	}

	current := any(vars)
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, false
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// stringify converts a resolved value into its inline text form.
// Complex values embed as compact JSON.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
