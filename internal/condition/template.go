package condition

import (
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Interpolate returns a deep copy of params with {{field.path}} placeholders in
// string values replaced from data. Unresolved placeholders stay verbatim.
func Interpolate(params map[string]any, data map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = interpolateValue(v, data)
	}
	return out
}

// InterpolateString resolves placeholders in a single string.
func InterpolateString(s string, data map[string]any) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		path := placeholderRe.FindStringSubmatch(m)[1]
		v, ok := Resolve(data, path)
		if !ok {
			return m
		}
		return stringify(v)
	})
}

func interpolateValue(v any, data map[string]any) any {
	switch t := v.(type) {
	case string:
		return InterpolateString(t, data)
	case map[string]any:
		return Interpolate(t, data)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = interpolateValue(item, data)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, item := range t {
			out[i] = InterpolateString(item, data)
		}
		return out
	}
	return v
}
