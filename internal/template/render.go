package template

import (
	"strings"
)

// RenderString renders tmpl against ctx. A template that is exactly one
// {{ expr }} (ignoring surrounding whitespace) preserves the expression's
// native type — so `{{ workload.count }}` used alone yields an integer,
// not its string form. Any other template is treated as plain text with
// {{ expr }} spans interpolated and stringified in place.
func RenderString(tmpl string, ctx *Context) (any, error) {
	if expr, ok := wholeExpr(tmpl); ok {
		return Evaluate(expr, ctx)
	}
	var b strings.Builder
	rest := tmpl
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			b.WriteString(rest)
			break
		}
		end += start
		b.WriteString(rest[:start])
		expr := strings.TrimSpace(rest[start+2 : end])
		v, err := Evaluate(expr, ctx)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(v))
		rest = rest[end+2:]
	}
	return b.String(), nil
}

// wholeExpr reports whether tmpl, trimmed, is exactly one {{ ... }} span
// with nothing before or after it.
func wholeExpr(tmpl string) (string, bool) {
	s := strings.TrimSpace(tmpl)
	if !strings.HasPrefix(s, "{{") || !strings.HasSuffix(s, "}}") {
		return "", false
	}
	inner := s[2 : len(s)-2]
	if strings.Contains(inner, "}}") {
		return "", false
	}
	return strings.TrimSpace(inner), true
}

// RenderAny recursively renders every string leaf of v (an args/config
// mapping produced by the YAML parser) against ctx, preserving map and
// slice shape. Non-string scalars pass through unchanged. This is what
// the Broker and Worker call on a step's args, save block, and inline
// action config.
func RenderAny(v any, ctx *Context) (any, error) {
	switch t := v.(type) {
	case string:
		return RenderString(t, ctx)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			rv, err := RenderAny(vv, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			rv, err := RenderAny(vv, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}
