package template

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// EvalError is the structured error the caller surfaces as a step's
// failure with kind template_error (domain.ErrTemplate) — this package
// stays free of any import on internal/domain so it can be unit tested
// with zero dependencies; the adapter at the call site attaches the kind.
type EvalError struct {
	Expr    string
	Message string
}

func (e *EvalError) Error() string { return fmt.Sprintf("template: %s: %s", e.Expr, e.Message) }

// Evaluate parses and evaluates a single expression (no surrounding
// `{{ }}`) against ctx, returning the typed result.
func Evaluate(expr string, ctx *Context) (any, error) {
	n, err := parseExpr(expr)
	if err != nil {
		return nil, &EvalError{Expr: expr, Message: err.Error()}
	}
	v, err := evalNode(n, ctx)
	if err != nil {
		return nil, &EvalError{Expr: expr, Message: err.Error()}
	}
	return v, nil
}

// EvaluateTemplated evaluates expr the way every other templated field in
// a playbook is written: either a whole-expression `{{ ... }}` span (the
// wrapper is stripped and the inner expression evaluated, preserving its
// native type, same as RenderString's single-expression case) or a bare
// expression with no braces at all. Callers that need a sequence,
// boolean, or other typed result from a field the spec documents as
// `{{ }}`-wrapped (a `when`, a `collection`) should use this instead of
// calling Evaluate directly, which only accepts the bare form.
func EvaluateTemplated(expr string, ctx *Context) (any, error) {
	if inner, ok := wholeExpr(expr); ok {
		expr = inner
	}
	return Evaluate(expr, ctx)
}

// EvaluateCondition evaluates expr for use in `when` routing, accepting
// either a bare expression or a whole-expression `{{ ... }}` span via
// EvaluateTemplated. A missing name anywhere in the expression resolves
// the whole condition to false rather than failing, per the component
// design's routing-robustness rule. Any other evaluation error (type
// mismatch, parse error) is still surfaced as a template_error.
func EvaluateCondition(expr string, ctx *Context) (bool, error) {
	v, err := EvaluateTemplated(expr, ctx)
	if err != nil {
		var evalErr *EvalError
		if asEvalError(err, &evalErr) && containsMissing(evalErr.Message) {
			return false, nil
		}
		return false, err
	}
	if isMissingValue(v) {
		return false, nil
	}
	b, ok := toBool(v)
	if !ok {
		return false, &EvalError{Expr: expr, Message: "condition did not evaluate to a boolean"}
	}
	return b, nil
}

func asEvalError(err error, target **EvalError) bool {
	if ee, ok := err.(*EvalError); ok {
		*target = ee
		return true
	}
	return false
}

func containsMissing(msg string) bool { return strings.Contains(msg, "undefined name") }

func isMissingValue(v any) bool {
	_, ok := v.(Missing)
	return ok
}

func evalNode(n node, ctx *Context) (any, error) {
	switch t := n.(type) {
	case numberLit:
		return t.value, nil
	case stringLit:
		return t.value, nil
	case boolLit:
		return t.value, nil
	case nullLit:
		return nil, nil
	case identNode:
		v := ctx.Lookup(t.name)
		if m, ok := v.(Missing); ok {
			return nil, fmt.Errorf("undefined name %q", m.Name)
		}
		return v, nil
	case unaryNode:
		return evalUnary(t, ctx)
	case binaryNode:
		return evalBinary(t, ctx)
	case condNode:
		cond, err := evalNode(t.cond, ctx)
		if err != nil {
			return nil, err
		}
		b, ok := toBool(cond)
		if !ok {
			return nil, fmt.Errorf("conditional requires a boolean condition")
		}
		if b {
			return evalNode(t.then, ctx)
		}
		return evalNode(t.els, ctx)
	case attrNode:
		target, err := evalNode(t.target, ctx)
		if err != nil {
			return nil, err
		}
		return evalAttr(target, t.attr)
	case indexNode:
		target, err := evalNode(t.target, ctx)
		if err != nil {
			return nil, err
		}
		idx, err := evalNode(t.index, ctx)
		if err != nil {
			return nil, err
		}
		return evalIndex(target, idx)
	case filterNode:
		target, err := evalNode(t.target, ctx)
		if err != nil {
			// default(x) is the one filter meant to catch an undefined
			// upstream reference (a missing workload key, an unset
			// variable) rather than propagate it as a template_error —
			// every other filter still fails closed.
			if t.name == "default" && containsMissing(err.Error()) {
				target = nil
			} else {
				return nil, err
			}
		}
		args := make([]any, 0, len(t.args))
		for _, a := range t.args {
			v, err := evalNode(a, ctx)
			if err != nil {
				return nil, err
			}
			args = append(args, v)
		}
		return applyFilter(t.name, target, args)
	default:
		return nil, fmt.Errorf("unsupported expression node %T", n)
	}
}

func evalUnary(t unaryNode, ctx *Context) (any, error) {
	v, err := evalNode(t.expr, ctx)
	if err != nil {
		return nil, err
	}
	switch t.op {
	case "-":
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("unary '-' requires a numeric operand")
		}
		return -f, nil
	case "not":
		b, ok := toBool(v)
		if !ok {
			return nil, fmt.Errorf("'not' requires a boolean operand")
		}
		return !b, nil
	}
	return nil, fmt.Errorf("unsupported unary operator %q", t.op)
}

func evalBinary(t binaryNode, ctx *Context) (any, error) {
	switch t.op {
	case "and":
		l, err := evalNode(t.left, ctx)
		if err != nil {
			return nil, err
		}
		lb, ok := toBool(l)
		if !ok {
			return nil, fmt.Errorf("'and' requires boolean operands")
		}
		if !lb {
			return false, nil
		}
		r, err := evalNode(t.right, ctx)
		if err != nil {
			return nil, err
		}
		rb, ok := toBool(r)
		if !ok {
			return nil, fmt.Errorf("'and' requires boolean operands")
		}
		return rb, nil
	case "or":
		l, err := evalNode(t.left, ctx)
		if err != nil {
			return nil, err
		}
		lb, ok := toBool(l)
		if !ok {
			return nil, fmt.Errorf("'or' requires boolean operands")
		}
		if lb {
			return true, nil
		}
		r, err := evalNode(t.right, ctx)
		if err != nil {
			return nil, err
		}
		rb, ok := toBool(r)
		if !ok {
			return nil, fmt.Errorf("'or' requires boolean operands")
		}
		return rb, nil
	}

	l, err := evalNode(t.left, ctx)
	if err != nil {
		return nil, err
	}
	r, err := evalNode(t.right, ctx)
	if err != nil {
		return nil, err
	}

	switch t.op {
	case "==":
		return equalValues(l, r), nil
	case "!=":
		return !equalValues(l, r), nil
	case "<", "<=", ">", ">=":
		lf, lok := toFloat(l)
		rf, rok := toFloat(r)
		if !lok || !rok {
			return nil, fmt.Errorf("comparison %q requires numeric operands", t.op)
		}
		switch t.op {
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		}
	case "+":
		if ls, ok := l.(string); ok {
			rs, ok := r.(string)
			if !ok {
				return nil, fmt.Errorf("'+' between string and non-string is not supported")
			}
			return ls + rs, nil
		}
		lf, lok := toFloat(l)
		rf, rok := toFloat(r)
		if !lok || !rok {
			return nil, fmt.Errorf("'+' requires numeric or string operands")
		}
		return lf + rf, nil
	case "-", "*", "/", "%":
		lf, lok := toFloat(l)
		rf, rok := toFloat(r)
		if !lok || !rok {
			return nil, fmt.Errorf("%q requires numeric operands", t.op)
		}
		switch t.op {
		case "-":
			return lf - rf, nil
		case "*":
			return lf * rf, nil
		case "/":
			if rf == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return lf / rf, nil
		case "%":
			if rf == 0 {
				return nil, fmt.Errorf("modulo by zero")
			}
			return float64(int64(lf) % int64(rf)), nil
		}
	}
	return nil, fmt.Errorf("unsupported operator %q", t.op)
}

func evalAttr(target any, attr string) (any, error) {
	m, ok := target.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("cannot access attribute %q on non-record value", attr)
	}
	v, ok := m[attr]
	if !ok {
		return nil, fmt.Errorf("undefined name %q", attr)
	}
	return v, nil
}

func evalIndex(target, idx any) (any, error) {
	switch t := target.(type) {
	case []any:
		f, ok := toFloat(idx)
		if !ok {
			return nil, fmt.Errorf("sequence index must be numeric")
		}
		i := int(f)
		if i < 0 || i >= len(t) {
			return nil, fmt.Errorf("index %d out of range", i)
		}
		return t[i], nil
	case map[string]any:
		key, ok := idx.(string)
		if !ok {
			return nil, fmt.Errorf("mapping index must be a string")
		}
		v, ok := t[key]
		if !ok {
			return nil, fmt.Errorf("undefined name %q", key)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("value is not indexable")
	}
}

func equalValues(l, r any) bool {
	lf, lok := toFloat(l)
	rf, rok := toFloat(r)
	if lok && rok {
		return lf == rf
	}
	ls, lok := l.(string)
	rs, rok := r.(string)
	if lok && rok {
		return ls == rs
	}
	lb, lok := l.(bool)
	rb, rok := r.(bool)
	if lok && rok {
		return lb == rb
	}
	if l == nil && r == nil {
		return true
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func applyFilter(name string, target any, args []any) (any, error) {
	switch name {
	case "default":
		if target == nil {
			if len(args) == 1 {
				return args[0], nil
			}
			return nil, nil
		}
		return target, nil
	case "int":
		f, ok := toFloat(target)
		if ok {
			return float64(int64(f)), nil
		}
		if s, ok := target.(string); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, fmt.Errorf("cannot convert %q to int", s)
			}
			return float64(int64(f)), nil
		}
		return nil, fmt.Errorf("cannot convert value to int")
	case "float":
		f, ok := toFloat(target)
		if ok {
			return f, nil
		}
		if s, ok := target.(string); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, fmt.Errorf("cannot convert %q to float", s)
			}
			return f, nil
		}
		return nil, fmt.Errorf("cannot convert value to float")
	case "string":
		return stringify(target), nil
	case "length":
		switch t := target.(type) {
		case string:
			return float64(len([]rune(t))), nil
		case []any:
			return float64(len(t)), nil
		case map[string]any:
			return float64(len(t)), nil
		}
		return nil, fmt.Errorf("length requires a string, sequence, or mapping")
	case "tojson":
		raw, err := json.Marshal(target)
		if err != nil {
			return nil, fmt.Errorf("tojson: %w", err)
		}
		return string(raw), nil
	case "fromjson":
		s, ok := target.(string)
		if !ok {
			return nil, fmt.Errorf("fromjson requires a string")
		}
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, fmt.Errorf("fromjson: %w", err)
		}
		return normalizeJSON(v), nil
	case "lower":
		s, ok := target.(string)
		if !ok {
			return nil, fmt.Errorf("lower requires a string")
		}
		return strings.ToLower(s), nil
	case "upper":
		s, ok := target.(string)
		if !ok {
			return nil, fmt.Errorf("upper requires a string")
		}
		return strings.ToUpper(s), nil
	case "trim":
		s, ok := target.(string)
		if !ok {
			return nil, fmt.Errorf("trim requires a string")
		}
		return strings.TrimSpace(s), nil
	case "join":
		seq, ok := target.([]any)
		if !ok {
			return nil, fmt.Errorf("join requires a sequence")
		}
		sep := ","
		if len(args) == 1 {
			s, ok := args[0].(string)
			if !ok {
				return nil, fmt.Errorf("join separator must be a string")
			}
			sep = s
		}
		parts := make([]string, 0, len(seq))
		for _, v := range seq {
			parts = append(parts, stringify(v))
		}
		return strings.Join(parts, sep), nil
	case "split":
		s, ok := target.(string)
		if !ok {
			return nil, fmt.Errorf("split requires a string")
		}
		sep := ","
		if len(args) == 1 {
			a, ok := args[0].(string)
			if !ok {
				return nil, fmt.Errorf("split separator must be a string")
			}
			sep = a
		}
		parts := strings.Split(s, sep)
		out := make([]any, 0, len(parts))
		for _, p := range parts {
			out = append(out, p)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown filter %q", name)
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		raw, _ := json.Marshal(v)
		return string(raw)
	}
}

// normalizeJSON rebuilds json.Unmarshal's map[string]interface{} and
// []interface{} output recursively, copying every nested map and slice,
// so nested fromjson results compose with the rest of this package's
// []any/map[string]any value model. Scalars pass through unchanged.
func normalizeJSON(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out[k] = normalizeJSON(t[k])
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeJSON(e)
		}
		return out
	default:
		return t
	}
}
