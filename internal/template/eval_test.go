package template

import "testing"

func ctxFor(workload map[string]any) *Context {
	return NewContext(1, nil, nil, nil, workload)
}

func TestRenderStringWholeExpressionPreservesType(t *testing.T) {
	ctx := ctxFor(map[string]any{"count": 42})
	v, err := RenderString("{{ workload.count }}", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	n, ok := v.(int)
	if !ok || n != 42 {
		t.Fatalf("expected int 42, got %#v", v)
	}
}

func TestRenderStringInterpolatesIntoText(t *testing.T) {
	ctx := ctxFor(map[string]any{"name": "conduit"})
	v, err := RenderString("hello {{ workload.name }}!", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "hello conduit!" {
		t.Fatalf("unexpected render: %#v", v)
	}
}

func TestEvaluateComparisonAndBoolean(t *testing.T) {
	ctx := ctxFor(map[string]any{"x": 5})
	v, err := Evaluate("workload.x > 3 and workload.x < 10", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != true {
		t.Fatalf("expected true, got %#v", v)
	}
}

func TestEvaluateConditionalExpression(t *testing.T) {
	ctx := ctxFor(map[string]any{"x": 5})
	v, err := Evaluate(`"hot" if workload.x > 3 else "cold"`, ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "hot" {
		t.Fatalf("expected hot, got %#v", v)
	}
}

func TestEvaluateFilters(t *testing.T) {
	ctx := ctxFor(map[string]any{"name": "  Conduit  ", "items": []any{"a", "b", "c"}})
	cases := []struct {
		expr string
		want any
	}{
		{`workload.name | trim | lower`, "conduit"},
		{`workload.name | trim | upper`, "CONDUIT"},
		{`workload.items | length`, float64(3)},
		{`workload.items | join(",")`, "a,b,c"},
		{`"a,b,c" | split(",") | length`, float64(3)},
		{`workload.missing | default("fallback")`, "fallback"},
	}
	for _, c := range cases {
		v, err := Evaluate(c.expr, ctx)
		if err != nil {
			t.Fatalf("expr %q: unexpected error: %v", c.expr, err)
		}
		if v != c.want {
			t.Fatalf("expr %q: want %#v, got %#v", c.expr, c.want, v)
		}
	}
}

func TestEvaluateUnresolvedNameFailsClosed(t *testing.T) {
	ctx := ctxFor(nil)
	if _, err := Evaluate("workload.nope + 1", ctx); err == nil {
		t.Fatal("expected an error for an unresolved name used in arithmetic")
	}
}

func TestEvaluateConditionMissingNameIsFalseNotError(t *testing.T) {
	ctx := ctxFor(nil)
	ok, err := EvaluateCondition("workload.nope > 3", ctx)
	if err != nil {
		t.Fatalf("missing name in `when` must not error: %v", err)
	}
	if ok {
		t.Fatal("expected false for a condition over a missing variable")
	}
}

func TestContextLayerPrecedence(t *testing.T) {
	ctx := NewContext(7,
		map[string]any{"x": "local"},
		map[string]any{"x": "variable", "y": "variable-only"},
		map[string]any{"x": "step-result"},
		map[string]any{"x": "workload"},
	)
	if got := ctx.Lookup("x"); got != "local" {
		t.Fatalf("expected local layer to win, got %#v", got)
	}
	if got := ctx.Lookup("y"); got != "variable-only" {
		t.Fatalf("expected variable layer value, got %#v", got)
	}
	if got := ctx.Lookup("execution_id"); got != int64(7) {
		t.Fatalf("expected execution_id 7, got %#v", got)
	}
}

func TestWithReservedShadowsWithoutMutatingOriginal(t *testing.T) {
	ctx := ctxFor(map[string]any{"x": 1})
	withResult := ctx.WithReserved("result", map[string]any{"value": 42})

	v, err := Evaluate("result.value", withResult)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %#v", v)
	}

	if _, err := Evaluate("result", ctx); err == nil {
		t.Fatal("original context must not see the reserved binding")
	}
}

func TestRenderAnyPreservesShape(t *testing.T) {
	ctx := ctxFor(map[string]any{"x": 1})
	in := map[string]any{
		"a": "{{ workload.x }}",
		"b": []any{"{{ workload.x }}", "plain"},
		"c": 3.5,
	}
	out, err := RenderAny(in, ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := out.(map[string]any)
	if m["a"] != 1 {
		t.Fatalf("expected rendered int 1, got %#v", m["a"])
	}
	list := m["b"].([]any)
	if list[0] != 1 || list[1] != "plain" {
		t.Fatalf("unexpected list render: %#v", list)
	}
	if m["c"] != 3.5 {
		t.Fatalf("expected scalar passthrough, got %#v", m["c"])
	}
}
