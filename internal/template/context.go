package template

// Context is a typed layered context: an ordered list of immutable
// mappings, highest precedence first. Lookup is first-hit: a name bound
// in an earlier layer shadows the same name in a later one. This
// replaces the ad-hoc dynamic-dispatch context merging the engine's
// original templating relied on.
type Context struct {
	layers      []map[string]any
	executionID int64
}

// NewContext builds the four-layer context the component design
// specifies, highest precedence first: local step bindings, extracted
// variables, previous step results (indexed by step name), workload.
func NewContext(executionID int64, local, variables, stepResults, workload map[string]any) *Context {
	return &Context{
		executionID: executionID,
		layers: []map[string]any{
			nonNil(local),
			nonNil(variables),
			nonNil(stepResults),
			nonNil(workload),
		},
	}
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// Missing is the sentinel value returned for an unresolved top-level
// name. The evaluator turns it into an "undefined name" error as soon as
// an identifier resolves to it instead of propagating a Go nil, so a
// missing name in arithmetic or comparison is a structured
// template_error rather than a silent zero value — except
// in `when` routing, where the Broker treats it as false per §4.7.
type Missing struct{ Name string }

// Lookup resolves name against the layered context, honoring
// precedence, plus the reserved top-level names "execution_id" and
// "workload" (the whole workload layer as one mapping, so
// `workload.count` resolves as well as a bare `count`).
func (c *Context) Lookup(name string) any {
	if name == "execution_id" {
		return c.executionID
	}
	if name == "workload" && len(c.layers) > 0 {
		return c.layers[len(c.layers)-1]
	}
	for _, layer := range c.layers {
		if v, ok := layer[name]; ok {
			return v
		}
	}
	return Missing{Name: name}
}

// WithReserved returns a copy of c with an additional highest-precedence
// layer binding a single reserved name (e.g. "result" inside a vars
// block, "this" inside a save block). The original context is untouched.
func (c *Context) WithReserved(name string, value any) *Context {
	cp := &Context{executionID: c.executionID, layers: make([]map[string]any, 0, len(c.layers)+1)}
	cp.layers = append(cp.layers, map[string]any{name: value})
	cp.layers = append(cp.layers, c.layers...)
	return cp
}
