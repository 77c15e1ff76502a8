package broker

import (
	"github.com/conduitrun/conduit/internal/domain"
	"github.com/conduitrun/conduit/internal/playbook"
	"github.com/conduitrun/conduit/internal/template"
)

// ReadyTarget is one step the Broker has decided to start: either the
// playbook's required start step, or a step named by a firing outbound
// edge from some other now-terminal step. Pure and DB-free so the
// scheduling decision is unit-testable (§9 "Event-driven control flow").
type ReadyTarget struct {
	Name string
	Args map[string]any
}

// VarsToEmit is one step's pending `vars` block extraction (§4.7).
type VarsToEmit struct {
	StepName string
	Values   map[string]any
}

// SaveToEmit is one step's pending `save` block (§4.7): a synthetic
// downstream storage action, rendered against the reserved `this.data`
// binding.
type SaveToEmit struct {
	StepName    string
	StorageType string
	Args        map[string]any
}

// stepContext builds the four-layer Template Engine context for
// evaluating step's own routing/vars/save, with step's local bindings
// as the highest-precedence layer.
func stepContext(pb *playbook.Playbook, snap *Snapshot, local map[string]any) *template.Context {
	return template.NewContext(snap.ExecutionID, local, snap.VariablesContext(), snap.StepResultsContext(), pb.Workload)
}

// ReadyTargets computes every step that should transition pending ->
// started on this scheduling pass: the start step (once execution_start
// has been observed) plus every step named by a firing outbound edge
// from an already-terminal step. A step already non-pending is never
// re-added, which is what keeps repeated Schedule passes idempotent
// without needing a separate "routes evaluated" marker event.
func ReadyTargets(pb *playbook.Playbook, snap *Snapshot) []ReadyTarget {
	var out []ReadyTarget
	seen := map[string]bool{}

	add := func(name string, args map[string]any) {
		if seen[name] {
			return
		}
		if ss, ok := snap.Steps[name]; ok && ss.Status != StepPending {
			return
		}
		seen[name] = true
		out = append(out, ReadyTarget{Name: name, Args: args})
	}

	if snap.Status == domain.ExecutionRunning || snap.Status == domain.ExecutionPending {
		if _, ok := pb.Workflow["start"]; ok {
			if startStarted(snap) {
				// already started; nothing to do
			} else if snap.Status == domain.ExecutionRunning {
				add("start", map[string]any{})
			}
		}
	}

	for name, ss := range snap.Steps {
		if !ss.Status.Terminal() {
			continue
		}
		step, ok := pb.Workflow[name]
		if !ok {
			continue
		}
		targets := fireEdges(pb, snap, step, ss)
		for _, t := range targets {
			add(t.Name, t.Args)
		}
	}
	return out
}

func startStarted(snap *Snapshot) bool {
	ss, ok := snap.Steps["start"]
	return ok && ss.Status != StepPending
}

type firedEdge struct {
	Name string
	Args map[string]any
}

// fireEdges evaluates step's case/next edges against its own terminal
// state, applying the interaction rule this specification pins down:
// case edges are tried in order and the first whose `when` is true
// fires its `then` list exclusively; only when no case edge matches
// does an unconditional (or matching conditional) next edge fall back.
// A missing variable in `when` resolves the condition to false rather
// than erroring (§4.7).
func fireEdges(pb *playbook.Playbook, snap *Snapshot, step playbook.Step, ss *StepState) []firedEdge {
	ctx := stepContext(pb, snap, ss.Args)

	for _, edge := range step.Case {
		fire, ok := edgeFires(edge, ctx)
		if !ok {
			continue
		}
		if fire {
			return targetsOf(edge)
		}
	}

	var out []firedEdge
	for _, edge := range step.Next {
		fire, ok := edgeFires(edge, ctx)
		if !ok {
			continue
		}
		if fire {
			out = append(out, targetsOf(edge)...)
		}
	}
	return out
}

// edgeFires reports whether edge should be considered at all (ok) and,
// if so, whether its condition holds. An edge with no `when` is always
// considered and always fires (unconditional).
func edgeFires(edge playbook.Edge, ctx *template.Context) (fire bool, ok bool) {
	if edge.When == "" {
		return true, true
	}
	v, err := template.EvaluateCondition(edge.When, ctx)
	if err != nil {
		return false, false
	}
	return v, true
}

func targetsOf(edge playbook.Edge) []firedEdge {
	var names []string
	if len(edge.Then) > 0 {
		names = edge.Then
	} else if edge.Step != "" {
		names = []string{edge.Step}
	}
	out := make([]firedEdge, 0, len(names))
	for _, n := range names {
		out = append(out, firedEdge{Name: n, Args: edge.Args})
	}
	return out
}

// PendingVars returns every terminal step with an unfired `vars` block.
func PendingVars(pb *playbook.Playbook, snap *Snapshot) []VarsToEmit {
	var out []VarsToEmit
	for name, ss := range snap.Steps {
		if !ss.Status.Terminal() || ss.VarsEmitted {
			continue
		}
		step, ok := pb.Workflow[name]
		if !ok || len(step.Vars) == 0 {
			continue
		}
		ctx := stepContext(pb, snap, ss.Args).WithReserved("result", ss.Result)
		values := map[string]any{}
		for key, expr := range step.Vars {
			v, err := template.RenderString(expr, ctx)
			if err != nil {
				continue // best-effort: a bad vars expression doesn't retro-fail a completed step
			}
			values[key] = v
		}
		if len(values) > 0 {
			out = append(out, VarsToEmit{StepName: name, Values: values})
		}
	}
	return out
}

// PendingSaves returns every terminal step with an unfired `save` block.
func PendingSaves(pb *playbook.Playbook, snap *Snapshot) []SaveToEmit {
	var out []SaveToEmit
	for name, ss := range snap.Steps {
		if !ss.Status.Terminal() || ss.SaveEmitted {
			continue
		}
		step, ok := pb.Workflow[name]
		if !ok || step.Save == nil {
			continue
		}
		ctx := stepContext(pb, snap, ss.Args).WithReserved("this", map[string]any{"data": ss.Result})
		rendered, err := template.RenderAny(step.Save.Args, ctx)
		if err != nil {
			continue
		}
		args, _ := rendered.(map[string]any)
		out = append(out, SaveToEmit{StepName: name, StorageType: step.Save.StorageType, Args: args})
	}
	return out
}

// ShouldComplete reports whether the `end` step has completed, at which
// point the execution itself completes (§4.7 Termination). Parse does
// not require an `end` step; a playbook without one never completes
// this way.
func ShouldComplete(snap *Snapshot) bool {
	ss, ok := snap.Steps["end"]
	return ok && ss.Status == StepCompleted
}

// UnhandledFailure reports the first terminally-failed step that has no
// firing outbound edge (including no error route) — the condition under
// which the whole execution fails (§4.7 Termination, §7 Execution-level).
func UnhandledFailure(pb *playbook.Playbook, snap *Snapshot) (string, *domain.EventError, bool) {
	for name, ss := range snap.Steps {
		if ss.Status != StepFailed {
			continue
		}
		step, ok := pb.Workflow[name]
		if !ok {
			continue
		}
		if len(fireEdges(pb, snap, step, ss)) > 0 {
			continue
		}
		return name, ss.Error, true
	}
	return "", nil, false
}
