package broker

import (
	"testing"

	"github.com/conduitrun/conduit/internal/domain"
	"github.com/conduitrun/conduit/internal/playbook"
)

func mustParse(t *testing.T, text string) *playbook.Playbook {
	t.Helper()
	pb, err := playbook.Parse(text)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return pb
}

func intp(i int) *int { return &i }

// TestReadyTargetsConditionalRouting exercises end-to-end scenario 2
// from the spec: s1 produces {x: 5}; one edge fires for x > 3, the
// other (x <= 3) must never fire.
func TestReadyTargetsConditionalRouting(t *testing.T) {
	pb := mustParse(t, `
apiVersion: v1
kind: Playbook
metadata: {name: cond, path: cond}
workflow:
  - step: start
    tool: noop
    next: [{step: s1}]
  - step: s1
    tool: noop
    case:
      - when: "{{ s1.x > 3 }}"
        then: [s_hot]
      - when: "{{ s1.x <= 3 }}"
        then: [s_cold]
  - step: s_hot
    tool: noop
    next: [{step: end}]
  - step: s_cold
    tool: noop
    next: [{step: end}]
  - step: end
    tool: noop
`)

	snap := newSnapshot(1)
	snap.Status = domain.ExecutionRunning
	snap.Steps["start"] = &StepState{Name: "start", Status: StepCompleted}
	snap.Steps["s1"] = &StepState{Name: "s1", Status: StepCompleted, Result: map[string]any{"x": 5}}

	targets := ReadyTargets(pb, snap)
	names := map[string]bool{}
	for _, tg := range targets {
		names[tg.Name] = true
	}
	if !names["s_hot"] {
		t.Fatal("expected s_hot to be ready")
	}
	if names["s_cold"] {
		t.Fatal("s_cold must never fire when s1.x > 3")
	}
}

// TestReadyTargetsCaseFallsBackToNext checks that an unconditional next
// edge only fires once no case edge matched.
func TestReadyTargetsCaseFallsBackToNext(t *testing.T) {
	pb := mustParse(t, `
apiVersion: v1
kind: Playbook
metadata: {name: fb, path: fb}
workflow:
  - step: start
    tool: noop
    case:
      - when: "{{ workload.flag }}"
        then: [s_special]
    next: [{step: s_default}]
  - step: s_special
    tool: noop
    next: [{step: end}]
  - step: s_default
    tool: noop
    next: [{step: end}]
  - step: end
    tool: noop
`)
	pb.Workload = map[string]any{"flag": false}

	snap := newSnapshot(1)
	snap.Status = domain.ExecutionRunning
	snap.Steps["start"] = &StepState{Name: "start", Status: StepCompleted}

	targets := ReadyTargets(pb, snap)
	if len(targets) != 1 || targets[0].Name != "s_default" {
		t.Fatalf("expected only s_default to fire, got %#v", targets)
	}
}

func TestUnhandledFailureRequiresNoFiringEdge(t *testing.T) {
	pb := mustParse(t, `
apiVersion: v1
kind: Playbook
metadata: {name: fail, path: fail}
workflow:
  - step: start
    tool: noop
    next: [{step: s1}]
  - step: s1
    tool: noop
  - step: end
    tool: noop
`)
	snap := newSnapshot(1)
	snap.Steps["s1"] = &StepState{
		Name:   "s1",
		Status: StepFailed,
		Error:  &domain.EventError{Kind: domain.ErrAction, Message: "boom"},
	}

	name, errOut, ok := UnhandledFailure(pb, snap)
	if !ok || name != "s1" || errOut.Message != "boom" {
		t.Fatalf("expected s1 to be the unhandled failure, got %q %v %v", name, errOut, ok)
	}
}

func TestUnhandledFailureHonorsErrorRoute(t *testing.T) {
	pb := mustParse(t, `
apiVersion: v1
kind: Playbook
metadata: {name: fail2, path: fail2}
workflow:
  - step: start
    tool: noop
    next: [{step: s1}]
  - step: s1
    tool: noop
    case:
      - when: "{{ s1.error.kind == 'action_error' }}"
        then: [s_recover]
  - step: s_recover
    tool: noop
    next: [{step: end}]
  - step: end
    tool: noop
`)
	snap := newSnapshot(1)
	snap.Steps["s1"] = &StepState{
		Name:   "s1",
		Status: StepFailed,
		Error:  &domain.EventError{Kind: domain.ErrAction, Message: "boom"},
	}

	if _, _, ok := UnhandledFailure(pb, snap); ok {
		t.Fatal("expected the error route to handle the failure")
	}
	targets := ReadyTargets(pb, snap)
	if len(targets) != 1 || targets[0].Name != "s_recover" {
		t.Fatalf("expected s_recover to fire, got %#v", targets)
	}
}

// TestFoldLinearExecution exercises end-to-end scenario 1: a three-step
// linear playbook folds to status completed with s1's result preserved.
func TestFoldLinearExecution(t *testing.T) {
	events := []domain.Event{
		{EventID: 1, EventType: domain.EventExecutionStart, Status: domain.StatusStarted},
		{EventID: 2, EventType: domain.EventStepStarted, NodeID: "start", Status: domain.StatusStarted},
		{EventID: 3, EventType: domain.EventStepCompleted, NodeID: "start", Status: domain.StatusSuccess},
		{EventID: 4, EventType: domain.EventStepStarted, NodeID: "s1", Status: domain.StatusStarted},
		{EventID: 5, EventType: domain.EventStepCompleted, NodeID: "s1", Status: domain.StatusSuccess,
			Payload: []byte(`{"result":{"value":42}}`)},
		{EventID: 6, EventType: domain.EventStepStarted, NodeID: "end", Status: domain.StatusStarted},
		{EventID: 7, EventType: domain.EventStepCompleted, NodeID: "end", Status: domain.StatusSuccess},
		{EventID: 8, EventType: domain.EventExecutionCompleted, Status: domain.StatusSuccess},
	}
	snap := Fold(1, events)
	if snap.Status != domain.ExecutionCompleted {
		t.Fatalf("expected completed, got %v", snap.Status)
	}
	s1 := snap.Steps["s1"]
	if s1 == nil || s1.Status != StepCompleted {
		t.Fatalf("expected s1 completed, got %#v", s1)
	}
	result, ok := s1.Result.(map[string]any)
	if !ok || result["value"] != float64(42) {
		t.Fatalf("expected s1 result {value: 42}, got %#v", s1.Result)
	}
}

// TestFoldDuplicateTerminalEventIsNoOp enforces §8's duplicate delivery
// safety invariant at the Reconstructor level: a second step_completed
// for the same node must not change state (e.g. overwrite a result).
func TestFoldDuplicateTerminalEventIsNoOp(t *testing.T) {
	events := []domain.Event{
		{EventID: 1, EventType: domain.EventStepStarted, NodeID: "s1", Status: domain.StatusStarted},
		{EventID: 2, EventType: domain.EventStepCompleted, NodeID: "s1", Status: domain.StatusSuccess,
			Payload: []byte(`{"result":{"value":1}}`)},
		{EventID: 3, EventType: domain.EventStepCompleted, NodeID: "s1", Status: domain.StatusSuccess,
			Payload: []byte(`{"result":{"value":999}}`)},
	}
	snap := Fold(1, events)
	result := snap.Steps["s1"].Result.(map[string]any)
	if result["value"] != float64(1) {
		t.Fatalf("duplicate terminal event must not overwrite state, got %#v", result)
	}
}

// TestFoldIteratorFanInPreservesIndexOrder exercises end-to-end scenario
// 3: completions arrive out of index order but the fan-in result
// preserves original index order.
func TestFoldIteratorFanInPreservesIndexOrder(t *testing.T) {
	events := []domain.Event{
		{EventID: 1, EventType: domain.EventIteratorExpanded, NodeID: "it", Status: domain.StatusStarted,
			Payload: []byte(`{"cardinality":3}`)},
		{EventID: 2, EventType: domain.EventIteratorIterationDone, NodeID: "it", IteratorIndex: intp(2),
			Status: domain.StatusSuccess, Payload: []byte(`{"result":"C"}`)},
		{EventID: 3, EventType: domain.EventIteratorIterationDone, NodeID: "it", IteratorIndex: intp(0),
			Status: domain.StatusSuccess, Payload: []byte(`{"result":"A"}`)},
		{EventID: 4, EventType: domain.EventIteratorIterationDone, NodeID: "it", IteratorIndex: intp(1),
			Status: domain.StatusSuccess, Payload: []byte(`{"result":"B"}`)},
		{EventID: 5, EventType: domain.EventIteratorCompleted, NodeID: "it", Status: domain.StatusSuccess},
	}
	snap := Fold(1, events)
	it := snap.Steps["it"]
	if it == nil || it.Status != StepCompleted {
		t.Fatalf("expected iterator step completed, got %#v", it)
	}
	ordered, ok := it.Result.([]any)
	if !ok || len(ordered) != 3 {
		t.Fatalf("expected 3 ordered results, got %#v", it.Result)
	}
	if ordered[0] != "A" || ordered[1] != "B" || ordered[2] != "C" {
		t.Fatalf("expected [A B C] in index order, got %#v", ordered)
	}
}

// TestFoldEmptyIteratorCompletesImmediately covers the boundary case:
// cardinality 0 folds straight to completed with an empty result.
func TestFoldEmptyIteratorCompletesImmediately(t *testing.T) {
	events := []domain.Event{
		{EventID: 1, EventType: domain.EventIteratorExpanded, NodeID: "it", Status: domain.StatusStarted,
			Payload: []byte(`{"cardinality":0}`)},
	}
	snap := Fold(1, events)
	it := snap.Steps["it"]
	if it.Status != StepCompleted {
		t.Fatalf("expected empty iterator to complete immediately, got %v", it.Status)
	}
	result, ok := it.Result.([]any)
	if !ok || len(result) != 0 {
		t.Fatalf("expected empty result slice, got %#v", it.Result)
	}
}
