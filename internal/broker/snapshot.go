// Package broker implements the State Reconstructor (C6), the Broker /
// Scheduler (C7), and the Iterator/Composer (C8). The Reconstructor
// folds one execution's event stream into a Snapshot; the Broker is a
// pure decision function over a Snapshot plus the playbook model,
// producing a list of Effects the adapter in schedule.go applies inside
// one database transaction. Keeping decision and effect-application
// split this way is what makes the scheduler unit-testable without a
// database (§9 Design Notes, "Event-driven control flow").
package broker

import (
	"github.com/conduitrun/conduit/internal/domain"
)

// StepStatus is the Reconstructor's view of one step's progress,
// distinct from domain.EventStatus: it folds a whole run of events for
// the step (started, maybe retried, maybe iterated) into one state.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepStarted   StepStatus = "started"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// IteratorState accumulates per-iteration results for an iterator step,
// keyed by iterator_index, and resolves to Completed only once every
// expected index has a terminal event (§4.8 Fan-in).
type IteratorState struct {
	Expected  int
	Results   map[int]any
	Errors    map[int]*domain.EventError
	Completed bool
}

// OrderedResults returns the per-iteration results in original index
// order, regardless of completion interleaving (§5 Ordering guarantees).
func (it *IteratorState) OrderedResults() []any {
	if it == nil {
		return nil
	}
	out := make([]any, it.Expected)
	for i := 0; i < it.Expected; i++ {
		out[i] = it.Results[i]
	}
	return out
}

// SubplaybookState tracks a sub-playbook step's child execution link
// until the child's terminal event is mirrored back (§4.8).
type SubplaybookState struct {
	ChildExecutionID int64
	Completed        bool
	Result           any
}

// StepState is one step's folded state plus the bookkeeping the Broker
// needs to avoid re-emitting its vars/save blocks once already fired. A
// step's routing is naturally idempotent without an extra flag: a
// target step is only ever picked up by ReadyTargets while it is still
// pending, so re-evaluating a terminal step's edges on every pass never
// re-fires them.
type StepState struct {
	Name         string
	Status       StepStatus
	AttemptCount int
	Args         map[string]any // local bindings bound by the firing inbound edge
	Result       any
	Error        *domain.EventError
	Iterator     *IteratorState
	Subplaybook  *SubplaybookState
	VarsEmitted  bool
	SaveEmitted  bool
}

// Snapshot is the Reconstructor's fold of an execution's event stream:
// the Broker's sole input besides the playbook model (§4.6).
type Snapshot struct {
	ExecutionID int64
	Status      domain.ExecutionStatus
	LastEventID int64
	Steps       map[string]*StepState
	Variables   map[string]domain.Variable
	FailedStep  string
	FailedError *domain.EventError
}

func newSnapshot(executionID int64) *Snapshot {
	return &Snapshot{
		ExecutionID: executionID,
		Status:      domain.ExecutionPending,
		Steps:       map[string]*StepState{},
		Variables:   map[string]domain.Variable{},
	}
}

func (s *Snapshot) step(name string) *StepState {
	ss, ok := s.Steps[name]
	if !ok {
		ss = &StepState{Name: name, Status: StepPending}
		s.Steps[name] = ss
	}
	return ss
}

// StepResultsContext builds the "previous step results indexed by step
// name" context layer the Template Engine merges in (§4.4): one entry
// per completed/failed/skipped step, its Result plus (if failed) its
// Error so `when` routes can branch on error.kind.
func (s *Snapshot) StepResultsContext() map[string]any {
	out := make(map[string]any, len(s.Steps))
	for name, ss := range s.Steps {
		if !ss.Status.Terminal() {
			continue
		}
		entry := map[string]any{}
		if m, ok := ss.Result.(map[string]any); ok {
			for k, v := range m {
				entry[k] = v
			}
		} else if ss.Result != nil {
			entry["value"] = ss.Result
		}
		if ss.Error != nil {
			entry["error"] = map[string]any{
				"kind":          string(ss.Error.Kind),
				"message":       ss.Error.Message,
				"source_system": ss.Error.SourceSystem,
				"retryable":     ss.Error.Retryable,
				"attempt_count": ss.Error.AttemptCount,
			}
		}
		out[name] = entry
	}
	return out
}

// VariablesContext builds the extracted-variables context layer from
// the Variables Store (§3, §4.4).
func (s *Snapshot) VariablesContext() map[string]any {
	out := make(map[string]any, len(s.Variables))
	for name, v := range s.Variables {
		out[name] = v.Value
	}
	return out
}
