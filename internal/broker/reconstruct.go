package broker

import (
	"encoding/json"

	"github.com/conduitrun/conduit/internal/domain"
)

// Fold replays events in order into a fresh Snapshot. It is pure:
// fold(events) always produces the same result, and fold(events ++ [e])
// equals applyEvent(fold(events), e) — the two invariants §4.6 and §8
// require of the Reconstructor.
func Fold(executionID int64, events []domain.Event) *Snapshot {
	s := newSnapshot(executionID)
	for _, e := range events {
		applyEvent(s, e)
	}
	return s
}

// applyEvent folds one event into s in place and returns s, matching the
// "step" half of the fold(events ++ [e]) = step(fold(events), e)
// invariant when called incrementally by the Broker after appending a
// single new event.
func applyEvent(s *Snapshot, e domain.Event) *Snapshot {
	if e.EventID > s.LastEventID {
		s.LastEventID = e.EventID
	}
	switch e.EventType {
	case domain.EventExecutionStart:
		if s.Status == domain.ExecutionPending {
			s.Status = domain.ExecutionRunning
		}
	case domain.EventExecutionCompleted:
		s.Status = domain.ExecutionCompleted
	case domain.EventExecutionFailed:
		s.Status = domain.ExecutionFailed
		s.FailedStep = e.NodeID
		s.FailedError = decodeError(e.Error)

	case domain.EventStepStarted:
		ss := s.step(e.NodeID)
		ss.Status = StepStarted
		ss.AttemptCount = e.AttemptCount
		ss.Args = decodeMap(e.Payload)

	case domain.EventStepCompleted:
		ss := s.step(e.NodeID)
		if ss.Status == StepCompleted {
			break // duplicate terminal delivery is a no-op on state (§8)
		}
		ss.Status = StepCompleted
		ss.Result = decodeResult(e.Payload)
		ss.Error = nil

	case domain.EventStepFailed:
		ss := s.step(e.NodeID)
		if ss.Status.Terminal() {
			break
		}
		ss.Status = StepFailed
		ss.Error = decodeError(e.Error)

	case domain.EventStepSkipped:
		ss := s.step(e.NodeID)
		if ss.Status.Terminal() {
			break
		}
		ss.Status = StepSkipped

	case domain.EventIteratorExpanded:
		ss := s.step(e.NodeID)
		var payload struct {
			Cardinality int `json:"cardinality"`
		}
		_ = json.Unmarshal(e.Payload, &payload)
		ss.Status = StepStarted
		ss.Iterator = &IteratorState{
			Expected: payload.Cardinality,
			Results:  map[int]any{},
			Errors:   map[int]*domain.EventError{},
		}
		if payload.Cardinality == 0 {
			ss.Iterator.Completed = true
			ss.Status = StepCompleted
			ss.Result = []any{}
		}

	case domain.EventIteratorIterationDone:
		ss := s.step(e.NodeID)
		if ss.Iterator == nil {
			ss.Iterator = &IteratorState{Results: map[int]any{}, Errors: map[int]*domain.EventError{}}
		}
		idx := 0
		if e.IteratorIndex != nil {
			idx = *e.IteratorIndex
		}
		if e.Status == domain.StatusFailed {
			ss.Iterator.Errors[idx] = decodeError(e.Error)
		} else {
			ss.Iterator.Results[idx] = decodeResult(e.Payload)
		}

	case domain.EventIteratorCompleted:
		ss := s.step(e.NodeID)
		if ss.Iterator == nil {
			ss.Iterator = &IteratorState{Results: map[int]any{}, Errors: map[int]*domain.EventError{}}
		}
		ss.Iterator.Completed = true
		if ss.Status != StepCompleted {
			ss.Status = StepCompleted
			ss.Result = ss.Iterator.OrderedResults()
		}

	case domain.EventSubplaybookInvoked:
		ss := s.step(e.NodeID)
		var payload struct {
			ChildExecutionID int64 `json:"child_execution_id"`
		}
		_ = json.Unmarshal(e.Payload, &payload)
		ss.Status = StepStarted
		ss.Subplaybook = &SubplaybookState{ChildExecutionID: payload.ChildExecutionID}

	case domain.EventSubplaybookCompleted:
		ss := s.step(e.NodeID)
		if ss.Subplaybook == nil {
			ss.Subplaybook = &SubplaybookState{}
		}
		var payload struct {
			Result any `json:"result"`
		}
		_ = json.Unmarshal(e.Payload, &payload)
		ss.Subplaybook.Completed = true
		ss.Subplaybook.Result = payload.Result
		if ss.Status != StepCompleted {
			ss.Status = StepCompleted
			ss.Result = payload.Result
		}

	case domain.EventVariablesSet:
		var payload struct {
			Name  string `json:"name"`
			Value any    `json:"value"`
			Type  string `json:"type"`
		}
		_ = json.Unmarshal(e.Payload, &payload)
		if payload.Name != "" {
			s.Variables[payload.Name] = domain.Variable{
				Name:       payload.Name,
				Value:      payload.Value,
				Type:       domain.VariableType(payload.Type),
				SourceNode: e.NodeID,
				CreatedAt:  e.Timestamp,
			}
		}
		if e.NodeID != "" {
			s.step(e.NodeID).VarsEmitted = true
		}

	case domain.EventSaveEmitted:
		if e.NodeID != "" {
			s.step(e.NodeID).SaveEmitted = true
		}

	case domain.EventActionStarted, domain.EventActionCompleted, domain.EventActionFailed:
		// Informational for scheduling purposes: the step's terminal
		// result/error arrives via step_completed/step_failed or, for
		// iterator children, iterator_iteration_completed.
	}
	return s
}

func decodeMap(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	return m
}

func decodeResult(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var payload struct {
		Result any `json:"result"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Result != nil {
		return payload.Result
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil {
		return m
	}
	return nil
}

func decodeError(raw []byte) *domain.EventError {
	if len(raw) == 0 {
		return nil
	}
	var ee domain.EventError
	if err := json.Unmarshal(raw, &ee); err != nil {
		return nil
	}
	return &ee
}
