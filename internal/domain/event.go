package domain

import (
	"time"

	"gorm.io/datatypes"
)

// EventType is the closed enum of event types the engine ever appends.
// Events are append-only; correcting a mistake means emitting a new
// event, never rewriting one.
type EventType string

const (
	EventExecutionStart        EventType = "execution_start"
	EventExecutionCompleted    EventType = "execution_completed"
	EventExecutionFailed       EventType = "execution_failed"
	EventStepStarted           EventType = "step_started"
	EventStepCompleted         EventType = "step_completed"
	EventStepFailed            EventType = "step_failed"
	EventStepSkipped           EventType = "step_skipped"
	EventActionStarted         EventType = "action_started"
	EventActionCompleted       EventType = "action_completed"
	EventActionFailed          EventType = "action_failed"
	EventIteratorExpanded      EventType = "iterator_expanded"
	EventIteratorIterationDone EventType = "iterator_iteration_completed"
	EventIteratorCompleted     EventType = "iterator_completed"
	EventSubplaybookInvoked    EventType = "subplaybook_invoked"
	EventSubplaybookCompleted  EventType = "subplaybook_completed"
	EventVariablesSet          EventType = "variables_set"
	EventSaveEmitted           EventType = "save_emitted"
)

// EventStatus describes the outcome carried by an event, independent of
// its type (a step_failed event always carries status "failed", but the
// field also lets callers distinguish e.g. a started vs. skipped step).
type EventStatus string

const (
	StatusStarted   EventStatus = "started"
	StatusSuccess   EventStatus = "success"
	StatusFailed    EventStatus = "failed"
	StatusSkipped   EventStatus = "skipped"
	StatusCancelled EventStatus = "cancelled"
)

// ErrorKind is the closed taxonomy of error kinds surfaced in an Event's
// Error field.
type ErrorKind string

const (
	ErrTemplate    ErrorKind = "template_error"
	ErrValidation  ErrorKind = "validation_error"
	ErrAuth        ErrorKind = "auth_error"
	ErrTransport   ErrorKind = "transport_error"
	ErrAction      ErrorKind = "action_error"
	ErrTimeout     ErrorKind = "timeout"
	ErrCancelled   ErrorKind = "cancelled"
	ErrLeaseExpired ErrorKind = "lease_expired"
	ErrDeadLetter  ErrorKind = "dead_letter"
)

// EventError is the structured error object attached to failed events.
// Secrets never appear here; resolved credentials never reach the event
// log.
type EventError struct {
	Kind         ErrorKind `json:"kind"`
	Message      string    `json:"message"`
	SourceSystem string    `json:"source_system,omitempty"`
	Retryable    bool      `json:"retryable"`
	AttemptCount int       `json:"attempt_count"`
}

// Event is one immutable record in an execution's append-only log. It is
// the system's sole source of truth; the Queue and every in-memory
// snapshot are derived from it.
type Event struct {
	ExecutionID    int64          `gorm:"column:execution_id;primaryKey;uniqueIndex:idx_event_idempotency" json:"execution_id"`
	EventID        int64          `gorm:"column:event_id;primaryKey" json:"event_id"`
	ParentEventID  *int64         `gorm:"column:parent_event_id" json:"parent_event_id,omitempty"`
	EventType      EventType      `gorm:"column:event_type;not null;index;uniqueIndex:idx_event_idempotency" json:"event_type"`
	NodeID         string         `gorm:"column:node_id;index;uniqueIndex:idx_event_idempotency" json:"node_id,omitempty"`
	IteratorIndex  *int           `gorm:"column:iterator_index;uniqueIndex:idx_event_idempotency" json:"iterator_index,omitempty"`
	AttemptCount   int            `gorm:"column:attempt_count;not null;default:0;uniqueIndex:idx_event_idempotency" json:"attempt_count"`
	Timestamp      time.Time      `gorm:"column:timestamp;not null;default:now()" json:"timestamp"`
	Status         EventStatus    `gorm:"column:status;not null" json:"status"`
	Payload        datatypes.JSON `gorm:"column:payload_json;type:jsonb" json:"payload,omitempty"`
	Error          datatypes.JSON `gorm:"column:error_json;type:jsonb" json:"error,omitempty"`
}

func (Event) TableName() string { return "event" }

// Fingerprint returns the stable tuple used to deduplicate terminal
// event delivery, matching the Queue Entry's fingerprint definition.
func (e *Event) Fingerprint() (executionID int64, nodeID string, iteratorIndex int, eventType EventType, attemptCount int) {
	idx := -1
	if e.IteratorIndex != nil {
		idx = *e.IteratorIndex
	}
	return e.ExecutionID, e.NodeID, idx, e.EventType, e.AttemptCount
}

// IsTerminalForStep reports whether this event type closes out a step
// (as opposed to step_started, which does not).
func (e *Event) IsTerminalForStep() bool {
	switch e.EventType {
	case EventStepCompleted, EventStepFailed, EventStepSkipped:
		return true
	default:
		return false
	}
}
