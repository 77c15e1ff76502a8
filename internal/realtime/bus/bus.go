// Package bus fans out execution progress to whatever is watching an
// execution live, independent of which process actually ran the step.
// The Broker and the Worker each publish one ProgressMessage per event
// they append, so a watcher never needs direct database access to
// follow an execution.
package bus

import "context"

// ProgressMessage mirrors the shape of one Event (§3) closely enough
// that a subscriber can render it without re-deriving context; it
// carries the event's identity and status but not its payload or error.
type ProgressMessage struct {
	ExecutionID   int64  `json:"execution_id"`
	NodeID        string `json:"node_id,omitempty"`
	IteratorIndex *int   `json:"iterator_index,omitempty"`
	EventType     string `json:"event_type"`
	Status        string `json:"status"`
	Message       string `json:"message,omitempty"`
}

// Bus is the cross-process progress fan-out contract.
type Bus interface {
	Publish(ctx context.Context, msg ProgressMessage) error
	StartForwarder(ctx context.Context, onMsg func(m ProgressMessage)) error
	Close() error
}
