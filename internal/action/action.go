// Package action defines the Action Interface (C10): the seam between
// the Worker Runtime and whatever actually performs a step's work. Every
// action kind the Playbook Model can name (http, postgres, duckdb,
// snowflake, container, secrets, shell, python, noop...) implements this
// interface; which concrete kinds are registered is decided where the
// process is wired (app.New), not something this package hardcodes.
// Concrete external-system actions (SQL drivers, container runtimes,
// cloud secret managers) are out of scope here — this package carries
// only the interface, the registry, and the reference `noop` and `http`
// actions needed to exercise the Worker Runtime and its tests.
package action

import (
	"context"
	"fmt"

	"github.com/conduitrun/conduit/internal/domain"
	"github.com/conduitrun/conduit/internal/playbook"
)

// InvocationContext is everything an Action needs to do its work,
// already fully rendered by the Worker before invocation — an Action
// never sees an un-rendered template or an unresolved credential
// reference.
type InvocationContext struct {
	ExecutionID   int64
	NodeID        string
	IteratorIndex *int
	AttemptCount  int
	Config        map[string]any
	Args          map[string]any
}

// Outcome is the result an Action reports back to the Worker: either a
// Result to fold into the step's result, or an error classified by
// ErrKind/Retryable so the Worker can surface the right error kind in
// the action_failed/step_failed event (§7) and decide whether another
// attempt is worthwhile. ErrKind is only consulted when Invoke returns a
// non-nil error; an Action that leaves it zero-valued is treated as
// domain.ErrAction (a logical failure), the taxonomy's default.
type Outcome struct {
	Result    any
	Retryable bool // only consulted when Invoke returns a non-nil error
	ErrKind   domain.ErrorKind
}

// EmitProgress lets a long-running Action report incremental progress
// without waiting for completion; the Worker wires it to the progress
// bus. Actions that complete quickly can ignore it.
type EmitProgress func(message string)

// Action is the exactly-one-of-kind unit of work a queue entry drives.
// Invoke must honor ctx cancellation promptly. The Worker passes its own
// lifecycle context, which is cancelled when the worker shuts down; a
// lease that cannot be renewed does not cancel it.
type Action interface {
	Invoke(ctx context.Context, ic InvocationContext, emit EmitProgress) (Outcome, error)
}

// Registry resolves an ActionKind to its Action implementation. It is
// populated once at process startup (app.New) — there is no runtime
// plugin loading or reflection-based dispatch, per the component
// design's "Plugin registration" note: every kind a deployment supports
// is wired at build time.
type Registry struct {
	actions map[playbook.ActionKind]Action
}

func NewRegistry() *Registry {
	return &Registry{actions: map[playbook.ActionKind]Action{}}
}

// Register binds kind to impl, overwriting any prior binding. Intended
// to be called a handful of times at startup, not under load.
func (r *Registry) Register(kind playbook.ActionKind, impl Action) {
	r.actions[kind] = impl
}

// Resolve looks up the Action for kind.
func (r *Registry) Resolve(kind playbook.ActionKind) (Action, error) {
	impl, ok := r.actions[kind]
	if !ok {
		return nil, fmt.Errorf("action: no implementation registered for kind %q", kind)
	}
	return impl, nil
}
