package action

import (
	"context"
	"testing"

	"github.com/conduitrun/conduit/internal/playbook"
)

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()
	r.Register(playbook.ActionNoop, Noop{})

	impl, err := r.Resolve(playbook.ActionNoop)
	if err != nil {
		t.Fatalf("resolve noop: %v", err)
	}
	if impl == nil {
		t.Fatal("expected non-nil action")
	}
}

func TestRegistryResolveMissing(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Resolve(playbook.ActionContainer); err == nil {
		t.Fatal("expected error for unregistered kind")
	}
}

func TestNoopEchoesArgs(t *testing.T) {
	out, err := (Noop{}).Invoke(context.Background(), InvocationContext{
		Args: map[string]any{"x": 1},
	}, nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	args, ok := out.Result.(map[string]any)
	if !ok || args["x"] != 1 {
		t.Fatalf("unexpected result: %#v", out.Result)
	}
}
