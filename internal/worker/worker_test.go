package worker

import (
	"context"
	"testing"

	"github.com/conduitrun/conduit/internal/action"
)

type panicAction struct{}

func (panicAction) Invoke(context.Context, action.InvocationContext, action.EmitProgress) (action.Outcome, error) {
	panic("boom")
}

func TestInvokeSafelyRecoversPanic(t *testing.T) {
	w := &Worker{}
	_, err := w.invokeSafely(context.Background(), panicAction{}, action.InvocationContext{}, nil)
	if err == nil {
		t.Fatal("expected panic to surface as an error")
	}
}

type okAction struct{}

func (okAction) Invoke(context.Context, action.InvocationContext, action.EmitProgress) (action.Outcome, error) {
	return action.Outcome{Result: "done"}, nil
}

func TestInvokeSafelyPassesThroughResult(t *testing.T) {
	w := &Worker{}
	out, err := w.invokeSafely(context.Background(), okAction{}, action.InvocationContext{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Result != "done" {
		t.Fatalf("unexpected result: %#v", out.Result)
	}
}
