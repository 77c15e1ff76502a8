package action

import "context"

// Noop implements ActionNoop: it does nothing and returns its rendered
// args verbatim as its result. Any step declared with `tool: noop` (or
// referencing a workbook task of kind noop) resolves to this; the parser
// supplies no implicit action for a step that names none.
type Noop struct{}

func (Noop) Invoke(_ context.Context, ic InvocationContext, _ EmitProgress) (Outcome, error) {
	return Outcome{Result: ic.Args}, nil
}
