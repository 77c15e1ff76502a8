package broker

import (
	"fmt"

	"github.com/conduitrun/conduit/internal/playbook"
)

// ActionSpec is the unrendered description of one unit of work a queue
// entry carries. The Worker renders Config/Args against the execution's
// full context (plus Local, the bindings specific to this entry) at
// lease time — never earlier, so credential references resolve against
// the freshest keychain state and a retried attempt re-renders against
// current data (§4.5 Worker Responsibilities).
type ActionSpec struct {
	ActionKind playbook.ActionKind `json:"action_kind"`
	Config     map[string]any      `json:"config,omitempty"`
	Args       map[string]any      `json:"args,omitempty"`
	Local      map[string]any      `json:"local,omitempty"`
}

// resolveAction resolves a step action's exactly-one-of reference/inline
// shape into a concrete action kind and config (§4.2 Playbook Model).
func resolveAction(pb *playbook.Playbook, action playbook.StepAction) (playbook.ActionKind, map[string]any, error) {
	switch action.Kind {
	case "reference":
		task, ok := pb.Workbook[action.Name]
		if !ok {
			return "", nil, fmt.Errorf("broker: workbook task %q not found", action.Name)
		}
		return task.ActionKind, task.Config, nil
	case "inline_action":
		return action.ActionKind, action.Config, nil
	default:
		return "", nil, fmt.Errorf("broker: step action has unknown kind %q", action.Kind)
	}
}
