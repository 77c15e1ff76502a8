package playbook

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// rawDoc mirrors the stable on-disk field names from the external
// interface: apiVersion, kind, metadata.{name,path}, workload,
// workbook[], workflow[], keychain[]. Steps recognize step, desc,
// tool/type, name, args/data/with, save, vars, next, case.
type rawDoc struct {
	APIVersion string         `yaml:"apiVersion"`
	Kind       string         `yaml:"kind"`
	Metadata   Metadata       `yaml:"metadata"`
	Workload   map[string]any `yaml:"workload"`
	Workbook   []rawTask      `yaml:"workbook"`
	Workflow   []rawStep      `yaml:"workflow"`
	Keychain   []KeychainEntry `yaml:"keychain"`
}

type rawTask struct {
	Name       string         `yaml:"name"`
	ActionKind ActionKind     `yaml:"action_kind"`
	Config     map[string]any `yaml:"config"`
}

type rawStep struct {
	Step  string `yaml:"step"`
	Desc  string `yaml:"desc"`
	Tool  string `yaml:"tool"`
	Type  string `yaml:"type"`
	Name  string `yaml:"name"`

	Args map[string]any `yaml:"args"`
	Data map[string]any `yaml:"data"`
	With map[string]any `yaml:"with"`

	Config map[string]any `yaml:"config"`

	Save *SaveBlock        `yaml:"save"`
	Vars map[string]string `yaml:"vars"`
	Next []Edge            `yaml:"next"`
	Case []Edge            `yaml:"case"`

	Collection  string      `yaml:"collection"`
	ElementName string      `yaml:"element_name"`
	Mode        string      `yaml:"mode"`
	Inner       *rawStep    `yaml:"inner"`

	Path       string `yaml:"path"`
	Version    *int64 `yaml:"version"`
	ReturnStep string `yaml:"return_step"`
}

// Unknown keys are rejected at registration (§6) by yaml.v3's
// KnownFields strict mode over rawDoc/rawStep; it is enabled in Parse
// below.

// Parse parses and structurally validates playbook text, returning the
// typed model. Structural errors (missing start step, ambiguous step
// actions, unknown keys, contradictory unconditional edges) fail the
// call — Catalog.register relies on this to reject bad registrations
// before they ever reach an execution.
func Parse(text string) (*Playbook, error) {
	var doc rawDoc
	dec := yaml.NewDecoder(strings.NewReader(text))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("playbook: unknown or malformed field: %w", err)
	}

	if doc.Kind != "" && doc.Kind != "Playbook" {
		return nil, fmt.Errorf("playbook: kind must be %q, got %q", "Playbook", doc.Kind)
	}
	if doc.Metadata.Path == "" {
		return nil, fmt.Errorf("playbook: metadata.path is required")
	}

	pb := &Playbook{
		APIVersion: doc.APIVersion,
		Kind:       "Playbook",
		Metadata:   doc.Metadata,
		Workload:   doc.Workload,
		Workbook:   map[string]Task{},
		Workflow:   map[string]Step{},
		Keychain:   doc.Keychain,
	}

	for _, rt := range doc.Workbook {
		if rt.Name == "" {
			return nil, fmt.Errorf("playbook: workbook entry missing name")
		}
		if _, dup := pb.Workbook[rt.Name]; dup {
			return nil, fmt.Errorf("playbook: duplicate workbook task %q", rt.Name)
		}
		pb.Workbook[rt.Name] = Task{Name: rt.Name, ActionKind: rt.ActionKind, Config: rt.Config}
	}

	for _, rs := range doc.Workflow {
		step, err := convertStep(rs)
		if err != nil {
			return nil, err
		}
		if _, dup := pb.Workflow[step.Name]; dup {
			return nil, fmt.Errorf("playbook: duplicate step %q", step.Name)
		}
		pb.Workflow[step.Name] = step
		pb.StepOrder = append(pb.StepOrder, step.Name)
	}

	if err := validate(pb); err != nil {
		return nil, err
	}
	return pb, nil
}

func convertStep(rs rawStep) (Step, error) {
	if rs.Step == "" {
		return Step{}, fmt.Errorf("playbook: workflow entry missing step name")
	}

	args := rs.Args
	if args == nil {
		args = rs.Data
	}
	if args == nil {
		args = rs.With
	}

	toolOrType := rs.Tool
	if toolOrType == "" {
		toolOrType = rs.Type
	}

	var action StepAction
	switch {
	case rs.Name != "" && toolOrType == "":
		action = StepAction{Kind: "reference", Name: rs.Name}
	case toolOrType != "":
		action = StepAction{Kind: "inline_action", ActionKind: ActionKind(toolOrType), Config: rs.Config}
	default:
		return Step{}, fmt.Errorf("playbook: step %q must set exactly one of reference (name) or inline action (tool/type)", rs.Step)
	}
	if rs.Name != "" && toolOrType != "" {
		return Step{}, fmt.Errorf("playbook: step %q sets both reference and inline action", rs.Step)
	}

	step := Step{
		Name:        rs.Step,
		Desc:        rs.Desc,
		Action:      action,
		Args:        args,
		Save:        rs.Save,
		Vars:        rs.Vars,
		Case:        rs.Case,
		Next:        rs.Next,
		Collection:  rs.Collection,
		ElementName: rs.ElementName,
		IterMode:    rs.Mode,
		CalleePath:  rs.Path,
		CalleeVersion: rs.Version,
		ReturnStep:  rs.ReturnStep,
	}
	if rs.Inner != nil {
		innerStep, err := convertStep(*rs.Inner)
		if err != nil {
			return Step{}, err
		}
		step.Inner = &innerStep.Action
	}
	return step, nil
}

func validate(pb *Playbook) error {
	if _, ok := pb.Workflow["start"]; !ok {
		return fmt.Errorf("playbook: missing required %q step", "start")
	}
	if end, ok := pb.Workflow["end"]; ok && (len(end.Next) > 0 || len(end.Case) > 0) {
		return fmt.Errorf("playbook: terminal step %q must have no outgoing routes", "end")
	}
	for name, step := range pb.Workflow {
		if err := validateEdges(name, step); err != nil {
			return err
		}
		if step.Action.Kind == "reference" {
			if _, ok := pb.Workbook[step.Action.Name]; !ok {
				return fmt.Errorf("playbook: step %q references unknown workbook task %q", name, step.Action.Name)
			}
		}
	}
	return nil
}

// validateEdges enforces the case/next interaction rule this
// specification pins down: case edges are tried in order, first match
// wins; next is only a fallback when no case matches. Per the open
// question this resolves, we reject configurations where an
// unconditional next edge contradicts an unconditional case edge (both
// present with no "when"), since that ordering is genuinely ambiguous
// rather than a defined fallback.
func validateEdges(stepName string, step Step) error {
	unconditionalCase := false
	for _, e := range step.Case {
		if e.When == "" {
			unconditionalCase = true
		}
	}
	unconditionalNext := false
	for _, e := range step.Next {
		if e.When == "" {
			unconditionalNext = true
		}
	}
	if unconditionalCase && unconditionalNext {
		return fmt.Errorf("playbook: step %q has both an unconditional case edge and an unconditional next edge", stepName)
	}
	return nil
}
