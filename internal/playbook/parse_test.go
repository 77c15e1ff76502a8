package playbook

import "testing"

func TestParseLinearPlaybook(t *testing.T) {
	text := `
apiVersion: v1
kind: Playbook
metadata:
  name: linear
  path: examples/linear
workload:
  count: 3
workbook:
  - name: do_thing
    action_kind: http
    config:
      url: "https://example.test"
workflow:
  - step: start
    tool: noop
    next:
      - step: s1
  - step: s1
    name: do_thing
    args:
      value: "{{ workload.count }}"
    next:
      - step: end
  - step: end
    tool: noop
`
	pb, err := Parse(text)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if pb.Metadata.Path != "examples/linear" {
		t.Fatalf("path = %q", pb.Metadata.Path)
	}
	if _, ok := pb.Workflow["start"]; !ok {
		t.Fatalf("missing start step")
	}
	s1 := pb.Workflow["s1"]
	if s1.Action.Kind != "reference" || s1.Action.Name != "do_thing" {
		t.Fatalf("s1 action = %+v", s1.Action)
	}
}

func TestParseRejectsUnknownField(t *testing.T) {
	text := `
kind: Playbook
metadata: {name: x, path: x}
workflow:
  - step: start
  - step: end
bogus_field: true
`
	if _, err := Parse(text); err == nil {
		t.Fatalf("expected error for unknown top-level field")
	}
}

func TestParseRejectsMissingStart(t *testing.T) {
	text := `
kind: Playbook
metadata: {name: x, path: x}
workflow:
  - step: end
    tool: noop
`
	if _, err := Parse(text); err == nil {
		t.Fatalf("expected error for missing start step")
	}
}

func TestParseRejectsAmbiguousStepAction(t *testing.T) {
	text := `
kind: Playbook
metadata: {name: x, path: x}
workbook:
  - name: t1
    action_kind: noop
workflow:
  - step: start
    tool: noop
    next: [{step: end}]
  - step: s1
    name: t1
    tool: http
  - step: end
    tool: noop
`
	if _, err := Parse(text); err == nil {
		t.Fatalf("expected error for step with both reference and inline action")
	}
}

func TestParseRejectsContradictoryUnconditionalEdges(t *testing.T) {
	text := `
kind: Playbook
metadata: {name: x, path: x}
workflow:
  - step: start
    tool: noop
    case: [{step: a}]
    next: [{step: b}]
  - step: a
    tool: noop
    next: [{step: end}]
  - step: b
    tool: noop
    next: [{step: end}]
  - step: end
    tool: noop
`
	if _, err := Parse(text); err == nil {
		t.Fatalf("expected error for contradictory unconditional case+next")
	}
}
