// Package playbook holds the Playbook Model (C5): the typed in-memory
// representation of a parsed playbook, and the YAML parser that builds
// it. The shape here is semantic, not syntactic — it mirrors the
// embedded-YAML-plus-typed-struct pattern this codebase already used for
// pipeline definitions, generalized from one fixed pipeline to an
// arbitrary registered playbook.
package playbook

// ActionKind is the closed set of task kinds a workbook entry or inline
// step action may declare.
type ActionKind string

const (
	ActionPython            ActionKind = "python"
	ActionHTTP              ActionKind = "http"
	ActionPostgres          ActionKind = "postgres"
	ActionDuckDB            ActionKind = "duckdb"
	ActionSnowflake         ActionKind = "snowflake"
	ActionSnowflakeTransfer ActionKind = "snowflake_transfer"
	ActionContainer         ActionKind = "container"
	ActionSecrets           ActionKind = "secrets"
	ActionIterator          ActionKind = "iterator"
	ActionPlaybook          ActionKind = "playbook"
	ActionNoop              ActionKind = "noop"
	ActionShell             ActionKind = "shell"
)

// Metadata identifies a playbook independent of its text.
type Metadata struct {
	Name string `yaml:"name" json:"name"`
	Path string `yaml:"path" json:"path"`
}

// Task is a reusable action definition referenced by steps from the
// workbook.
type Task struct {
	Name       string         `yaml:"-" json:"name"`
	ActionKind ActionKind     `yaml:"action_kind" json:"action_kind"`
	Config     map[string]any `yaml:"config" json:"config,omitempty"`
}

// Edge is one outbound routing entry on a step: either conditional
// (When set, fires Then) or unconditional (Step set). args populate the
// target step's local bindings for its next rendering cycle.
type Edge struct {
	When string         `yaml:"when,omitempty" json:"when,omitempty"`
	Then []string       `yaml:"then,omitempty" json:"then,omitempty"`
	Step string         `yaml:"step,omitempty" json:"step,omitempty"`
	Args map[string]any `yaml:"args,omitempty" json:"args,omitempty"`
}

// StepAction is the exactly-one-of reference/inline action a step
// performs.
type StepAction struct {
	Kind       string         `yaml:"kind" json:"kind"` // "reference" | "inline_action"
	Name       string         `yaml:"name,omitempty" json:"name,omitempty"`
	ActionKind ActionKind     `yaml:"action_kind,omitempty" json:"action_kind,omitempty"`
	Config     map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// SaveBlock treats a step's result as input to a synthetic downstream
// storage action.
type SaveBlock struct {
	StorageType string         `yaml:"storage_type" json:"storage_type"`
	Args        map[string]any `yaml:"args" json:"args"`
}

// Step is one node of the workflow graph.
type Step struct {
	Name   string            `yaml:"-" json:"name"`
	Desc   string            `yaml:"desc,omitempty" json:"desc,omitempty"`
	Action StepAction        `yaml:"action" json:"action"`
	Args   map[string]any    `yaml:"args,omitempty" json:"args,omitempty"`
	Save   *SaveBlock        `yaml:"save,omitempty" json:"save,omitempty"`
	Vars   map[string]string `yaml:"vars,omitempty" json:"vars,omitempty"`
	Case   []Edge            `yaml:"case,omitempty" json:"case,omitempty"`
	Next   []Edge            `yaml:"next,omitempty" json:"next,omitempty"`

	// Iterator-only fields, populated when Action.ActionKind == ActionIterator.
	Collection string     `yaml:"collection,omitempty" json:"collection,omitempty"`
	ElementName string    `yaml:"element_name,omitempty" json:"element_name,omitempty"`
	IterMode   string     `yaml:"mode,omitempty" json:"mode,omitempty"` // "sequential" | "async"
	Inner      *StepAction `yaml:"inner,omitempty" json:"inner,omitempty"`

	// Sub-playbook-only fields, populated when Action.ActionKind == ActionPlaybook.
	CalleePath    string `yaml:"path,omitempty" json:"path,omitempty"`
	CalleeVersion *int64 `yaml:"version,omitempty" json:"version,omitempty"`
	ReturnStep    string `yaml:"return_step,omitempty" json:"return_step,omitempty"`
}

// IsTerminal reports whether this is the "end" step, which (when the
// playbook has one) has no outgoing routes.
func (s Step) IsTerminal() bool { return s.Name == "end" }

// KeychainEntry is a named token/credential recipe bound to the
// execution at keychain resolution time.
type KeychainEntry struct {
	Name           string `yaml:"name" json:"name"`
	CredentialName string `yaml:"credential" json:"credential"`
	Kind           string `yaml:"kind,omitempty" json:"kind,omitempty"`
}

// Playbook is the fully parsed, validated in-memory shape of one
// registered version.
type Playbook struct {
	APIVersion string            `yaml:"apiVersion" json:"apiVersion"`
	Kind       string            `yaml:"kind" json:"kind"`
	Metadata   Metadata          `yaml:"metadata" json:"metadata"`
	Workload   map[string]any    `yaml:"workload" json:"workload,omitempty"`
	Workbook   map[string]Task   `yaml:"-" json:"workbook,omitempty"`
	Workflow   map[string]Step   `yaml:"-" json:"workflow"`
	StepOrder  []string          `yaml:"-" json:"step_order"`
	Keychain   []KeychainEntry   `yaml:"keychain,omitempty" json:"keychain,omitempty"`
}
