// Package model holds the typed representation of a flow: metadata, default
// policy, declared variables and the step tree. Documents are YAML (JSON is
// accepted as a subset); unknown fields are ignored at load time.
package model

import (
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Flow is the top-level, versioned automation definition.
type Flow struct {
	Version string `yaml:"version,omitempty" json:"version,omitempty"`
	Meta    Meta   `yaml:"meta" json:"meta"`
	// Defaults apply to every step unless the step overrides them.
	Defaults Defaults       `yaml:"defaults,omitempty" json:"defaults,omitempty"`
	Inputs   map[string]any `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	// Variables declares flow-scoped variables with an optional type tag.
	Variables map[string]VarDef `yaml:"variables,omitempty" json:"variables,omitempty"`
	// Permissions maps a variable name to its allowed accesses ("read", "write").
	// Variables absent from the map are unrestricted.
	Permissions map[string][]string `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	Steps       []Step              `yaml:"steps" json:"steps"`
}

// Meta carries flow metadata, the declared action-permission categories and
// the role sets gating flow operations (view/run/edit/publish/approve).
type Meta struct {
	Name        string              `yaml:"name" json:"name"`
	Desc        string              `yaml:"desc,omitempty" json:"desc,omitempty"`
	Permissions []string            `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	Roles       map[string][]string `yaml:"roles,omitempty" json:"roles,omitempty"`
}

// Defaults are flow-wide step settings. TimeoutMs and Retry are optional and
// fall back to the active execution profile when nil.
type Defaults struct {
	TimeoutMs  *int   `yaml:"timeoutMs,omitempty" json:"timeoutMs,omitempty"`
	Retry      *int   `yaml:"retry,omitempty" json:"retry,omitempty"`
	EnvProfile string `yaml:"envProfile,omitempty" json:"envProfile,omitempty"`
}

// VarDef declares a flow variable. Type is one of int, float, string, bool,
// date, path, secret, array, object or any (the default).
type VarDef struct {
	Type  string `yaml:"type,omitempty" json:"type,omitempty"`
	Value any    `yaml:"value,omitempty" json:"value,omitempty"`
}

// UnmarshalYAML accepts either the full {type, value} form or a bare value,
// which declares an untyped variable with that initial value.
func (v *VarDef) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(value.Content); i += 2 {
			if k := value.Content[i].Value; k == "type" || k == "value" {
				type varDefAlias VarDef
				var raw varDefAlias
				if err := value.Decode(&raw); err != nil {
					return err
				}
				*v = VarDef(raw)
				return nil
			}
		}
	}
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*v = VarDef{Type: "any", Value: raw}
	return nil
}

// Step is one node of the step tree: an action step or a control construct.
// A step is owned exclusively by its parent list.
type Step struct {
	ID     string `yaml:"id" json:"id"`
	Action string `yaml:"action,omitempty" json:"action,omitempty"`

	// Selector maps strategy names to strategy-specific data and may carry
	// the reserved keys "scope" and "anyOf".
	Selector map[string]any `yaml:"selector,omitempty" json:"selector,omitempty"`
	// SelectorOrder overrides the variant try order for this step.
	SelectorOrder []string `yaml:"selectorOrder,omitempty" json:"selectorOrder,omitempty"`
	// SelectorRetry overrides the per-variant attempt count.
	SelectorRetry *int           `yaml:"selectorRetry,omitempty" json:"selectorRetry,omitempty"`
	Target        map[string]any `yaml:"target,omitempty" json:"target,omitempty"`
	Params        map[string]any `yaml:"params,omitempty" json:"params,omitempty"`

	// WaitFor is a named wait preset or a boolean expression polled until
	// true or until the effective timeout elapses.
	WaitFor   string  `yaml:"waitFor,omitempty" json:"waitFor,omitempty"`
	TimeoutMs *int    `yaml:"timeoutMs,omitempty" json:"timeoutMs,omitempty"`
	Retry     *int    `yaml:"retry,omitempty" json:"retry,omitempty"`
	OnError   OnError `yaml:"onError,omitempty" json:"onError,omitempty"`
	Out       string  `yaml:"out,omitempty" json:"out,omitempty"`

	// Control-structure fields.
	Condition  string `yaml:"condition,omitempty" json:"condition,omitempty"`
	WhileCond  string `yaml:"while,omitempty" json:"while,omitempty"`
	ForEach    string `yaml:"for_each,omitempty" json:"for_each,omitempty"`
	// As names the loop variable bound by for_each; "item" when empty.
	As         string `yaml:"as,omitempty" json:"as,omitempty"`
	Subflow    string `yaml:"subflow,omitempty" json:"subflow,omitempty"`
	SwitchExpr string `yaml:"switch,omitempty" json:"switch,omitempty"`
	Steps      []Step `yaml:"steps,omitempty" json:"steps,omitempty"`
	Else       []Step `yaml:"else,omitempty" json:"else,omitempty"`
	Catch      []Step `yaml:"catch,omitempty" json:"catch,omitempty"`
	Finally    []Step `yaml:"finally,omitempty" json:"finally,omitempty"`
	Cases      []Case `yaml:"cases,omitempty" json:"cases,omitempty"`
	Default    []Step `yaml:"default,omitempty" json:"default,omitempty"`

	Break    bool `yaml:"break,omitempty" json:"break,omitempty"`
	Continue bool `yaml:"continue,omitempty" json:"continue,omitempty"`
}

// Case is one arm of a switch step. Value may itself be an expression; it is
// compared by equality against the switch expression's result.
type Case struct {
	Value any    `yaml:"value" json:"value"`
	Steps []Step `yaml:"steps,omitempty" json:"steps,omitempty"`
}

// OnError describes a step's failure policy. Recover is either a step
// document, a list of step documents, or the name of a shorthand recovery
// ("reactivate", "scroll").
type OnError struct {
	Screenshot bool `yaml:"screenshot,omitempty" json:"screenshot,omitempty"`
	UIATree    bool `yaml:"uiatree,omitempty" json:"uiatree,omitempty"`
	WebTrace   bool `yaml:"webTrace,omitempty" json:"webTrace,omitempty"`
	HAR        bool `yaml:"har,omitempty" json:"har,omitempty"`
	Video      bool `yaml:"video,omitempty" json:"video,omitempty"`
	Recover    any  `yaml:"recover,omitempty" json:"recover,omitempty"`
	Continue   bool `yaml:"continue,omitempty" json:"continue,omitempty"`
}

// IsControl reports whether the step is a control construct rather than a
// registered action invocation.
func (s *Step) IsControl() bool {
	switch {
	case s.Break, s.Continue:
		return true
	case s.Condition != "", s.WhileCond != "", s.SwitchExpr != "":
		return true
	case s.ForEach != "", s.Subflow != "":
		return true
	case len(s.Catch) > 0 || len(s.Finally) > 0:
		return true
	}
	return false
}

// Run is one persisted execution of a flow.
type Run struct {
	ID        uuid.UUID      `json:"id"`
	FlowName  string         `json:"flow_name"`
	Profile   string         `json:"profile"`
	Inputs    map[string]any `json:"inputs,omitempty"`
	Status    RunStatus      `json:"status"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	Steps     []StepRun      `json:"steps,omitempty"`
}

// StepRun is one persisted step execution within a run.
type StepRun struct {
	ID        uuid.UUID  `json:"id"`
	RunID     uuid.UUID  `json:"run_id"`
	StepID    string     `json:"step_id"`
	Action    string     `json:"action"`
	Status    StepStatus `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Output    any        `json:"output,omitempty"`
	Error     string     `json:"error,omitempty"`
}

type RunStatus string

type StepStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunSucceeded RunStatus = "SUCCEEDED"
	RunFailed    RunStatus = "FAILED"
	RunStopped   RunStatus = "STOPPED"

	StepSucceeded StepStatus = "SUCCEEDED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
)
