package workflow

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// GuardFunc evaluates a guard against the current bindings and decides
// whether a step runs. A false result skips the step, it does not fail it.
type GuardFunc func(ctx context.Context, b *BindingStore) (bool, error)

// RetryPolicy defines retry behavior for a step.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first
	// (default: 1, i.e. no retries).
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// InitialBackoff is the delay before the first retry (default: 1s).
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`

	// MaxBackoff caps the backoff duration (default: 30s).
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff"`

	// BackoffMultiplier is the multiplier for exponential backoff (default: 2.0).
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`
}

// DefaultRetryPolicy returns a single-attempt policy with exponential
// backoff defaults of 1s/2s/4s should MaxAttempts be raised.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       1,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Backoff returns the delay before the given retry. attempt is the number
// of attempts already made, so the first retry passes 1.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	initial := p.InitialBackoff
	if initial <= 0 {
		initial = 1 * time.Second
	}
	max := p.MaxBackoff
	if max <= 0 {
		max = 30 * time.Second
	}
	multiplier := p.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	backoff := initial
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * multiplier)
		if backoff > max {
			return max
		}
	}
	if backoff > max {
		return max
	}
	return backoff
}

// StepDefinition describes one unit of work bound to a capability invocation.
type StepDefinition struct {
	// ID is the step identifier, unique within a definition.
	ID string `json:"id" yaml:"id"`

	// Capability names the registered adapter to invoke.
	Capability string `json:"capability" yaml:"capability"`

	// Inputs maps parameter names to literals or binding references of the
	// form "steps.<id>.outputs.<key>" or "variables.<name>".
	Inputs map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`

	// Outputs declares the output keys this step produces on success.
	Outputs []string `json:"outputs,omitempty" yaml:"outputs,omitempty"`

	// DependsOn declares ordering edges that carry no data flow.
	// They are unioned with the edges inferred from input references.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	// Guard is an optional boolean expression over prior outputs, e.g.
	// "variables.dryRun == false". Compiled at build time.
	Guard string `json:"guard,omitempty" yaml:"guard,omitempty"`

	// GuardFunc is a programmatic guard. Takes precedence over Guard.
	GuardFunc GuardFunc `json:"-" yaml:"-"`

	// Mandatory lists parameter names that must resolve to a present value.
	// A mandatory reference to a skipped step's output blocks this step;
	// non-mandatory references resolve to the Absent sentinel.
	Mandatory []string `json:"mandatory,omitempty" yaml:"mandatory,omitempty"`

	// Timeout bounds a single invocation attempt. Zero falls back to the
	// adapter's declared timeout.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Retry configures retry behavior for retry-eligible failures.
	Retry RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// IsMandatory reports whether the named input parameter must resolve.
func (s *StepDefinition) IsMandatory(param string) bool {
	for _, m := range s.Mandatory {
		if m == param {
			return true
		}
	}
	return false
}

// DeclaresOutput reports whether the step declares the given output key.
func (s *StepDefinition) DeclaresOutput(key string) bool {
	for _, o := range s.Outputs {
		if o == key {
			return true
		}
	}
	return false
}

// Definition is a declarative workflow: a named, ordered set of steps plus
// an initial variable seed. Definition order is significant: it is the
// dispatch order among simultaneously ready steps.
type Definition struct {
	// Name identifies the workflow.
	Name string `json:"name" yaml:"name"`

	// Description describes the workflow.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Variables seeds the binding store. Callers may extend it at start.
	Variables map[string]any `json:"variables,omitempty" yaml:"variables,omitempty"`

	// Steps are the workflow steps in definition order.
	Steps []StepDefinition `json:"steps" yaml:"steps"`
}

// Step returns the step definition with the given id.
func (d *Definition) Step(id string) (*StepDefinition, bool) {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// Clone returns a deep-enough copy of the definition. Runs snapshot their
// definition at start so later edits never affect in-flight runs.
func (d *Definition) Clone() *Definition {
	out := &Definition{
		Name:        d.Name,
		Description: d.Description,
		Steps:       make([]StepDefinition, len(d.Steps)),
	}
	if d.Variables != nil {
		out.Variables = make(map[string]any, len(d.Variables))
		for k, v := range d.Variables {
			out.Variables[k] = v
		}
	}
	for i, s := range d.Steps {
		c := s
		if s.Inputs != nil {
			c.Inputs = make(map[string]any, len(s.Inputs))
			for k, v := range s.Inputs {
				c.Inputs[k] = v
			}
		}
		c.Outputs = append([]string(nil), s.Outputs...)
		c.DependsOn = append([]string(nil), s.DependsOn...)
		c.Mandatory = append([]string(nil), s.Mandatory...)
		out.Steps[i] = c
	}
	return out
}

// LoadDefinition reads a workflow definition from a YAML file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	return ParseDefinition(data)
}

// ParseDefinition parses a workflow definition from YAML bytes.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse definition: %w", err)
	}
	return &def, nil
}
