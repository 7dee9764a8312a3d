package workflow

import (
	"sync"

	"github.com/agentmesh/agentmesh/types"
)

// absentSentinel is the type of the Absent value.
type absentSentinel struct{}

func (absentSentinel) String() string { return "<absent>" }

// Absent is the sentinel a non-mandatory reference resolves to when the
// referenced step was skipped or produced no such output. It is a value,
// not an error: downstream steps receive it and decide what to do.
var Absent = absentSentinel{}

// IsAbsent reports whether a resolved value is the Absent sentinel.
func IsAbsent(v any) bool {
	_, ok := v.(absentSentinel)
	return ok
}

// BindingStore holds one run's bindings: the initial variable seed plus an
// append-only table of each completed step's outputs. Outputs are never
// mutated once written; a retry must discard the prior attempt's outputs
// before the new attempt's outputs are written.
//
// All writes go through the scheduler's decision loop; reads may come from
// concurrent status snapshots, so access is guarded.
type BindingStore struct {
	mu        sync.RWMutex
	variables map[string]any
	outputs   map[string]map[string]any
}

// NewBindingStore creates a binding store seeded with the given variables.
func NewBindingStore(variables map[string]any) *BindingStore {
	vars := make(map[string]any, len(variables))
	for k, v := range variables {
		vars[k] = v
	}
	return &BindingStore{
		variables: vars,
		outputs:   make(map[string]map[string]any),
	}
}

// Variable returns the named initial variable.
func (b *BindingStore) Variable(name string) (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.variables[name]
	return v, ok
}

// Output returns one output value of a completed step.
func (b *BindingStore) Output(stepID, key string) (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	outs, ok := b.outputs[stepID]
	if !ok {
		return nil, false
	}
	v, ok := outs[key]
	return v, ok
}

// WriteOutputs records a step's outputs. Writing a second time for the same
// step is a binding conflict: once bound, outputs are immutable for the
// life of the run.
func (b *BindingStore) WriteOutputs(stepID string, outputs map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.outputs[stepID]; exists {
		return types.Errorf(types.ErrBindingConflict,
			"outputs already bound for step %s", stepID).WithStep(stepID)
	}

	copied := make(map[string]any, len(outputs))
	for k, v := range outputs {
		copied[k] = v
	}
	b.outputs[stepID] = copied
	return nil
}

// Resolve resolves a reference to its bound value. The second return is
// false when the reference has no present value (unset variable, skipped
// step, undeclared output).
func (b *BindingStore) Resolve(ref Ref) (any, bool) {
	if ref.Kind == RefVariable {
		return b.Variable(ref.Name)
	}
	return b.Output(ref.StepID, ref.Key)
}

// ResolveValue resolves an input value: references are looked up, literals
// pass through. Missing references resolve to Absent with present=false.
func (b *BindingStore) ResolveValue(value any) (resolved any, present bool) {
	s, ok := value.(string)
	if !ok {
		return value, true
	}
	ref, ok := ParseRef(s)
	if !ok {
		return value, true
	}
	if v, ok := b.Resolve(ref); ok {
		return v, true
	}
	return Absent, false
}

// Snapshot returns a point-in-time copy of all bindings.
func (b *BindingStore) Snapshot() (variables map[string]any, outputs map[string]map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	variables = make(map[string]any, len(b.variables))
	for k, v := range b.variables {
		variables[k] = v
	}
	outputs = make(map[string]map[string]any, len(b.outputs))
	for id, outs := range b.outputs {
		copied := make(map[string]any, len(outs))
		for k, v := range outs {
			copied[k] = v
		}
		outputs[id] = copied
	}
	return variables, outputs
}
