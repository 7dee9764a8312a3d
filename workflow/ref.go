package workflow

import "strings"

// RefKind identifies what a binding reference points at.
type RefKind int

const (
	// RefStepOutput references a prior step's declared output.
	RefStepOutput RefKind = iota
	// RefVariable references an initial workflow variable.
	RefVariable
)

// Ref is a parsed binding reference.
type Ref struct {
	Kind RefKind
	// StepID and Key are set for RefStepOutput.
	StepID string
	Key    string
	// Name is set for RefVariable.
	Name string
}

// String renders the reference in its canonical source form.
func (r Ref) String() string {
	if r.Kind == RefVariable {
		return "variables." + r.Name
	}
	return "steps." + r.StepID + ".outputs." + r.Key
}

// ParseRef parses a binding reference of the form "steps.<id>.outputs.<key>"
// or "variables.<name>". The second return is false for anything else, in
// which case the value is treated as a literal.
func ParseRef(s string) (Ref, bool) {
	switch {
	case strings.HasPrefix(s, "variables."):
		name := s[len("variables."):]
		if name == "" || strings.Contains(name, ".") {
			return Ref{}, false
		}
		return Ref{Kind: RefVariable, Name: name}, true

	case strings.HasPrefix(s, "steps."):
		rest := s[len("steps."):]
		idx := strings.Index(rest, ".outputs.")
		if idx <= 0 {
			return Ref{}, false
		}
		stepID := rest[:idx]
		key := rest[idx+len(".outputs."):]
		if key == "" || strings.Contains(stepID, ".") || strings.Contains(key, ".") {
			return Ref{}, false
		}
		return Ref{Kind: RefStepOutput, StepID: stepID, Key: key}, true

	default:
		return Ref{}, false
	}
}

// InputRefs returns the binding references found in a step's inputs,
// keyed by parameter name. Non-reference values are omitted.
func InputRefs(step *StepDefinition) map[string]Ref {
	refs := make(map[string]Ref)
	for param, value := range step.Inputs {
		s, ok := value.(string)
		if !ok {
			continue
		}
		if ref, ok := ParseRef(s); ok {
			refs[param] = ref
		}
	}
	return refs
}
