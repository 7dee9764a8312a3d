package workflow

import (
	"strings"

	"github.com/agentmesh/agentmesh/types"
)

// Build compiles a definition into a validated Graph. It is a pure
// function of the definition: no side effects, no registry lookups.
//
// Validation failures:
//   - DUPLICATE_STEP_ID when two steps share an id
//   - DANGLING_REFERENCE when an input, guard, or dependsOn entry names a
//     step or output key the definition does not declare
//   - CYCLIC_DEPENDENCY when the edge set contains a cycle; the offending
//     cycle is reported as a step-id sequence
func Build(def *Definition) (*Graph, error) {
	if def == nil || len(def.Steps) == 0 {
		return nil, types.NewError(types.ErrInvalidDefinition, "definition has no steps")
	}

	g := &Graph{
		def:    def.Clone(),
		order:  make(map[string]int, len(def.Steps)),
		preds:  make(map[string]map[string]struct{}, len(def.Steps)),
		succs:  make(map[string][]string, len(def.Steps)),
		guards: make(map[string]GuardFunc),
	}

	for i := range g.def.Steps {
		step := &g.def.Steps[i]
		if step.ID == "" {
			return nil, types.Errorf(types.ErrInvalidDefinition, "step %d has no id", i)
		}
		if step.Capability == "" {
			return nil, types.Errorf(types.ErrInvalidDefinition,
				"step %s names no capability", step.ID).WithStep(step.ID)
		}
		if _, dup := g.order[step.ID]; dup {
			return nil, types.Errorf(types.ErrDuplicateStepID,
				"duplicate step id %q", step.ID).WithStep(step.ID)
		}
		g.order[step.ID] = i
		g.preds[step.ID] = make(map[string]struct{})
	}

	for i := range g.def.Steps {
		step := &g.def.Steps[i]

		refs, err := stepRefs(step)
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			if ref.Kind != RefStepOutput {
				continue
			}
			target, ok := g.def.Step(ref.StepID)
			if !ok {
				return nil, types.Errorf(types.ErrDanglingReference,
					"step %s references unknown step %q", step.ID, ref.StepID).WithStep(step.ID)
			}
			if !target.DeclaresOutput(ref.Key) {
				return nil, types.Errorf(types.ErrDanglingReference,
					"step %s references undeclared output %q of step %s",
					step.ID, ref.Key, ref.StepID).WithStep(step.ID)
			}
			addEdge(g, ref.StepID, step.ID)
		}

		for _, dep := range step.DependsOn {
			if _, ok := g.order[dep]; !ok {
				return nil, types.Errorf(types.ErrDanglingReference,
					"step %s depends on unknown step %q", step.ID, dep).WithStep(step.ID)
			}
			addEdge(g, dep, step.ID)
		}

		if step.GuardFunc != nil {
			g.guards[step.ID] = step.GuardFunc
		} else if step.Guard != "" {
			fn, err := CompileGuard(step.Guard)
			if err != nil {
				if te, ok := err.(*types.Error); ok {
					te.WithStep(step.ID)
				}
				return nil, err
			}
			g.guards[step.ID] = fn
		}
	}

	if cycle := findCycle(g); len(cycle) > 0 {
		return nil, types.Errorf(types.ErrCyclicDependency,
			"dependency cycle: %s", strings.Join(cycle, " -> "))
	}

	return g, nil
}

// stepRefs collects the references a step reads: input references plus
// any references its guard expression touches.
func stepRefs(step *StepDefinition) ([]Ref, error) {
	var refs []Ref
	for _, ref := range InputRefs(step) {
		refs = append(refs, ref)
	}
	if step.Guard != "" && step.GuardFunc == nil {
		guardRefs, err := GuardRefs(step.Guard)
		if err != nil {
			if te, ok := err.(*types.Error); ok {
				te.WithStep(step.ID)
			}
			return nil, err
		}
		refs = append(refs, guardRefs...)
	}
	return refs, nil
}

func addEdge(g *Graph, from, to string) {
	if from == to {
		// Self-edges surface as a one-step cycle in findCycle.
		g.succs[from] = append(g.succs[from], to)
		g.preds[to][from] = struct{}{}
		return
	}
	if _, exists := g.preds[to][from]; exists {
		return
	}
	g.preds[to][from] = struct{}{}
	g.succs[from] = append(g.succs[from], to)
}

// dfs coloring states
const (
	colorWhite = iota // unvisited
	colorGray         // on the current DFS path
	colorBlack        // fully explored
)

// findCycle detects a cycle via DFS coloring and returns it as a step-id
// sequence (closed: first id repeated at the end), or nil when acyclic.
func findCycle(g *Graph) []string {
	color := make(map[string]int, len(g.order))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = colorGray
		stack = append(stack, id)

		for _, next := range g.succs[id] {
			switch color[next] {
			case colorGray:
				// Back edge: slice the current path from the repeated node.
				for i, s := range stack {
					if s == next {
						return append(append([]string(nil), stack[i:]...), next)
					}
				}
			case colorWhite:
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = colorBlack
		return nil
	}

	// Iterate in definition order so reported cycles are deterministic.
	for _, step := range g.def.Steps {
		if color[step.ID] == colorWhite {
			if cycle := visit(step.ID); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
