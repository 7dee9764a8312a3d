package workflow

import "sort"

// Graph is a validated, topologically-orderable DAG compiled from a
// Definition. It is immutable after Build and safe for concurrent reads.
type Graph struct {
	def    *Definition
	order  map[string]int
	preds  map[string]map[string]struct{}
	succs  map[string][]string
	guards map[string]GuardFunc
}

// Definition returns the definition snapshot the graph was built from.
func (g *Graph) Definition() *Definition {
	return g.def
}

// Step returns a step definition by id.
func (g *Graph) Step(id string) (*StepDefinition, bool) {
	return g.def.Step(id)
}

// Steps returns all step ids in definition order.
func (g *Graph) Steps() []string {
	ids := make([]string, len(g.def.Steps))
	for i := range g.def.Steps {
		ids[i] = g.def.Steps[i].ID
	}
	return ids
}

// Order returns a step's position in the definition, the tiebreaker for
// deterministic dispatch among simultaneously ready steps.
func (g *Graph) Order(id string) int {
	return g.order[id]
}

// Predecessors returns a step's resolved predecessor set in definition order.
func (g *Graph) Predecessors(id string) []string {
	set := g.preds[id]
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return g.order[out[i]] < g.order[out[j]] })
	return out
}

// Successors returns the steps that depend on the given step, in
// definition order.
func (g *Graph) Successors(id string) []string {
	out := append([]string(nil), g.succs[id]...)
	sort.Slice(out, func(i, j int) bool { return g.order[out[i]] < g.order[out[j]] })
	return out
}

// Roots returns the steps with no predecessors, in definition order.
func (g *Graph) Roots() []string {
	var out []string
	for _, s := range g.def.Steps {
		if len(g.preds[s.ID]) == 0 {
			out = append(out, s.ID)
		}
	}
	return out
}

// Guard returns the compiled guard for a step, or nil when unguarded.
func (g *Graph) Guard(id string) GuardFunc {
	return g.guards[id]
}

// Descendants returns every step transitively reachable from the given
// step. Used to mark dependents blocked after a terminal failure.
func (g *Graph) Descendants(id string) []string {
	seen := make(map[string]struct{})
	var walk func(string)
	walk = func(cur string) {
		for _, next := range g.succs[cur] {
			if _, ok := seen[next]; ok {
				continue
			}
			seen[next] = struct{}{}
			walk(next)
		}
	}
	walk(id)

	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return g.order[out[i]] < g.order[out[j]] })
	return out
}
