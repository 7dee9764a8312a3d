// Package workflow defines the declarative workflow model: definitions,
// binding references, guard expressions, the append-only binding store,
// and the dependency graph builder that validates a definition into an
// executable DAG.
//
// A definition is a pure description of work. Building it produces a Graph
// with resolved predecessor sets; execution belongs to the engine package.
package workflow
