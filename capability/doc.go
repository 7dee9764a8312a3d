// Package capability defines the uniform adapter contract through which
// the engine invokes pluggable agents, plus the process-wide registry that
// maps capability names to adapter implementations.
//
// The scheduler depends only on the Adapter interface, never on concrete
// agent types. Integrations are registrations, not bespoke glue.
package capability
