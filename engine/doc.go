// Package engine executes built workflow graphs. The Scheduler runs a
// single decision loop that owns every state transition: it dispatches
// ready steps to bounded workers, applies guard and retry policy, and
// decides run completion. The Orchestrator wraps the scheduler with run
// lifecycle management, persistence, working-memory compaction hooks,
// metrics, and tracing.
//
// Adapters never see engine internals. A step invocation receives
// resolved inputs, a bounded context, and a read-only memory handle;
// everything else stays behind the decision loop.
package engine
