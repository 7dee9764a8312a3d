package capability

import (
	"context"
	"time"

	"github.com/agentmesh/agentmesh/types"
)

// ContextHandle exposes a compacted, read-only view of the per-agent
// working memory accumulated for the current run. Adapters read views;
// they never mutate the underlying context directly.
type ContextHandle interface {
	// Window returns the current compacted entries, oldest first, as
	// plain strings ready for prompt assembly.
	Window(ctx context.Context) []string
	// Size returns the current context size in context units.
	Size() int
}

// Invocation carries one step invocation into an adapter.
type Invocation struct {
	// RunID and StepID identify the invocation for logging and tracing.
	RunID  string
	StepID string
	// Attempt is 1-based; retries increment it.
	Attempt int
	// Inputs are the step's resolved inputs. References to skipped steps
	// arrive as the workflow Absent sentinel, never as missing keys.
	Inputs map[string]any
	// Memory is the adapter's compacted working-memory view. May be nil
	// when the engine runs without a compaction manager.
	Memory ContextHandle
}

// Adapter is the uniform capability contract. Invoke must be safe for
// concurrent calls across different steps and runs; the scheduler
// guarantees at most one in-flight invocation per step execution.
//
// Failure signaling uses the types error codes: TIMEOUT and
// CAPABILITY_UNAVAILABLE are retry-eligible, INVALID_INPUT never is, and
// EXECUTION_ERROR retry-eligibility is declared by the adapter.
type Adapter interface {
	// Name returns the unique capability name.
	Name() string
	// Timeout returns the default per-invocation deadline, used when the
	// step definition does not set one.
	Timeout() time.Duration
	// Invoke executes the capability. The context carries the invocation
	// deadline and run-level cancellation; adapters must honor it.
	Invoke(ctx context.Context, inv Invocation) (map[string]any, error)
}

// NewTimeoutError signals that the backing operation exceeded its deadline.
func NewTimeoutError(message string) *types.Error {
	return types.NewError(types.ErrTimeout, message).WithRetryable(true)
}

// NewUnavailableError signals that the backing integration is unreachable.
func NewUnavailableError(message string) *types.Error {
	return types.NewError(types.ErrCapabilityUnavailable, message).WithRetryable(true)
}

// NewInvalidInputError signals an input schema mismatch. Never retried.
func NewInvalidInputError(message string) *types.Error {
	return types.NewError(types.ErrInvalidInput, message)
}

// NewExecutionError signals a capability-specific failure. The adapter
// declares whether a retry could help.
func NewExecutionError(message string, retryable bool) *types.Error {
	return types.NewError(types.ErrExecutionError, message).WithRetryable(retryable)
}

// FuncAdapter wraps a plain function as an Adapter. Handy for tests and
// lightweight in-process integrations.
type FuncAdapter struct {
	name    string
	timeout time.Duration
	fn      func(ctx context.Context, inv Invocation) (map[string]any, error)
}

// NewFuncAdapter creates a FuncAdapter. A zero timeout defaults to 30s.
func NewFuncAdapter(name string, timeout time.Duration, fn func(ctx context.Context, inv Invocation) (map[string]any, error)) *FuncAdapter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &FuncAdapter{name: name, timeout: timeout, fn: fn}
}

// Name implements Adapter.
func (a *FuncAdapter) Name() string { return a.name }

// Timeout implements Adapter.
func (a *FuncAdapter) Timeout() time.Duration { return a.timeout }

// Invoke implements Adapter.
func (a *FuncAdapter) Invoke(ctx context.Context, inv Invocation) (map[string]any, error) {
	return a.fn(ctx, inv)
}
