package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyRunID   contextKey = "run_id"
	keyStepID  contextKey = "step_id"
	keyTraceID contextKey = "trace_id"
)

// WithRunID adds a run id to context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, keyRunID, runID)
}

// RunID extracts the run id from context.
func RunID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRunID).(string)
	return v, ok && v != ""
}

// WithStepID adds a step id to context.
func WithStepID(ctx context.Context, stepID string) context.Context {
	return context.WithValue(ctx, keyStepID, stepID)
}

// StepID extracts the step id from context.
func StepID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyStepID).(string)
	return v, ok && v != ""
}

// WithTraceID adds a trace id to context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, keyTraceID, traceID)
}

// TraceID extracts the trace id from context.
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTraceID).(string)
	return v, ok && v != ""
}
