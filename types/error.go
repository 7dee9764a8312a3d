package types

import "fmt"

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Validation error codes, surfaced synchronously at Orchestrator.Start
// and never retried.
const (
	ErrCyclicDependency  ErrorCode = "CYCLIC_DEPENDENCY"
	ErrDanglingReference ErrorCode = "DANGLING_REFERENCE"
	ErrDuplicateStepID   ErrorCode = "DUPLICATE_STEP_ID"
	ErrInvalidDefinition ErrorCode = "INVALID_DEFINITION"
)

// Step failure codes, handled by the scheduler's retry policy.
const (
	ErrTimeout               ErrorCode = "TIMEOUT"
	ErrCapabilityUnavailable ErrorCode = "CAPABILITY_UNAVAILABLE"
	ErrInvalidInput          ErrorCode = "INVALID_INPUT"
	ErrExecutionError        ErrorCode = "EXECUTION_ERROR"
	ErrStepCancelled         ErrorCode = "STEP_CANCELLED"
)

// Engine and compaction error codes.
const (
	ErrCapabilityNotFound  ErrorCode = "CAPABILITY_NOT_FOUND"
	ErrRunNotFound         ErrorCode = "RUN_NOT_FOUND"
	ErrRunNotRunning       ErrorCode = "RUN_NOT_RUNNING"
	ErrAwaitTimeout        ErrorCode = "AWAIT_TIMEOUT"
	ErrCompactionInvariant ErrorCode = "COMPACTION_INVARIANT"
	ErrBindingConflict     ErrorCode = "BINDING_CONFLICT"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	StepID    string    `json:"step_id,omitempty"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.StepID != "" && e.Cause != nil:
		return fmt.Sprintf("[%s] step %s: %s: %v", e.Code, e.StepID, e.Message, e.Cause)
	case e.StepID != "":
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	case e.Cause != nil:
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithStep attaches the originating step id.
func (e *Error) WithStep(stepID string) *Error {
	e.StepID = stepID
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks whether an error is eligible for a retry attempt.
// Timeout and CapabilityUnavailable are retry-eligible by construction;
// ExecutionError retryability is declared by the adapter that raised it.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
