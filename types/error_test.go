package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "code and message",
			err:  NewError(ErrTimeout, "adapter deadline exceeded"),
			want: "[TIMEOUT] adapter deadline exceeded",
		},
		{
			name: "with step",
			err:  NewError(ErrInvalidInput, "missing parameter").WithStep("fetch"),
			want: "[INVALID_INPUT] step fetch: missing parameter",
		},
		{
			name: "with cause",
			err:  NewError(ErrCapabilityUnavailable, "backend unreachable").WithCause(errors.New("dial tcp: refused")),
			want: "[CAPABILITY_UNAVAILABLE] backend unreachable: dial tcp: refused",
		},
		{
			name: "with step and cause",
			err: NewError(ErrExecutionError, "handler panicked").
				WithStep("notify").
				WithCause(errors.New("boom")),
			want: "[EXECUTION_ERROR] step notify: handler panicked: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("root cause")
	err := NewError(ErrExecutionError, "wrapper").WithCause(cause)

	require.ErrorIs(t, err, cause)
	assert.ErrorIs(t, fmt.Errorf("outer: %w", err), cause)
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	assert.True(t, IsRetryable(NewError(ErrTimeout, "t").WithRetryable(true)))
	assert.False(t, IsRetryable(NewError(ErrInvalidInput, "i")))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestGetErrorCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ErrCyclicDependency, GetErrorCode(NewError(ErrCyclicDependency, "cycle")))
	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
}
