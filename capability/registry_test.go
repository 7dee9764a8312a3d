package capability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/types"
)

func echoAdapter(name string) *FuncAdapter {
	return NewFuncAdapter(name, time.Second, func(_ context.Context, inv Invocation) (map[string]any, error) {
		return map[string]any{"echo": inv.Inputs["text"]}, nil
	})
}

func TestRegistry_RegisterAndResolve(t *testing.T) {
	t.Parallel()

	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Register(echoAdapter("echo")))
	require.NoError(t, r.Register(echoAdapter("notify")))

	a, err := r.Resolve("echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", a.Name())

	_, err = r.Resolve("missing")
	require.Error(t, err)
	assert.Equal(t, types.ErrCapabilityNotFound, types.GetErrorCode(err))

	assert.Equal(t, []string{"echo", "notify"}, r.Names())
}

func TestRegistry_DuplicateRegistration(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	require.NoError(t, r.Register(echoAdapter("echo")))
	assert.Error(t, r.Register(echoAdapter("echo")))

	assert.Panics(t, func() {
		r.MustRegister(echoAdapter("echo"))
	})
}

func TestRegistry_RejectsNamelessAdapter(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	assert.Error(t, r.Register(nil))
	assert.Error(t, r.Register(echoAdapter("")))
}

func TestFailureKindRetryability(t *testing.T) {
	t.Parallel()

	assert.True(t, types.IsRetryable(NewTimeoutError("deadline")))
	assert.True(t, types.IsRetryable(NewUnavailableError("down")))
	assert.False(t, types.IsRetryable(NewInvalidInputError("bad schema")))

	// ExecutionError retry-eligibility is adapter-declared.
	assert.True(t, types.IsRetryable(NewExecutionError("flaky", true)))
	assert.False(t, types.IsRetryable(NewExecutionError("fatal", false)))
}

func TestFuncAdapter_DefaultTimeout(t *testing.T) {
	t.Parallel()

	a := NewFuncAdapter("x", 0, func(context.Context, Invocation) (map[string]any, error) {
		return nil, nil
	})
	assert.Equal(t, 30*time.Second, a.Timeout())
}
