package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/types"
)

func TestBindingStore_VariablesAndOutputs(t *testing.T) {
	t.Parallel()

	b := NewBindingStore(map[string]any{"env": "prod"})

	v, ok := b.Variable("env")
	require.True(t, ok)
	assert.Equal(t, "prod", v)

	_, ok = b.Variable("missing")
	assert.False(t, ok)

	require.NoError(t, b.WriteOutputs("fetch", map[string]any{"body": "hello"}))

	out, ok := b.Output("fetch", "body")
	require.True(t, ok)
	assert.Equal(t, "hello", out)

	_, ok = b.Output("fetch", "missing")
	assert.False(t, ok)
}

func TestBindingStore_WriteIsAppendOnly(t *testing.T) {
	t.Parallel()

	b := NewBindingStore(nil)
	require.NoError(t, b.WriteOutputs("a", map[string]any{"n": 1}))

	err := b.WriteOutputs("a", map[string]any{"n": 2})
	require.Error(t, err)
	assert.Equal(t, types.ErrBindingConflict, types.GetErrorCode(err))

	// The original value is untouched.
	v, _ := b.Output("a", "n")
	assert.Equal(t, 1, v)
}

func TestBindingStore_ResolveValue(t *testing.T) {
	t.Parallel()

	b := NewBindingStore(map[string]any{"region": "eu"})
	require.NoError(t, b.WriteOutputs("plan", map[string]any{"id": 42}))

	v, present := b.ResolveValue("variables.region")
	assert.True(t, present)
	assert.Equal(t, "eu", v)

	v, present = b.ResolveValue("steps.plan.outputs.id")
	assert.True(t, present)
	assert.Equal(t, 42, v)

	// Literals pass through, including non-strings.
	v, present = b.ResolveValue(7)
	assert.True(t, present)
	assert.Equal(t, 7, v)

	v, present = b.ResolveValue("plain text")
	assert.True(t, present)
	assert.Equal(t, "plain text", v)

	// A reference to a skipped step's output resolves to Absent.
	v, present = b.ResolveValue("steps.skipped.outputs.x")
	assert.False(t, present)
	assert.True(t, IsAbsent(v))
}

func TestBindingStore_SnapshotIsDetached(t *testing.T) {
	t.Parallel()

	b := NewBindingStore(map[string]any{"k": "v"})
	require.NoError(t, b.WriteOutputs("a", map[string]any{"x": 1}))

	vars, outs := b.Snapshot()
	vars["k"] = "mutated"
	outs["a"]["x"] = 99

	v, _ := b.Variable("k")
	assert.Equal(t, "v", v)
	x, _ := b.Output("a", "x")
	assert.Equal(t, 1, x)
}
