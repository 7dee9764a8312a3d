package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalGuard(t *testing.T, expr string, b *BindingStore) bool {
	t.Helper()
	fn, err := CompileGuard(expr)
	require.NoError(t, err)
	got, err := fn(context.Background(), b)
	require.NoError(t, err)
	return got
}

func TestCompileGuard_Comparisons(t *testing.T) {
	t.Parallel()

	b := NewBindingStore(map[string]any{
		"skipB":  true,
		"region": "eu",
		"count":  3,
	})
	require.NoError(t, b.WriteOutputs("check", map[string]any{"ok": false}))

	tests := []struct {
		expr string
		want bool
	}{
		{"variables.skipB == true", true},
		{"variables.skipB != true", false},
		{"variables.region == 'eu'", true},
		{`variables.region == "us"`, false},
		{"variables.count == 3", true},
		{"variables.count != 3.0", false},
		{"steps.check.outputs.ok == false", true},
		{"steps.check.outputs.ok", false},
		{"variables.skipB", true},
		{"variables.missing == null", false},
		{"variables.missing", false},
		{"true == true", true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, evalGuard(t, tt.expr, b), "expr %q", tt.expr)
	}
}

func TestCompileGuard_Errors(t *testing.T) {
	t.Parallel()

	for _, expr := range []string{"", "  ", "a == ", " == b", "a b c"} {
		_, err := CompileGuard(expr)
		assert.Error(t, err, "expr %q", expr)
	}
}

func TestGuardRefs(t *testing.T) {
	t.Parallel()

	refs, err := GuardRefs("steps.a.outputs.x == variables.y")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "a", refs[0].StepID)
	assert.Equal(t, "y", refs[1].Name)

	refs, err = GuardRefs("true == false")
	require.NoError(t, err)
	assert.Empty(t, refs)
}
