package engine

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/capability"
	"github.com/agentmesh/agentmesh/compaction"
	"github.com/agentmesh/agentmesh/persistence"
	"github.com/agentmesh/agentmesh/types"
	"github.com/agentmesh/agentmesh/workflow"
)

func TestOrchestrator_StartRejectsCycle(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, DefaultOptions(), echoAdapter("worker", nil))
	def := &workflow.Definition{
		Name: "cyclic",
		Steps: []workflow.StepDefinition{
			{ID: "a", Capability: "worker", DependsOn: []string{"b"}},
			{ID: "b", Capability: "worker", DependsOn: []string{"a"}},
		},
	}

	h, err := o.Start(context.Background(), def, nil)
	require.Error(t, err)
	assert.Nil(t, h)
	assert.Equal(t, types.ErrCyclicDependency, types.GetErrorCode(err))
}

func TestOrchestrator_StartRejectsUnknownCapability(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, DefaultOptions(), echoAdapter("worker", nil))
	def := &workflow.Definition{
		Name: "unknown",
		Steps: []workflow.StepDefinition{
			{ID: "a", Capability: "worker"},
			{ID: "b", Capability: "no_such_capability"},
		},
	}

	h, err := o.Start(context.Background(), def, nil)
	require.Error(t, err)
	assert.Nil(t, h)
	assert.Equal(t, types.ErrCapabilityNotFound, types.GetErrorCode(err))
}

func TestOrchestrator_AwaitTimeoutReturnsPartialSnapshot(t *testing.T) {
	t.Parallel()

	blocker := capability.NewFuncAdapter("blocker", 10*time.Second,
		func(ctx context.Context, inv capability.Invocation) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})

	o := newTestOrchestrator(t, DefaultOptions(), blocker)
	def := &workflow.Definition{
		Name:  "stuck",
		Steps: []workflow.StepDefinition{{ID: "only", Capability: "blocker"}},
	}

	h, err := o.Start(context.Background(), def, nil)
	require.NoError(t, err)

	snap, err := o.Await(context.Background(), h, 30*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, types.ErrAwaitTimeout, types.GetErrorCode(err))
	require.NotNil(t, snap, "a timed-out Await still reports the partial state")
	assert.Equal(t, RunRunning, snap.Status)

	o.Cancel(h)
	final := awaitRun(t, o, h)
	assert.Equal(t, RunCancelled, final.Status)
}

func TestOrchestrator_ExtraVariablesOverrideDefinition(t *testing.T) {
	t.Parallel()

	var seen atomic.Value
	reader := capability.NewFuncAdapter("reader", time.Second,
		func(_ context.Context, inv capability.Invocation) (map[string]any, error) {
			if s, ok := inv.Inputs["region"].(string); ok {
				seen.Store(s)
			}
			return nil, nil
		})

	o := newTestOrchestrator(t, DefaultOptions(), reader)
	def := &workflow.Definition{
		Name:      "vars",
		Variables: map[string]any{"region": "eu"},
		Steps: []workflow.StepDefinition{
			{ID: "only", Capability: "reader",
				Inputs: map[string]any{"region": "variables.region"}},
		},
	}

	h, err := o.Start(context.Background(), def, map[string]any{"region": "us"})
	require.NoError(t, err)
	snap := awaitRun(t, o, h)

	assert.Equal(t, RunSucceeded, snap.Status)
	assert.Equal(t, "us", seen.Load(), "caller-supplied variables win over definition defaults")
	assert.Equal(t, "us", snap.Variables["region"])
}

func TestOrchestrator_PersistsRunAndRevisions(t *testing.T) {
	t.Parallel()

	store := persistence.NewMemoryStore(persistence.StoreConfig{})
	defer store.Close()

	registry := capability.NewRegistry(zap.NewNop())
	registry.MustRegister(echoAdapter("worker", nil))
	o := NewOrchestrator(registry, zap.NewNop(), WithStore(store))

	def := &workflow.Definition{
		Name: "persisted",
		Steps: []workflow.StepDefinition{
			{ID: "a", Capability: "worker", Outputs: []string{"out"}},
			{ID: "b", Capability: "worker",
				Inputs: map[string]any{"from": "steps.a.outputs.out"}},
		},
	}

	h, err := o.Start(context.Background(), def, nil)
	require.NoError(t, err)
	snap := awaitRun(t, o, h)
	require.Equal(t, RunSucceeded, snap.Status)

	// The final persist happens after the run turns terminal.
	assert.Eventually(t, func() bool {
		rec, err := store.GetRun(context.Background(), h.RunID())
		return err == nil && rec.Status == string(RunSucceeded)
	}, 2*time.Second, 10*time.Millisecond)

	rec, err := store.GetRun(context.Background(), h.RunID())
	require.NoError(t, err)
	assert.Equal(t, "persisted", rec.Workflow)
	require.Len(t, rec.Steps, 2)
	for _, step := range rec.Steps {
		assert.Equal(t, string(StepSucceeded), step.Status)
	}

	revs, err := store.Revisions(context.Background(), h.RunID())
	require.NoError(t, err)
	require.NotEmpty(t, revs)
	for i, rev := range revs {
		assert.Equal(t, i+1, rev.Seq, "revision sequence numbers are dense from 1")
	}
	last := revs[len(revs)-1]
	assert.Equal(t, string(RunSucceeded), last.Status)
}

// unitSizer counts one unit per byte, keeping threshold math exact.
type unitSizer struct{}

func (unitSizer) Size(text string) int { return len(text) }

func TestOrchestrator_ArchivesCompactionTrail(t *testing.T) {
	t.Parallel()

	store := persistence.NewMemoryStore(persistence.StoreConfig{})
	defer store.Close()

	manager := compaction.NewManager(
		compaction.Config{Budget: 120},
		zap.NewNop(),
		compaction.WithSizer(unitSizer{}),
		compaction.WithArchive(ArchiveToStore(store)),
	)

	registry := capability.NewRegistry(zap.NewNop())
	registry.MustRegister(echoAdapter("worker", nil))
	o := NewOrchestrator(registry, zap.NewNop(),
		WithStore(store), WithMemory(manager))

	// Many steps of one capability, each with a sizeable distinct input,
	// so the working context overruns its budget and compaction runs.
	filler := strings.Repeat("z", 40)
	steps := make([]workflow.StepDefinition, 0, 8)
	prev := ""
	for _, id := range []string{"s1", "s2", "s3", "s4", "s5", "s6", "s7", "s8"} {
		step := workflow.StepDefinition{
			ID:         id,
			Capability: "worker",
			Outputs:    []string{"out"},
			Inputs:     map[string]any{"payload": id + ":" + filler},
		}
		if prev != "" {
			step.DependsOn = []string{prev}
		}
		steps = append(steps, step)
		prev = id
	}
	def := &workflow.Definition{Name: "chatty", Steps: steps}

	h, err := o.Start(context.Background(), def, nil)
	require.NoError(t, err)
	snap := awaitRun(t, o, h)
	require.Equal(t, RunSucceeded, snap.Status)

	// Archival runs after the scheduler loop drains.
	assert.Eventually(t, func() bool {
		recs, err := store.Compactions(context.Background(), h.RunID())
		return err == nil && len(recs) > 0
	}, 2*time.Second, 10*time.Millisecond)

	recs, err := store.Compactions(context.Background(), h.RunID())
	require.NoError(t, err)
	for _, rec := range recs {
		assert.Equal(t, h.RunID(), rec.RunID)
		assert.Equal(t, "worker", rec.Capability)
		if !rec.Flagged {
			assert.LessOrEqual(t, rec.CompactedSize, rec.OriginalSize)
		}
	}
}

func TestOrchestrator_GetAndDeleteRun(t *testing.T) {
	t.Parallel()

	store := persistence.NewMemoryStore(persistence.StoreConfig{})
	defer store.Close()

	release := make(chan struct{})
	gated := capability.NewFuncAdapter("gated", 10*time.Second,
		func(ctx context.Context, inv capability.Invocation) (map[string]any, error) {
			select {
			case <-release:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})

	registry := capability.NewRegistry(zap.NewNop())
	registry.MustRegister(gated)
	o := NewOrchestrator(registry, zap.NewNop(), WithStore(store))

	_, err := o.Get("no-such-run")
	require.Error(t, err)
	assert.Equal(t, types.ErrRunNotFound, types.GetErrorCode(err))

	def := &workflow.Definition{
		Name:  "deletable",
		Steps: []workflow.StepDefinition{{ID: "only", Capability: "gated"}},
	}
	h, err := o.Start(context.Background(), def, nil)
	require.NoError(t, err)

	got, err := o.Get(h.RunID())
	require.NoError(t, err)
	assert.Equal(t, h.RunID(), got.RunID())

	// A live run cannot be deleted.
	err = o.DeleteRun(context.Background(), h.RunID())
	require.Error(t, err)
	assert.Equal(t, types.ErrRunNotRunning, types.GetErrorCode(err))

	close(release)
	snap := awaitRun(t, o, h)
	require.Equal(t, RunSucceeded, snap.Status)

	require.Eventually(t, func() bool {
		rec, err := store.GetRun(context.Background(), h.RunID())
		return err == nil && rec.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, o.DeleteRun(context.Background(), h.RunID()))
	_, err = o.Get(h.RunID())
	assert.Equal(t, types.ErrRunNotFound, types.GetErrorCode(err))
	_, err = store.GetRun(context.Background(), h.RunID())
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}
