package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/capability"
	"github.com/agentmesh/agentmesh/types"
	"github.com/agentmesh/agentmesh/workflow"
)

// callRecorder captures invocation order across adapters.
type callRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *callRecorder) record(stepID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, stepID)
}

func (r *callRecorder) order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func echoAdapter(name string, rec *callRecorder) capability.Adapter {
	return capability.NewFuncAdapter(name, time.Second,
		func(_ context.Context, inv capability.Invocation) (map[string]any, error) {
			if rec != nil {
				rec.record(inv.StepID)
			}
			return map[string]any{"out": inv.StepID}, nil
		})
}

func newTestOrchestrator(t *testing.T, opts Options, adapters ...capability.Adapter) *Orchestrator {
	t.Helper()
	registry := capability.NewRegistry(zap.NewNop())
	for _, a := range adapters {
		registry.MustRegister(a)
	}
	return NewOrchestrator(registry, zap.NewNop(), WithEngineOptions(opts))
}

func awaitRun(t *testing.T, o *Orchestrator, h *RunHandle) *Snapshot {
	t.Helper()
	snap, err := o.Await(context.Background(), h, 10*time.Second)
	require.NoError(t, err)
	return snap
}

func TestScheduler_LinearChainSucceedsInOrder(t *testing.T) {
	t.Parallel()

	rec := &callRecorder{}
	o := newTestOrchestrator(t, DefaultOptions(), echoAdapter("worker", rec))

	def := &workflow.Definition{
		Name: "linear",
		Steps: []workflow.StepDefinition{
			{ID: "a", Capability: "worker", Outputs: []string{"out"}},
			{ID: "b", Capability: "worker", Outputs: []string{"out"},
				Inputs: map[string]any{"from": "steps.a.outputs.out"}},
			{ID: "c", Capability: "worker", Outputs: []string{"out"},
				Inputs: map[string]any{"from": "steps.b.outputs.out"}},
		},
	}

	h, err := o.Start(context.Background(), def, nil)
	require.NoError(t, err)
	snap := awaitRun(t, o, h)

	assert.Equal(t, RunSucceeded, snap.Status)
	assert.Equal(t, []string{"a", "b", "c"}, rec.order())
	for _, step := range snap.Steps {
		assert.Equal(t, StepSucceeded, step.Status, step.StepID)
		assert.Equal(t, 1, step.Attempt)
	}
	assert.Equal(t, "a", snap.Outputs["a"]["out"])
	assert.Equal(t, "c", snap.Outputs["c"]["out"])
}

func TestScheduler_ConcurrencyLimitNeverExceeded(t *testing.T) {
	t.Parallel()

	var current, peak atomic.Int32
	var bEnd, cEnd, dStart atomic.Int64

	slow := capability.NewFuncAdapter("slow", time.Second,
		func(_ context.Context, inv capability.Invocation) (map[string]any, error) {
			cur := current.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			if inv.StepID == "d" {
				dStart.Store(time.Now().UnixNano())
			}
			time.Sleep(20 * time.Millisecond)
			switch inv.StepID {
			case "b":
				bEnd.Store(time.Now().UnixNano())
			case "c":
				cEnd.Store(time.Now().UnixNano())
			}
			current.Add(-1)
			return map[string]any{"out": inv.StepID}, nil
		})

	o := newTestOrchestrator(t, Options{ConcurrencyLimit: 1}, slow)
	def := &workflow.Definition{
		Name: "diamond",
		Steps: []workflow.StepDefinition{
			{ID: "a", Capability: "slow", Outputs: []string{"out"}},
			{ID: "b", Capability: "slow", Outputs: []string{"out"}, DependsOn: []string{"a"}},
			{ID: "c", Capability: "slow", Outputs: []string{"out"}, DependsOn: []string{"a"}},
			{ID: "d", Capability: "slow", DependsOn: []string{"b", "c"}},
		},
	}

	h, err := o.Start(context.Background(), def, nil)
	require.NoError(t, err)
	snap := awaitRun(t, o, h)

	assert.Equal(t, RunSucceeded, snap.Status)
	assert.Equal(t, int32(1), peak.Load(), "siblings must never run concurrently at limit 1")
	assert.Greater(t, dStart.Load(), bEnd.Load(), "d must start after b ends")
	assert.Greater(t, dStart.Load(), cEnd.Load(), "d must start after c ends")
}

func TestScheduler_GuardSkipsStepAndDependentsSeeAbsent(t *testing.T) {
	t.Parallel()

	var sawAbsent atomic.Bool
	checker := capability.NewFuncAdapter("checker", time.Second,
		func(_ context.Context, inv capability.Invocation) (map[string]any, error) {
			if workflow.IsAbsent(inv.Inputs["draft"]) {
				sawAbsent.Store(true)
			}
			return map[string]any{"ok": true}, nil
		})

	o := newTestOrchestrator(t, DefaultOptions(), echoAdapter("worker", nil), checker)
	def := &workflow.Definition{
		Name:      "guarded",
		Variables: map[string]any{"skipB": true},
		Steps: []workflow.StepDefinition{
			{ID: "a", Capability: "worker", Outputs: []string{"out"}},
			{ID: "b", Capability: "worker", Outputs: []string{"out"},
				Guard:  "variables.skipB != true",
				Inputs: map[string]any{"from": "steps.a.outputs.out"}},
			{ID: "c", Capability: "checker",
				Inputs: map[string]any{"draft": "steps.b.outputs.out"}},
		},
	}

	h, err := o.Start(context.Background(), def, nil)
	require.NoError(t, err)
	snap := awaitRun(t, o, h)

	assert.Equal(t, RunSucceeded, snap.Status)
	b, _ := snap.StepByID("b")
	assert.Equal(t, StepSkipped, b.Status)
	c, _ := snap.StepByID("c")
	assert.Equal(t, StepSucceeded, c.Status)
	assert.True(t, sawAbsent.Load(), "optional reference to a skipped step must resolve to Absent")
}

func TestScheduler_RetryExhaustionFailsStepAndBlocksDependents(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	flaky := capability.NewFuncAdapter("flaky", time.Second,
		func(_ context.Context, inv capability.Invocation) (map[string]any, error) {
			attempts.Add(1)
			return nil, capability.NewTimeoutError("backend did not answer")
		})

	o := newTestOrchestrator(t, DefaultOptions(), flaky, echoAdapter("worker", nil))
	def := &workflow.Definition{
		Name: "retrying",
		Steps: []workflow.StepDefinition{
			{ID: "x", Capability: "flaky", Outputs: []string{"out"},
				Retry: workflow.RetryPolicy{
					MaxAttempts:       3,
					InitialBackoff:    5 * time.Millisecond,
					MaxBackoff:        20 * time.Millisecond,
					BackoffMultiplier: 2,
				}},
			{ID: "y", Capability: "worker",
				Inputs: map[string]any{"from": "steps.x.outputs.out"}},
		},
	}

	h, err := o.Start(context.Background(), def, nil)
	require.NoError(t, err)
	snap := awaitRun(t, o, h)

	assert.Equal(t, RunFailed, snap.Status)
	assert.Equal(t, int32(3), attempts.Load())
	x, _ := snap.StepByID("x")
	assert.Equal(t, StepFailed, x.Status)
	assert.Equal(t, types.ErrTimeout, x.ErrorKind)
	assert.Equal(t, 3, x.Attempt)
	y, _ := snap.StepByID("y")
	assert.Equal(t, StepBlocked, y.Status)
}

func TestScheduler_InvalidInputNeverRetried(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	strict := capability.NewFuncAdapter("strict", time.Second,
		func(_ context.Context, inv capability.Invocation) (map[string]any, error) {
			attempts.Add(1)
			return nil, capability.NewInvalidInputError("schema mismatch")
		})

	o := newTestOrchestrator(t, DefaultOptions(), strict)
	def := &workflow.Definition{
		Name: "strict",
		Steps: []workflow.StepDefinition{
			{ID: "only", Capability: "strict",
				Retry: workflow.RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Millisecond}},
		},
	}

	h, err := o.Start(context.Background(), def, nil)
	require.NoError(t, err)
	snap := awaitRun(t, o, h)

	assert.Equal(t, RunFailed, snap.Status)
	assert.Equal(t, int32(1), attempts.Load(), "INVALID_INPUT is not retry-eligible")
}

func TestScheduler_MandatoryReferenceToSkippedStepBlocks(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, DefaultOptions(), echoAdapter("worker", nil))
	def := &workflow.Definition{
		Name:      "mandatory",
		Variables: map[string]any{"enabled": false},
		Steps: []workflow.StepDefinition{
			{ID: "a", Capability: "worker", Outputs: []string{"out"},
				Guard: "variables.enabled"},
			{ID: "b", Capability: "worker", Outputs: []string{"out"},
				Inputs:    map[string]any{"draft": "steps.a.outputs.out"},
				Mandatory: []string{"draft"}},
			{ID: "c", Capability: "worker",
				Inputs: map[string]any{"from": "steps.b.outputs.out"}},
		},
	}

	h, err := o.Start(context.Background(), def, nil)
	require.NoError(t, err)
	snap := awaitRun(t, o, h)

	assert.Equal(t, RunFailed, snap.Status)
	a, _ := snap.StepByID("a")
	assert.Equal(t, StepSkipped, a.Status)
	b, _ := snap.StepByID("b")
	assert.Equal(t, StepBlocked, b.Status)
	c, _ := snap.StepByID("c")
	assert.Equal(t, StepBlocked, c.Status)
}

func TestScheduler_ContinueOnErrorFinishesIndependentBranch(t *testing.T) {
	t.Parallel()

	broken := capability.NewFuncAdapter("broken", time.Second,
		func(_ context.Context, inv capability.Invocation) (map[string]any, error) {
			return nil, capability.NewExecutionError("boom", false)
		})

	o := newTestOrchestrator(t, Options{ConcurrencyLimit: 2, ContinueOnError: true},
		broken, echoAdapter("worker", nil))
	def := &workflow.Definition{
		Name: "branches",
		Steps: []workflow.StepDefinition{
			{ID: "bad", Capability: "broken", Outputs: []string{"out"}},
			{ID: "bad_child", Capability: "worker",
				Inputs: map[string]any{"from": "steps.bad.outputs.out"}},
			{ID: "good", Capability: "worker", Outputs: []string{"out"}},
			{ID: "good_child", Capability: "worker",
				Inputs: map[string]any{"from": "steps.good.outputs.out"}},
		},
	}

	h, err := o.Start(context.Background(), def, nil)
	require.NoError(t, err)
	snap := awaitRun(t, o, h)

	assert.Equal(t, RunFailed, snap.Status)
	bad, _ := snap.StepByID("bad")
	assert.Equal(t, StepFailed, bad.Status)
	badChild, _ := snap.StepByID("bad_child")
	assert.Equal(t, StepBlocked, badChild.Status)
	good, _ := snap.StepByID("good")
	assert.Equal(t, StepSucceeded, good.Status)
	goodChild, _ := snap.StepByID("good_child")
	assert.Equal(t, StepSucceeded, goodChild.Status)
}

func TestScheduler_FailFastLeavesUnstartedStepsPending(t *testing.T) {
	t.Parallel()

	broken := capability.NewFuncAdapter("broken", time.Second,
		func(_ context.Context, inv capability.Invocation) (map[string]any, error) {
			return nil, capability.NewExecutionError("boom", false)
		})

	o := newTestOrchestrator(t, Options{ConcurrencyLimit: 1}, broken, echoAdapter("worker", nil))
	def := &workflow.Definition{
		Name: "failfast",
		Steps: []workflow.StepDefinition{
			{ID: "bad", Capability: "broken"},
			{ID: "independent", Capability: "worker"},
		},
	}

	h, err := o.Start(context.Background(), def, nil)
	require.NoError(t, err)
	snap := awaitRun(t, o, h)

	assert.Equal(t, RunFailed, snap.Status)
	independent, _ := snap.StepByID("independent")
	assert.Equal(t, StepPending, independent.Status,
		"fail-fast stops dispatch; the queued step never ran")
}

func TestScheduler_DispatchOrderIsDefinitionOrder(t *testing.T) {
	t.Parallel()

	for round := 0; round < 3; round++ {
		rec := &callRecorder{}
		o := newTestOrchestrator(t, Options{ConcurrencyLimit: 1}, echoAdapter("worker", rec))
		def := &workflow.Definition{
			Name: "independent",
			Steps: []workflow.StepDefinition{
				{ID: "third", Capability: "worker"},
				{ID: "first", Capability: "worker"},
				{ID: "second", Capability: "worker"},
			},
		}

		h, err := o.Start(context.Background(), def, nil)
		require.NoError(t, err)
		snap := awaitRun(t, o, h)

		assert.Equal(t, RunSucceeded, snap.Status)
		assert.Equal(t, []string{"third", "first", "second"}, rec.order(),
			"dispatch must follow definition order, round %d", round)
	}
}

func TestScheduler_DeadlineEnforcedOnStubbornAdapter(t *testing.T) {
	t.Parallel()

	stubborn := capability.NewFuncAdapter("stubborn", time.Second,
		func(_ context.Context, inv capability.Invocation) (map[string]any, error) {
			// Ignores its context on purpose.
			time.Sleep(300 * time.Millisecond)
			return map[string]any{"out": "too late"}, nil
		})

	o := newTestOrchestrator(t, DefaultOptions(), stubborn)
	def := &workflow.Definition{
		Name: "deadline",
		Steps: []workflow.StepDefinition{
			{ID: "only", Capability: "stubborn", Outputs: []string{"out"},
				Timeout: 30 * time.Millisecond},
		},
	}

	started := time.Now()
	h, err := o.Start(context.Background(), def, nil)
	require.NoError(t, err)
	snap := awaitRun(t, o, h)

	assert.Equal(t, RunFailed, snap.Status)
	only, _ := snap.StepByID("only")
	assert.Equal(t, StepFailed, only.Status)
	assert.Equal(t, types.ErrTimeout, only.ErrorKind)
	assert.Less(t, time.Since(started), 250*time.Millisecond,
		"the run must fail at the deadline, not when the adapter finally returns")
	assert.Empty(t, snap.Outputs["only"], "an overdue result is discarded")
}

func TestScheduler_CancelStopsNewStepsAndRecordsInFlight(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var started atomic.Int32
	slow := capability.NewFuncAdapter("slow", 10*time.Second,
		func(ctx context.Context, inv capability.Invocation) (map[string]any, error) {
			started.Add(1)
			select {
			case <-release:
				return map[string]any{"out": inv.StepID}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})

	o := newTestOrchestrator(t, Options{ConcurrencyLimit: 2}, slow)
	def := &workflow.Definition{
		Name: "cancellable",
		Steps: []workflow.StepDefinition{
			{ID: "a", Capability: "slow", Outputs: []string{"out"}},
			{ID: "b", Capability: "slow", Outputs: []string{"out"}},
			{ID: "late", Capability: "slow", DependsOn: []string{"a", "b"}},
		},
	}

	h, err := o.Start(context.Background(), def, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return started.Load() == 2 },
		2*time.Second, 5*time.Millisecond)

	o.Cancel(h)
	snap := awaitRun(t, o, h)
	close(release)

	assert.Equal(t, RunCancelled, snap.Status)
	assert.Equal(t, int32(2), started.Load(), "no new step may start after cancellation")

	// The terminal status does not change once the in-flight steps drain.
	assert.Eventually(t, func() bool {
		late, _ := o.Status(h).StepByID("late")
		return late.Status == StepPending && o.Status(h).Status == RunCancelled
	}, 2*time.Second, 5*time.Millisecond)
}

func TestScheduler_SucceededOutputsVisibleInBindings(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, DefaultOptions(), echoAdapter("worker", nil))
	def := &workflow.Definition{
		Name: "outputs",
		Steps: []workflow.StepDefinition{
			{ID: "a", Capability: "worker", Outputs: []string{"out"}},
		},
	}

	h, err := o.Start(context.Background(), def, nil)
	require.NoError(t, err)
	snap := awaitRun(t, o, h)

	require.Equal(t, RunSucceeded, snap.Status)
	assert.Equal(t, "a", snap.Outputs["a"]["out"])
}

func TestScheduler_DefaultStepTimeoutAppliesToUndeclaredSteps(t *testing.T) {
	t.Parallel()

	stubborn := capability.NewFuncAdapter("stubborn", 10*time.Second,
		func(_ context.Context, inv capability.Invocation) (map[string]any, error) {
			// Ignores its context on purpose.
			time.Sleep(300 * time.Millisecond)
			return map[string]any{"out": "too late"}, nil
		})

	opts := DefaultOptions()
	opts.DefaultStepTimeout = 30 * time.Millisecond
	o := newTestOrchestrator(t, opts, stubborn)
	def := &workflow.Definition{
		Name: "default-deadline",
		Steps: []workflow.StepDefinition{
			// No step timeout: the engine default applies, not the
			// adapter's own 10s.
			{ID: "only", Capability: "stubborn", Outputs: []string{"out"}},
		},
	}

	started := time.Now()
	h, err := o.Start(context.Background(), def, nil)
	require.NoError(t, err)
	snap := awaitRun(t, o, h)

	assert.Equal(t, RunFailed, snap.Status)
	only, _ := snap.StepByID("only")
	assert.Equal(t, StepFailed, only.Status)
	assert.Equal(t, types.ErrTimeout, only.ErrorKind)
	assert.Less(t, time.Since(started), 250*time.Millisecond,
		"the configured default deadline must fire, not the adapter timeout")
}

func TestScheduler_TraceIDReachesAdapterContext(t *testing.T) {
	t.Parallel()

	traceID, err := trace.TraceIDFromHex("0af7651916cd43dd8448eb211c80319c")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("b7ad6b7169203331")
	require.NoError(t, err)
	parent := trace.ContextWithSpanContext(context.Background(),
		trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     spanID,
			TraceFlags: trace.FlagsSampled,
		}))

	var seen atomic.Value
	tracedWorker := capability.NewFuncAdapter("worker", time.Second,
		func(ctx context.Context, inv capability.Invocation) (map[string]any, error) {
			if id, ok := types.TraceID(ctx); ok {
				seen.Store(id)
			}
			return map[string]any{"out": inv.StepID}, nil
		})

	o := newTestOrchestrator(t, DefaultOptions(), tracedWorker)
	def := &workflow.Definition{
		Name: "traced",
		Steps: []workflow.StepDefinition{
			{ID: "a", Capability: "worker", Outputs: []string{"out"}},
		},
	}

	h, err := o.Start(parent, def, nil)
	require.NoError(t, err)
	snap := awaitRun(t, o, h)

	require.Equal(t, RunSucceeded, snap.Status)
	assert.Equal(t, traceID.String(), seen.Load(),
		"the step span's trace id must be visible to the adapter")
}
