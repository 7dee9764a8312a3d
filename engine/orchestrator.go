package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/capability"
	"github.com/agentmesh/agentmesh/compaction"
	"github.com/agentmesh/agentmesh/internal/metrics"
	"github.com/agentmesh/agentmesh/persistence"
	"github.com/agentmesh/agentmesh/types"
	"github.com/agentmesh/agentmesh/workflow"
)

const instrumentationName = "github.com/agentmesh/agentmesh/engine"

// persistTimeout bounds each best-effort store write on the hot path.
const persistTimeout = 5 * time.Second

// RunHandle is the caller's reference to an asynchronous run.
type RunHandle struct {
	run *Run
}

// RunID returns the run identifier.
func (h *RunHandle) RunID() string { return h.run.id }

// Done returns a channel closed when the run reaches a terminal status.
func (h *RunHandle) Done() <-chan struct{} { return h.run.Done() }

// Orchestrator is the façade over validation, scheduling, persistence,
// and working-memory lifecycle. Create one per process; it is safe for
// concurrent use.
type Orchestrator struct {
	registry  *capability.Registry
	store     persistence.Store
	memory    *compaction.Manager
	collector *metrics.Collector
	options   Options
	scheduler *Scheduler
	tracer    trace.Tracer
	logger    *zap.Logger

	mu   sync.RWMutex
	runs map[string]*Run
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithStore wires a persistence store for run records, revision history,
// and compaction audit trails.
func WithStore(store persistence.Store) OrchestratorOption {
	return func(o *Orchestrator) { o.store = store }
}

// WithMemory wires the compaction manager for per-capability working
// memory.
func WithMemory(m *compaction.Manager) OrchestratorOption {
	return func(o *Orchestrator) { o.memory = m }
}

// WithMetrics wires the metrics collector.
func WithMetrics(c *metrics.Collector) OrchestratorOption {
	return func(o *Orchestrator) { o.collector = c }
}

// WithEngineOptions sets the scheduler options.
func WithEngineOptions(options Options) OrchestratorOption {
	return func(o *Orchestrator) { o.options = options }
}

// NewOrchestrator creates an orchestrator around a capability registry.
func NewOrchestrator(registry *capability.Registry, logger *zap.Logger, opts ...OrchestratorOption) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		registry: registry,
		options:  DefaultOptions(),
		tracer:   otel.Tracer(instrumentationName),
		logger:   logger.With(zap.String("component", "orchestrator")),
		runs:     make(map[string]*Run),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.scheduler = NewScheduler(o.registry, o.memory, o.collector, o.onTransition, o.options, logger)
	return o
}

// Start validates the definition, creates a run, and begins executing it
// asynchronously. Validation errors surface here, before any step runs.
// extraVariables extend (and win over) the definition's variable seed.
func (o *Orchestrator) Start(ctx context.Context, def *workflow.Definition, extraVariables map[string]any) (*RunHandle, error) {
	graph, err := workflow.Build(def)
	if err != nil {
		return nil, err
	}

	// Every referenced capability must be registered before the run is
	// created, so unknown capabilities fail synchronously.
	for _, stepID := range graph.Steps() {
		step, _ := graph.Step(stepID)
		if _, err := o.registry.Resolve(step.Capability); err != nil {
			return nil, types.Errorf(types.ErrCapabilityNotFound,
				"step %q: capability %q is not registered", stepID, step.Capability)
		}
	}

	variables := make(map[string]any, len(graph.Definition().Variables)+len(extraVariables))
	for k, v := range graph.Definition().Variables {
		variables[k] = v
	}
	for k, v := range extraVariables {
		variables[k] = v
	}

	run := newRun(uuid.NewString(), graph, variables)

	o.mu.Lock()
	o.runs[run.id] = run
	o.mu.Unlock()

	o.persistRun(run)
	o.logger.Info("run started",
		zap.String("run_id", run.id),
		zap.String("workflow", def.Name),
		zap.Int("steps", len(graph.Steps())))

	runCtx, span := o.tracer.Start(context.WithoutCancel(ctx), "workflow.run",
		trace.WithAttributes(
			attribute.String("workflow.name", def.Name),
			attribute.String("run.id", run.id),
		))
	runCtx = types.WithRunID(runCtx, run.id)

	go func() {
		defer span.End()
		o.scheduler.Execute(runCtx, run)

		if status := run.Status(); status != RunSucceeded {
			span.SetStatus(codes.Error, string(status))
		}
		if o.memory != nil {
			o.memory.EndRun(runCtx, run.id)
		}
		o.persistRun(run)
	}()

	return &RunHandle{run: run}, nil
}

// Status returns a point-in-time snapshot. Never blocks.
func (o *Orchestrator) Status(h *RunHandle) *Snapshot {
	return h.run.Snapshot()
}

// Await blocks until the run is terminal, the timeout elapses, or ctx is
// cancelled. On timeout it returns the current partial snapshot together
// with an AWAIT_TIMEOUT error.
func (o *Orchestrator) Await(ctx context.Context, h *RunHandle, timeout time.Duration) (*Snapshot, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-h.run.Done():
		return h.run.Snapshot(), nil
	case <-timer.C:
		return h.run.Snapshot(), types.Errorf(types.ErrAwaitTimeout,
			"run %s still %s after %s", h.run.id, h.run.Status(), timeout)
	case <-ctx.Done():
		return h.run.Snapshot(), ctx.Err()
	}
}

// Cancel requests cooperative cancellation of a run.
func (o *Orchestrator) Cancel(h *RunHandle) {
	o.logger.Info("run cancellation requested", zap.String("run_id", h.run.id))
	h.run.Cancel()
}

// Get returns the handle of a known run.
func (o *Orchestrator) Get(runID string) (*RunHandle, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	run, ok := o.runs[runID]
	if !ok {
		return nil, types.Errorf(types.ErrRunNotFound, "run %s not found", runID)
	}
	return &RunHandle{run: run}, nil
}

// DeleteRun removes a terminal run from memory and, when a store is
// configured, from durable storage. Runs are never dropped implicitly.
func (o *Orchestrator) DeleteRun(ctx context.Context, runID string) error {
	o.mu.Lock()
	run, ok := o.runs[runID]
	if ok && !run.Status().Terminal() {
		o.mu.Unlock()
		return types.Errorf(types.ErrRunNotRunning,
			"run %s is %s; cancel it before deleting", runID, run.Status())
	}
	delete(o.runs, runID)
	o.mu.Unlock()

	if o.store == nil {
		if !ok {
			return types.Errorf(types.ErrRunNotFound, "run %s not found", runID)
		}
		return nil
	}
	return o.store.DeleteRun(ctx, runID)
}

// onTransition persists revision history and run snapshots as the
// scheduler reports status changes. Best effort: storage failures are
// logged, never propagated into the run.
func (o *Orchestrator) onTransition(run *Run, stepID, status, detail string) {
	if o.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	rev := persistence.Revision{StepID: stepID, Status: status, Detail: detail, Timestamp: time.Now()}
	if _, err := o.store.AppendRevision(ctx, run.id, rev); err != nil {
		o.logger.Warn("failed to append revision",
			zap.String("run_id", run.id),
			zap.String("step_id", stepID),
			zap.Error(err))
	}

	// Full snapshots are written on run transitions and terminal step
	// transitions; intermediate step states live in the revision trail.
	if stepID == "" || StepStatus(status).Terminal() {
		o.persistRun(run)
	}
}

func (o *Orchestrator) persistRun(run *Run) {
	if o.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := o.store.SaveRun(ctx, snapshotRecord(run.Snapshot())); err != nil {
		o.logger.Warn("failed to persist run",
			zap.String("run_id", run.id),
			zap.Error(err))
	}
}

// snapshotRecord maps a run snapshot onto the persistence schema.
func snapshotRecord(snap *Snapshot) *persistence.RunRecord {
	rec := &persistence.RunRecord{
		ID:         snap.RunID,
		Workflow:   snap.Workflow,
		Status:     string(snap.Status),
		Variables:  snap.Variables,
		Error:      snap.Error,
		StartedAt:  snap.StartedAt,
		FinishedAt: snap.FinishedAt,
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	rec.Steps = make([]persistence.StepRecord, 0, len(snap.Steps))
	for _, step := range snap.Steps {
		sr := persistence.StepRecord{
			ID:         step.StepID,
			Capability: step.Capability,
			Status:     string(step.Status),
			Attempts:   step.Attempt,
			Outputs:    step.Outputs,
			StartedAt:  step.StartedAt,
			FinishedAt: step.EndedAt,
		}
		if step.Error != "" {
			sr.Error = string(step.ErrorKind) + ": " + step.Error
		}
		rec.Steps = append(rec.Steps, sr)
	}
	return rec
}

// ArchiveToStore adapts a persistence store into the compaction manager's
// archive hook, so audit trails survive the end of a run.
func ArchiveToStore(store persistence.Store) compaction.ArchiveFunc {
	return func(ctx context.Context, runID, capabilityName string, records []compaction.Record) error {
		if len(records) == 0 {
			return nil
		}
		out := make([]persistence.CompactionRecord, 0, len(records))
		for _, rec := range records {
			out = append(out, persistence.CompactionRecord{
				RunID:         runID,
				Capability:    capabilityName,
				Tier:          int(rec.Tier),
				OriginalSize:  rec.OriginalSize,
				CompactedSize: rec.CompactedSize,
				PreservedKeys: rec.PreservedKeys,
				Flagged:       rec.Flagged,
				Timestamp:     rec.Timestamp,
			})
		}
		return store.AppendCompactions(ctx, out)
	}
}
