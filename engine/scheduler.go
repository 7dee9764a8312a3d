package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/capability"
	"github.com/agentmesh/agentmesh/compaction"
	"github.com/agentmesh/agentmesh/internal/metrics"
	"github.com/agentmesh/agentmesh/types"
	"github.com/agentmesh/agentmesh/workflow"
)

// Options configure the execution engine.
type Options struct {
	// ConcurrencyLimit bounds concurrently running steps. Minimum 1.
	ConcurrencyLimit int
	// ContinueOnError lets independent branches finish after a step has
	// exhausted its retries. The default fail-fast policy stops
	// dispatching as soon as one step fails terminally.
	ContinueOnError bool
	// DefaultStepTimeout applies to steps that declare no timeout of
	// their own. Zero defers to the adapter's timeout.
	DefaultStepTimeout time.Duration
}

// DefaultOptions returns the engine defaults: four workers, fail-fast.
func DefaultOptions() Options {
	return Options{ConcurrencyLimit: 4}
}

func (o Options) normalized() Options {
	if o.ConcurrencyLimit < 1 {
		o.ConcurrencyLimit = 1
	}
	return o
}

// TransitionFunc observes run and step status changes. A run-level
// transition carries an empty step id. Called from the decision loop;
// implementations must not block on run state.
type TransitionFunc func(run *Run, stepID string, status string, detail string)

// Scheduler executes runs: it owns the decision loop that serializes all
// step transitions and binding writes, and dispatches invocations to a
// bounded set of workers.
type Scheduler struct {
	registry *capability.Registry
	memory   *compaction.Manager
	metrics  *metrics.Collector
	onChange TransitionFunc
	options  Options
	tracer   trace.Tracer
	logger   *zap.Logger
}

// NewScheduler creates a scheduler. memory, collector, and onChange are
// optional.
func NewScheduler(registry *capability.Registry, memory *compaction.Manager, collector *metrics.Collector, onChange TransitionFunc, options Options, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		registry: registry,
		memory:   memory,
		metrics:  collector,
		onChange: onChange,
		options:  options.normalized(),
		tracer:   otel.Tracer(instrumentationName),
		logger:   logger.With(zap.String("component", "scheduler")),
	}
}

// stepResult carries one finished invocation back into the decision loop.
type stepResult struct {
	stepID  string
	attempt int
	outputs map[string]any
	err     error
	elapsed time.Duration
}

// loop is the per-run scheduling state. Only the decision-loop goroutine
// touches it.
type loop struct {
	run   *Run
	graph *workflow.Graph

	// waiting counts each pending step's predecessors that have not yet
	// ended Succeeded or Skipped.
	waiting map[string]int
	ready   []string

	running        int
	retriesPending int
	cancelled      bool
	failTripped    bool

	// capsSeen tracks which capabilities already had the run variables
	// recorded into their working memory.
	capsSeen map[string]bool
}

// Execute drives a run to a terminal status. It blocks until every
// in-flight invocation has been drained; callers normally run it on its
// own goroutine and watch run.Done.
func (s *Scheduler) Execute(ctx context.Context, r *Run) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.cancelCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	st := &loop{
		run:      r,
		graph:    r.graph,
		waiting:  make(map[string]int),
		capsSeen: make(map[string]bool),
	}
	for _, stepID := range st.graph.Steps() {
		st.waiting[stepID] = len(st.graph.Predecessors(stepID))
	}

	s.setRunStatus(r, RunRunning, "")
	for _, stepID := range st.graph.Roots() {
		s.markReady(st, stepID)
	}

	resultCh := make(chan stepResult)
	retryCh := make(chan string)
	loopDone := make(chan struct{})
	defer close(loopDone)

	for {
		s.dispatch(ctx, st, resultCh)

		if s.finished(st) {
			s.finishRun(st)
			return
		}

		select {
		case res := <-resultCh:
			st.running--
			s.handleResult(ctx, st, res, retryCh, loopDone)
		case stepID := <-retryCh:
			st.retriesPending--
			if !st.cancelled && !st.failTripped {
				s.markReady(st, stepID)
			}
		case <-ctx.Done():
			s.handleCancellation(st)
		}
	}
}

// dispatch moves ready steps onto workers up to the concurrency limit.
// Guard evaluation and input resolution happen here, inside the decision
// loop, so skips and blocks are serialized with every other transition.
func (s *Scheduler) dispatch(ctx context.Context, st *loop, resultCh chan<- stepResult) {
	for st.running < s.options.ConcurrencyLimit && len(st.ready) > 0 && !st.cancelled && !st.failTripped {
		stepID := st.ready[0]
		st.ready = st.ready[1:]

		step, _ := st.graph.Step(stepID)
		exec := st.run.steps[stepID]

		if guard := st.graph.Guard(stepID); guard != nil {
			ok, err := guard(ctx, st.run.bindings)
			if err != nil {
				s.failStep(st, exec, types.Errorf(types.ErrExecutionError,
					"guard evaluation failed: %v", err).WithStep(stepID))
				continue
			}
			if !ok {
				s.skipStep(st, exec)
				continue
			}
		}

		inputs, missing := s.resolveInputs(step, st.run.bindings)
		if len(missing) > 0 {
			s.blockStep(st, exec, fmt.Sprintf(
				"mandatory inputs unresolved: %s", strings.Join(missing, ", ")))
			continue
		}

		adapter, err := s.registry.Resolve(step.Capability)
		if err != nil {
			s.failStep(st, exec, types.NewError(types.ErrCapabilityNotFound,
				err.Error()).WithStep(stepID))
			continue
		}

		now := time.Now()
		st.run.update(func() {
			exec.Status = StepRunning
			exec.Attempt++
			if exec.StartedAt == nil {
				exec.StartedAt = &now
			}
		})
		s.notify(st.run, stepID, string(StepRunning), "")

		s.recordMemory(ctx, st, step, inputs)

		st.running++
		go s.invoke(ctx, st.run, step, adapter, exec.Attempt, inputs, resultCh)
	}
}

// resolveInputs resolves binding references against the store. Missing
// references resolve to the Absent sentinel; the names of mandatory
// parameters that came back absent are returned separately.
func (s *Scheduler) resolveInputs(step *workflow.StepDefinition, b *workflow.BindingStore) (map[string]any, []string) {
	inputs := make(map[string]any, len(step.Inputs))
	var missing []string
	for param, raw := range step.Inputs {
		value, present := b.ResolveValue(raw)
		inputs[param] = value
		if !present && step.IsMandatory(param) {
			missing = append(missing, param)
		}
	}
	sort.Strings(missing)
	return inputs, missing
}

// invoke runs one adapter invocation on a worker goroutine. The deadline
// is enforced here even when the adapter ignores its context: the result
// of an overdue invocation is discarded.
func (s *Scheduler) invoke(ctx context.Context, r *Run, step *workflow.StepDefinition, adapter capability.Adapter, attempt int, inputs map[string]any, resultCh chan<- stepResult) {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = s.options.DefaultStepTimeout
	}
	if timeout <= 0 {
		timeout = adapter.Timeout()
	}

	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ictx = types.WithRunID(ictx, r.id)
	ictx = types.WithStepID(ictx, step.ID)

	ictx, span := s.tracer.Start(ictx, "workflow.step",
		trace.WithAttributes(
			attribute.String("step.id", step.ID),
			attribute.String("step.capability", step.Capability),
			attribute.Int("step.attempt", attempt),
		))
	defer span.End()
	if sc := span.SpanContext(); sc.HasTraceID() {
		ictx = types.WithTraceID(ictx, sc.TraceID().String())
	}

	inv := capability.Invocation{
		RunID:   r.id,
		StepID:  step.ID,
		Attempt: attempt,
		Inputs:  inputs,
	}
	if s.memory != nil {
		inv.Memory = s.memory.HandleFor(r.id, step.Capability)
	}

	type invokeOut struct {
		outputs map[string]any
		err     error
	}
	outCh := make(chan invokeOut, 1)
	started := time.Now()
	go func() {
		outputs, err := adapter.Invoke(ictx, inv)
		outCh <- invokeOut{outputs: outputs, err: err}
	}()

	var res stepResult
	select {
	case out := <-outCh:
		res = stepResult{stepID: step.ID, attempt: attempt, outputs: out.outputs, err: out.err}
	case <-ictx.Done():
		if errors.Is(ictx.Err(), context.DeadlineExceeded) {
			res = stepResult{stepID: step.ID, attempt: attempt,
				err: capability.NewTimeoutError(fmt.Sprintf("step %q exceeded %s deadline", step.ID, timeout))}
		} else {
			res = stepResult{stepID: step.ID, attempt: attempt,
				err: types.NewError(types.ErrStepCancelled, "run cancelled").WithStep(step.ID)}
		}
	}
	res.elapsed = time.Since(started)
	if res.err != nil {
		span.SetStatus(codes.Error, string(types.GetErrorCode(res.err)))
	}
	resultCh <- res
}

// handleResult merges one worker's result into the shared state.
func (s *Scheduler) handleResult(ctx context.Context, st *loop, res stepResult, retryCh chan string, loopDone <-chan struct{}) {
	exec := st.run.steps[res.stepID]
	step, _ := st.graph.Step(res.stepID)

	if res.err == nil {
		if err := st.run.bindings.WriteOutputs(res.stepID, res.outputs); err != nil {
			// An append-only conflict here means a discarded attempt's
			// result arrived late; keep the recorded value.
			s.logger.Warn("discarding late duplicate outputs",
				zap.String("run_id", st.run.id),
				zap.String("step_id", res.stepID),
				zap.Error(err))
		}

		now := time.Now()
		st.run.update(func() {
			exec.Status = StepSucceeded
			exec.Outputs = res.outputs
			exec.EndedAt = &now
		})
		s.notify(st.run, res.stepID, string(StepSucceeded), "")
		s.metrics.StepFinished(step.Capability, string(StepSucceeded), res.elapsed.Seconds())
		s.recordOutputs(ctx, st, step, res.outputs)

		s.releaseSuccessors(st, res.stepID)
		return
	}

	terr := types.NewError(types.ErrExecutionError, res.err.Error())
	var typed *types.Error
	if errors.As(res.err, &typed) {
		terr = typed
	}

	policy := step.Retry
	if policy.MaxAttempts <= 0 {
		policy = workflow.DefaultRetryPolicy()
	}

	canRetry := terr.Retryable &&
		res.attempt < policy.MaxAttempts &&
		!st.cancelled && !st.failTripped

	if canRetry {
		backoff := policy.Backoff(res.attempt)
		st.run.update(func() { exec.Status = StepPending })
		st.retriesPending++
		s.notify(st.run, res.stepID, string(StepPending),
			fmt.Sprintf("retry %d/%d in %s: %s", res.attempt, policy.MaxAttempts, backoff, terr.Message))
		s.metrics.RetryScheduled(step.Capability)
		s.logger.Debug("retry scheduled",
			zap.String("run_id", st.run.id),
			zap.String("step_id", res.stepID),
			zap.Int("attempt", res.attempt),
			zap.Duration("backoff", backoff))

		stepID := res.stepID
		time.AfterFunc(backoff, func() {
			select {
			case retryCh <- stepID:
			case <-loopDone:
			}
		})
		return
	}

	s.metrics.StepFinished(step.Capability, string(StepFailed), res.elapsed.Seconds())
	s.failStep(st, exec, terr)
}

// markReady queues a pending step, keeping the queue in definition order.
func (s *Scheduler) markReady(st *loop, stepID string) {
	exec := st.run.steps[stepID]
	if exec.Status != StepPending {
		return
	}
	st.run.update(func() { exec.Status = StepReady })
	st.ready = append(st.ready, stepID)
	sort.Slice(st.ready, func(i, j int) bool {
		return st.graph.Order(st.ready[i]) < st.graph.Order(st.ready[j])
	})
	s.notify(st.run, stepID, string(StepReady), "")
}

// releaseSuccessors unblocks dependents of a step that ended Succeeded or
// Skipped.
func (s *Scheduler) releaseSuccessors(st *loop, stepID string) {
	if st.cancelled || st.failTripped {
		// Dispatch has stopped; draining results unlock nothing.
		return
	}
	for _, succ := range st.graph.Successors(stepID) {
		st.waiting[succ]--
		if st.waiting[succ] == 0 && st.run.steps[succ].Status == StepPending {
			s.markReady(st, succ)
		}
	}
}

func (s *Scheduler) skipStep(st *loop, exec *StepExecution) {
	now := time.Now()
	st.run.update(func() {
		exec.Status = StepSkipped
		exec.EndedAt = &now
	})
	s.notify(st.run, exec.StepID, string(StepSkipped), "guard evaluated false")
	s.metrics.StepFinished(exec.Capability, string(StepSkipped), 0)
	s.releaseSuccessors(st, exec.StepID)
}

// failStep records a terminal failure and blocks every transitive
// dependent. Under fail-fast it also stops further dispatch.
func (s *Scheduler) failStep(st *loop, exec *StepExecution, terr *types.Error) {
	now := time.Now()
	st.run.update(func() {
		exec.Status = StepFailed
		exec.ErrorKind = terr.Code
		exec.Error = terr.Message
		exec.EndedAt = &now
	})
	s.notify(st.run, exec.StepID, string(StepFailed), terr.Message)
	s.logger.Warn("step failed",
		zap.String("run_id", st.run.id),
		zap.String("step_id", exec.StepID),
		zap.String("error_kind", string(terr.Code)),
		zap.String("error", terr.Message))

	// A cancelled run already stopped dispatching; late failures from
	// draining workers are recorded without cascading.
	if st.cancelled {
		return
	}

	s.blockDescendants(st, exec.StepID, fmt.Sprintf("ancestor %q failed", exec.StepID))

	if !s.options.ContinueOnError {
		st.failTripped = true
		s.revertReady(st)
	}
}

// blockStep marks one step Blocked (mandatory input unresolved) and
// cascades to its dependents.
func (s *Scheduler) blockStep(st *loop, exec *StepExecution, detail string) {
	now := time.Now()
	st.run.update(func() {
		exec.Status = StepBlocked
		exec.Error = detail
		exec.EndedAt = &now
	})
	s.notify(st.run, exec.StepID, string(StepBlocked), detail)
	s.metrics.StepFinished(exec.Capability, string(StepBlocked), 0)
	s.blockDescendants(st, exec.StepID, fmt.Sprintf("ancestor %q blocked", exec.StepID))
}

func (s *Scheduler) blockDescendants(st *loop, stepID, detail string) {
	for _, desc := range st.graph.Descendants(stepID) {
		exec := st.run.steps[desc]
		if exec.Status.Terminal() || exec.Status == StepRunning {
			continue
		}
		if exec.Status == StepReady {
			st.ready = removeID(st.ready, desc)
		}
		now := time.Now()
		st.run.update(func() {
			exec.Status = StepBlocked
			exec.Error = detail
			exec.EndedAt = &now
		})
		s.notify(st.run, desc, string(StepBlocked), detail)
		s.metrics.StepFinished(exec.Capability, string(StepBlocked), 0)
	}
}

// revertReady returns queued steps to Pending; used when fail-fast or
// cancellation stops dispatch. The steps never ran.
func (s *Scheduler) revertReady(st *loop) {
	for _, stepID := range st.ready {
		exec := st.run.steps[stepID]
		if exec.Status == StepReady {
			st.run.update(func() { exec.Status = StepPending })
			s.notify(st.run, stepID, string(StepPending), "dispatch stopped")
		}
	}
	st.ready = nil
}

func (s *Scheduler) handleCancellation(st *loop) {
	if st.cancelled {
		return
	}
	st.cancelled = true
	s.revertReady(st)
	// The run turns terminal immediately; in-flight invocations drain in
	// the background and their results are recorded without changing the
	// terminal status.
	s.setRunStatus(st.run, RunCancelled, "run cancelled")
}

// finished reports whether the decision loop can stop.
func (s *Scheduler) finished(st *loop) bool {
	if st.cancelled || st.failTripped {
		return st.running == 0
	}
	return st.running == 0 && len(st.ready) == 0 && st.retriesPending == 0
}

// finishRun computes and records the terminal status.
func (s *Scheduler) finishRun(st *loop) {
	if st.cancelled {
		// Status already set at cancellation time.
		return
	}

	anyFailed := false
	allOK := true
	for _, exec := range st.run.steps {
		switch exec.Status {
		case StepFailed, StepBlocked:
			anyFailed = true
			allOK = false
		case StepSucceeded, StepSkipped:
		default:
			allOK = false
		}
	}

	switch {
	case anyFailed || st.failTripped:
		s.setRunStatus(st.run, RunFailed, firstFailure(st))
	case allOK:
		s.setRunStatus(st.run, RunSucceeded, "")
	default:
		// Nothing failed but steps were left behind; should not happen
		// outside cancellation, treat as failed for visibility.
		s.setRunStatus(st.run, RunFailed, "run stalled with unfinished steps")
	}
}

func firstFailure(st *loop) string {
	for _, stepID := range st.graph.Steps() {
		exec := st.run.steps[stepID]
		if exec.Status == StepFailed {
			return fmt.Sprintf("step %q failed: %s", stepID, exec.Error)
		}
	}
	for _, stepID := range st.graph.Steps() {
		exec := st.run.steps[stepID]
		if exec.Status == StepBlocked {
			return fmt.Sprintf("step %q blocked: %s", stepID, exec.Error)
		}
	}
	return "run failed"
}

// setRunStatus transitions the run, closing Done on the first terminal
// status.
func (s *Scheduler) setRunStatus(r *Run, status RunStatus, errMsg string) {
	r.mu.Lock()
	if r.status.Terminal() {
		r.mu.Unlock()
		return
	}
	r.status = status
	if status == RunRunning && r.startedAt.IsZero() {
		r.startedAt = time.Now()
	}
	if status.Terminal() {
		now := time.Now()
		r.finishedAt = &now
		r.runErr = errMsg
	}
	r.mu.Unlock()

	s.notify(r, "", string(status), errMsg)
	if status.Terminal() {
		s.metrics.RunFinished(string(status))
		s.logger.Info("run finished",
			zap.String("run_id", r.id),
			zap.String("status", string(status)))
		close(r.done)
	}
}

func (s *Scheduler) notify(r *Run, stepID, status, detail string) {
	if s.onChange != nil {
		s.onChange(r, stepID, status, detail)
	}
}

// recordMemory appends the resolved inputs (and, on first use of a
// capability within the run, the run variables as preserved entries) to
// the capability's working memory.
func (s *Scheduler) recordMemory(ctx context.Context, st *loop, step *workflow.StepDefinition, inputs map[string]any) {
	if s.memory == nil {
		return
	}
	if !st.capsSeen[step.Capability] {
		st.capsSeen[step.Capability] = true
		variables, _ := st.run.bindings.Snapshot()
		if len(variables) > 0 {
			s.recordEntry(ctx, st, step.Capability, "variables", formatPayload(variables), true)
		}
	}
	if len(inputs) > 0 {
		s.recordEntry(ctx, st, step.Capability, "input",
			fmt.Sprintf("%s <- %s", step.ID, formatPayload(inputs)), false)
	}
}

func (s *Scheduler) recordOutputs(ctx context.Context, st *loop, step *workflow.StepDefinition, outputs map[string]any) {
	if s.memory == nil || len(outputs) == 0 {
		return
	}
	s.recordEntry(ctx, st, step.Capability, "output",
		fmt.Sprintf("%s -> %s", step.ID, formatPayload(outputs)), false)
}

func (s *Scheduler) recordEntry(ctx context.Context, st *loop, capName, kind, content string, preserved bool) {
	records, err := s.memory.Record(ctx, st.run.id, capName, kind, content, preserved)
	if err != nil {
		// Invariant violations abort the compaction pass, never the run.
		s.logger.Warn("compaction pass failed",
			zap.String("run_id", st.run.id),
			zap.String("capability", capName),
			zap.Error(err))
	}
	for _, rec := range records {
		if !rec.Flagged {
			s.metrics.CompactionApplied(int(rec.Tier), rec.OriginalSize-rec.CompactedSize)
		}
	}
}

// formatPayload renders a payload map deterministically for memory
// entries, sorted by key.
func formatPayload(payload map[string]any) string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, payload[k]))
	}
	return strings.Join(parts, "; ")
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
