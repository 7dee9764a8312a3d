package engine

import (
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/types"
	"github.com/agentmesh/agentmesh/workflow"
)

// RunStatus represents the status of a workflow run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal returns true if the status is a terminal state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// StepStatus represents the status of one step execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepReady     StepStatus = "ready"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepBlocked   StepStatus = "blocked"
)

// Terminal returns true if the status is a terminal state.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped, StepBlocked:
		return true
	default:
		return false
	}
}

// StepExecution is the live record of one step within a run. Mutated only
// by the scheduler's decision loop.
type StepExecution struct {
	StepID     string
	Capability string
	Status     StepStatus
	Attempt    int
	Outputs    map[string]any
	ErrorKind  types.ErrorCode
	Error      string
	StartedAt  *time.Time
	EndedAt    *time.Time
}

func (e *StepExecution) clone() StepExecution {
	out := *e
	if e.Outputs != nil {
		out.Outputs = make(map[string]any, len(e.Outputs))
		for k, v := range e.Outputs {
			out.Outputs[k] = v
		}
	}
	if e.StartedAt != nil {
		t := *e.StartedAt
		out.StartedAt = &t
	}
	if e.EndedAt != nil {
		t := *e.EndedAt
		out.EndedAt = &t
	}
	return out
}

// Run owns one execution of a workflow definition: an immutable graph
// snapshot, the binding store, and the step execution table. All state
// transitions go through the scheduler's decision loop; readers get
// point-in-time copies via Snapshot.
type Run struct {
	id       string
	graph    *workflow.Graph
	bindings *workflow.BindingStore

	mu         sync.RWMutex
	status     RunStatus
	steps      map[string]*StepExecution
	startedAt  time.Time
	finishedAt *time.Time
	runErr     string

	cancelOnce sync.Once
	cancelCh   chan struct{}
	done       chan struct{}
}

func newRun(id string, graph *workflow.Graph, variables map[string]any) *Run {
	steps := make(map[string]*StepExecution, len(graph.Steps()))
	for _, stepID := range graph.Steps() {
		def, _ := graph.Step(stepID)
		steps[stepID] = &StepExecution{
			StepID:     stepID,
			Capability: def.Capability,
			Status:     StepPending,
		}
	}
	return &Run{
		id:       id,
		graph:    graph,
		bindings: workflow.NewBindingStore(variables),
		status:   RunPending,
		steps:    steps,
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Cancel requests cooperative cancellation. Safe to call any number of
// times, before or after the run has started executing.
func (r *Run) Cancel() {
	r.cancelOnce.Do(func() { close(r.cancelCh) })
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// update serializes a state mutation against concurrent Snapshot readers.
// Only the scheduler's decision loop calls it.
func (r *Run) update(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
}

// Done returns a channel closed when the run reaches a terminal status.
func (r *Run) Done() <-chan struct{} { return r.done }

// Status returns the current run status.
func (r *Run) Status() RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Snapshot is a point-in-time, read-only view of a run.
type Snapshot struct {
	RunID      string
	Workflow   string
	Status     RunStatus
	Steps      []StepExecution
	Variables  map[string]any
	Outputs    map[string]map[string]any
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// StepByID returns the snapshot of one step, if present.
func (s *Snapshot) StepByID(stepID string) (StepExecution, bool) {
	for _, step := range s.Steps {
		if step.StepID == stepID {
			return step, true
		}
	}
	return StepExecution{}, false
}

// Snapshot copies the run's current state. Steps appear in definition
// order. Never blocks on in-flight step invocations.
func (r *Run) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	steps := make([]StepExecution, 0, len(r.steps))
	for _, stepID := range r.graph.Steps() {
		steps = append(steps, r.steps[stepID].clone())
	}

	variables, outputs := r.bindings.Snapshot()
	snap := &Snapshot{
		RunID:     r.id,
		Workflow:  r.graph.Definition().Name,
		Status:    r.status,
		Steps:     steps,
		Variables: variables,
		Outputs:   outputs,
		Error:     r.runErr,
		StartedAt: r.startedAt,
	}
	if r.finishedAt != nil {
		t := *r.finishedAt
		snap.FinishedAt = &t
	}
	return snap
}
