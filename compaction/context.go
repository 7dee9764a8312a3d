package compaction

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the budget-pressure state of one AgentContext.
type State string

const (
	// StateNominal means the context is comfortably under budget.
	StateNominal State = "nominal"
	// StateApproachingLimit means the approaching threshold was crossed.
	StateApproachingLimit State = "approaching_limit"
	// StateCompacting means a compaction pass is in progress.
	StateCompacting State = "compacting"
)

// Tier identifies one of the four compaction strategies.
type Tier int

const (
	// TierCleanup removes exact duplicates and formatting noise.
	TierCleanup Tier = iota
	// TierStructural collapses superseded entries per logical group.
	TierStructural
	// TierSemantic folds near-duplicate entries into a representative.
	TierSemantic
	// TierAggressive retains only preserved entries and the most recent N.
	TierAggressive
)

// Entry is one unit of working memory.
type Entry struct {
	// ID identifies the entry; preserved entries keep their id across
	// compaction passes.
	ID string `json:"id"`
	// Kind is the logical group, e.g. "input", "output", "note".
	Kind string `json:"kind"`
	// Content is the entry text.
	Content string `json:"content"`
	// Preserved exempts the entry from removal during compaction.
	Preserved bool `json:"preserved"`
	// SummaryOf lists ids of entries this entry stands in for.
	SummaryOf []string `json:"summary_of,omitempty"`
	// CreatedAt orders entries chronologically.
	CreatedAt time.Time `json:"created_at"`
}

// Record is the audit trail of one executed compaction tier. Records are
// append-only: they are never edited in place.
type Record struct {
	Tier          Tier     `json:"tier"`
	OriginalSize  int      `json:"original_size"`
	CompactedSize int      `json:"compacted_size"`
	PreservedKeys []string `json:"preserved_keys,omitempty"`
	// Flagged marks an aborted pass that tripped an invariant check.
	Flagged   bool      `json:"flagged,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentContext is the accumulating per-agent, per-run memory subject to
// compaction. It is owned by the Manager; adapters only see read views.
type AgentContext struct {
	runID      string
	capability string

	mu      sync.RWMutex
	entries []Entry
	records []Record
	state   State
	sizer   Sizer
}

// NewAgentContext creates an empty context for one (run, capability) pair.
func NewAgentContext(runID, capability string, sizer Sizer) *AgentContext {
	if sizer == nil {
		sizer = NewEstimateSizer()
	}
	return &AgentContext{
		runID:      runID,
		capability: capability,
		state:      StateNominal,
		sizer:      sizer,
	}
}

// RunID returns the owning run id.
func (a *AgentContext) RunID() string { return a.runID }

// Capability returns the owning capability name.
func (a *AgentContext) Capability() string { return a.capability }

// Append adds a new entry and returns it.
func (a *AgentContext) Append(kind, content string, preserved bool) Entry {
	entry := Entry{
		ID:        uuid.New().String(),
		Kind:      kind,
		Content:   content,
		Preserved: preserved,
		CreatedAt: time.Now(),
	}

	a.mu.Lock()
	a.entries = append(a.entries, entry)
	a.mu.Unlock()
	return entry
}

// Size returns the current context size in context units.
func (a *AgentContext) Size() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sizeOf(a.entries)
}

func (a *AgentContext) sizeOf(entries []Entry) int {
	total := 0
	for _, e := range entries {
		total += a.sizer.Size(e.Content)
	}
	return total
}

// Entries returns a copy of the current entries, oldest first.
func (a *AgentContext) Entries() []Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Entry(nil), a.entries...)
}

// Records returns a copy of the compaction audit trail.
func (a *AgentContext) Records() []Record {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Record(nil), a.records...)
}

// State returns the current budget-pressure state.
func (a *AgentContext) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *AgentContext) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// preservedKeys returns the ids of all preserved entries.
func preservedKeys(entries []Entry) []string {
	var keys []string
	for _, e := range entries {
		if e.Preserved {
			keys = append(keys, e.ID)
		}
	}
	return keys
}
