package compaction

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// ArchiveFunc receives a context's audit trail when its run ends. Used to
// hand CompactionRecords to the persistence layer out-of-band.
type ArchiveFunc func(ctx context.Context, runID, capability string, records []Record) error

// Manager owns all AgentContexts, keyed by (run, capability). It is the
// only writer of entries and compaction records; adapters get read-only
// Handle views. Contexts are created on first use within a run and
// discarded when the run ends.
type Manager struct {
	config     Config
	sizer      Sizer
	similarity Similarity
	summarizer Summarizer
	compactor  *Compactor
	archive    ArchiveFunc
	logger     *zap.Logger

	mu       sync.Mutex
	contexts map[string]*managedContext
}

// managedContext pairs an AgentContext with its growth tracking for the
// predictive trigger.
type managedContext struct {
	ac *AgentContext
	// emaAppend is an exponential moving average of recent append sizes,
	// projecting how large the next append is likely to be.
	emaAppend float64
	appends   int
}

// emaWeight controls how quickly the growth projection adapts.
const emaWeight = 0.3

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithSizer sets the context-unit sizer.
func WithSizer(s Sizer) ManagerOption {
	return func(m *Manager) { m.sizer = s }
}

// WithSimilarity sets the Tier-2 similarity measure.
func WithSimilarity(s Similarity) ManagerOption {
	return func(m *Manager) { m.similarity = s }
}

// WithSummarizer sets the optional Tier-1 summarizer.
func WithSummarizer(s Summarizer) ManagerOption {
	return func(m *Manager) { m.summarizer = s }
}

// WithArchive sets the run-end archive hook.
func WithArchive(fn ArchiveFunc) ManagerOption {
	return func(m *Manager) { m.archive = fn }
}

// NewManager creates a compaction manager.
func NewManager(config Config, logger *zap.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		config:   config.normalized(),
		sizer:    NewEstimateSizer(),
		logger:   logger.With(zap.String("component", "compaction_manager")),
		contexts: make(map[string]*managedContext),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.compactor = NewCompactor(m.config, m.sizer, m.similarity, m.summarizer, m.logger)
	return m
}

func contextKey(runID, capability string) string {
	return runID + "\x00" + capability
}

func (m *Manager) managed(runID, capability string) *managedContext {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := contextKey(runID, capability)
	mc, ok := m.contexts[key]
	if !ok {
		mc = &managedContext{ac: NewAgentContext(runID, capability, m.sizer)}
		m.contexts[key] = mc
	}
	return mc
}

// ContextFor returns the AgentContext for a (run, capability) pair,
// creating it on first use.
func (m *Manager) ContextFor(runID, capability string) *AgentContext {
	return m.managed(runID, capability).ac
}

// HandleFor returns the adapter-facing read view for a (run, capability)
// pair, creating the underlying context on first use.
func (m *Manager) HandleFor(runID, capability string) *Handle {
	return &Handle{ac: m.ContextFor(runID, capability)}
}

// Record appends new content to an agent's context and runs the triggering
// logic: a reactive pass when the forced threshold has been crossed, or a
// predictive pass when the growth projection says the next append will
// cross it. Returns the records of any compaction tiers that ran.
func (m *Manager) Record(ctx context.Context, runID, capability, kind, content string, preserved bool) ([]Record, error) {
	mc := m.managed(runID, capability)
	entry := mc.ac.Append(kind, content, preserved)

	appended := float64(m.sizer.Size(entry.Content))
	m.mu.Lock()
	if mc.appends == 0 {
		mc.emaAppend = appended
	} else {
		mc.emaAppend = emaWeight*appended + (1-emaWeight)*mc.emaAppend
	}
	mc.appends++
	projected := mc.emaAppend
	m.mu.Unlock()

	size := mc.ac.Size()
	forced := int(float64(m.config.Budget) * m.config.ForcedRatio)
	approaching := int(float64(m.config.Budget) * m.config.ApproachingRatio)

	switch {
	case size >= forced:
		// Reactive: threshold crossed after the append.
		return m.compactor.Compact(ctx, mc.ac)
	case size+int(projected) >= forced:
		// Predictive: projection says the next append crosses it.
		m.logger.Debug("predictive compaction trigger",
			zap.String("run_id", runID),
			zap.String("capability", capability),
			zap.Int("size", size),
			zap.Int("projected_append", int(projected)),
		)
		return m.compactor.Compact(ctx, mc.ac)
	case size >= approaching:
		mc.ac.setState(StateApproachingLimit)
	}
	return nil, nil
}

// EndRun discards every context belonging to a run, archiving audit
// trails first when an archive hook is configured.
func (m *Manager) EndRun(ctx context.Context, runID string) {
	m.mu.Lock()
	var ended []*managedContext
	for key, mc := range m.contexts {
		if mc.ac.runID == runID {
			ended = append(ended, mc)
			delete(m.contexts, key)
		}
	}
	m.mu.Unlock()

	for _, mc := range ended {
		if m.archive == nil {
			continue
		}
		if err := m.archive(ctx, runID, mc.ac.capability, mc.ac.Records()); err != nil {
			m.logger.Warn("failed to archive compaction records",
				zap.String("run_id", runID),
				zap.String("capability", mc.ac.capability),
				zap.Error(err),
			)
		}
	}
}

// Handle is the adapter-facing, read-only view of one AgentContext.
// It satisfies the capability package's ContextHandle contract.
type Handle struct {
	ac *AgentContext
}

// Window returns the current compacted entry contents, oldest first.
func (h *Handle) Window(_ context.Context) []string {
	entries := h.ac.Entries()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Content
	}
	return out
}

// Size returns the current context size in context units.
func (h *Handle) Size() int {
	return h.ac.Size()
}
