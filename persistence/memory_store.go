package persistence

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store. Suitable for
// development and testing. Data is lost on restart.
type MemoryStore struct {
	mu          sync.RWMutex
	runs        map[string]*RunRecord
	revisions   map[string][]Revision
	compactions map[string][]CompactionRecord
	closed      bool
	stop        chan struct{}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(config StoreConfig) *MemoryStore {
	s := &MemoryStore{
		runs:        make(map[string]*RunRecord),
		revisions:   make(map[string][]Revision),
		compactions: make(map[string][]CompactionRecord),
		stop:        make(chan struct{}),
	}
	if config.Retention.Enabled {
		go s.cleanupLoop(config.Retention)
	}
	return s
}

func (s *MemoryStore) cleanupLoop(cfg RetentionConfig) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_, _ = s.Cleanup(context.Background(), cfg.MaxAge)
		case <-s.stop:
			return
		}
	}
}

// Close closes the store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.stop)
	}
	return nil
}

// Ping checks if the store is healthy.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// copyRun deep-copies a record so callers cannot mutate stored state.
func copyRun(run *RunRecord) *RunRecord {
	raw, _ := json.Marshal(run)
	var out RunRecord
	_ = json.Unmarshal(raw, &out)
	return &out
}

// SaveRun persists a run snapshot.
func (s *MemoryStore) SaveRun(ctx context.Context, run *RunRecord) error {
	if run == nil || run.ID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	stored := copyRun(run)
	if stored.StartedAt.IsZero() {
		stored.StartedAt = time.Now()
	}
	stored.UpdatedAt = time.Now()
	s.runs[stored.ID] = stored
	return nil
}

// GetRun retrieves a run by ID.
func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	run, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRun(run), nil
}

// ListRuns retrieves runs matching the filter, most recent first.
func (s *MemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	out := make([]*RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		if filter.Workflow != "" && run.Workflow != filter.Workflow {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, copyRun(run))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// DeleteRun removes a run and its trails.
func (s *MemoryStore) DeleteRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.runs[runID]; !ok {
		return ErrNotFound
	}
	delete(s.runs, runID)
	delete(s.revisions, runID)
	delete(s.compactions, runID)
	return nil
}

// AppendRevision appends one history entry and assigns its sequence.
func (s *MemoryStore) AppendRevision(ctx context.Context, runID string, rev Revision) (int, error) {
	if runID == "" {
		return 0, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	rev.Seq = len(s.revisions[runID]) + 1
	if rev.Timestamp.IsZero() {
		rev.Timestamp = time.Now()
	}
	s.revisions[runID] = append(s.revisions[runID], rev)
	return rev.Seq, nil
}

// Revisions returns a run's change history in append order.
func (s *MemoryStore) Revisions(ctx context.Context, runID string) ([]Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	revs := s.revisions[runID]
	out := make([]Revision, len(revs))
	copy(out, revs)
	return out, nil
}

// AppendCompactions appends compaction audit records.
func (s *MemoryStore) AppendCompactions(ctx context.Context, records []CompactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	for _, rec := range records {
		if rec.RunID == "" {
			return ErrInvalidInput
		}
		s.compactions[rec.RunID] = append(s.compactions[rec.RunID], rec)
	}
	return nil
}

// Compactions returns a run's compaction audit trail in append order.
func (s *MemoryStore) Compactions(ctx context.Context, runID string) ([]CompactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	recs := s.compactions[runID]
	out := make([]CompactionRecord, len(recs))
	copy(out, recs)
	return out, nil
}

// Cleanup removes terminal runs older than the given duration.
func (s *MemoryStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for id, run := range s.runs {
		if !run.Terminal() || run.UpdatedAt.After(cutoff) {
			continue
		}
		delete(s.runs, id)
		delete(s.revisions, id)
		delete(s.compactions, id)
		removed++
	}
	return removed, nil
}
