package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemoryTestStore(t *testing.T) Store {
	t.Helper()
	s := NewMemoryStore(DefaultStoreConfig())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newSQLiteTestStore(t *testing.T) Store {
	t.Helper()
	cfg := DefaultStoreConfig()
	cfg.Type = StoreTypeSQLite
	cfg.SQLite.Path = ":memory:"
	s, err := NewSQLiteStore(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRedisTestStore(t *testing.T) Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := DefaultStoreConfig()
	cfg.Type = StoreTypeRedis
	cfg.Redis.Addr = mr.Addr()
	s, err := NewRedisStore(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreConformance(t *testing.T) {
	backends := map[string]func(*testing.T) Store{
		"memory": newMemoryTestStore,
		"sqlite": newSQLiteTestStore,
		"redis":  newRedisTestStore,
	}

	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			t.Run("SaveAndGetRun", func(t *testing.T) {
				store := newStore(t)
				ctx := context.Background()

				started := time.Now().Add(-time.Minute)
				run := &RunRecord{
					ID:        "run-1",
					Workflow:  "review-pipeline",
					Status:    "running",
					Variables: map[string]any{"topic": "quarterly report"},
					Steps: []StepRecord{
						{ID: "draft", Capability: "writer", Status: "succeeded", Attempts: 1,
							Outputs: map[string]any{"text": "draft body"}},
						{ID: "review", Capability: "reviewer", Status: "running", Attempts: 1},
					},
					StartedAt: started,
				}
				require.NoError(t, store.SaveRun(ctx, run))

				got, err := store.GetRun(ctx, "run-1")
				require.NoError(t, err)
				assert.Equal(t, "review-pipeline", got.Workflow)
				assert.Equal(t, "running", got.Status)
				assert.Equal(t, "quarterly report", got.Variables["topic"])
				require.Len(t, got.Steps, 2)
				assert.Equal(t, "draft body", got.Steps[0].Outputs["text"])
				assert.False(t, got.UpdatedAt.IsZero())
			})

			t.Run("GetRunNotFound", func(t *testing.T) {
				store := newStore(t)
				_, err := store.GetRun(context.Background(), "missing")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("SaveRunUpdatesInPlace", func(t *testing.T) {
				store := newStore(t)
				ctx := context.Background()

				run := &RunRecord{ID: "run-1", Workflow: "wf", Status: "running"}
				require.NoError(t, store.SaveRun(ctx, run))
				run.Status = "succeeded"
				require.NoError(t, store.SaveRun(ctx, run))

				got, err := store.GetRun(ctx, "run-1")
				require.NoError(t, err)
				assert.Equal(t, "succeeded", got.Status)

				all, err := store.ListRuns(ctx, RunFilter{})
				require.NoError(t, err)
				assert.Len(t, all, 1)
			})

			t.Run("ListRunsFilterAndOrder", func(t *testing.T) {
				store := newStore(t)
				ctx := context.Background()

				base := time.Now().Add(-time.Hour)
				for i, spec := range []struct {
					id, workflow, status string
				}{
					{"run-a", "alpha", "succeeded"},
					{"run-b", "alpha", "failed"},
					{"run-c", "beta", "succeeded"},
				} {
					require.NoError(t, store.SaveRun(ctx, &RunRecord{
						ID:        spec.id,
						Workflow:  spec.workflow,
						Status:    spec.status,
						StartedAt: base.Add(time.Duration(i) * time.Minute),
					}))
				}

				runs, err := store.ListRuns(ctx, RunFilter{Workflow: "alpha"})
				require.NoError(t, err)
				require.Len(t, runs, 2)
				// Most recent first.
				assert.Equal(t, "run-b", runs[0].ID)
				assert.Equal(t, "run-a", runs[1].ID)

				runs, err = store.ListRuns(ctx, RunFilter{Status: "succeeded", Limit: 1})
				require.NoError(t, err)
				require.Len(t, runs, 1)
				assert.Equal(t, "run-c", runs[0].ID)
			})

			t.Run("Revisions", func(t *testing.T) {
				store := newStore(t)
				ctx := context.Background()

				seq, err := store.AppendRevision(ctx, "run-1", Revision{Status: "running", Detail: "run started"})
				require.NoError(t, err)
				assert.Equal(t, 1, seq)
				seq, err = store.AppendRevision(ctx, "run-1", Revision{StepID: "draft", Status: "succeeded"})
				require.NoError(t, err)
				assert.Equal(t, 2, seq)

				revs, err := store.Revisions(ctx, "run-1")
				require.NoError(t, err)
				require.Len(t, revs, 2)
				assert.Equal(t, 1, revs[0].Seq)
				assert.Equal(t, "run started", revs[0].Detail)
				assert.Equal(t, "draft", revs[1].StepID)
				assert.False(t, revs[1].Timestamp.IsZero())
			})

			t.Run("Compactions", func(t *testing.T) {
				store := newStore(t)
				ctx := context.Background()

				records := []CompactionRecord{
					{RunID: "run-1", Capability: "writer", Tier: 0, OriginalSize: 950, CompactedSize: 700},
					{RunID: "run-1", Capability: "writer", Tier: 1, OriginalSize: 700, CompactedSize: 400,
						PreservedKeys: []string{"task-brief"}},
				}
				require.NoError(t, store.AppendCompactions(ctx, records))

				got, err := store.Compactions(ctx, "run-1")
				require.NoError(t, err)
				require.Len(t, got, 2)
				assert.Equal(t, 0, got[0].Tier)
				assert.Equal(t, []string{"task-brief"}, got[1].PreservedKeys)

				other, err := store.Compactions(ctx, "run-2")
				require.NoError(t, err)
				assert.Empty(t, other)
			})

			t.Run("DeleteRunRemovesTrails", func(t *testing.T) {
				store := newStore(t)
				ctx := context.Background()

				require.NoError(t, store.SaveRun(ctx, &RunRecord{ID: "run-1", Workflow: "wf", Status: "succeeded"}))
				_, err := store.AppendRevision(ctx, "run-1", Revision{Status: "succeeded"})
				require.NoError(t, err)
				require.NoError(t, store.AppendCompactions(ctx, []CompactionRecord{
					{RunID: "run-1", Capability: "writer"},
				}))

				require.NoError(t, store.DeleteRun(ctx, "run-1"))

				_, err = store.GetRun(ctx, "run-1")
				assert.ErrorIs(t, err, ErrNotFound)
				revs, err := store.Revisions(ctx, "run-1")
				require.NoError(t, err)
				assert.Empty(t, revs)
				recs, err := store.Compactions(ctx, "run-1")
				require.NoError(t, err)
				assert.Empty(t, recs)

				assert.ErrorIs(t, store.DeleteRun(ctx, "run-1"), ErrNotFound)
			})

			t.Run("CleanupRemovesOnlyOldTerminalRuns", func(t *testing.T) {
				store := newStore(t)
				ctx := context.Background()

				require.NoError(t, store.SaveRun(ctx, &RunRecord{ID: "done-old", Workflow: "wf", Status: "succeeded"}))
				require.NoError(t, store.SaveRun(ctx, &RunRecord{ID: "still-running", Workflow: "wf", Status: "running"}))

				// Nothing is older than an hour yet.
				removed, err := store.Cleanup(ctx, time.Hour)
				require.NoError(t, err)
				assert.Equal(t, 0, removed)

				// Everything terminal is older than a negative cutoff.
				removed, err = store.Cleanup(ctx, -time.Second)
				require.NoError(t, err)
				assert.Equal(t, 1, removed)

				_, err = store.GetRun(ctx, "done-old")
				assert.ErrorIs(t, err, ErrNotFound)
				_, err = store.GetRun(ctx, "still-running")
				assert.NoError(t, err)
			})

			t.Run("Ping", func(t *testing.T) {
				store := newStore(t)
				assert.NoError(t, store.Ping(context.Background()))
			})
		})
	}
}

func TestMemoryStore_ClosedRejectsOperations(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(DefaultStoreConfig())
	require.NoError(t, s.Close())

	ctx := context.Background()
	assert.ErrorIs(t, s.Ping(ctx), ErrStoreClosed)
	assert.ErrorIs(t, s.SaveRun(ctx, &RunRecord{ID: "x"}), ErrStoreClosed)
	_, err := s.GetRun(ctx, "x")
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestNewStoreFactory(t *testing.T) {
	t.Parallel()

	s, err := NewStore(StoreConfig{Type: StoreTypeMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)
	_ = s.Close()

	_, err = NewStore(StoreConfig{Type: "etcd"})
	assert.Error(t, err)
}

func TestMemoryStore_SnapshotIsolation(t *testing.T) {
	t.Parallel()

	s := newMemoryTestStore(t)
	ctx := context.Background()

	run := &RunRecord{ID: "run-1", Workflow: "wf", Status: "running",
		Variables: map[string]any{"k": "v"}}
	require.NoError(t, s.SaveRun(ctx, run))

	// Mutating the caller's record must not affect the stored copy.
	run.Variables["k"] = "mutated"
	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "v", got.Variables["k"])

	// Mutating a retrieved record must not affect later reads.
	got.Status = "failed"
	again, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "running", again.Status)
}
