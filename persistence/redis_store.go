package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis-backed implementation of Store. Suitable for
// distributed deployments. Runs are stored as JSON values with a sorted
// set indexing them by start time; revision and compaction trails are
// Redis lists.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore creates a Redis-backed store and verifies connectivity.
func NewRedisStore(config StoreConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
		PoolSize: config.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := config.Redis.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "agentmesh:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix + "run:"}, nil
}

// Close closes the store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if the store is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) runKey(runID string) string {
	return s.keyPrefix + "data:" + runID
}

func (s *RedisStore) revisionsKey(runID string) string {
	return s.keyPrefix + "revisions:" + runID
}

func (s *RedisStore) compactionsKey(runID string) string {
	return s.keyPrefix + "compactions:" + runID
}

func (s *RedisStore) allRunsKey() string {
	return s.keyPrefix + "all"
}

// SaveRun persists a run snapshot.
func (s *RedisStore) SaveRun(ctx context.Context, run *RunRecord) error {
	if run == nil || run.ID == "" {
		return ErrInvalidInput
	}

	stored := *run
	if stored.StartedAt.IsZero() {
		stored.StartedAt = time.Now()
	}
	stored.UpdatedAt = time.Now()

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.runKey(stored.ID), data, 0)
	pipe.ZAdd(ctx, s.allRunsKey(), redis.Z{
		Score:  float64(stored.StartedAt.UnixNano()),
		Member: stored.ID,
	})
	_, err = pipe.Exec(ctx)
	return err
}

// GetRun retrieves a run by ID.
func (s *RedisStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	data, err := s.client.Get(ctx, s.runKey(runID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var run RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns retrieves runs matching the filter, most recent first.
func (s *RedisStore) ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error) {
	runIDs, err := s.client.ZRevRange(ctx, s.allRunsKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*RunRecord, 0, len(runIDs))
	for _, runID := range runIDs {
		run, err := s.GetRun(ctx, runID)
		if err != nil {
			continue
		}
		if filter.Workflow != "" && run.Workflow != filter.Workflow {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, run)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// DeleteRun removes a run and its trails.
func (s *RedisStore) DeleteRun(ctx context.Context, runID string) error {
	deleted, err := s.client.Del(ctx, s.runKey(runID)).Result()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return ErrNotFound
	}

	pipe := s.client.Pipeline()
	pipe.ZRem(ctx, s.allRunsKey(), runID)
	pipe.Del(ctx, s.revisionsKey(runID), s.compactionsKey(runID))
	_, err = pipe.Exec(ctx)
	return err
}

// AppendRevision appends one history entry and assigns its sequence.
func (s *RedisStore) AppendRevision(ctx context.Context, runID string, rev Revision) (int, error) {
	if runID == "" {
		return 0, ErrInvalidInput
	}
	if rev.Timestamp.IsZero() {
		rev.Timestamp = time.Now()
	}

	// The list length after the push is the entry's sequence number.
	// Seq is written as part of the payload on a best-effort basis; the
	// authoritative order is the list position.
	length, err := s.client.LLen(ctx, s.revisionsKey(runID)).Result()
	if err != nil {
		return 0, err
	}
	rev.Seq = int(length) + 1

	data, err := json.Marshal(&rev)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal revision: %w", err)
	}
	if err := s.client.RPush(ctx, s.revisionsKey(runID), data).Err(); err != nil {
		return 0, err
	}
	return rev.Seq, nil
}

// Revisions returns a run's change history in append order.
func (s *RedisStore) Revisions(ctx context.Context, runID string) ([]Revision, error) {
	items, err := s.client.LRange(ctx, s.revisionsKey(runID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Revision, 0, len(items))
	for i, item := range items {
		var rev Revision
		if err := json.Unmarshal([]byte(item), &rev); err != nil {
			return nil, err
		}
		rev.Seq = i + 1
		out = append(out, rev)
	}
	return out, nil
}

// AppendCompactions appends compaction audit records.
func (s *RedisStore) AppendCompactions(ctx context.Context, records []CompactionRecord) error {
	if len(records) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	for _, rec := range records {
		if rec.RunID == "" {
			return ErrInvalidInput
		}
		data, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("failed to marshal compaction record: %w", err)
		}
		pipe.RPush(ctx, s.compactionsKey(rec.RunID), data)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Compactions returns a run's compaction audit trail in append order.
func (s *RedisStore) Compactions(ctx context.Context, runID string) ([]CompactionRecord, error) {
	items, err := s.client.LRange(ctx, s.compactionsKey(runID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]CompactionRecord, 0, len(items))
	for _, item := range items {
		var rec CompactionRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Cleanup removes terminal runs older than the given duration.
func (s *RedisStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	runIDs, err := s.client.ZRange(ctx, s.allRunsKey(), 0, -1).Result()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, runID := range runIDs {
		run, err := s.GetRun(ctx, runID)
		if err != nil {
			continue
		}
		if !run.Terminal() || run.UpdatedAt.After(cutoff) {
			continue
		}
		if err := s.DeleteRun(ctx, runID); err != nil {
			continue
		}
		removed++
	}
	return removed, nil
}
