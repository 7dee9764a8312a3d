// Package persistence provides durable storage for workflow runs, their
// revision history, and compaction audit trails.
//
// Supported backends:
// - Memory: for development and testing (default)
// - SQLite: for single-node deployments
// - Redis: for distributed deployments
package persistence

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeSQLite StoreType = "sqlite"
	StoreTypeRedis  StoreType = "redis"
)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	PoolSize  int    `json:"pool_size" yaml:"pool_size"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// SQLiteConfig holds SQLite settings.
type SQLiteConfig struct {
	// Path is the database file; ":memory:" keeps it in-process.
	Path string `json:"path" yaml:"path"`
}

// RetentionConfig controls background cleanup of finished runs.
type RetentionConfig struct {
	Enabled  bool          `json:"enabled" yaml:"enabled"`
	MaxAge   time.Duration `json:"max_age" yaml:"max_age"`
	Interval time.Duration `json:"interval" yaml:"interval"`
}

// StoreConfig selects and configures a storage backend.
type StoreConfig struct {
	Type      StoreType       `json:"type" yaml:"type"`
	Redis     RedisConfig     `json:"redis" yaml:"redis"`
	SQLite    SQLiteConfig    `json:"sqlite" yaml:"sqlite"`
	Retention RetentionConfig `json:"retention" yaml:"retention"`
}

// DefaultStoreConfig returns an in-memory configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type: StoreTypeMemory,
		Retention: RetentionConfig{
			Enabled:  false,
			MaxAge:   24 * time.Hour,
			Interval: time.Hour,
		},
	}
}

// StepRecord is the persisted state of one step execution.
type StepRecord struct {
	ID         string         `json:"id"`
	Capability string         `json:"capability"`
	Status     string         `json:"status"`
	Attempts   int            `json:"attempts"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// RunRecord is the persisted state of one workflow run.
type RunRecord struct {
	ID         string         `json:"id"`
	Workflow   string         `json:"workflow"`
	Status     string         `json:"status"`
	Variables  map[string]any `json:"variables,omitempty"`
	Steps      []StepRecord   `json:"steps,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Terminal reports whether the run reached a final status.
func (r *RunRecord) Terminal() bool {
	switch r.Status {
	case "succeeded", "failed", "cancelled":
		return true
	default:
		return false
	}
}

// Revision is one entry in a run's append-only change history.
type Revision struct {
	Seq       int       `json:"seq"`
	StepID    string    `json:"step_id,omitempty"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CompactionRecord is the persisted audit record of one compaction tier
// applied to an agent's context during a run.
type CompactionRecord struct {
	RunID         string    `json:"run_id"`
	Capability    string    `json:"capability"`
	Tier          int       `json:"tier"`
	OriginalSize  int       `json:"original_size"`
	CompactedSize int       `json:"compacted_size"`
	PreservedKeys []string  `json:"preserved_keys,omitempty"`
	Flagged       bool      `json:"flagged"`
	Timestamp     time.Time `json:"timestamp"`
}

// RunFilter narrows ListRuns results. Zero values match everything.
type RunFilter struct {
	Workflow string
	Status   string
	Limit    int
}

// Store persists workflow runs with their revision and compaction trails.
type Store interface {
	// SaveRun persists a run snapshot (create or update).
	SaveRun(ctx context.Context, run *RunRecord) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, runID string) (*RunRecord, error)

	// ListRuns retrieves runs matching the filter, most recent first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error)

	// DeleteRun removes a run and its revision and compaction trails.
	DeleteRun(ctx context.Context, runID string) error

	// AppendRevision appends one entry to a run's change history and
	// returns its assigned sequence number.
	AppendRevision(ctx context.Context, runID string, rev Revision) (int, error)

	// Revisions returns a run's change history in append order.
	Revisions(ctx context.Context, runID string) ([]Revision, error)

	// AppendCompactions appends compaction audit records for a run.
	AppendCompactions(ctx context.Context, records []CompactionRecord) error

	// Compactions returns a run's compaction audit trail in append order.
	Compactions(ctx context.Context, runID string) ([]CompactionRecord, error)

	// Cleanup removes terminal runs older than the given duration and
	// returns how many were removed.
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)

	// Ping checks if the store is healthy.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}
