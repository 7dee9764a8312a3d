package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQLiteStore is a GORM-backed implementation of Store using the pure-Go
// SQLite driver. Suitable for single-node deployments.
type SQLiteStore struct {
	db *gorm.DB
}

type runRow struct {
	ID        string `gorm:"primaryKey"`
	Workflow  string `gorm:"index"`
	Status    string `gorm:"index"`
	Payload   []byte
	StartedAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

func (runRow) TableName() string { return "runs" }

type revisionRow struct {
	RowID   uint   `gorm:"primaryKey;autoIncrement"`
	RunID   string `gorm:"index"`
	Seq     int
	Payload []byte
}

func (revisionRow) TableName() string { return "run_revisions" }

type compactionRow struct {
	RowID   uint   `gorm:"primaryKey;autoIncrement"`
	RunID   string `gorm:"index"`
	Payload []byte
}

func (compactionRow) TableName() string { return "run_compactions" }

// NewSQLiteStore opens (or creates) the database and migrates the schema.
func NewSQLiteStore(config StoreConfig) (*SQLiteStore, error) {
	path := config.SQLite.Path
	if path == "" {
		path = "agentmesh.db"
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	if err := db.AutoMigrate(&runRow{}, &revisionRow{}, &compactionRow{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks if the store is healthy.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// SaveRun persists a run snapshot.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *RunRecord) error {
	if run == nil || run.ID == "" {
		return ErrInvalidInput
	}

	stored := *run
	if stored.StartedAt.IsZero() {
		stored.StartedAt = time.Now()
	}
	stored.UpdatedAt = time.Now()

	payload, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	row := runRow{
		ID:        stored.ID,
		Workflow:  stored.Workflow,
		Status:    stored.Status,
		Payload:   payload,
		StartedAt: stored.StartedAt,
		UpdatedAt: stored.UpdatedAt,
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	var row runRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var run RunRecord
	if err := json.Unmarshal(row.Payload, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns retrieves runs matching the filter, most recent first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error) {
	query := s.db.WithContext(ctx).Model(&runRow{}).Order("started_at DESC")
	if filter.Workflow != "" {
		query = query.Where("workflow = ?", filter.Workflow)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var rows []runRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]*RunRecord, 0, len(rows))
	for _, row := range rows {
		var run RunRecord
		if err := json.Unmarshal(row.Payload, &run); err != nil {
			return nil, err
		}
		out = append(out, &run)
	}
	return out, nil
}

// DeleteRun removes a run and its trails.
func (s *SQLiteStore) DeleteRun(ctx context.Context, runID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&runRow{}, "id = ?", runID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Delete(&revisionRow{}, "run_id = ?", runID).Error; err != nil {
			return err
		}
		return tx.Delete(&compactionRow{}, "run_id = ?", runID).Error
	})
}

// AppendRevision appends one history entry and assigns its sequence.
func (s *SQLiteStore) AppendRevision(ctx context.Context, runID string, rev Revision) (int, error) {
	if runID == "" {
		return 0, ErrInvalidInput
	}
	if rev.Timestamp.IsZero() {
		rev.Timestamp = time.Now()
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&revisionRow{}).Where("run_id = ?", runID).Count(&count).Error; err != nil {
			return err
		}
		rev.Seq = int(count) + 1

		payload, err := json.Marshal(&rev)
		if err != nil {
			return fmt.Errorf("failed to marshal revision: %w", err)
		}
		return tx.Create(&revisionRow{RunID: runID, Seq: rev.Seq, Payload: payload}).Error
	})
	if err != nil {
		return 0, err
	}
	return rev.Seq, nil
}

// Revisions returns a run's change history in append order.
func (s *SQLiteStore) Revisions(ctx context.Context, runID string) ([]Revision, error) {
	var rows []revisionRow
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("seq ASC").Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]Revision, 0, len(rows))
	for _, row := range rows {
		var rev Revision
		if err := json.Unmarshal(row.Payload, &rev); err != nil {
			return nil, err
		}
		out = append(out, rev)
	}
	return out, nil
}

// AppendCompactions appends compaction audit records.
func (s *SQLiteStore) AppendCompactions(ctx context.Context, records []CompactionRecord) error {
	if len(records) == 0 {
		return nil
	}

	rows := make([]compactionRow, 0, len(records))
	for _, rec := range records {
		if rec.RunID == "" {
			return ErrInvalidInput
		}
		payload, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("failed to marshal compaction record: %w", err)
		}
		rows = append(rows, compactionRow{RunID: rec.RunID, Payload: payload})
	}
	return s.db.WithContext(ctx).Create(&rows).Error
}

// Compactions returns a run's compaction audit trail in append order.
func (s *SQLiteStore) Compactions(ctx context.Context, runID string) ([]CompactionRecord, error) {
	var rows []compactionRow
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("row_id ASC").Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]CompactionRecord, 0, len(rows))
	for _, row := range rows {
		var rec CompactionRecord
		if err := json.Unmarshal(row.Payload, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Cleanup removes terminal runs older than the given duration.
func (s *SQLiteStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	var rows []runRow
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{"succeeded", "failed", "cancelled"}).
		Where("updated_at < ?", cutoff).
		Find(&rows).Error
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, row := range rows {
		if err := s.DeleteRun(ctx, row.ID); err != nil {
			continue
		}
		removed++
	}
	return removed, nil
}
