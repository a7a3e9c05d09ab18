package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// NewDatabase initializes a new GORM database connection and runs auto-migrations.
func NewDatabase(dsn string, log zerolog.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	log.Debug().Str("dsn", dsn).Msg("running database migrations")
	if err := db.AutoMigrate(&CiRun{}, &CiTask{}); err != nil {
		return nil, err
	}
	return db, nil
}

var ErrUnknownRun = errors.New("ledger: unknown run")

// Ledger records the local history of CI runs.
type Ledger struct {
	db *gorm.DB
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// Open creates a ledger backed by the SQLite file at path.
func Open(path string, log zerolog.Logger) (*Ledger, error) {
	db, err := NewDatabase(path, log)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	return NewLedger(db), nil
}

func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordRun stores a freshly received run.
func (l *Ledger) RecordRun(ctx context.Context, run CiRun) error {
	if run.Status == "" {
		run.Status = StatusPreparing
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if err := l.db.WithContext(ctx).Create(&run).Error; err != nil {
		return fmt.Errorf("record run %s: %w", run.RunID, err)
	}
	return nil
}

// MarkAccepted records the outcome of preparing a run. A run that
// failed early or has no tasks is finished right away.
func (l *Ledger) MarkAccepted(ctx context.Context, runID string, taskCount int, failedEarly bool) error {
	updates := map[string]any{
		"task_count":   taskCount,
		"failed_early": failedEarly,
		"status":       StatusRunning,
	}
	switch {
	case failedEarly:
		updates["status"] = StatusFailed
		updates["finished_at"] = time.Now().UTC()
	case taskCount == 0:
		updates["status"] = StatusPassed
		updates["finished_at"] = time.Now().UTC()
	}
	return l.updateRun(ctx, runID, updates)
}

// MarkRejected records that the run was refused before preparation.
func (l *Ledger) MarkRejected(ctx context.Context, runID string) error {
	return l.updateRun(ctx, runID, map[string]any{
		"status":      StatusRejected,
		"finished_at": time.Now().UTC(),
	})
}

func (l *Ledger) updateRun(ctx context.Context, runID string, updates map[string]any) error {
	res := l.db.WithContext(ctx).Model(&CiRun{}).Where("run_id = ?", runID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update run %s: %w", runID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return nil
}

// RecordTaskStart upserts the task row.
func (l *Ledger) RecordTaskStart(ctx context.Context, runID string, taskNr uint64, name string) error {
	task := CiTask{
		RunID:     runID,
		TaskNr:    taskNr,
		Name:      name,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}, {Name: "task_nr"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "status", "started_at"}),
	}).Create(&task).Error
	if err != nil {
		return fmt.Errorf("record start of %s/%d: %w", runID, taskNr, err)
	}
	return nil
}

// RecordTaskDone finishes a task and, once every task of the run is
// done, the run itself.
func (l *Ledger) RecordTaskDone(ctx context.Context, runID string, taskNr uint64, failed bool, parts uint64) error {
	status := StatusPassed
	if failed {
		status = StatusFailed
	}
	now := time.Now().UTC()
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&CiTask{}).
			Where("run_id = ? AND task_nr = ?", runID, taskNr).
			Updates(map[string]any{"status": status, "parts": parts, "finished_at": now}).Error
		if err != nil {
			return fmt.Errorf("record end of %s/%d: %w", runID, taskNr, err)
		}

		var run CiRun
		if err := tx.Where("run_id = ?", runID).First(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
			}
			return err
		}
		run.Finished++
		if failed {
			run.Failed++
		}
		if run.Finished >= run.TaskCount {
			run.Status = StatusPassed
			if run.Failed > 0 {
				run.Status = StatusFailed
			}
			run.FinishedAt = &now
		}
		return tx.Save(&run).Error
	})
}

// ListRuns returns the most recent runs, newest first.
func (l *Ledger) ListRuns(ctx context.Context, limit int) ([]CiRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []CiRun
	err := l.db.WithContext(ctx).Order("id desc").Limit(limit).Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// Tasks returns the tasks of a run in order.
func (l *Ledger) Tasks(ctx context.Context, runID string) ([]CiTask, error) {
	var tasks []CiTask
	err := l.db.WithContext(ctx).Where("run_id = ?", runID).Order("task_nr").Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("list tasks of %s: %w", runID, err)
	}
	return tasks, nil
}
