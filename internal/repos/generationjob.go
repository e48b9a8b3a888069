package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/contentpilot/strategy-backend/internal/logger"
	"github.com/contentpilot/strategy-backend/internal/types"
)

// ErrNotFound is returned by lookups for unknown job ids.
var ErrNotFound = errors.New("not found")

type GenerationJobRepo interface {
	Create(ctx context.Context, tx *gorm.DB, jobs []*types.GenerationJob) ([]*types.GenerationJob, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.GenerationJob, error)

	// Claims the next pending job and marks it running (SKIP LOCKED).
	// Terminal jobs are never reclaimed; crash recovery goes through
	// FailStaleRunning instead.
	ClaimNextPending(ctx context.Context, tx *gorm.DB) (*types.GenerationJob, error)

	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error

	// Applies updates only while the job is still running. Reports whether a
	// row changed; false means another writer (the stale sweeper) already
	// moved the job to a terminal state, which must never be overwritten.
	UpdateIfRunning(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) (bool, error)

	Heartbeat(ctx context.Context, tx *gorm.DB, id uuid.UUID) error

	// Marks running jobs with a heartbeat older than staleAfter as failed.
	// Returns the number of jobs swept.
	FailStaleRunning(ctx context.Context, tx *gorm.DB, staleAfter time.Duration) (int64, error)
}

type generationJobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewGenerationJobRepo(db *gorm.DB, baseLog *logger.Logger) GenerationJobRepo {
	repoLog := baseLog.With("repo", "GenerationJobRepo")
	return &generationJobRepo{db: db, log: repoLog}
}

func (r *generationJobRepo) Create(ctx context.Context, tx *gorm.DB, jobs []*types.GenerationJob) ([]*types.GenerationJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(jobs) == 0 {
		return []*types.GenerationJob{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *generationJobRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.GenerationJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, ErrNotFound
	}
	var job types.GenerationJob
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, ErrNotFound
	}
	return &job, nil
}

func (r *generationJobRepo) ClaimNextPending(ctx context.Context, tx *gorm.DB) (*types.GenerationJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	now := time.Now()
	var claimed *types.GenerationJob

	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var job types.GenerationJob

		q := txx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", types.JobStatusPending).
			Order("created_at ASC")

		qErr := q.First(&job).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}

		uErr := txx.Model(&types.GenerationJob{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"status":       types.JobStatusRunning,
				"attempts":     gorm.Expr("attempts + 1"),
				"locked_at":    now,
				"heartbeat_at": now,
				"started_at":   now,
				"updated_at":   now,
			}).Error
		if uErr != nil {
			return uErr
		}

		claimed = &job
		return nil
	})

	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *generationJobRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(ctx).
		Model(&types.GenerationJob{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *generationJobRepo) UpdateIfRunning(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	res := transaction.WithContext(ctx).
		Model(&types.GenerationJob{}).
		Where("id = ? AND status = ?", id, types.JobStatusRunning).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *generationJobRepo) Heartbeat(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return transaction.WithContext(ctx).
		Model(&types.GenerationJob{}).
		Where("id = ? AND status = ?", id, types.JobStatusRunning).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
}

func (r *generationJobRepo) FailStaleRunning(ctx context.Context, tx *gorm.DB, staleAfter time.Duration) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now()
	cutoff := now.Add(-staleAfter)
	res := transaction.WithContext(ctx).
		Model(&types.GenerationJob{}).
		Where("status = ? AND heartbeat_at IS NOT NULL AND heartbeat_at < ?", types.JobStatusRunning, cutoff).
		Updates(map[string]interface{}{
			"status":        types.JobStatusFailed,
			"error":         "generation worker stopped responding",
			"message":       "Generation was interrupted",
			"last_error_at": now,
			"locked_at":     nil,
			"finished_at":   now,
			"updated_at":    now,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
