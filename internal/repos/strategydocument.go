package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/contentpilot/strategy-backend/internal/logger"
	"github.com/contentpilot/strategy-backend/internal/types"
)

type StrategyDocumentRepo interface {
	Create(ctx context.Context, tx *gorm.DB, docs []*types.StrategyDocument) ([]*types.StrategyDocument, error)
	GetByJobID(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) (*types.StrategyDocument, error)
}

type strategyDocumentRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewStrategyDocumentRepo(db *gorm.DB, baseLog *logger.Logger) StrategyDocumentRepo {
	repoLog := baseLog.With("repo", "StrategyDocumentRepo")
	return &strategyDocumentRepo{db: db, log: repoLog}
}

func (r *strategyDocumentRepo) Create(ctx context.Context, tx *gorm.DB, docs []*types.StrategyDocument) ([]*types.StrategyDocument, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(docs) == 0 {
		return []*types.StrategyDocument{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&docs).Error; err != nil {
		return nil, err
	}
	return docs, nil
}

func (r *strategyDocumentRepo) GetByJobID(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) (*types.StrategyDocument, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if jobID == uuid.Nil {
		return nil, ErrNotFound
	}
	var doc types.StrategyDocument
	err := transaction.WithContext(ctx).
		Where("job_id = ?", jobID).
		Limit(1).
		Find(&doc).Error
	if err != nil {
		return nil, err
	}
	if doc.ID == uuid.Nil {
		return nil, ErrNotFound
	}
	return &doc, nil
}
