package repos

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/botfleet/orchestrator/internal/logger"
	"github.com/botfleet/orchestrator/internal/types"
)

type ResultRepo interface {
	Create(ctx context.Context, tx *gorm.DB, result *types.JobResult) error
	GetByJobID(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) (*types.JobResult, error)
	ListByWorkflow(ctx context.Context, tx *gorm.DB, workflowID string, limit int) ([]*types.JobResult, error)
	ListByRobot(ctx context.Context, tx *gorm.DB, robotID string, limit int) ([]*types.JobResult, error)
}

type resultRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewResultRepo(db *gorm.DB, baseLog *logger.Logger) ResultRepo {
	return &resultRepo{db: db, log: baseLog.With("repo", "ResultRepo")}
}

func (r *resultRepo) Create(ctx context.Context, tx *gorm.DB, result *types.JobResult) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if result == nil {
		return nil
	}
	return transaction.WithContext(ctx).Create(result).Error
}

func (r *resultRepo) GetByJobID(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) (*types.JobResult, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var res types.JobResult
	err := transaction.WithContext(ctx).Where("job_id = ?", jobID).First(&res).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *resultRepo) ListByWorkflow(ctx context.Context, tx *gorm.DB, workflowID string, limit int) ([]*types.JobResult, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 100
	}
	var out []*types.JobResult
	err := transaction.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("completed_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *resultRepo) ListByRobot(ctx context.Context, tx *gorm.DB, robotID string, limit int) ([]*types.JobResult, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 100
	}
	var out []*types.JobResult
	err := transaction.WithContext(ctx).
		Where("robot_id = ?", robotID).
		Order("completed_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
