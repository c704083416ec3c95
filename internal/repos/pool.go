package repos

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/botfleet/orchestrator/internal/logger"
	"github.com/botfleet/orchestrator/internal/types"
)

type PoolRepo interface {
	Create(ctx context.Context, tx *gorm.DB, pool *types.RobotPool) error
	GetByName(ctx context.Context, tx *gorm.DB, name string) (*types.RobotPool, error)
	List(ctx context.Context, tx *gorm.DB) ([]*types.RobotPool, error)
	Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type poolRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPoolRepo(db *gorm.DB, baseLog *logger.Logger) PoolRepo {
	return &poolRepo{db: db, log: baseLog.With("repo", "PoolRepo")}
}

func (r *poolRepo) Create(ctx context.Context, tx *gorm.DB, pool *types.RobotPool) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if pool == nil {
		return nil
	}
	return transaction.WithContext(ctx).Create(pool).Error
}

func (r *poolRepo) GetByName(ctx context.Context, tx *gorm.DB, name string) (*types.RobotPool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var p types.RobotPool
	err := transaction.WithContext(ctx).Where("name = ?", name).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *poolRepo) List(ctx context.Context, tx *gorm.DB) ([]*types.RobotPool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.RobotPool
	if err := transaction.WithContext(ctx).Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *poolRepo) Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	return transaction.WithContext(ctx).Where("id = ?", id).Delete(&types.RobotPool{}).Error
}
