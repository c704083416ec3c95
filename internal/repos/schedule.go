package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/botfleet/orchestrator/internal/logger"
	"github.com/botfleet/orchestrator/internal/types"
)

type ScheduleRepo interface {
	Create(ctx context.Context, tx *gorm.DB, schedule *types.Schedule) error
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Schedule, error)
	List(ctx context.Context, tx *gorm.DB) ([]*types.Schedule, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type scheduleRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewScheduleRepo(db *gorm.DB, baseLog *logger.Logger) ScheduleRepo {
	return &scheduleRepo{db: db, log: baseLog.With("repo", "ScheduleRepo")}
}

func (r *scheduleRepo) Create(ctx context.Context, tx *gorm.DB, schedule *types.Schedule) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if schedule == nil {
		return nil
	}
	return transaction.WithContext(ctx).Create(schedule).Error
}

func (r *scheduleRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Schedule, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var s types.Schedule
	err := transaction.WithContext(ctx).Where("id = ?", id).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *scheduleRepo) List(ctx context.Context, tx *gorm.DB) ([]*types.Schedule, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Schedule
	if err := transaction.WithContext(ctx).Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *scheduleRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.Schedule{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *scheduleRepo) Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	return transaction.WithContext(ctx).Where("id = ?", id).Delete(&types.Schedule{}).Error
}
