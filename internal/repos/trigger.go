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

type TriggerRepo interface {
	Create(ctx context.Context, tx *gorm.DB, trigger *types.Trigger) error
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Trigger, error)
	List(ctx context.Context, tx *gorm.DB) ([]*types.Trigger, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type triggerRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTriggerRepo(db *gorm.DB, baseLog *logger.Logger) TriggerRepo {
	return &triggerRepo{db: db, log: baseLog.With("repo", "TriggerRepo")}
}

func (r *triggerRepo) Create(ctx context.Context, tx *gorm.DB, trigger *types.Trigger) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if trigger == nil {
		return nil
	}
	return transaction.WithContext(ctx).Create(trigger).Error
}

func (r *triggerRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Trigger, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var t types.Trigger
	err := transaction.WithContext(ctx).Where("id = ?", id).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *triggerRepo) List(ctx context.Context, tx *gorm.DB) ([]*types.Trigger, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Trigger
	if err := transaction.WithContext(ctx).Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *triggerRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.Trigger{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *triggerRepo) Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	return transaction.WithContext(ctx).Where("id = ?", id).Delete(&types.Trigger{}).Error
}
