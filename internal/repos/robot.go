package repos

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/botfleet/orchestrator/internal/logger"
	"github.com/botfleet/orchestrator/internal/types"
)

type RobotRepo interface {
	Upsert(ctx context.Context, tx *gorm.DB, robot *types.Robot) error
	GetByID(ctx context.Context, tx *gorm.DB, id string) (*types.Robot, error)
	List(ctx context.Context, tx *gorm.DB, status types.RobotStatus) ([]*types.Robot, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id string, updates map[string]interface{}) error
	Delete(ctx context.Context, tx *gorm.DB, id string) error
}

type robotRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRobotRepo(db *gorm.DB, baseLog *logger.Logger) RobotRepo {
	return &robotRepo{db: db, log: baseLog.With("repo", "RobotRepo")}
}

func (r *robotRepo) Upsert(ctx context.Context, tx *gorm.DB, robot *types.Robot) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if robot == nil || robot.ID == "" {
		return nil
	}
	return transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(robot).Error
}

func (r *robotRepo) GetByID(ctx context.Context, tx *gorm.DB, id string) (*types.Robot, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var robot types.Robot
	err := transaction.WithContext(ctx).Where("id = ?", id).First(&robot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &robot, nil
}

func (r *robotRepo) List(ctx context.Context, tx *gorm.DB, status types.RobotStatus) ([]*types.Robot, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(ctx).Model(&types.Robot{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []*types.Robot
	if err := q.Order("registered_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *robotRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id string, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == "" {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(ctx).
		Model(&types.Robot{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *robotRepo) Delete(ctx context.Context, tx *gorm.DB, id string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == "" {
		return nil
	}
	return transaction.WithContext(ctx).Where("id = ?", id).Delete(&types.Robot{}).Error
}
