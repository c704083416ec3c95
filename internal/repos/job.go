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

// JobFilter narrows ListJobs. Zero values mean "no filter".
type JobFilter struct {
	Status     types.JobStatus
	RobotID    string
	WorkflowID string
	Offset     int
	Limit      int
}

type JobRepo interface {
	Create(ctx context.Context, tx *gorm.DB, job *types.Job) error
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Job, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	// UpdateStatusIf performs the guarded write that makes state transitions
	// durable: the row is only touched while its status still matches the
	// expected value. Returns false when the guard rejected the write.
	UpdateStatusIf(ctx context.Context, tx *gorm.DB, id uuid.UUID, expect types.JobStatus, updates map[string]interface{}) (bool, error)
	List(ctx context.Context, tx *gorm.DB, filter JobFilter) ([]*types.Job, int64, error)
	ListNonTerminal(ctx context.Context, tx *gorm.DB) ([]*types.Job, error)
	CountByStatus(ctx context.Context, tx *gorm.DB) (map[types.JobStatus]int64, error)
}

type jobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRepo(db *gorm.DB, baseLog *logger.Logger) JobRepo {
	return &jobRepo{db: db, log: baseLog.With("repo", "JobRepo")}
}

func (r *jobRepo) Create(ctx context.Context, tx *gorm.DB, job *types.Job) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if job == nil {
		return nil
	}
	return transaction.WithContext(ctx).Create(job).Error
}

func (r *jobRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Job, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var job types.Job
	err := transaction.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *jobRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.Job{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *jobRepo) UpdateStatusIf(ctx context.Context, tx *gorm.DB, id uuid.UUID, expect types.JobStatus, updates map[string]interface{}) (bool, error) {
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
		Model(&types.Job{}).
		Where("id = ? AND status = ?", id, expect).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *jobRepo) List(ctx context.Context, tx *gorm.DB, filter JobFilter) ([]*types.Job, int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(ctx).Model(&types.Job{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.RobotID != "" {
		q = q.Where("assigned_robot_id = ?", filter.RobotID)
	}
	if filter.WorkflowID != "" {
		q = q.Where("workflow_id = ?", filter.WorkflowID)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []*types.Job
	if err := q.Order("created_at DESC").Offset(filter.Offset).Limit(limit).Find(&out).Error; err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *jobRepo) ListNonTerminal(ctx context.Context, tx *gorm.DB) ([]*types.Job, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Job
	err := transaction.WithContext(ctx).
		Where("status IN ?", []types.JobStatus{types.JobPending, types.JobQueued, types.JobRunning}).
		Order("queued_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *jobRepo) CountByStatus(ctx context.Context, tx *gorm.DB) (map[types.JobStatus]int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	type row struct {
		Status types.JobStatus
		N      int64
	}
	var rows []row
	err := transaction.WithContext(ctx).
		Model(&types.Job{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[types.JobStatus]int64, len(rows))
	for _, rr := range rows {
		out[rr.Status] = rr.N
	}
	return out, nil
}
