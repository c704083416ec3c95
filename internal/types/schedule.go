package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type ScheduleFrequency string

const (
	FrequencyOnce     ScheduleFrequency = "once"
	FrequencyInterval ScheduleFrequency = "interval"
	FrequencyCron     ScheduleFrequency = "cron"
)

type Schedule struct {
	ID              uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	WorkflowID      string            `gorm:"column:workflow_id;not null;index" json:"workflow_id"`
	WorkflowName    string            `gorm:"column:workflow_name" json:"workflow_name"`
	Frequency       ScheduleFrequency `gorm:"column:frequency;not null" json:"frequency"`
	FireAt          *time.Time        `gorm:"column:fire_at" json:"fire_at,omitempty"`
	IntervalSeconds int               `gorm:"column:interval_seconds" json:"interval_seconds,omitempty"`
	CronExpression  string            `gorm:"column:cron_expression" json:"cron_expression,omitempty"`
	Timezone        string            `gorm:"column:timezone" json:"timezone,omitempty"`
	TargetRobotID   string            `gorm:"column:target_robot_id" json:"target_robot_id,omitempty"`
	Priority        JobPriority       `gorm:"column:priority;not null;default:1" json:"priority"`
	Parameters      datatypes.JSON    `gorm:"column:parameters;type:jsonb" json:"parameters,omitempty"`
	WorkflowDoc     datatypes.JSON    `gorm:"column:workflow_document;type:jsonb" json:"workflow_document,omitempty"`
	Enabled         bool              `gorm:"column:enabled;not null;default:true;index" json:"enabled"`
	NextFireAt      *time.Time        `gorm:"column:next_fire_at;index" json:"next_fire_at,omitempty"`
	LastFireAt      *time.Time        `gorm:"column:last_fire_at" json:"last_fire_at,omitempty"`
	RunCount        int               `gorm:"column:run_count;not null;default:0" json:"run_count"`
	CreatedAt       time.Time         `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt       time.Time         `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (Schedule) TableName() string { return "schedule" }
