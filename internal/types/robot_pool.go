package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// RobotPool is a named, tag-defined subset of robots. Membership is derived:
// a robot belongs to the pool iff its tags are a superset of RequiredTags.
type RobotPool struct {
	ID                uuid.UUID                   `gorm:"type:uuid;primaryKey" json:"id"`
	Name              string                      `gorm:"column:name;uniqueIndex;not null" json:"name"`
	RequiredTags      datatypes.JSONSlice[string] `gorm:"column:required_tags" json:"required_tags"`
	MaxConcurrentJobs int                         `gorm:"column:max_concurrent_jobs" json:"max_concurrent_jobs,omitempty"`
	AllowedWorkflows  datatypes.JSONSlice[string] `gorm:"column:allowed_workflows" json:"allowed_workflows,omitempty"`
	CreatedAt         time.Time                   `gorm:"column:created_at;not null" json:"created_at"`
}

func (RobotPool) TableName() string { return "robot_pool" }
