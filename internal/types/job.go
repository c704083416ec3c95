package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobTimeout   JobStatus = "timeout"
	JobCancelled JobStatus = "cancelled"
)

func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobTimeout, JobCancelled:
		return true
	}
	return false
}

type JobPriority int

const (
	PriorityLow      JobPriority = 0
	PriorityNormal   JobPriority = 1
	PriorityHigh     JobPriority = 2
	PriorityCritical JobPriority = 3
)

func (p JobPriority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// Job is one workflow execution request. The workflow document is an opaque
// payload: the orchestrator stores it and forwards it to the robot untouched.
type Job struct {
	ID               uuid.UUID                   `gorm:"type:uuid;primaryKey" json:"id"`
	WorkflowID       string                      `gorm:"column:workflow_id;not null;index" json:"workflow_id"`
	WorkflowName     string                      `gorm:"column:workflow_name" json:"workflow_name"`
	WorkflowDocument datatypes.JSON              `gorm:"column:workflow_document;type:jsonb" json:"workflow_document"`
	Parameters       datatypes.JSON              `gorm:"column:parameters;type:jsonb" json:"parameters"`
	Priority         JobPriority                 `gorm:"column:priority;not null;default:1;index" json:"priority"`
	Status           JobStatus                   `gorm:"column:status;not null;index" json:"status"`
	TimeoutSeconds   int                         `gorm:"column:timeout_seconds;not null" json:"timeout_seconds"`
	ScheduledTime    *time.Time                  `gorm:"column:scheduled_time" json:"scheduled_time,omitempty"`
	TargetRobotID    string                      `gorm:"column:target_robot_id;index" json:"target_robot_id,omitempty"`
	RequiredTags     datatypes.JSONSlice[string] `gorm:"column:required_tags" json:"required_tags,omitempty"`
	RequiredCaps     datatypes.JSONSlice[string] `gorm:"column:required_caps" json:"required_caps,omitempty"`
	AssignedRobotID  string                      `gorm:"column:assigned_robot_id;index" json:"assigned_robot_id,omitempty"`
	Progress         int                         `gorm:"column:progress;not null;default:0" json:"progress"`
	CurrentNode      string                      `gorm:"column:current_node" json:"current_node,omitempty"`
	RetryCount       int                         `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	DedupKey         string                      `gorm:"column:dedup_key;index" json:"dedup_key,omitempty"`
	Error            string                      `gorm:"column:error" json:"error,omitempty"`
	ErrorType        string                      `gorm:"column:error_type" json:"error_type,omitempty"`
	StackTrace       string                      `gorm:"column:stack_trace" json:"stack_trace,omitempty"`
	Result           datatypes.JSON              `gorm:"column:result;type:jsonb" json:"result,omitempty"`
	CreatedAt        time.Time                   `gorm:"column:created_at;not null;index" json:"created_at"`
	QueuedAt         *time.Time                  `gorm:"column:queued_at;index" json:"queued_at,omitempty"`
	StartedAt        *time.Time                  `gorm:"column:started_at" json:"started_at,omitempty"`
	AcceptedAt       *time.Time                  `gorm:"column:accepted_at" json:"accepted_at,omitempty"`
	CompletedAt      *time.Time                  `gorm:"column:completed_at" json:"completed_at,omitempty"`
	LastHeartbeatAt  *time.Time                  `gorm:"column:last_heartbeat_at" json:"last_heartbeat_at,omitempty"`
	UpdatedAt        time.Time                   `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (Job) TableName() string { return "job" }

// Timeout returns the per-job timeout as a duration.
func (j *Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutSeconds) * time.Second
}
