package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// JobResult is the immutable record written once per terminal transition.
type JobResult struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	JobID          uuid.UUID      `gorm:"type:uuid;column:job_id;uniqueIndex;not null" json:"job_id"`
	WorkflowID     string         `gorm:"column:workflow_id;not null;index" json:"workflow_id"`
	RobotID        string         `gorm:"column:robot_id;index" json:"robot_id,omitempty"`
	TerminalStatus JobStatus      `gorm:"column:terminal_status;not null;index" json:"terminal_status"`
	DurationMs     int64          `gorm:"column:duration_ms;not null" json:"duration_ms"`
	ResultData     datatypes.JSON `gorm:"column:result_data;type:jsonb" json:"result_data,omitempty"`
	Error          string         `gorm:"column:error" json:"error,omitempty"`
	ErrorType      string         `gorm:"column:error_type" json:"error_type,omitempty"`
	StackTrace     string         `gorm:"column:stack_trace" json:"stack_trace,omitempty"`
	FailedNode     string         `gorm:"column:failed_node" json:"failed_node,omitempty"`
	Logs           datatypes.JSON `gorm:"column:logs;type:jsonb" json:"logs,omitempty"`
	QueuedAt       *time.Time     `gorm:"column:queued_at" json:"queued_at,omitempty"`
	StartedAt      *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt    time.Time      `gorm:"column:completed_at;not null" json:"completed_at"`
	CreatedAt      time.Time      `gorm:"column:created_at;not null" json:"created_at"`
}

func (JobResult) TableName() string { return "job_result" }

// LogEntry is one robot-reported log line, stored on the JobResult tail.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Node      string    `json:"node,omitempty"`
}
