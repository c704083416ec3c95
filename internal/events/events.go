package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventJobQueued    EventType = "job_queued"
	EventJobStarted   EventType = "job_started"
	EventJobProgress  EventType = "job_progress"
	EventJobCompleted EventType = "job_completed"
	EventJobFailed    EventType = "job_failed"
	EventJobTimeout   EventType = "job_timeout"
	EventJobCancelled EventType = "job_cancelled"
	EventRobotOnline  EventType = "robot_online"
	EventRobotOffline EventType = "robot_offline"
)

// Event is one observable lifecycle change, fanned out to SSE subscribers and
// over the Redis bus to sibling instances.
type Event struct {
	Type       EventType      `json:"type"`
	JobID      uuid.UUID      `json:"job_id,omitempty"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	RobotID    string         `json:"robot_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`

	// Origin identifies the publishing instance so a forwarder can skip
	// events this instance already handed to its local subscribers.
	Origin string `json:"origin,omitempty"`
}
