package wire

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/botfleet/orchestrator/internal/types"
)

// Message type values carried on the framed stream between orchestrator and
// robots. The transport preserves per-connection order; idempotency of state
// transitions is enforced above this layer.
const (
	TypeRegister       = "register"
	TypeRegisterAck    = "register_ack"
	TypeHeartbeat      = "heartbeat"
	TypeHeartbeatAck   = "heartbeat_ack"
	TypeDisconnect     = "disconnect"
	TypeJobAssign      = "job_assign"
	TypeJobAccept      = "job_accept"
	TypeJobReject      = "job_reject"
	TypeJobProgress    = "job_progress"
	TypeJobComplete    = "job_complete"
	TypeJobFailed      = "job_failed"
	TypeJobCancel      = "job_cancel"
	TypeJobCancelled   = "job_cancelled"
	TypeStatusRequest  = "status_request"
	TypeStatusResponse = "status_response"
	TypeLogEntry       = "log_entry"
	TypeLogBatch       = "log_batch"
	TypePause          = "pause"
	TypeResume         = "resume"
	TypeShutdown       = "shutdown"
)

// Frame is one message on the wire: a single JSON object per line.
type Frame struct {
	Type          string          `json:"type"`
	ID            uuid.UUID       `json:"id"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID *uuid.UUID      `json:"correlation_id,omitempty"`
}

func NewFrame(msgType string, payload any) (Frame, error) {
	f := Frame{
		Type:      msgType,
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, err
		}
		f.Payload = raw
	}
	return f, nil
}

// Reply builds a frame correlated to the one it answers.
func (f Frame) Reply(msgType string, payload any) (Frame, error) {
	out, err := NewFrame(msgType, payload)
	if err != nil {
		return Frame{}, err
	}
	id := f.ID
	out.CorrelationID = &id
	return out, nil
}

func (f Frame) DecodePayload(into any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(f.Payload, into)
}

// ---- inbound payloads (robot -> orchestrator) ----

type RegisterPayload struct {
	RobotID           string   `json:"robot_id"`
	Name              string   `json:"name"`
	Environment       string   `json:"environment"`
	Tags              []string `json:"tags"`
	Capabilities      []string `json:"capabilities"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs"`
}

type HeartbeatPayload struct {
	RobotID     string `json:"robot_id"`
	CurrentJobs int    `json:"current_jobs"`
}

type DisconnectPayload struct {
	RobotID string `json:"robot_id"`
	Reason  string `json:"reason,omitempty"`
}

type JobAcceptPayload struct {
	JobID uuid.UUID `json:"job_id"`
}

type JobRejectPayload struct {
	JobID  uuid.UUID `json:"job_id"`
	Reason string    `json:"reason,omitempty"`
}

type JobProgressPayload struct {
	JobID       uuid.UUID `json:"job_id"`
	Progress    int       `json:"progress"`
	CurrentNode string    `json:"current_node,omitempty"`
}

type JobCompletePayload struct {
	JobID  uuid.UUID       `json:"job_id"`
	Result json.RawMessage `json:"result,omitempty"`
}

type JobFailedPayload struct {
	JobID      uuid.UUID `json:"job_id"`
	Error      string    `json:"error"`
	ErrorType  string    `json:"error_type,omitempty"`
	StackTrace string    `json:"stack_trace,omitempty"`
	FailedNode string    `json:"failed_node,omitempty"`
}

type JobCancelledPayload struct {
	JobID uuid.UUID `json:"job_id"`
}

type LogBatchPayload struct {
	JobID   uuid.UUID        `json:"job_id"`
	Entries []types.LogEntry `json:"entries"`
}

type StatusResponsePayload struct {
	RobotID     string      `json:"robot_id"`
	CurrentJobs int         `json:"current_jobs"`
	JobIDs      []uuid.UUID `json:"job_ids,omitempty"`
}

// ---- outbound payloads (orchestrator -> robot) ----

type RegisterAckPayload struct {
	RobotID                  string `json:"robot_id"`
	HeartbeatIntervalSeconds int    `json:"heartbeat_interval_seconds"`
}

type HeartbeatAckPayload struct {
	RobotID string `json:"robot_id"`
}

type JobAssignPayload struct {
	JobID            uuid.UUID       `json:"job_id"`
	WorkflowID       string          `json:"workflow_id"`
	WorkflowName     string          `json:"workflow_name,omitempty"`
	WorkflowDocument json.RawMessage `json:"workflow_document"`
	Parameters       json.RawMessage `json:"parameters,omitempty"`
	Priority         int             `json:"priority"`
	TimeoutSeconds   int             `json:"timeout_seconds"`
	RetryCount       int             `json:"retry_count"`
}

type JobCancelPayload struct {
	JobID  uuid.UUID `json:"job_id"`
	Reason string    `json:"reason,omitempty"`
}
