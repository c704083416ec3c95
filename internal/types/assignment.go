package types

import (
	"time"

	"github.com/google/uuid"
)

// Assignment records that a robot owns a job for a bounded lease. Unique on
// job id: at most one robot owns a job at any moment. Assignments are held in
// memory by the fleet manager and reconstructed on restart from the set of
// running jobs, so they have no table of their own.
type Assignment struct {
	JobID       uuid.UUID `json:"job_id"`
	RobotID     string    `json:"robot_id"`
	LeasedUntil time.Time `json:"leased_until"`
	CreatedAt   time.Time `json:"created_at"`
}
