package orcherr

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Domain error kinds surfaced by the core. Handlers map these to HTTP codes;
// internal loops match on them with errors.Is / errors.As.
var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyTerminal = errors.New("job already terminal")
	ErrNotTerminal     = errors.New("job not terminal")
	ErrQueueFull       = errors.New("queue full")
	ErrInvalidWorkflow = errors.New("invalid workflow document")
	ErrInvalidCron     = errors.New("invalid cron expression")
	ErrInvalidConfig   = errors.New("invalid trigger config")
	ErrConflict        = errors.New("conflict")
	ErrNoEligibleRobot = errors.New("no eligible robot")
)

// DuplicateJobError reports a submit collapsed by the dedup window. It carries
// the job id of the original submission so callers can return it verbatim.
type DuplicateJobError struct {
	OriginalJobID uuid.UUID
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("duplicate job: original %s", e.OriginalJobID)
}

func IsDuplicate(err error) (*DuplicateJobError, bool) {
	var d *DuplicateJobError
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}

// StateTransitionError reports a job status change that the state machine
// does not allow. The job is left unchanged.
type StateTransitionError struct {
	JobID uuid.UUID
	From  string
	To    string
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for job %s: %s -> %s", e.JobID, e.From, e.To)
}
