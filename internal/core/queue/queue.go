package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/botfleet/orchestrator/internal/clock"
	"github.com/botfleet/orchestrator/internal/core/orcherr"
	"github.com/botfleet/orchestrator/internal/logger"
	"github.com/botfleet/orchestrator/internal/repos"
	"github.com/botfleet/orchestrator/internal/types"
)

// Queue is the in-memory priority/state index over jobs in flight. It owns
// the job state machine: every status change goes through here, is validated
// against the transition table, and is persisted before callers notify
// observers. The repository row is the durable copy; the maps below must stay
// reconstructible from it.
type Queue struct {
	mu          sync.Mutex
	log         *logger.Logger
	repo        repos.JobRepo
	clk         clock.Clock
	dedupWindow time.Duration
	maxDepth    int

	jobs    map[uuid.UUID]*types.Job // every non-terminal job
	buckets [4][]uuid.UUID           // queued ids per priority, FIFO
	leases  map[uuid.UUID]time.Time  // running job -> leased_until
	dedup   map[string]dedupEntry
}

type dedupEntry struct {
	jobID  uuid.UUID
	seenAt time.Time
}

// Candidate is the dequeue-side view of a robot: just enough to answer
// "may this robot take this job right now".
type Candidate struct {
	RobotID       string
	Tags          map[string]struct{}
	Capabilities  map[string]struct{}
	SpareCapacity int
}

func New(log *logger.Logger, repo repos.JobRepo, clk clock.Clock, dedupWindow time.Duration, maxDepth int) *Queue {
	return &Queue{
		log:         log.With("component", "Queue"),
		repo:        repo,
		clk:         clk,
		dedupWindow: dedupWindow,
		maxDepth:    maxDepth,
		jobs:        make(map[uuid.UUID]*types.Job),
		leases:      make(map[uuid.UUID]time.Time),
		dedup:       make(map[string]dedupEntry),
	}
}

// DedupKey hashes the identity of a submission: workflow, explicit target and
// canonicalized parameters. Two submits with the same key inside the dedup
// window collapse to one job.
func DedupKey(workflowID, targetRobotID string, parameters []byte) string {
	canonical := canonicalJSON(parameters)
	h := sha256.New()
	h.Write([]byte(workflowID))
	h.Write([]byte{0})
	h.Write([]byte(targetRobotID))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON re-marshals a JSON document so key order does not affect the
// hash. Go's encoder emits map keys sorted.
func canonicalJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}

func allowedTransition(from, to types.JobStatus) bool {
	switch from {
	case types.JobPending:
		return to == types.JobQueued || to == types.JobCancelled
	case types.JobQueued:
		return to == types.JobRunning || to == types.JobCancelled
	case types.JobRunning:
		switch to {
		case types.JobCompleted, types.JobFailed, types.JobTimeout, types.JobCancelled, types.JobQueued:
			return true
		}
	}
	return false
}

// Enqueue takes a freshly built PENDING job, applies deduplication and the
// depth cap, transitions it to QUEUED and persists the row. On a dedup hit
// the original job id is returned inside the error and nothing changes.
func (q *Queue) Enqueue(ctx context.Context, job *types.Job, checkDuplicate bool) error {
	if job == nil {
		return fmt.Errorf("nil job")
	}
	now := q.clk.Now()

	q.mu.Lock()
	if job.Status != types.JobPending {
		q.mu.Unlock()
		return &orcherr.StateTransitionError{JobID: job.ID, From: string(job.Status), To: string(types.JobQueued)}
	}
	q.gcDedupLocked(now)
	if checkDuplicate && job.DedupKey != "" {
		if hit, ok := q.dedup[job.DedupKey]; ok && now.Sub(hit.seenAt) <= q.dedupWindow {
			q.mu.Unlock()
			return &orcherr.DuplicateJobError{OriginalJobID: hit.jobID}
		}
	}
	if q.queuedDepthLocked() >= q.maxDepth {
		q.mu.Unlock()
		return orcherr.ErrQueueFull
	}

	job.Status = types.JobQueued
	queuedAt := now
	job.QueuedAt = &queuedAt
	job.UpdatedAt = now
	q.jobs[job.ID] = job
	q.insertLocked(job)
	if job.DedupKey != "" {
		q.dedup[job.DedupKey] = dedupEntry{jobID: job.ID, seenAt: now}
	}
	q.mu.Unlock()

	if err := q.repo.Create(ctx, nil, job); err != nil {
		q.mu.Lock()
		delete(q.jobs, job.ID)
		q.removeFromBucketLocked(job)
		delete(q.dedup, job.DedupKey)
		job.Status = types.JobPending
		job.QueuedAt = nil
		q.mu.Unlock()
		return fmt.Errorf("persist enqueue: %w", err)
	}
	return nil
}

// insertLocked places a queued job into its priority bucket, keeping FIFO by
// queued_at with ties broken by job id.
func (q *Queue) insertLocked(job *types.Job) {
	b := int(job.Priority)
	if b < 0 || b > 3 {
		b = int(types.PriorityNormal)
	}
	bucket := q.buckets[b]
	idx := sort.Search(len(bucket), func(i int) bool {
		other := q.jobs[bucket[i]]
		if other == nil {
			return true
		}
		if !other.QueuedAt.Equal(*job.QueuedAt) {
			return other.QueuedAt.After(*job.QueuedAt)
		}
		return other.ID.String() > job.ID.String()
	})
	bucket = append(bucket, uuid.Nil)
	copy(bucket[idx+1:], bucket[idx:])
	bucket[idx] = job.ID
	q.buckets[b] = bucket
}

func (q *Queue) removeFromBucketLocked(job *types.Job) {
	b := int(job.Priority)
	if b < 0 || b > 3 {
		b = int(types.PriorityNormal)
	}
	bucket := q.buckets[b]
	for i, id := range bucket {
		if id == job.ID {
			q.buckets[b] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

func (q *Queue) queuedDepthLocked() int {
	n := 0
	for _, b := range q.buckets {
		n += len(b)
	}
	return n
}

func (q *Queue) gcDedupLocked(now time.Time) {
	for k, e := range q.dedup {
		if now.Sub(e.seenAt) > q.dedupWindow {
			delete(q.dedup, k)
		}
	}
}

// TryDequeue hands the best queued job to the candidate robot, or reports
// none. The scan walks CRITICAL down to LOW, FIFO inside each bucket. On a
// match the job transitions to RUNNING under the queue lock, so concurrent
// dequeues can never hand the same job to two robots; the guarded repository
// write backs that up across restarts.
func (q *Queue) TryDequeue(ctx context.Context, cand Candidate) (*types.Job, bool) {
	if cand.SpareCapacity <= 0 {
		return nil, false
	}
	now := q.clk.Now()

	q.mu.Lock()
	var picked *types.Job
	for b := 3; b >= 0; b-- {
		for _, id := range q.buckets[b] {
			job := q.jobs[id]
			if job == nil {
				continue
			}
			if job.ScheduledTime != nil && job.ScheduledTime.After(now) {
				continue
			}
			if job.TargetRobotID != "" && job.TargetRobotID != cand.RobotID {
				continue
			}
			if !supersetOf(cand.Tags, job.RequiredTags) {
				continue
			}
			if !supersetOf(cand.Capabilities, job.RequiredCaps) {
				continue
			}
			picked = job
			break
		}
		if picked != nil {
			break
		}
	}
	if picked == nil {
		q.mu.Unlock()
		return nil, false
	}

	prev := snapshot(picked)
	picked.Status = types.JobRunning
	picked.AssignedRobotID = cand.RobotID
	startedAt := now
	picked.StartedAt = &startedAt
	picked.LastHeartbeatAt = &startedAt
	picked.UpdatedAt = now
	q.removeFromBucketLocked(picked)
	q.leases[picked.ID] = now.Add(picked.Timeout())
	q.mu.Unlock()

	ok, err := q.repo.UpdateStatusIf(ctx, nil, picked.ID, types.JobQueued, map[string]interface{}{
		"status":            types.JobRunning,
		"assigned_robot_id": cand.RobotID,
		"started_at":        startedAt,
		"last_heartbeat_at": startedAt,
		"updated_at":        now,
	})
	if err != nil || !ok {
		if err != nil {
			q.log.Error("Persisting dequeue failed; job stays queued", "job_id", picked.ID, "error", err)
		}
		q.mu.Lock()
		restore(picked, prev)
		delete(q.leases, picked.ID)
		q.insertLocked(picked)
		q.mu.Unlock()
		return nil, false
	}
	out := *picked
	return &out, true
}

// Terminal moves a RUNNING job to one of the terminal statuses. When
// reporterRobotID is non-empty the job must still be assigned to that robot;
// a stale report from a robot that lost the job is rejected so completion
// stays exactly-once.
func (q *Queue) Terminal(ctx context.Context, jobID uuid.UUID, reporterRobotID string, to types.JobStatus, mutate func(job *types.Job)) (*types.Job, error) {
	if !to.Terminal() {
		return nil, fmt.Errorf("status %s is not terminal", to)
	}
	now := q.clk.Now()

	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return nil, orcherr.ErrNotFound
	}
	if job.Status.Terminal() {
		q.mu.Unlock()
		return nil, orcherr.ErrAlreadyTerminal
	}
	if !allowedTransition(job.Status, to) {
		st := &orcherr.StateTransitionError{JobID: jobID, From: string(job.Status), To: string(to)}
		q.mu.Unlock()
		return nil, st
	}
	if reporterRobotID != "" && job.AssignedRobotID != reporterRobotID {
		q.mu.Unlock()
		return nil, fmt.Errorf("stale terminal report for job %s from robot %s: %w", jobID, reporterRobotID, orcherr.ErrConflict)
	}

	prev := snapshot(job)
	prev.lease = q.leases[job.ID]
	from := job.Status
	job.Status = to
	completedAt := now
	job.CompletedAt = &completedAt
	job.UpdatedAt = now
	if mutate != nil {
		mutate(job)
	}
	if from == types.JobQueued || from == types.JobPending {
		q.removeFromBucketLocked(job)
	}
	delete(q.leases, job.ID)
	q.mu.Unlock()

	ok2, err := q.repo.UpdateStatusIf(ctx, nil, job.ID, from, map[string]interface{}{
		"status":       to,
		"completed_at": completedAt,
		"error":        job.Error,
		"error_type":   job.ErrorType,
		"stack_trace":  job.StackTrace,
		"result":       job.Result,
		"progress":     job.Progress,
		"current_node": job.CurrentNode,
		"updated_at":   now,
	})
	if err != nil || !ok2 {
		q.mu.Lock()
		restore(job, prev)
		if prev.status == types.JobQueued {
			q.insertLocked(job)
		}
		if prev.status == types.JobRunning {
			q.leases[job.ID] = prev.lease
		}
		q.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("persist terminal transition: %w", err)
		}
		return nil, fmt.Errorf("terminal transition rejected by store for job %s", jobID)
	}

	q.mu.Lock()
	delete(q.jobs, job.ID)
	out := *job
	q.mu.Unlock()
	return &out, nil
}

// Requeue is the RUNNING -> QUEUED recovery transition used when a robot
// rejects a job or is lost. bumpRetry distinguishes robot loss (counts as a
// retry) from an explicit reject.
func (q *Queue) Requeue(ctx context.Context, jobID uuid.UUID, bumpRetry bool) (*types.Job, error) {
	now := q.clk.Now()

	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return nil, orcherr.ErrNotFound
	}
	if job.Status != types.JobRunning {
		st := &orcherr.StateTransitionError{JobID: jobID, From: string(job.Status), To: string(types.JobQueued)}
		q.mu.Unlock()
		return nil, st
	}

	prev := snapshot(job)
	prev.lease = q.leases[job.ID]
	job.Status = types.JobQueued
	job.AssignedRobotID = ""
	job.StartedAt = nil
	job.AcceptedAt = nil
	job.Progress = 0
	job.CurrentNode = ""
	if bumpRetry {
		job.RetryCount++
	}
	queuedAt := now
	job.QueuedAt = &queuedAt
	job.UpdatedAt = now
	delete(q.leases, job.ID)
	q.insertLocked(job)
	q.mu.Unlock()

	ok2, err := q.repo.UpdateStatusIf(ctx, nil, job.ID, types.JobRunning, map[string]interface{}{
		"status":            types.JobQueued,
		"assigned_robot_id": "",
		"started_at":        nil,
		"accepted_at":       nil,
		"progress":          0,
		"current_node":      "",
		"retry_count":       job.RetryCount,
		"queued_at":         queuedAt,
		"updated_at":        now,
	})
	if err != nil || !ok2 {
		q.mu.Lock()
		q.removeFromBucketLocked(job)
		restore(job, prev)
		q.leases[job.ID] = prev.lease
		q.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("persist requeue: %w", err)
		}
		return nil, fmt.Errorf("requeue rejected by store for job %s", jobID)
	}
	out := *job
	return &out, nil
}

// CancelNonRunning cancels a PENDING or QUEUED job directly. RUNNING jobs go
// through the engine's cancel handshake instead.
func (q *Queue) CancelNonRunning(ctx context.Context, jobID uuid.UUID, reason string) (*types.Job, error) {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return nil, orcherr.ErrNotFound
	}
	if job.Status == types.JobRunning {
		q.mu.Unlock()
		return nil, &orcherr.StateTransitionError{JobID: jobID, From: string(types.JobRunning), To: string(types.JobCancelled)}
	}
	q.mu.Unlock()

	return q.Terminal(ctx, jobID, "", types.JobCancelled, func(j *types.Job) {
		j.Error = reason
	})
}

// UpdateProgress stamps a RUNNING job and slides its lease forward by the
// per-job timeout.
func (q *Queue) UpdateProgress(ctx context.Context, jobID uuid.UUID, pct int, currentNode string) error {
	if pct < 0 || pct > 100 {
		return fmt.Errorf("progress %d out of range", pct)
	}
	now := q.clk.Now()

	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok || job.Status != types.JobRunning {
		q.mu.Unlock()
		return orcherr.ErrNotFound
	}
	job.Progress = pct
	job.CurrentNode = currentNode
	hb := now
	job.LastHeartbeatAt = &hb
	job.UpdatedAt = now
	q.leases[job.ID] = now.Add(job.Timeout())
	q.mu.Unlock()

	_, err := q.repo.UpdateStatusIf(ctx, nil, jobID, types.JobRunning, map[string]interface{}{
		"progress":          pct,
		"current_node":      currentNode,
		"last_heartbeat_at": hb,
		"updated_at":        now,
	})
	return err
}

// MarkAccepted stamps the robot's acknowledgement of an assignment. A job
// with no accepted_at was sent but never confirmed, which the cancel-grace
// and reconciliation paths treat differently from accepted work.
func (q *Queue) MarkAccepted(ctx context.Context, jobID uuid.UUID, robotID string) error {
	now := q.clk.Now()

	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok || job.Status != types.JobRunning || job.AssignedRobotID != robotID {
		q.mu.Unlock()
		return orcherr.ErrNotFound
	}
	if job.AcceptedAt != nil {
		q.mu.Unlock()
		return nil
	}
	acceptedAt := now
	job.AcceptedAt = &acceptedAt
	job.UpdatedAt = now
	q.mu.Unlock()

	_, err := q.repo.UpdateStatusIf(ctx, nil, jobID, types.JobRunning, map[string]interface{}{
		"accepted_at": acceptedAt,
		"updated_at":  now,
	})
	return err
}

// SweepTimeouts expires every RUNNING job whose lease has passed. The
// timed-out jobs are returned so the engine can release robots and record
// results.
func (q *Queue) SweepTimeouts(ctx context.Context) []*types.Job {
	now := q.clk.Now()

	q.mu.Lock()
	var expired []uuid.UUID
	for id, until := range q.leases {
		if until.Before(now) {
			expired = append(expired, id)
		}
	}
	q.mu.Unlock()

	var out []*types.Job
	for _, id := range expired {
		job, err := q.Terminal(ctx, id, "", types.JobTimeout, func(j *types.Job) {
			j.Error = "job lease expired without completion"
		})
		if err != nil {
			q.log.Warn("Timeout sweep could not expire job", "job_id", id, "error", err)
			continue
		}
		out = append(out, job)
	}
	return out
}

// ExtendLease pushes a running job's lease without touching progress. Used
// when a RUNNING job is restored at startup and granted a reconnect window.
func (q *Queue) ExtendLease(jobID uuid.UUID, until time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if job, ok := q.jobs[jobID]; ok && job.Status == types.JobRunning {
		q.leases[jobID] = until
	}
}

// Get returns a snapshot of a non-terminal job, or nil.
func (q *Queue) Get(jobID uuid.UUID) *types.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return nil
	}
	out := *job
	return &out
}

// QueuedSnapshot lists queued jobs in dispatch order: priority descending,
// FIFO inside a priority.
func (q *Queue) QueuedSnapshot() []*types.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*types.Job
	for b := 3; b >= 0; b-- {
		for _, id := range q.buckets[b] {
			if job, ok := q.jobs[id]; ok {
				cp := *job
				out = append(out, &cp)
			}
		}
	}
	return out
}

// RunningSnapshot copies every job currently in RUNNING, for the shutdown
// sequence and status reconciliation.
func (q *Queue) RunningSnapshot() []*types.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*types.Job
	for _, job := range q.jobs {
		if job.Status == types.JobRunning {
			cp := *job
			out = append(out, &cp)
		}
	}
	return out
}

// Depths reports the live population per non-terminal status.
func (q *Queue) Depths() map[types.JobStatus]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := map[types.JobStatus]int{}
	for _, job := range q.jobs {
		out[job.Status]++
	}
	return out
}

// RunningAssignedTo lists the running jobs currently owned by a robot.
func (q *Queue) RunningAssignedTo(robotID string) []*types.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*types.Job
	for _, job := range q.jobs {
		if job.Status == types.JobRunning && job.AssignedRobotID == robotID {
			cp := *job
			out = append(out, &cp)
		}
	}
	return out
}

// LeaseExpired reports whether a running job's lease has already passed.
func (q *Queue) LeaseExpired(jobID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	until, ok := q.leases[jobID]
	if !ok {
		return true
	}
	return until.Before(q.clk.Now())
}

// Restore rebuilds the in-memory index from repository rows at startup.
// RUNNING jobs get a lease of now+grace so a reconnecting robot can resume
// before the timeout sweeper claims them.
func (q *Queue) Restore(jobs []*types.Job, grace time.Duration) {
	now := q.clk.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, job := range jobs {
		if job == nil || job.Status.Terminal() {
			continue
		}
		q.jobs[job.ID] = job
		switch job.Status {
		case types.JobQueued:
			if job.QueuedAt == nil {
				t := now
				job.QueuedAt = &t
			}
			q.insertLocked(job)
			if job.DedupKey != "" {
				q.dedup[job.DedupKey] = dedupEntry{jobID: job.ID, seenAt: *job.QueuedAt}
			}
		case types.JobRunning:
			q.leases[job.ID] = now.Add(grace)
		}
	}
	q.log.Info("Queue restored", "jobs", len(q.jobs))
}

// jobSnapshot captures the fields a rollback needs.
type jobSnapshot struct {
	status      types.JobStatus
	assigned    string
	startedAt   *time.Time
	acceptedAt  *time.Time
	queuedAt    *time.Time
	completedAt *time.Time
	progress    int
	currentNode string
	retryCount  int
	errMsg      string
	errType     string
	stackTrace  string
	lease       time.Time
}

func snapshot(j *types.Job) jobSnapshot {
	return jobSnapshot{
		status:      j.Status,
		assigned:    j.AssignedRobotID,
		startedAt:   j.StartedAt,
		acceptedAt:  j.AcceptedAt,
		queuedAt:    j.QueuedAt,
		completedAt: j.CompletedAt,
		progress:    j.Progress,
		currentNode: j.CurrentNode,
		retryCount:  j.RetryCount,
		errMsg:      j.Error,
		errType:     j.ErrorType,
		stackTrace:  j.StackTrace,
	}
}

func restore(j *types.Job, s jobSnapshot) {
	j.Status = s.status
	j.AssignedRobotID = s.assigned
	j.StartedAt = s.startedAt
	j.AcceptedAt = s.acceptedAt
	j.QueuedAt = s.queuedAt
	j.CompletedAt = s.completedAt
	j.Progress = s.progress
	j.CurrentNode = s.currentNode
	j.RetryCount = s.retryCount
	j.Error = s.errMsg
	j.ErrorType = s.errType
	j.StackTrace = s.stackTrace
}

func supersetOf(have map[string]struct{}, need []string) bool {
	for _, n := range need {
		if _, ok := have[n]; !ok {
			return false
		}
	}
	return true
}
