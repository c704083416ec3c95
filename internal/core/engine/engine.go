package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"github.com/botfleet/orchestrator/internal/clock"
	"github.com/botfleet/orchestrator/internal/config"
	"github.com/botfleet/orchestrator/internal/core/dispatch"
	"github.com/botfleet/orchestrator/internal/core/fleet"
	"github.com/botfleet/orchestrator/internal/core/orcherr"
	"github.com/botfleet/orchestrator/internal/core/queue"
	"github.com/botfleet/orchestrator/internal/core/results"
	"github.com/botfleet/orchestrator/internal/core/sched"
	"github.com/botfleet/orchestrator/internal/core/trigger"
	"github.com/botfleet/orchestrator/internal/events"
	"github.com/botfleet/orchestrator/internal/logger"
	"github.com/botfleet/orchestrator/internal/observability"
	"github.com/botfleet/orchestrator/internal/repos"
	"github.com/botfleet/orchestrator/internal/types"
	"github.com/botfleet/orchestrator/internal/wire"
)

// Transport is the robot-facing side the engine talks to.
type Transport interface {
	Send(robotID string, f wire.Frame) error
	Connected(robotID string) bool
	Broadcast(f wire.Frame)
}

// SubmitRequest carries everything needed to create a job.
type SubmitRequest struct {
	WorkflowID       string             `json:"workflow_id"`
	WorkflowName     string             `json:"workflow_name"`
	WorkflowDocument json.RawMessage    `json:"workflow_document"`
	Parameters       json.RawMessage    `json:"parameters"`
	Priority         *types.JobPriority `json:"priority"`
	TimeoutSeconds   int                `json:"timeout_seconds"`
	ScheduledTime    *time.Time         `json:"scheduled_time"`
	TargetRobotID    string             `json:"target_robot_id"`
	RequiredTags     []string           `json:"required_tags"`
	RequiredCaps     []string           `json:"required_caps"`
	DisableDedup     bool               `json:"disable_dedup"`
}

type pendingCancel struct {
	robotID  string
	deadline time.Time
}

// Engine is the orchestrator facade: the control API and the robot protocol
// both land here, and every job lifecycle decision flows through it.
type Engine struct {
	log      *logger.Logger
	cfg      config.Config
	clk      clock.Clock
	queue    *queue.Queue
	fleet    *fleet.Manager
	disp     *dispatch.Dispatcher
	affinity *dispatch.Affinity
	sch      *sched.Scheduler
	triggers *trigger.Manager
	results  *results.Collector
	jobRepo  repos.JobRepo
	hub      *events.Hub
	bus      events.Bus
	metrics  *observability.Metrics

	transport   Transport
	transportMu sync.RWMutex

	cancelMu sync.Mutex
	cancels  map[uuid.UUID]pendingCancel

	draining  chan struct{}
	drainOnce sync.Once
}

type Deps struct {
	Log      *logger.Logger
	Cfg      config.Config
	Clk      clock.Clock
	Queue    *queue.Queue
	Fleet    *fleet.Manager
	Results  *results.Collector
	JobRepo  repos.JobRepo
	Hub      *events.Hub
	Bus      events.Bus
	Metrics  *observability.Metrics
	SchRepo  repos.ScheduleRepo
	TrigRepo repos.TriggerRepo
	Inbox    trigger.Inbox
}

func New(d Deps) *Engine {
	e := &Engine{
		log:     d.Log.With("component", "Engine"),
		cfg:     d.Cfg,
		clk:     d.Clk,
		queue:   d.Queue,
		fleet:   d.Fleet,
		results: d.Results,
		jobRepo: d.JobRepo,
		hub:     d.Hub,
		bus:     d.Bus,
		metrics: d.Metrics,
		cancels: make(map[uuid.UUID]pendingCancel),
		draining: make(chan struct{}),
	}

	strategy := dispatch.New(strings.ToLower(d.Cfg.LoadBalancingStrategy))
	if rr, ok := strategy.(*dispatch.RoundRobin); ok {
		rr.SetPoolResolver(d.Fleet.PoolForWorkflow)
	}
	if aff, ok := strategy.(*dispatch.Affinity); ok {
		e.affinity = aff
	}
	e.disp = dispatch.NewDispatcher(
		d.Log, d.Queue, d.Fleet, strategy, d.Clk, d.Cfg.DispatchInterval,
		e.sendAssign, e.onSendFailure, e.onDispatched,
	)
	e.sch = sched.New(d.Log, d.SchRepo, d.Clk, e.submitFromSchedule)
	e.triggers = trigger.NewManager(d.Log, d.TrigRepo, d.Clk, e.submitFromTrigger, d.Inbox)
	e.triggers.SetPlanner(schedulePlanner{e})
	return e
}

// schedulePlanner gives scheduled triggers their delegated schedule, keyed by
// the trigger's own id so the lifecycles stay in lockstep.
type schedulePlanner struct{ e *Engine }

func (p schedulePlanner) CreateFor(ctx context.Context, trig *types.Trigger, cfg trigger.ScheduleConfig) error {
	_, err := p.e.sch.Create(ctx, &types.Schedule{
		ID:              trig.ID,
		WorkflowID:      trig.WorkflowID,
		WorkflowName:    trig.WorkflowName,
		Frequency:       types.ScheduleFrequency(cfg.Frequency),
		FireAt:          cfg.FireAt,
		IntervalSeconds: cfg.IntervalSeconds,
		CronExpression:  cfg.CronExpression,
		Timezone:        cfg.Timezone,
		TargetRobotID:   cfg.TargetRobotID,
		Priority:        trig.Priority,
		Parameters:      datatypes.JSON(cfg.Parameters),
		WorkflowDoc:     trig.WorkflowDoc,
		Enabled:         trig.Enabled,
	})
	return err
}

func (p schedulePlanner) SetEnabledFor(ctx context.Context, triggerID uuid.UUID, enabled bool) error {
	_, err := p.e.sch.SetEnabled(ctx, triggerID, enabled)
	return err
}

func (p schedulePlanner) DeleteFor(ctx context.Context, triggerID uuid.UUID) error {
	return p.e.sch.Delete(ctx, triggerID)
}

// SetTransport wires the robot hub once it exists; the hub needs the engine
// as its handler first.
func (e *Engine) SetTransport(t Transport) {
	e.transportMu.Lock()
	e.transport = t
	e.transportMu.Unlock()
}

func (e *Engine) send(robotID string, f wire.Frame) error {
	e.transportMu.RLock()
	t := e.transport
	e.transportMu.RUnlock()
	if t == nil {
		return fmt.Errorf("transport not attached")
	}
	e.metrics.RecordFrameOut(f.Type)
	return t.Send(robotID, f)
}

// emit fans an event out to local subscribers and, when a bus is attached,
// to peers. Neither path may block the caller.
func (e *Engine) emit(ev events.Event) {
	e.hub.Broadcast(ev)
	if e.bus != nil {
		if err := e.bus.Publish(context.Background(), ev); err != nil {
			e.log.Warn("Event bus publish failed", "event", ev.Type, "error", err)
		}
	}
}

// Scheduler exposes the schedule API surface.
func (e *Engine) Scheduler() *sched.Scheduler { return e.sch }

// Triggers exposes the trigger API surface.
func (e *Engine) Triggers() *trigger.Manager { return e.triggers }

// Results exposes the stats and result lookups.
func (e *Engine) Results() *results.Collector { return e.results }

// Fleet exposes pool management and robot views.
func (e *Engine) Fleet() *fleet.Manager { return e.fleet }

// Events exposes the subscriber hub for the SSE surface.
func (e *Engine) Events() *events.Hub { return e.hub }

// ---- submission ----

// SubmitJob validates, builds and enqueues a job. A dedup hit returns a
// DuplicateJobError carrying the original job id.
func (e *Engine) SubmitJob(ctx context.Context, req SubmitRequest) (*types.Job, error) {
	select {
	case <-e.draining:
		return nil, fmt.Errorf("orchestrator is shutting down: %w", orcherr.ErrConflict)
	default:
	}

	job, err := e.buildJob(req)
	if err != nil {
		return nil, err
	}
	if err := e.queue.Enqueue(ctx, job, !req.DisableDedup); err != nil {
		if _, dup := orcherr.IsDuplicate(err); dup {
			e.metrics.RecordDedup()
		}
		return nil, err
	}

	e.metrics.RecordSubmit()
	e.emit(events.Event{
		Type:       events.EventJobQueued,
		JobID:      job.ID,
		WorkflowID: job.WorkflowID,
		Timestamp:  e.clk.Now(),
		Data:       map[string]any{"priority": int(job.Priority)},
	})
	e.disp.Wake()
	out := *job
	return &out, nil
}

func (e *Engine) buildJob(req SubmitRequest) (*types.Job, error) {
	if strings.TrimSpace(req.WorkflowID) == "" {
		return nil, fmt.Errorf("workflow_id is required: %w", orcherr.ErrInvalidWorkflow)
	}
	if len(req.WorkflowDocument) == 0 || string(req.WorkflowDocument) == "null" {
		return nil, fmt.Errorf("workflow_document is required: %w", orcherr.ErrInvalidWorkflow)
	}
	priority := types.PriorityNormal
	if req.Priority != nil {
		if !req.Priority.Valid() {
			return nil, fmt.Errorf("priority %d out of range: %w", *req.Priority, orcherr.ErrInvalidConfig)
		}
		priority = *req.Priority
	}
	timeout := req.TimeoutSeconds
	if timeout <= 0 {
		timeout = int(e.cfg.DefaultJobTimeout / time.Second)
	}

	now := e.clk.Now()
	job := &types.Job{
		ID:               uuid.New(),
		WorkflowID:       req.WorkflowID,
		WorkflowName:     req.WorkflowName,
		WorkflowDocument: []byte(req.WorkflowDocument),
		Parameters:       []byte(req.Parameters),
		Priority:         priority,
		Status:           types.JobPending,
		TimeoutSeconds:   timeout,
		ScheduledTime:    req.ScheduledTime,
		TargetRobotID:    req.TargetRobotID,
		RequiredTags:     req.RequiredTags,
		RequiredCaps:     req.RequiredCaps,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if !req.DisableDedup {
		job.DedupKey = queue.DedupKey(req.WorkflowID, req.TargetRobotID, req.Parameters)
	}
	return job, nil
}

// submitFromSchedule is the scheduler's fire hook.
func (e *Engine) submitFromSchedule(ctx context.Context, s *types.Schedule) error {
	prio := s.Priority
	_, err := e.SubmitJob(ctx, SubmitRequest{
		WorkflowID:       s.WorkflowID,
		WorkflowName:     s.WorkflowName,
		WorkflowDocument: json.RawMessage(s.WorkflowDoc),
		Parameters:       json.RawMessage(s.Parameters),
		Priority:         &prio,
		TargetRobotID:    s.TargetRobotID,
	})
	if err == nil {
		e.metrics.RecordScheduleFire()
	}
	return err
}

// submitFromTrigger is the trigger manager's fire hook. Event payload merges
// into the trigger's stored parameters under "trigger_event".
func (e *Engine) submitFromTrigger(ctx context.Context, trig *types.Trigger, params map[string]any) error {
	merged := map[string]any{}
	if len(trig.Config) > 0 {
		var base map[string]any
		if err := json.Unmarshal(trig.Config, &base); err == nil {
			if p, ok := base["parameters"].(map[string]any); ok {
				merged = p
			}
		}
	}
	if len(params) > 0 {
		merged["trigger_event"] = params
	}
	var raw json.RawMessage
	if len(merged) > 0 {
		b, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		raw = b
	}

	prio := trig.Priority
	_, err := e.SubmitJob(ctx, SubmitRequest{
		WorkflowID:       trig.WorkflowID,
		WorkflowName:     trig.WorkflowName,
		WorkflowDocument: json.RawMessage(trig.WorkflowDoc),
		Parameters:       raw,
		Priority:         &prio,
	})
	if err == nil {
		e.metrics.RecordTriggerFire(string(trig.Type))
	}
	return err
}

// ---- job control ----

// GetJob returns a live job or, failing that, the persisted row.
func (e *Engine) GetJob(ctx context.Context, id uuid.UUID) (*types.Job, error) {
	if job := e.queue.Get(id); job != nil {
		return job, nil
	}
	job, err := e.jobRepo.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, orcherr.ErrNotFound
	}
	return job, nil
}

func (e *Engine) ListJobs(ctx context.Context, filter repos.JobFilter) ([]*types.Job, int64, error) {
	return e.jobRepo.List(ctx, nil, filter)
}

// CancelJob cancels a job in any non-terminal state. PENDING and QUEUED jobs
// cancel immediately; a RUNNING job gets a cancel frame and a grace window,
// after which it is cancelled server-side regardless.
func (e *Engine) CancelJob(ctx context.Context, id uuid.UUID, reason string) (*types.Job, error) {
	job := e.queue.Get(id)
	if job == nil {
		// maybe already terminal
		row, err := e.jobRepo.GetByID(ctx, nil, id)
		if err != nil {
			return nil, err
		}
		if row == nil {
			return nil, orcherr.ErrNotFound
		}
		return nil, fmt.Errorf("job %s already %s: %w", id, row.Status, orcherr.ErrAlreadyTerminal)
	}

	if job.Status != types.JobRunning {
		cancelled, err := e.queue.CancelNonRunning(ctx, id, reason)
		if err != nil {
			return nil, err
		}
		e.finishTerminal(ctx, cancelled)
		return cancelled, nil
	}

	// running: ask the robot, then enforce the grace deadline
	robotID := job.AssignedRobotID
	deadline := e.clk.Now().Add(e.cfg.CancelGrace)
	e.cancelMu.Lock()
	if _, dup := e.cancels[id]; dup {
		e.cancelMu.Unlock()
		out := *job
		return &out, nil
	}
	e.cancels[id] = pendingCancel{robotID: robotID, deadline: deadline}
	e.cancelMu.Unlock()

	f, err := wire.NewFrame(wire.TypeJobCancel, wire.JobCancelPayload{JobID: id, Reason: reason})
	if err == nil {
		err = e.send(robotID, f)
	}
	if err != nil {
		e.log.Warn("Cancel frame not delivered; job will be cancelled at grace deadline", "job_id", id, "robot_id", robotID, "error", err)
	}
	out := *job
	return &out, nil
}

// RetryJob resubmits a terminal failed, timed out or cancelled job as a fresh
// job carrying an incremented retry count.
func (e *Engine) RetryJob(ctx context.Context, id uuid.UUID) (*types.Job, error) {
	row, err := e.jobRepo.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, orcherr.ErrNotFound
	}
	switch row.Status {
	case types.JobFailed, types.JobTimeout, types.JobCancelled:
	default:
		return nil, fmt.Errorf("job %s is %s, only failed, timeout or cancelled jobs retry: %w", id, row.Status, orcherr.ErrNotTerminal)
	}

	now := e.clk.Now()
	clone := &types.Job{
		ID:               uuid.New(),
		WorkflowID:       row.WorkflowID,
		WorkflowName:     row.WorkflowName,
		WorkflowDocument: row.WorkflowDocument,
		Parameters:       row.Parameters,
		Priority:         row.Priority,
		Status:           types.JobPending,
		TimeoutSeconds:   row.TimeoutSeconds,
		TargetRobotID:    row.TargetRobotID,
		RequiredTags:     row.RequiredTags,
		RequiredCaps:     row.RequiredCaps,
		RetryCount:       row.RetryCount + 1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	// a retry is deliberate, never deduplicated
	if err := e.queue.Enqueue(ctx, clone, false); err != nil {
		return nil, err
	}
	e.metrics.RecordSubmit()
	e.emit(events.Event{
		Type:       events.EventJobQueued,
		JobID:      clone.ID,
		WorkflowID: clone.WorkflowID,
		Timestamp:  now,
		Data:       map[string]any{"retry_of": id.String(), "retry_count": clone.RetryCount},
	})
	e.disp.Wake()
	out := *clone
	return &out, nil
}

// ---- robot control ----

func (e *Engine) RegisterRobot(ctx context.Context, robot *types.Robot) (*types.Robot, error) {
	out, err := e.fleet.Register(ctx, robot)
	if err != nil {
		return nil, err
	}
	e.emit(events.Event{Type: events.EventRobotOnline, RobotID: out.ID, Timestamp: e.clk.Now()})
	e.disp.Wake()
	return out, nil
}

func (e *Engine) UnregisterRobot(ctx context.Context, robotID string) error {
	return e.fleet.Unregister(ctx, robotID)
}

// PauseRobot toggles a maintenance hold. The robot is told so it can finish
// its current jobs without picking up local work; the dispatcher stops
// offering it new ones either way.
func (e *Engine) PauseRobot(ctx context.Context, robotID string, paused bool) error {
	if err := e.fleet.SetPaused(robotID, paused); err != nil {
		return err
	}
	msgType := wire.TypePause
	if !paused {
		msgType = wire.TypeResume
	}
	if f, err := wire.NewFrame(msgType, nil); err == nil {
		if err := e.send(robotID, f); err != nil {
			e.log.Debug("Pause state not delivered", "robot_id", robotID, "paused", paused, "error", err)
		}
	}
	if !paused {
		e.disp.Wake()
	}
	return nil
}

func (e *Engine) ListRobots() []fleet.RobotView {
	return e.fleet.Snapshot()
}

func (e *Engine) GetRobot(robotID string) (fleet.RobotView, bool) {
	return e.fleet.Get(robotID)
}

// RobotJobs lists the running jobs a robot currently owns.
func (e *Engine) RobotJobs(robotID string) []*types.Job {
	return e.queue.RunningAssignedTo(robotID)
}

// ---- dispatch plumbing ----

func (e *Engine) sendAssign(ctx context.Context, job *types.Job, robotID string) error {
	payload := wire.JobAssignPayload{
		JobID:            job.ID,
		WorkflowID:       job.WorkflowID,
		WorkflowName:     job.WorkflowName,
		WorkflowDocument: json.RawMessage(job.WorkflowDocument),
		Parameters:       json.RawMessage(job.Parameters),
		Priority:         int(job.Priority),
		TimeoutSeconds:   job.TimeoutSeconds,
		RetryCount:       job.RetryCount,
	}
	f, err := wire.NewFrame(wire.TypeJobAssign, payload)
	if err != nil {
		return err
	}
	return e.send(robotID, f)
}

// onSendFailure recovers a job whose assignment frame never made it out. The
// robot is treated as lost when its session is gone.
func (e *Engine) onSendFailure(ctx context.Context, job *types.Job, robotID string, sendErr error) {
	e.releaseAndRequeue(ctx, job.ID, robotID, true, "assign_send_failed")
	e.transportMu.RLock()
	t := e.transport
	e.transportMu.RUnlock()
	if t != nil && !t.Connected(robotID) {
		e.robotLost(ctx, robotID, "send_failure")
	}
}

func (e *Engine) onDispatched(job *types.Job, robotID string, waited time.Duration) {
	e.metrics.RecordDispatch(waited)
	e.emit(events.Event{
		Type:       events.EventJobStarted,
		JobID:      job.ID,
		WorkflowID: job.WorkflowID,
		RobotID:    robotID,
		Timestamp:  e.clk.Now(),
	})
}

// releaseAndRequeue puts a RUNNING job back on the queue and releases the
// robot's slot.
func (e *Engine) releaseAndRequeue(ctx context.Context, jobID uuid.UUID, robotID string, bumpRetry bool, why string) {
	job, err := e.queue.Requeue(ctx, jobID, bumpRetry)
	if err != nil {
		if !errors.Is(err, orcherr.ErrNotFound) {
			e.log.Warn("Requeue failed", "job_id", jobID, "reason", why, "error", err)
		}
		return
	}
	if err := e.fleet.RecordRelease(ctx, jobID, robotID); err != nil {
		e.log.Warn("Releasing robot slot failed", "job_id", jobID, "robot_id", robotID, "error", err)
	}
	e.metrics.RecordRequeue()
	e.log.Info("Job requeued", "job_id", jobID, "robot_id", robotID, "reason", why, "retry_count", job.RetryCount)
	e.emit(events.Event{
		Type:       events.EventJobQueued,
		JobID:      jobID,
		WorkflowID: job.WorkflowID,
		Timestamp:  e.clk.Now(),
		Data:       map[string]any{"requeued": why},
	})
	e.disp.Wake()
}

// robotLost handles a robot going away: every job it held returns to the
// queue with a bumped retry count.
func (e *Engine) robotLost(ctx context.Context, robotID string, why string) {
	held := e.fleet.MarkOffline(ctx, robotID)
	e.emit(events.Event{Type: events.EventRobotOffline, RobotID: robotID, Timestamp: e.clk.Now(), Data: map[string]any{"reason": why}})
	for _, as := range held {
		e.releaseAndRequeue(ctx, as.JobID, robotID, true, "robot_lost")
	}
}

// ---- terminal handling ----

// completeJob applies a robot-reported terminal transition. Stale or replayed
// reports are discarded without side effects.
func (e *Engine) completeJob(ctx context.Context, jobID uuid.UUID, reporter string, to types.JobStatus, mutate func(j *types.Job)) {
	job, err := e.queue.Terminal(ctx, jobID, reporter, to, mutate)
	if err != nil {
		switch {
		case errors.Is(err, orcherr.ErrAlreadyTerminal), errors.Is(err, orcherr.ErrNotFound):
			e.log.Debug("Discarding replayed terminal report", "job_id", jobID, "robot_id", reporter, "to", to)
		case errors.Is(err, orcherr.ErrConflict):
			e.log.Info("Discarding stale terminal report", "job_id", jobID, "robot_id", reporter, "to", to)
		default:
			e.log.Error("Terminal transition failed", "job_id", jobID, "to", to, "error", err)
		}
		return
	}
	if err := e.fleet.RecordRelease(ctx, jobID, job.AssignedRobotID); err != nil {
		e.log.Warn("Releasing robot slot failed", "job_id", jobID, "robot_id", job.AssignedRobotID, "error", err)
	}
	e.finishTerminal(ctx, job)
}

// finishTerminal records the result, updates stats and fans out the event for
// a job that just reached a terminal status.
func (e *Engine) finishTerminal(ctx context.Context, job *types.Job) {
	e.cancelMu.Lock()
	delete(e.cancels, job.ID)
	e.cancelMu.Unlock()

	if _, err := e.results.Record(ctx, job); err != nil {
		e.log.Error("Recording job result failed", "job_id", job.ID, "error", err)
	}
	if e.affinity != nil && job.AssignedRobotID != "" {
		e.affinity.Observe(job.WorkflowID, job.AssignedRobotID, job.Status == types.JobCompleted)
	}

	var dur time.Duration
	if job.StartedAt != nil && job.CompletedAt != nil {
		dur = job.CompletedAt.Sub(*job.StartedAt)
	}
	e.metrics.RecordTerminal(string(job.Status), dur)

	evType := events.EventJobCompleted
	switch job.Status {
	case types.JobFailed:
		evType = events.EventJobFailed
	case types.JobTimeout:
		evType = events.EventJobTimeout
	case types.JobCancelled:
		evType = events.EventJobCancelled
	}
	e.emit(events.Event{
		Type:       evType,
		JobID:      job.ID,
		WorkflowID: job.WorkflowID,
		RobotID:    job.AssignedRobotID,
		Timestamp:  e.clk.Now(),
	})
	e.disp.Wake()
}

// ---- transport handler ----

func (e *Engine) HandleRegister(ctx context.Context, p wire.RegisterPayload) (wire.RegisterAckPayload, error) {
	robot := &types.Robot{
		ID:                p.RobotID,
		Name:              p.Name,
		Environment:       p.Environment,
		Tags:              p.Tags,
		Capabilities:      p.Capabilities,
		MaxConcurrentJobs: p.MaxConcurrentJobs,
	}
	if _, err := e.RegisterRobot(ctx, robot); err != nil {
		return wire.RegisterAckPayload{}, err
	}
	// a reconnecting robot keeps its running jobs; refresh their leases
	for _, job := range e.queue.RunningAssignedTo(p.RobotID) {
		e.queue.ExtendLease(job.ID, e.clk.Now().Add(job.Timeout()))
	}
	return wire.RegisterAckPayload{
		RobotID:                  p.RobotID,
		HeartbeatIntervalSeconds: int(e.cfg.HeartbeatInterval / time.Second),
	}, nil
}

func (e *Engine) HandleFrame(ctx context.Context, robotID string, f wire.Frame) {
	e.metrics.RecordFrameIn(f.Type)
	switch f.Type {
	case wire.TypeHeartbeat:
		var p wire.HeartbeatPayload
		if err := f.DecodePayload(&p); err != nil {
			e.log.Warn("Bad heartbeat payload", "robot_id", robotID, "error", err)
			return
		}
		cameOnline, err := e.fleet.Heartbeat(ctx, robotID, p.CurrentJobs)
		if err != nil {
			e.log.Warn("Heartbeat for unknown robot", "robot_id", robotID, "error", err)
			return
		}
		if ack, err := f.Reply(wire.TypeHeartbeatAck, wire.HeartbeatAckPayload{RobotID: robotID}); err == nil {
			if err := e.send(robotID, ack); err != nil {
				e.log.Debug("Heartbeat ack not delivered", "robot_id", robotID, "error", err)
			}
		}
		if cameOnline {
			e.emit(events.Event{Type: events.EventRobotOnline, RobotID: robotID, Timestamp: e.clk.Now()})
			e.disp.Wake()
			// a robot back from silence may have dropped work; ask for
			// its live job set so reconcileStatus can requeue the rest
			if req, err := wire.NewFrame(wire.TypeStatusRequest, nil); err == nil {
				if err := e.send(robotID, req); err != nil {
					e.log.Debug("Status request not delivered", "robot_id", robotID, "error", err)
				}
			}
		}

	case wire.TypeJobAccept:
		var p wire.JobAcceptPayload
		if err := f.DecodePayload(&p); err != nil {
			return
		}
		if err := e.queue.MarkAccepted(ctx, p.JobID, robotID); err != nil {
			e.log.Debug("Accept for inactive job discarded", "job_id", p.JobID, "robot_id", robotID)
			return
		}
		e.log.Debug("Job accepted", "job_id", p.JobID, "robot_id", robotID)

	case wire.TypeJobReject:
		var p wire.JobRejectPayload
		if err := f.DecodePayload(&p); err != nil {
			return
		}
		e.log.Info("Job rejected by robot", "job_id", p.JobID, "robot_id", robotID, "reason", p.Reason)
		e.releaseAndRequeue(ctx, p.JobID, robotID, false, "rejected")

	case wire.TypeJobProgress:
		var p wire.JobProgressPayload
		if err := f.DecodePayload(&p); err != nil {
			return
		}
		if err := e.queue.UpdateProgress(ctx, p.JobID, p.Progress, p.CurrentNode); err != nil {
			e.log.Debug("Progress for inactive job discarded", "job_id", p.JobID, "robot_id", robotID)
			return
		}
		job := e.queue.Get(p.JobID)
		wf := ""
		if job != nil {
			wf = job.WorkflowID
		}
		e.emit(events.Event{
			Type:       events.EventJobProgress,
			JobID:      p.JobID,
			WorkflowID: wf,
			RobotID:    robotID,
			Timestamp:  e.clk.Now(),
			Data:       map[string]any{"progress": p.Progress, "current_node": p.CurrentNode},
		})

	case wire.TypeJobComplete:
		var p wire.JobCompletePayload
		if err := f.DecodePayload(&p); err != nil {
			return
		}
		e.completeJob(ctx, p.JobID, robotID, types.JobCompleted, func(j *types.Job) {
			j.Result = []byte(p.Result)
			j.Progress = 100
		})

	case wire.TypeJobFailed:
		var p wire.JobFailedPayload
		if err := f.DecodePayload(&p); err != nil {
			return
		}
		e.completeJob(ctx, p.JobID, robotID, types.JobFailed, func(j *types.Job) {
			j.Error = p.Error
			j.ErrorType = p.ErrorType
			j.StackTrace = p.StackTrace
			if p.FailedNode != "" {
				j.CurrentNode = p.FailedNode
			}
		})

	case wire.TypeJobCancelled:
		var p wire.JobCancelledPayload
		if err := f.DecodePayload(&p); err != nil {
			return
		}
		e.completeJob(ctx, p.JobID, robotID, types.JobCancelled, func(j *types.Job) {
			j.Error = "cancelled by request"
		})

	case wire.TypeLogEntry, wire.TypeLogBatch:
		var p wire.LogBatchPayload
		if err := f.DecodePayload(&p); err != nil {
			return
		}
		e.results.AppendLogs(p.JobID, p.Entries)

	case wire.TypeStatusResponse:
		var p wire.StatusResponsePayload
		if err := f.DecodePayload(&p); err != nil {
			return
		}
		e.reconcileStatus(ctx, robotID, p)

	default:
		e.log.Warn("Unknown frame type discarded", "robot_id", robotID, "type", f.Type)
	}
}

func (e *Engine) HandleDisconnect(ctx context.Context, robotID string, reason string) {
	e.robotLost(ctx, robotID, reason)
}

// reconcileStatus compares a robot's reported job set against ours. Jobs we
// think it runs but it does not are requeued.
func (e *Engine) reconcileStatus(ctx context.Context, robotID string, p wire.StatusResponsePayload) {
	reported := make(map[uuid.UUID]struct{}, len(p.JobIDs))
	for _, id := range p.JobIDs {
		reported[id] = struct{}{}
	}
	for _, job := range e.queue.RunningAssignedTo(robotID) {
		if _, ok := reported[job.ID]; !ok {
			e.log.Warn("Robot no longer runs assigned job; requeueing", "job_id", job.ID, "robot_id", robotID)
			e.releaseAndRequeue(ctx, job.ID, robotID, true, "status_mismatch")
		}
	}
}

// ---- loops ----

// Run starts the background loops and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if e.bus != nil {
		if err := e.bus.StartForwarder(ctx, func(ev events.Event) {
			e.hub.Broadcast(ev)
		}); err != nil {
			e.log.Warn("Event bus forwarder not started", "error", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.disp.Run(ctx) })
	g.Go(func() error { return e.sch.Run(ctx) })
	g.Go(func() error { return e.triggers.Run(ctx) })
	g.Go(func() error { return e.timeoutLoop(ctx) })
	g.Go(func() error { return e.fleetSweepLoop(ctx) })
	g.Go(func() error { return e.metricsLoop(ctx) })
	return g.Wait()
}

func (e *Engine) timeoutLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.TimeoutCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.SweepTimeouts(ctx)
			e.sweepCancels(ctx)
		}
	}
}

// SweepTimeouts expires overdue jobs and releases their robots. Exposed for
// tests.
func (e *Engine) SweepTimeouts(ctx context.Context) {
	for _, job := range e.queue.SweepTimeouts(ctx) {
		e.log.Warn("Job timed out", "job_id", job.ID, "workflow_id", job.WorkflowID, "robot_id", job.AssignedRobotID)
		if job.AssignedRobotID != "" {
			if err := e.fleet.RecordRelease(ctx, job.ID, job.AssignedRobotID); err != nil {
				e.log.Warn("Releasing robot slot failed", "job_id", job.ID, "error", err)
			}
			// tell the robot to stop working on it, best effort
			if f, err := wire.NewFrame(wire.TypeJobCancel, wire.JobCancelPayload{JobID: job.ID, Reason: "timeout"}); err == nil {
				_ = e.send(job.AssignedRobotID, f)
			}
		}
		e.finishTerminal(ctx, job)
	}
}

// sweepCancels force-cancels running jobs whose robot never confirmed inside
// the grace window.
func (e *Engine) sweepCancels(ctx context.Context) {
	now := e.clk.Now()
	e.cancelMu.Lock()
	var overdue []uuid.UUID
	for id, pc := range e.cancels {
		if pc.deadline.Before(now) {
			overdue = append(overdue, id)
		}
	}
	e.cancelMu.Unlock()

	for _, id := range overdue {
		e.log.Warn("Cancel grace expired; forcing cancellation", "job_id", id)
		e.completeJob(ctx, id, "", types.JobCancelled, func(j *types.Job) {
			j.Error = "cancelled: robot did not confirm within grace window"
		})
		e.cancelMu.Lock()
		delete(e.cancels, id)
		e.cancelMu.Unlock()
	}
}

func (e *Engine) fleetSweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.FleetSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.SweepFleet(ctx)
		}
	}
}

// SweepFleet marks stale robots offline and recovers their jobs. Exposed for
// tests.
func (e *Engine) SweepFleet(ctx context.Context) {
	for robotID, held := range e.fleet.Sweep(ctx) {
		e.emit(events.Event{Type: events.EventRobotOffline, RobotID: robotID, Timestamp: e.clk.Now(), Data: map[string]any{"reason": "heartbeat_stale"}})
		for _, as := range held {
			e.releaseAndRequeue(ctx, as.JobID, robotID, true, "robot_stale")
		}
	}
}

func (e *Engine) metricsLoop(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.sampleGauges()
		}
	}
}

func (e *Engine) sampleGauges() {
	depths := map[string]int{}
	for status, n := range e.queue.Depths() {
		depths[string(status)] = n
	}
	e.metrics.SetQueueDepths(depths)

	counts := map[string]int{}
	for status, n := range e.fleet.CountByStatus() {
		counts[string(status)] = n
	}
	e.metrics.SetRobotCounts(counts)
}

// ---- lifecycle ----

// Restore rebuilds all in-memory state from the repositories. Called once
// before Run.
func (e *Engine) Restore(ctx context.Context, robotRepo repos.RobotRepo, poolRepo repos.PoolRepo) error {
	jobs, err := e.jobRepo.ListNonTerminal(ctx, nil)
	if err != nil {
		return fmt.Errorf("load non-terminal jobs: %w", err)
	}
	grace := e.cfg.StaleRobotTimeout
	e.queue.Restore(jobs, grace)

	robots, err := robotRepo.List(ctx, nil, "")
	if err != nil {
		return fmt.Errorf("load robots: %w", err)
	}
	pools, err := poolRepo.List(ctx, nil)
	if err != nil {
		return fmt.Errorf("load pools: %w", err)
	}
	var running []*types.Job
	for _, j := range jobs {
		if j.Status == types.JobRunning {
			running = append(running, j)
		}
	}
	e.fleet.Restore(robots, pools, running, e.clk.Now().Add(grace))

	if err := e.sch.Restore(ctx); err != nil {
		return err
	}
	if err := e.triggers.Restore(ctx); err != nil {
		return err
	}
	e.log.Info("State restored", "non_terminal_jobs", len(jobs), "running", len(running), "robots", len(robots))
	return nil
}

// Drain stops accepting new submissions. Running jobs keep reporting until
// the shutdown deadline; cmd wiring closes the transport afterwards.
func (e *Engine) Drain() {
	e.drainOnce.Do(func() {
		close(e.draining)
		e.log.Info("Submission intake closed; draining")
	})
}

// CancelRunning asks every robot holding a running job to stop it. First
// step of the shutdown sequence, after intake closes.
func (e *Engine) CancelRunning(ctx context.Context) int {
	running := e.queue.RunningSnapshot()
	for _, job := range running {
		f, err := wire.NewFrame(wire.TypeJobCancel, wire.JobCancelPayload{
			JobID:  job.ID,
			Reason: "orchestrator shutdown",
		})
		if err != nil {
			continue
		}
		if err := e.send(job.AssignedRobotID, f); err != nil {
			e.log.Debug("Shutdown cancel not delivered", "job_id", job.ID, "robot_id", job.AssignedRobotID, "error", err)
		}
	}
	return len(running)
}

// ForceCancelRemaining moves every job still running to CANCELLED and
// persists the outcome. Runs once the drain deadline passes.
func (e *Engine) ForceCancelRemaining(ctx context.Context) int {
	remaining := e.queue.RunningSnapshot()
	for _, job := range remaining {
		e.completeJob(ctx, job.ID, job.AssignedRobotID, types.JobCancelled, func(j *types.Job) {
			j.Error = "orchestrator shutdown"
		})
	}
	return len(remaining)
}

// Depths surfaces queue depth for the stats API.
func (e *Engine) Depths() map[types.JobStatus]int {
	return e.queue.Depths()
}

// Dispatcher exposes the wake hook for the HTTP layer.
func (e *Engine) Dispatcher() *dispatch.Dispatcher { return e.disp }
