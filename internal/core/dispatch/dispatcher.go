package dispatch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/botfleet/orchestrator/internal/clock"
	"github.com/botfleet/orchestrator/internal/core/fleet"
	"github.com/botfleet/orchestrator/internal/core/queue"
	"github.com/botfleet/orchestrator/internal/logger"
	"github.com/botfleet/orchestrator/internal/types"
)

// QueueView is what the dispatcher needs from the queue.
type QueueView interface {
	QueuedSnapshot() []*types.Job
	TryDequeue(ctx context.Context, cand queue.Candidate) (*types.Job, bool)
}

// FleetView is what the dispatcher needs from the fleet.
type FleetView interface {
	Eligible(job *types.Job) []fleet.RobotView
	RecordAssign(ctx context.Context, jobID uuid.UUID, robotID string, leasedUntil time.Time) error
}

// Sender pushes an assignment frame to a connected robot. A returned error
// means the robot did not take the job.
type Sender func(ctx context.Context, job *types.Job, robotID string) error

// FailureHandler is told when a send failed after the job already moved to
// RUNNING; the engine recovers the job and usually declares the robot lost.
type FailureHandler func(ctx context.Context, job *types.Job, robotID string, err error)

// Observer is invoked after each successful hand-off.
type Observer func(job *types.Job, robotID string, waited time.Duration)

// Dispatcher runs the assignment loop: wake on demand or on a timer, walk the
// queued jobs in priority order and hand each to the robot the strategy
// picks.
type Dispatcher struct {
	log      *logger.Logger
	queue    QueueView
	fleet    FleetView
	strategy Strategy
	clk      clock.Clock
	send     Sender
	onFail   FailureHandler
	observe  Observer
	interval time.Duration
	wake     chan struct{}
	total    atomic.Int64
}

func NewDispatcher(log *logger.Logger, q QueueView, f FleetView, strategy Strategy, clk clock.Clock, interval time.Duration, send Sender, onFail FailureHandler, observe Observer) *Dispatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Dispatcher{
		log:      log.With("component", "Dispatcher"),
		queue:    q,
		fleet:    f,
		strategy: strategy,
		clk:      clk,
		send:     send,
		onFail:   onFail,
		observe:  observe,
		interval: interval,
		wake:     make(chan struct{}, 1),
	}
}

// Wake nudges the loop without blocking. Called on enqueue, robot register,
// heartbeat recovery and job release.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.wake:
		case <-ticker.C:
		}
		d.Pass(ctx)
	}
}

// Pass runs one full dispatch sweep. Exposed for tests and for the engine's
// synchronous paths.
func (d *Dispatcher) Pass(ctx context.Context) int {
	dispatched := 0
	for _, job := range d.queue.QueuedSnapshot() {
		if ctx.Err() != nil {
			return dispatched
		}
		if d.dispatchOne(ctx, job) {
			dispatched++
			d.total.Add(1)
		}
	}
	return dispatched
}

// DispatchedTotal counts assignments handed out since the process started.
func (d *Dispatcher) DispatchedTotal() int64 { return d.total.Load() }

// StrategyName reports the active strategy.
func (d *Dispatcher) StrategyName() string { return d.strategy.Name() }

func (d *Dispatcher) dispatchOne(ctx context.Context, job *types.Job) bool {
	now := d.clk.Now()
	if job.ScheduledTime != nil && job.ScheduledTime.After(now) {
		return false
	}

	eligible := d.fleet.Eligible(job)
	if len(eligible) == 0 {
		return false
	}
	view, ok := d.strategy.Select(job, eligible)
	if !ok {
		return false
	}

	cand := queue.Candidate{
		RobotID:       view.ID,
		Tags:          view.Tags,
		Capabilities:  view.Capabilities,
		SpareCapacity: view.Spare(),
	}
	// TryDequeue re-checks ordering under the queue lock, so the job handed
	// over may be a higher-priority one than the snapshot entry. That is the
	// job that should go first anyway.
	dq, ok := d.queue.TryDequeue(ctx, cand)
	if !ok {
		return false
	}

	lease := now.Add(dq.Timeout())
	if err := d.fleet.RecordAssign(ctx, dq.ID, view.ID, lease); err != nil {
		d.log.Warn("Recording assignment failed", "job_id", dq.ID, "robot_id", view.ID, "error", err)
	}

	if err := d.send(ctx, dq, view.ID); err != nil {
		d.log.Warn("Assignment send failed", "job_id", dq.ID, "robot_id", view.ID, "error", err)
		if d.onFail != nil {
			d.onFail(ctx, dq, view.ID, err)
		}
		return false
	}

	waited := time.Duration(0)
	if dq.QueuedAt != nil {
		waited = now.Sub(*dq.QueuedAt)
	}
	d.log.Info("Job dispatched", "job_id", dq.ID, "workflow_id", dq.WorkflowID, "robot_id", view.ID, "strategy", d.strategy.Name(), "waited", waited)
	if d.observe != nil {
		d.observe(dq, view.ID, waited)
	}
	return true
}
