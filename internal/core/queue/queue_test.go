package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/botfleet/orchestrator/internal/clock"
	"github.com/botfleet/orchestrator/internal/core/orcherr"
	"github.com/botfleet/orchestrator/internal/logger"
	"github.com/botfleet/orchestrator/internal/repos"
	"github.com/botfleet/orchestrator/internal/types"
)

func mustTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)
	return log
}

func newTestRepo(t *testing.T) repos.JobRepo {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		t.Fatalf("gorm.Open: %v", err)
	}
	if err := gdb.AutoMigrate(&types.Job{}); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return repos.NewJobRepo(gdb, mustTestLogger(t))
}

func newTestQueue(t *testing.T, dedupWindow time.Duration, maxDepth int) (*Queue, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	q := New(mustTestLogger(t), newTestRepo(t), clk, dedupWindow, maxDepth)
	return q, clk
}

func newJob(workflowID string, prio types.JobPriority, now time.Time) *types.Job {
	return &types.Job{
		ID:             uuid.New(),
		WorkflowID:     workflowID,
		WorkflowName:   workflowID,
		Priority:       prio,
		Status:         types.JobPending,
		TimeoutSeconds: 600,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func anyCandidate(robotID string) Candidate {
	return Candidate{
		RobotID:       robotID,
		Tags:          map[string]struct{}{"windows": {}, "gpu": {}},
		Capabilities:  map[string]struct{}{"browser": {}, "excel": {}},
		SpareCapacity: 4,
	}
}

func TestDequeueOrderPriorityThenFIFO(t *testing.T) {
	q, clk := newTestQueue(t, 300*time.Second, 100)
	ctx := context.Background()

	low := newJob("wf-low", types.PriorityLow, clk.Now())
	normalA := newJob("wf-normal-a", types.PriorityNormal, clk.Now())
	normalB := newJob("wf-normal-b", types.PriorityNormal, clk.Now())
	critical := newJob("wf-critical", types.PriorityCritical, clk.Now())

	for _, j := range []*types.Job{low, normalA, normalB, critical} {
		if err := q.Enqueue(ctx, j, false); err != nil {
			t.Fatalf("Enqueue %s: %v", j.WorkflowID, err)
		}
		clk.Advance(time.Second)
	}

	want := []string{"wf-critical", "wf-normal-a", "wf-normal-b", "wf-low"}
	for _, w := range want {
		job, ok := q.TryDequeue(ctx, anyCandidate("robot-1"))
		if !ok {
			t.Fatalf("TryDequeue: expected a job, wanted %s", w)
		}
		if job.WorkflowID != w {
			t.Fatalf("dequeue order: want=%s got=%s", w, job.WorkflowID)
		}
		if job.Status != types.JobRunning {
			t.Fatalf("dequeued status: want=%s got=%s", types.JobRunning, job.Status)
		}
	}
	if _, ok := q.TryDequeue(ctx, anyCandidate("robot-1")); ok {
		t.Fatalf("TryDequeue on empty queue should report none")
	}
}

func TestEnqueueDeduplicatesWithinWindow(t *testing.T) {
	q, clk := newTestQueue(t, 300*time.Second, 100)
	ctx := context.Background()
	params := []byte(`{"region":"eu","count":5}`)

	first := newJob("wf-dedup", types.PriorityNormal, clk.Now())
	first.Parameters = params
	first.DedupKey = DedupKey("wf-dedup", "", params)
	if err := q.Enqueue(ctx, first, true); err != nil {
		t.Fatalf("Enqueue first: %v", err)
	}

	second := newJob("wf-dedup", types.PriorityNormal, clk.Now())
	second.Parameters = params
	second.DedupKey = DedupKey("wf-dedup", "", params)
	err := q.Enqueue(ctx, second, true)
	dup, ok := orcherr.IsDuplicate(err)
	if !ok {
		t.Fatalf("Enqueue second: want DuplicateJobError got %v", err)
	}
	if dup.OriginalJobID != first.ID {
		t.Fatalf("duplicate original id: want=%s got=%s", first.ID, dup.OriginalJobID)
	}

	// Past the window the same submission is a new job.
	clk.Advance(301 * time.Second)
	third := newJob("wf-dedup", types.PriorityNormal, clk.Now())
	third.Parameters = params
	third.DedupKey = DedupKey("wf-dedup", "", params)
	if err := q.Enqueue(ctx, third, true); err != nil {
		t.Fatalf("Enqueue after window: %v", err)
	}
}

func TestDedupKeyIgnoresParameterOrder(t *testing.T) {
	a := DedupKey("wf-1", "", []byte(`{"a":1,"b":2}`))
	b := DedupKey("wf-1", "", []byte(`{"b":2,"a":1}`))
	if a != b {
		t.Fatalf("dedup key should be key-order insensitive: %s vs %s", a, b)
	}
	c := DedupKey("wf-1", "robot-9", []byte(`{"a":1,"b":2}`))
	if a == c {
		t.Fatalf("dedup key should include the target robot")
	}
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	q, clk := newTestQueue(t, 300*time.Second, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := q.Enqueue(ctx, newJob(fmt.Sprintf("wf-%d", i), types.PriorityNormal, clk.Now()), false); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	err := q.Enqueue(ctx, newJob("wf-overflow", types.PriorityNormal, clk.Now()), false)
	if !errors.Is(err, orcherr.ErrQueueFull) {
		t.Fatalf("Enqueue over depth: want=%v got=%v", orcherr.ErrQueueFull, err)
	}
}

func TestTryDequeueFilters(t *testing.T) {
	q, clk := newTestQueue(t, 300*time.Second, 100)
	ctx := context.Background()

	targeted := newJob("wf-targeted", types.PriorityNormal, clk.Now())
	targeted.TargetRobotID = "robot-2"
	tagged := newJob("wf-tagged", types.PriorityNormal, clk.Now())
	tagged.RequiredTags = []string{"linux"}
	capped := newJob("wf-capped", types.PriorityNormal, clk.Now())
	capped.RequiredCaps = []string{"sap"}
	future := newJob("wf-future", types.PriorityNormal, clk.Now())
	at := clk.Now().Add(time.Hour)
	future.ScheduledTime = &at

	for _, j := range []*types.Job{targeted, tagged, capped, future} {
		if err := q.Enqueue(ctx, j, false); err != nil {
			t.Fatalf("Enqueue %s: %v", j.WorkflowID, err)
		}
	}

	if job, ok := q.TryDequeue(ctx, anyCandidate("robot-1")); ok {
		t.Fatalf("robot-1 should match nothing, got %s", job.WorkflowID)
	}

	if job, ok := q.TryDequeue(ctx, anyCandidate("robot-2")); !ok || job.WorkflowID != "wf-targeted" {
		t.Fatalf("robot-2 should get the targeted job, got ok=%v job=%v", ok, job)
	}

	busy := anyCandidate("robot-1")
	busy.SpareCapacity = 0
	if _, ok := q.TryDequeue(ctx, busy); ok {
		t.Fatalf("candidate without spare capacity should get nothing")
	}

	// Once the scheduled time arrives the deferred job becomes visible.
	clk.Advance(2 * time.Hour)
	if job, ok := q.TryDequeue(ctx, anyCandidate("robot-1")); !ok || job.WorkflowID != "wf-future" {
		t.Fatalf("deferred job should dequeue after its scheduled time, got ok=%v job=%v", ok, job)
	}
}

func TestTerminalIsExactlyOnce(t *testing.T) {
	q, clk := newTestQueue(t, 300*time.Second, 100)
	ctx := context.Background()

	job := newJob("wf-complete", types.PriorityNormal, clk.Now())
	if err := q.Enqueue(ctx, job, false); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	running, ok := q.TryDequeue(ctx, anyCandidate("robot-1"))
	if !ok {
		t.Fatalf("TryDequeue: expected job")
	}

	// A robot that no longer owns the job cannot complete it.
	_, err := q.Terminal(ctx, running.ID, "robot-2", types.JobCompleted, nil)
	if !errors.Is(err, orcherr.ErrConflict) {
		t.Fatalf("stale reporter: want=%v got=%v", orcherr.ErrConflict, err)
	}

	done, err := q.Terminal(ctx, running.ID, "robot-1", types.JobCompleted, func(j *types.Job) {
		j.Result = []byte(`{"ok":true}`)
	})
	if err != nil {
		t.Fatalf("Terminal: %v", err)
	}
	if done.Status != types.JobCompleted || done.CompletedAt == nil {
		t.Fatalf("terminal job: status=%s completed_at=%v", done.Status, done.CompletedAt)
	}

	// A replayed completion report finds nothing to complete.
	_, err = q.Terminal(ctx, running.ID, "robot-1", types.JobCompleted, nil)
	if !errors.Is(err, orcherr.ErrNotFound) {
		t.Fatalf("replayed terminal: want=%v got=%v", orcherr.ErrNotFound, err)
	}
}

func TestRequeueAfterRobotLoss(t *testing.T) {
	q, clk := newTestQueue(t, 300*time.Second, 100)
	ctx := context.Background()

	job := newJob("wf-requeue", types.PriorityNormal, clk.Now())
	if err := q.Enqueue(ctx, job, false); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	running, ok := q.TryDequeue(ctx, anyCandidate("robot-1"))
	if !ok {
		t.Fatalf("TryDequeue: expected job")
	}

	back, err := q.Requeue(ctx, running.ID, true)
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if back.Status != types.JobQueued {
		t.Fatalf("requeued status: want=%s got=%s", types.JobQueued, back.Status)
	}
	if back.RetryCount != 1 {
		t.Fatalf("retry count: want=1 got=%d", back.RetryCount)
	}
	if back.AssignedRobotID != "" || back.StartedAt != nil || back.Progress != 0 {
		t.Fatalf("requeue should clear assignment state: %+v", back)
	}

	again, ok := q.TryDequeue(ctx, anyCandidate("robot-2"))
	if !ok || again.ID != job.ID {
		t.Fatalf("requeued job should dequeue again, got ok=%v", ok)
	}
}

func TestRequeueOnlyFromRunning(t *testing.T) {
	q, clk := newTestQueue(t, 300*time.Second, 100)
	ctx := context.Background()

	job := newJob("wf-still-queued", types.PriorityNormal, clk.Now())
	if err := q.Enqueue(ctx, job, false); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	_, err := q.Requeue(ctx, job.ID, false)
	var st *orcherr.StateTransitionError
	if !errors.As(err, &st) {
		t.Fatalf("Requeue of queued job: want StateTransitionError got %v", err)
	}
}

func TestSweepTimeoutsExpiresOverdueLeases(t *testing.T) {
	q, clk := newTestQueue(t, 300*time.Second, 100)
	ctx := context.Background()

	job := newJob("wf-slow", types.PriorityNormal, clk.Now())
	job.TimeoutSeconds = 60
	if err := q.Enqueue(ctx, job, false); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, ok := q.TryDequeue(ctx, anyCandidate("robot-1")); !ok {
		t.Fatalf("TryDequeue: expected job")
	}

	clk.Advance(30 * time.Second)
	if swept := q.SweepTimeouts(ctx); len(swept) != 0 {
		t.Fatalf("sweep before lease expiry: want=0 got=%d", len(swept))
	}

	clk.Advance(31 * time.Second)
	swept := q.SweepTimeouts(ctx)
	if len(swept) != 1 {
		t.Fatalf("sweep after lease expiry: want=1 got=%d", len(swept))
	}
	if swept[0].Status != types.JobTimeout {
		t.Fatalf("swept status: want=%s got=%s", types.JobTimeout, swept[0].Status)
	}
	if swept[0].Error == "" {
		t.Fatalf("swept job should carry a timeout error message")
	}
}

func TestProgressSlidesLease(t *testing.T) {
	q, clk := newTestQueue(t, 300*time.Second, 100)
	ctx := context.Background()

	job := newJob("wf-progress", types.PriorityNormal, clk.Now())
	job.TimeoutSeconds = 60
	if err := q.Enqueue(ctx, job, false); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	running, ok := q.TryDequeue(ctx, anyCandidate("robot-1"))
	if !ok {
		t.Fatalf("TryDequeue: expected job")
	}

	clk.Advance(50 * time.Second)
	if err := q.UpdateProgress(ctx, running.ID, 40, "node-extract"); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}

	// Without the progress report this advance would cross the lease.
	clk.Advance(30 * time.Second)
	if swept := q.SweepTimeouts(ctx); len(swept) != 0 {
		t.Fatalf("progress should have extended the lease, swept %d", len(swept))
	}

	got := q.Get(running.ID)
	if got == nil || got.Progress != 40 || got.CurrentNode != "node-extract" {
		t.Fatalf("progress not recorded: %+v", got)
	}
}

func TestMarkAcceptedStampsAcknowledgement(t *testing.T) {
	q, clk := newTestQueue(t, 300*time.Second, 100)
	ctx := context.Background()

	job := newJob("wf-accept", types.PriorityNormal, clk.Now())
	if err := q.Enqueue(ctx, job, false); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	running, ok := q.TryDequeue(ctx, anyCandidate("robot-1"))
	if !ok {
		t.Fatalf("TryDequeue: expected a job")
	}
	if running.AcceptedAt != nil {
		t.Fatalf("assignment alone must not count as accepted")
	}

	// Only the assigned robot's ack counts.
	if err := q.MarkAccepted(ctx, running.ID, "robot-other"); !errors.Is(err, orcherr.ErrNotFound) {
		t.Fatalf("foreign accept: want=%v got=%v", orcherr.ErrNotFound, err)
	}

	clk.Advance(2 * time.Second)
	if err := q.MarkAccepted(ctx, running.ID, "robot-1"); err != nil {
		t.Fatalf("MarkAccepted: %v", err)
	}
	got := q.Get(running.ID)
	if got.AcceptedAt == nil || !got.AcceptedAt.Equal(clk.Now()) {
		t.Fatalf("accepted_at: want=%v got=%v", clk.Now(), got.AcceptedAt)
	}

	// A replayed ack keeps the first stamp.
	first := *got.AcceptedAt
	clk.Advance(time.Second)
	if err := q.MarkAccepted(ctx, running.ID, "robot-1"); err != nil {
		t.Fatalf("replayed MarkAccepted: %v", err)
	}
	if got := q.Get(running.ID); !got.AcceptedAt.Equal(first) {
		t.Fatalf("replay moved accepted_at: want=%v got=%v", first, got.AcceptedAt)
	}

	// Requeue clears the stamp; the next assignment needs a fresh ack.
	if _, err := q.Requeue(ctx, running.ID, true); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if got := q.Get(running.ID); got.AcceptedAt != nil {
		t.Fatalf("requeue should clear accepted_at, got %v", got.AcceptedAt)
	}
}

func TestCancelNonRunning(t *testing.T) {
	q, clk := newTestQueue(t, 300*time.Second, 100)
	ctx := context.Background()

	queued := newJob("wf-cancel", types.PriorityNormal, clk.Now())
	if err := q.Enqueue(ctx, queued, false); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	done, err := q.CancelNonRunning(ctx, queued.ID, "operator request")
	if err != nil {
		t.Fatalf("CancelNonRunning: %v", err)
	}
	if done.Status != types.JobCancelled || done.Error != "operator request" {
		t.Fatalf("cancelled job: status=%s error=%q", done.Status, done.Error)
	}

	running := newJob("wf-running", types.PriorityNormal, clk.Now())
	if err := q.Enqueue(ctx, running, false); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, ok := q.TryDequeue(ctx, anyCandidate("robot-1")); !ok {
		t.Fatalf("TryDequeue: expected job")
	}
	_, err = q.CancelNonRunning(ctx, running.ID, "too late")
	var st *orcherr.StateTransitionError
	if !errors.As(err, &st) {
		t.Fatalf("cancel of running job: want StateTransitionError got %v", err)
	}
}

func TestRestoreRebuildsQueueFromRows(t *testing.T) {
	repo := newTestRepo(t)
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	queuedAt := clk.Now().Add(-time.Minute)
	queued := newJob("wf-restored-queued", types.PriorityHigh, clk.Now())
	queued.Status = types.JobQueued
	queued.QueuedAt = &queuedAt
	startedAt := clk.Now().Add(-30 * time.Second)
	running := newJob("wf-restored-running", types.PriorityNormal, clk.Now())
	running.Status = types.JobRunning
	running.AssignedRobotID = "robot-1"
	running.StartedAt = &startedAt
	for _, j := range []*types.Job{queued, running} {
		if err := repo.Create(ctx, nil, j); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	q := New(mustTestLogger(t), repo, clk, 300*time.Second, 100)
	rows, err := repo.ListNonTerminal(ctx, nil)
	if err != nil {
		t.Fatalf("ListNonTerminal: %v", err)
	}
	q.Restore(rows, 60*time.Second)

	snap := q.QueuedSnapshot()
	if len(snap) != 1 || snap[0].ID != queued.ID {
		t.Fatalf("restored queued snapshot: %+v", snap)
	}
	if got := q.Get(running.ID); got == nil || got.Status != types.JobRunning {
		t.Fatalf("restored running job missing: %+v", got)
	}

	// The running job gets a grace lease, not an immediate timeout.
	if swept := q.SweepTimeouts(ctx); len(swept) != 0 {
		t.Fatalf("restored running job swept inside grace: %d", len(swept))
	}
	clk.Advance(61 * time.Second)
	swept := q.SweepTimeouts(ctx)
	if len(swept) != 1 || swept[0].ID != running.ID {
		t.Fatalf("restored running job should time out after grace, got %d", len(swept))
	}
}
