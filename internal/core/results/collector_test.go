package results

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

func newTestCollector(t *testing.T, windowSize int) (*Collector, *clock.Fake) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		t.Fatalf("gorm.Open: %v", err)
	}
	if err := gdb.AutoMigrate(&types.JobResult{}); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	c := NewCollector(mustTestLogger(t), repos.NewResultRepo(gdb, mustTestLogger(t)), clk, windowSize, 0)
	return c, clk
}

func terminalJob(workflowID, robotID string, status types.JobStatus, durationMs int64, now time.Time) *types.Job {
	started := now.Add(-time.Duration(durationMs) * time.Millisecond)
	completed := now
	return &types.Job{
		ID:              uuid.New(),
		WorkflowID:      workflowID,
		Status:          status,
		AssignedRobotID: robotID,
		StartedAt:       &started,
		CompletedAt:     &completed,
	}
}

func TestRecordRequiresTerminalJob(t *testing.T) {
	c, clk := newTestCollector(t, 100)
	job := terminalJob("wf-1", "robot-1", types.JobRunning, 100, clk.Now())
	if _, err := c.Record(context.Background(), job); !errors.Is(err, orcherr.ErrNotTerminal) {
		t.Fatalf("non-terminal record: want=%v got=%v", orcherr.ErrNotTerminal, err)
	}
}

func TestRecordPersistsResultRow(t *testing.T) {
	c, clk := newTestCollector(t, 100)
	ctx := context.Background()

	job := terminalJob("wf-1", "robot-1", types.JobFailed, 1500, clk.Now())
	job.CurrentNode = "node-upload"
	job.Error = "upload refused"
	res, err := c.Record(ctx, job)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if res.DurationMs != 1500 {
		t.Fatalf("duration: want=1500 got=%d", res.DurationMs)
	}
	if res.ErrorType != "workflow_error" || res.FailedNode != "node-upload" {
		t.Fatalf("failure attribution: type=%q node=%q", res.ErrorType, res.FailedNode)
	}

	got, err := c.GetByJobID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByJobID: %v", err)
	}
	if got.TerminalStatus != types.JobFailed || got.Error != "upload refused" {
		t.Fatalf("persisted result: %+v", got)
	}

	if _, err := c.GetByJobID(ctx, uuid.New()); !errors.Is(err, orcherr.ErrNotFound) {
		t.Fatalf("missing result: want=%v got=%v", orcherr.ErrNotFound, err)
	}
}

func TestRobotReportedFailureKindSurvives(t *testing.T) {
	c, clk := newTestCollector(t, 100)
	ctx := context.Background()

	job := terminalJob("wf-1", "robot-1", types.JobFailed, 800, clk.Now())
	job.Error = "selector did not resolve"
	job.ErrorType = "element_not_found"
	job.StackTrace = "at node-click\nat workflow-main"
	res, err := c.Record(ctx, job)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if res.ErrorType != "element_not_found" {
		t.Fatalf("error type: want=element_not_found got=%q", res.ErrorType)
	}
	if res.StackTrace != job.StackTrace {
		t.Fatalf("stack trace: want=%q got=%q", job.StackTrace, res.StackTrace)
	}

	got, err := c.GetByJobID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByJobID: %v", err)
	}
	if got.ErrorType != "element_not_found" || got.StackTrace != job.StackTrace {
		t.Fatalf("persisted attribution: type=%q trace=%q", got.ErrorType, got.StackTrace)
	}
}

func TestDurationFallsBackToQueuedAt(t *testing.T) {
	c, clk := newTestCollector(t, 100)
	ctx := context.Background()

	// Cancelled while QUEUED: never started, so queued_at anchors the duration.
	queued := clk.Now().Add(-4 * time.Second)
	completed := clk.Now()
	job := &types.Job{
		ID:          uuid.New(),
		WorkflowID:  "wf-queued-cancel",
		Status:      types.JobCancelled,
		QueuedAt:    &queued,
		CompletedAt: &completed,
	}
	res, err := c.Record(ctx, job)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if res.DurationMs != 4000 {
		t.Fatalf("duration: want=4000 got=%d", res.DurationMs)
	}
}

func TestLogTailLimitConfigurable(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		t.Fatalf("gorm.Open: %v", err)
	}
	if err := gdb.AutoMigrate(&types.JobResult{}); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	c := NewCollector(mustTestLogger(t), repos.NewResultRepo(gdb, mustTestLogger(t)), clk, 100, 5)

	jobID := uuid.New()
	for i := 0; i < 12; i++ {
		c.AppendLogs(jobID, []types.LogEntry{{Timestamp: clk.Now(), Level: "info", Message: fmt.Sprintf("line %d", i)}})
	}
	tail := c.Logs(jobID)
	if len(tail) != 5 {
		t.Fatalf("tail length: want=5 got=%d", len(tail))
	}
	if tail[0].Message != "line 7" {
		t.Fatalf("oldest surviving line: want=%q got=%q", "line 7", tail[0].Message)
	}
}

func TestTimeoutErrorType(t *testing.T) {
	c, clk := newTestCollector(t, 100)
	res, err := c.Record(context.Background(), terminalJob("wf-1", "robot-1", types.JobTimeout, 60000, clk.Now()))
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if res.ErrorType != "timeout" {
		t.Fatalf("timeout error type: want=timeout got=%q", res.ErrorType)
	}
}

func TestStatsPercentilesNearestRank(t *testing.T) {
	c, clk := newTestCollector(t, 1000)
	ctx := context.Background()

	// Durations 100..10000ms in 100ms steps: p50=5000, p90=9000, p99=9900.
	for i := 1; i <= 100; i++ {
		clk.Advance(time.Second)
		job := terminalJob("wf-stats", "robot-1", types.JobCompleted, int64(i*100), clk.Now())
		if _, err := c.Record(ctx, job); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}

	st, ok := c.WorkflowStats("wf-stats")
	if !ok {
		t.Fatalf("WorkflowStats: no window")
	}
	if st.Count != 100 || st.SuccessRate != 1.0 {
		t.Fatalf("count/success: %d %f", st.Count, st.SuccessRate)
	}
	if st.MinMs != 100 || st.MaxMs != 10000 || st.AvgMs != 5050 {
		t.Fatalf("min/avg/max: %d %d %d", st.MinMs, st.AvgMs, st.MaxMs)
	}
	if st.P50Ms != 5000 || st.P90Ms != 9000 || st.P99Ms != 9900 {
		t.Fatalf("percentiles: p50=%d p90=%d p99=%d", st.P50Ms, st.P90Ms, st.P99Ms)
	}
	if st.ThroughputHr <= 0 {
		t.Fatalf("throughput: %f", st.ThroughputHr)
	}
}

func TestSuccessRateCountsAllTerminalStatuses(t *testing.T) {
	c, clk := newTestCollector(t, 100)
	ctx := context.Background()

	outcomes := []types.JobStatus{
		types.JobCompleted, types.JobCompleted, types.JobCompleted,
		types.JobFailed, types.JobTimeout,
	}
	for _, status := range outcomes {
		clk.Advance(time.Second)
		if _, err := c.Record(ctx, terminalJob("wf-mixed", "robot-1", status, 500, clk.Now())); err != nil {
			t.Fatalf("Record %s: %v", status, err)
		}
	}

	st, ok := c.WorkflowStats("wf-mixed")
	if !ok {
		t.Fatalf("WorkflowStats: no window")
	}
	if st.SuccessRate != 0.6 {
		t.Fatalf("success rate: want=0.6 got=%f", st.SuccessRate)
	}
	if st.ByStatus[string(types.JobFailed)] != 1 || st.ByStatus[string(types.JobTimeout)] != 1 {
		t.Fatalf("by status: %v", st.ByStatus)
	}

	// Failed runs contribute to counts but not to the duration window.
	if st.Count != 5 {
		t.Fatalf("count: want=5 got=%d", st.Count)
	}
}

func TestWindowEvictsOldest(t *testing.T) {
	c, clk := newTestCollector(t, 3)
	ctx := context.Background()

	for _, ms := range []int64{100, 200, 300, 400} {
		clk.Advance(time.Second)
		if _, err := c.Record(ctx, terminalJob("wf-ring", "robot-1", types.JobCompleted, ms, clk.Now())); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	st, _ := c.WorkflowStats("wf-ring")
	// The 100ms run fell out of the ring.
	if st.MinMs != 200 || st.MaxMs != 400 {
		t.Fatalf("ring eviction: min=%d max=%d", st.MinMs, st.MaxMs)
	}
	// Totals keep counting past the ring.
	if st.Count != 4 {
		t.Fatalf("total count: want=4 got=%d", st.Count)
	}
}

func TestRobotStatsTrackedSeparately(t *testing.T) {
	c, clk := newTestCollector(t, 100)
	ctx := context.Background()

	if _, err := c.Record(ctx, terminalJob("wf-1", "robot-a", types.JobCompleted, 100, clk.Now())); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if _, err := c.Record(ctx, terminalJob("wf-1", "robot-b", types.JobFailed, 100, clk.Now())); err != nil {
		t.Fatalf("Record: %v", err)
	}

	a, ok := c.RobotStats("robot-a")
	if !ok || a.SuccessRate != 1.0 {
		t.Fatalf("robot-a stats: ok=%v %+v", ok, a)
	}
	b, ok := c.RobotStats("robot-b")
	if !ok || b.SuccessRate != 0.0 {
		t.Fatalf("robot-b stats: ok=%v %+v", ok, b)
	}
	if _, ok := c.RobotStats("robot-c"); ok {
		t.Fatalf("unknown robot should have no stats")
	}

	all := c.AllRobotStats()
	if len(all) != 2 || all[0].Key != "robot:robot-a" || all[1].Key != "robot:robot-b" {
		t.Fatalf("all robot stats: %+v", all)
	}
}

func TestLogTailCapAndFlush(t *testing.T) {
	c, clk := newTestCollector(t, 100)
	ctx := context.Background()
	jobID := uuid.New()

	// Overfill the tail; only the newest defaultLogTailLimit lines survive.
	for i := 0; i < defaultLogTailLimit+50; i++ {
		c.AppendLogs(jobID, []types.LogEntry{{
			Timestamp: clk.Now(),
			Level:     "info",
			Message:   fmt.Sprintf("line %d", i),
		}})
	}
	tail := c.Logs(jobID)
	if len(tail) != defaultLogTailLimit {
		t.Fatalf("tail length: want=%d got=%d", defaultLogTailLimit, len(tail))
	}
	if tail[0].Message != "line 50" {
		t.Fatalf("oldest surviving line: want=%q got=%q", "line 50", tail[0].Message)
	}

	job := terminalJob("wf-logs", "robot-1", types.JobCompleted, 100, clk.Now())
	job.ID = jobID
	res, err := c.Record(ctx, job)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if len(res.Logs) == 0 {
		t.Fatalf("result should carry the flushed log tail")
	}

	// The buffer is released with the job.
	if got := c.Logs(jobID); len(got) != 0 {
		t.Fatalf("tail after flush: want=0 got=%d", len(got))
	}
}

func TestPercentileNearestRank(t *testing.T) {
	sorted := []int64{10, 20, 30, 40, 50}
	cases := []struct {
		p    int
		want int64
	}{
		{50, 30},
		{90, 50},
		{99, 50},
		{100, 50},
		{1, 10},
	}
	for _, tc := range cases {
		if got := percentile(sorted, tc.p); got != tc.want {
			t.Fatalf("percentile(%d): want=%d got=%d", tc.p, tc.want, got)
		}
	}
	if got := percentile(nil, 50); got != 0 {
		t.Fatalf("percentile of empty: want=0 got=%d", got)
	}
}
