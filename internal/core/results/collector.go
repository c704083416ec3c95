package results

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/botfleet/orchestrator/internal/clock"
	"github.com/botfleet/orchestrator/internal/core/orcherr"
	"github.com/botfleet/orchestrator/internal/logger"
	"github.com/botfleet/orchestrator/internal/repos"
	"github.com/botfleet/orchestrator/internal/types"
)

const defaultLogTailLimit = 1000

// Stats summarizes the rolling window kept per workflow and per robot.
type Stats struct {
	Key           string             `json:"key"`
	Count         int                `json:"count"`
	ByStatus      map[string]int     `json:"by_status"`
	SuccessRate   float64            `json:"success_rate"`
	MinMs         int64              `json:"min_ms"`
	AvgMs         int64              `json:"avg_ms"`
	MaxMs         int64              `json:"max_ms"`
	P50Ms         int64              `json:"p50_ms"`
	P90Ms         int64              `json:"p90_ms"`
	P99Ms         int64              `json:"p99_ms"`
	ThroughputHr  float64            `json:"throughput_per_hour"`
}

type window struct {
	durations []int64 // ring, completed runs only
	next      int
	full      bool
	byStatus  map[types.JobStatus]int
	total     int
	firstSeen time.Time
	lastSeen  time.Time
}

func newWindow() *window {
	return &window{byStatus: make(map[types.JobStatus]int)}
}

func (w *window) record(status types.JobStatus, durationMs int64, now time.Time, size int) {
	if w.total == 0 {
		w.firstSeen = now
	}
	w.lastSeen = now
	w.total++
	w.byStatus[status]++
	if status != types.JobCompleted {
		return
	}
	if len(w.durations) < size {
		w.durations = append(w.durations, durationMs)
		return
	}
	w.durations[w.next] = durationMs
	w.next = (w.next + 1) % size
	w.full = true
}

// Collector persists one immutable JobResult per terminal job and maintains
// in-memory rolling stats keyed by workflow and by robot. Log lines stream in
// while the job runs and are flushed onto the result row.
type Collector struct {
	mu         sync.Mutex
	log        *logger.Logger
	repo       repos.ResultRepo
	clk        clock.Clock
	windowSize int
	tailLimit  int

	byWorkflow map[string]*window
	byRobot    map[string]*window
	logTails   map[uuid.UUID][]types.LogEntry
}

func NewCollector(log *logger.Logger, repo repos.ResultRepo, clk clock.Clock, windowSize, tailLimit int) *Collector {
	if windowSize <= 0 {
		windowSize = 10000
	}
	if tailLimit <= 0 {
		tailLimit = defaultLogTailLimit
	}
	return &Collector{
		log:        log.With("component", "ResultCollector"),
		repo:       repo,
		clk:        clk,
		windowSize: windowSize,
		tailLimit:  tailLimit,
		byWorkflow: make(map[string]*window),
		byRobot:    make(map[string]*window),
		logTails:   make(map[uuid.UUID][]types.LogEntry),
	}
}

// AppendLogs buffers robot-reported log lines for a running job. The tail is
// capped; older lines fall off the front.
func (c *Collector) AppendLogs(jobID uuid.UUID, entries []types.LogEntry) {
	if len(entries) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	tail := append(c.logTails[jobID], entries...)
	if over := len(tail) - c.tailLimit; over > 0 {
		tail = tail[over:]
	}
	c.logTails[jobID] = tail
}

// Logs returns the buffered tail for a running job.
func (c *Collector) Logs(jobID uuid.UUID) []types.LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	tail := c.logTails[jobID]
	out := make([]types.LogEntry, len(tail))
	copy(out, tail)
	return out
}

// Record writes the result row for a terminal job and folds it into the
// rolling windows. The unique index on job_id makes a replayed terminal
// report a no-op at the persistence layer too.
func (c *Collector) Record(ctx context.Context, job *types.Job) (*types.JobResult, error) {
	if job == nil || !job.Status.Terminal() {
		return nil, fmt.Errorf("job is not terminal: %w", orcherr.ErrNotTerminal)
	}
	now := c.clk.Now()

	completedAt := now
	if job.CompletedAt != nil {
		completedAt = *job.CompletedAt
	}
	// queued_at stands in when the job never reached a robot
	var durationMs int64
	switch {
	case job.StartedAt != nil:
		durationMs = completedAt.Sub(*job.StartedAt).Milliseconds()
	case job.QueuedAt != nil:
		durationMs = completedAt.Sub(*job.QueuedAt).Milliseconds()
	}

	c.mu.Lock()
	tail := c.logTails[job.ID]
	delete(c.logTails, job.ID)
	c.mu.Unlock()

	var logsJSON datatypes.JSON
	if len(tail) > 0 {
		if raw, err := json.Marshal(tail); err == nil {
			logsJSON = raw
		}
	}

	res := &types.JobResult{
		ID:             uuid.New(),
		JobID:          job.ID,
		WorkflowID:     job.WorkflowID,
		RobotID:        job.AssignedRobotID,
		TerminalStatus: job.Status,
		DurationMs:     durationMs,
		ResultData:     job.Result,
		Error:          job.Error,
		Logs:           logsJSON,
		QueuedAt:       job.QueuedAt,
		StartedAt:      job.StartedAt,
		CompletedAt:    completedAt,
		CreatedAt:      now,
	}
	if job.Status == types.JobFailed {
		// the robot-reported kind wins; workflow_error is the fallback for
		// robots that report none
		res.ErrorType = job.ErrorType
		if res.ErrorType == "" {
			res.ErrorType = "workflow_error"
		}
		res.StackTrace = job.StackTrace
		res.FailedNode = job.CurrentNode
	}
	if job.Status == types.JobTimeout {
		res.ErrorType = "timeout"
	}

	if err := c.repo.Create(ctx, nil, res); err != nil {
		return nil, fmt.Errorf("persist result: %w", err)
	}

	c.mu.Lock()
	c.windowFor(c.byWorkflow, job.WorkflowID).record(job.Status, durationMs, now, c.windowSize)
	if job.AssignedRobotID != "" {
		c.windowFor(c.byRobot, job.AssignedRobotID).record(job.Status, durationMs, now, c.windowSize)
	}
	c.mu.Unlock()

	return res, nil
}

func (c *Collector) windowFor(m map[string]*window, key string) *window {
	w := m[key]
	if w == nil {
		w = newWindow()
		m[key] = w
	}
	return w
}

// GetByJobID reads a persisted result.
func (c *Collector) GetByJobID(ctx context.Context, jobID uuid.UUID) (*types.JobResult, error) {
	res, err := c.repo.GetByJobID(ctx, nil, jobID)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, orcherr.ErrNotFound
	}
	return res, nil
}

// WorkflowStats summarizes the rolling window for one workflow.
func (c *Collector) WorkflowStats(workflowID string) (Stats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.byWorkflow[workflowID]
	if !ok {
		return Stats{}, false
	}
	return summarize("workflow:"+workflowID, w), true
}

// RobotStats summarizes the rolling window for one robot.
func (c *Collector) RobotStats(robotID string) (Stats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.byRobot[robotID]
	if !ok {
		return Stats{}, false
	}
	return summarize("robot:"+robotID, w), true
}

// AllWorkflowStats lists every workflow window.
func (c *Collector) AllWorkflowStats() []Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Stats, 0, len(c.byWorkflow))
	for k, w := range c.byWorkflow {
		out = append(out, summarize("workflow:"+k, w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// AllRobotStats lists every robot window.
func (c *Collector) AllRobotStats() []Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Stats, 0, len(c.byRobot))
	for k, w := range c.byRobot {
		out = append(out, summarize("robot:"+k, w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func summarize(key string, w *window) Stats {
	st := Stats{
		Key:      key,
		Count:    w.total,
		ByStatus: make(map[string]int, len(w.byStatus)),
	}
	for status, n := range w.byStatus {
		st.ByStatus[string(status)] = n
	}
	if w.total > 0 {
		st.SuccessRate = float64(w.byStatus[types.JobCompleted]) / float64(w.total)
	}
	span := w.lastSeen.Sub(w.firstSeen)
	if span > 0 {
		st.ThroughputHr = float64(w.total) / span.Hours()
	}

	if len(w.durations) == 0 {
		return st
	}
	sorted := make([]int64, len(w.durations))
	copy(sorted, w.durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum int64
	for _, d := range sorted {
		sum += d
	}
	st.MinMs = sorted[0]
	st.MaxMs = sorted[len(sorted)-1]
	st.AvgMs = sum / int64(len(sorted))
	st.P50Ms = percentile(sorted, 50)
	st.P90Ms = percentile(sorted, 90)
	st.P99Ms = percentile(sorted, 99)
	return st
}

// percentile uses nearest-rank on an ascending slice.
func percentile(sorted []int64, p int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
