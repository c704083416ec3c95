package fleet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/botfleet/orchestrator/internal/clock"
	"github.com/botfleet/orchestrator/internal/core/orcherr"
	"github.com/botfleet/orchestrator/internal/logger"
	"github.com/botfleet/orchestrator/internal/repos"
	"github.com/botfleet/orchestrator/internal/types"
)

// RobotView is the read-only snapshot handed to dispatch strategies.
type RobotView struct {
	ID                string
	Name              string
	Environment       string
	Tags              map[string]struct{}
	Capabilities      map[string]struct{}
	MaxConcurrentJobs int
	CurrentJobs       int
	Status            types.RobotStatus
	LastHeartbeatAt   time.Time
}

func (v RobotView) Spare() int {
	return v.MaxConcurrentJobs - v.CurrentJobs
}

type robotState struct {
	rec    *types.Robot
	tags   map[string]struct{}
	caps   map[string]struct{}
	paused bool
}

// Manager tracks the robot fleet: capacity, heartbeat freshness, pool
// membership and the per-job assignments with their leases. Its lock is
// disjoint from the queue's and is never held across repository calls.
type Manager struct {
	mu         sync.Mutex
	log        *logger.Logger
	repo       repos.RobotRepo
	poolRepo   repos.PoolRepo
	clk        clock.Clock
	staleAfter time.Duration

	robots      map[string]*robotState
	assignments map[uuid.UUID]*types.Assignment // keyed by job id
	byRobot     map[string]map[uuid.UUID]struct{}
	pools       map[string]*types.RobotPool
}

func NewManager(log *logger.Logger, repo repos.RobotRepo, poolRepo repos.PoolRepo, clk clock.Clock, staleAfter time.Duration) *Manager {
	return &Manager{
		log:         log.With("component", "FleetManager"),
		repo:        repo,
		poolRepo:    poolRepo,
		clk:         clk,
		staleAfter:  staleAfter,
		robots:      make(map[string]*robotState),
		assignments: make(map[uuid.UUID]*types.Assignment),
		byRobot:     make(map[string]map[uuid.UUID]struct{}),
		pools:       make(map[string]*types.RobotPool),
	}
}

// Register upserts a robot. A re-register refreshes attributes but keeps the
// load accounting that in-flight assignments imply.
func (m *Manager) Register(ctx context.Context, robot *types.Robot) (*types.Robot, error) {
	if robot == nil || robot.ID == "" {
		return nil, fmt.Errorf("robot id required: %w", orcherr.ErrInvalidConfig)
	}
	now := m.clk.Now()
	if robot.MaxConcurrentJobs <= 0 {
		robot.MaxConcurrentJobs = 1
	}
	robot.Status = types.RobotOnline
	hb := now
	robot.LastHeartbeatAt = &hb
	robot.UpdatedAt = now

	m.mu.Lock()
	existing, known := m.robots[robot.ID]
	if known {
		robot.RegisteredAt = existing.rec.RegisteredAt
		robot.CurrentJobs = len(m.byRobot[robot.ID])
	} else {
		robot.RegisteredAt = now
		robot.CurrentJobs = 0
	}
	if robot.CurrentJobs >= robot.MaxConcurrentJobs {
		robot.Status = types.RobotBusy
	}
	st := &robotState{
		rec:  robot,
		tags: toSet(robot.Tags),
		caps: toSet(robot.Capabilities),
	}
	m.robots[robot.ID] = st
	if m.byRobot[robot.ID] == nil {
		m.byRobot[robot.ID] = make(map[uuid.UUID]struct{})
	}
	out := *robot
	m.mu.Unlock()

	if err := m.repo.Upsert(ctx, nil, robot); err != nil {
		return nil, fmt.Errorf("persist robot register: %w", err)
	}
	m.log.Info("Robot registered", "robot_id", robot.ID, "name", robot.Name, "max_concurrent", robot.MaxConcurrentJobs)
	return &out, nil
}

// Heartbeat stamps freshness and brings an OFFLINE robot back ONLINE. The
// reported load is reconciled against our assignment count; a disagreement is
// logged but our count stays authoritative.
func (m *Manager) Heartbeat(ctx context.Context, robotID string, reportedJobs int) (cameOnline bool, err error) {
	now := m.clk.Now()

	m.mu.Lock()
	st, ok := m.robots[robotID]
	if !ok {
		m.mu.Unlock()
		return false, orcherr.ErrNotFound
	}
	hb := now
	st.rec.LastHeartbeatAt = &hb
	owned := len(m.byRobot[robotID])
	if reportedJobs >= 0 && reportedJobs != owned {
		m.log.Warn("Robot load report disagrees with assignments", "robot_id", robotID, "reported", reportedJobs, "owned", owned)
	}
	if st.rec.Status == types.RobotOffline || st.rec.Status == types.RobotFailed {
		cameOnline = true
	}
	st.rec.Status = statusForLoad(owned, st.rec.MaxConcurrentJobs)
	st.rec.UpdatedAt = now
	status := st.rec.Status
	m.mu.Unlock()

	err = m.repo.UpdateFields(ctx, nil, robotID, map[string]interface{}{
		"last_heartbeat_at": hb,
		"status":            status,
		"updated_at":        now,
	})
	return cameOnline, err
}

// RecordAssign books a job onto a robot and tracks its lease.
func (m *Manager) RecordAssign(ctx context.Context, jobID uuid.UUID, robotID string, leasedUntil time.Time) error {
	now := m.clk.Now()

	m.mu.Lock()
	st, ok := m.robots[robotID]
	if !ok {
		m.mu.Unlock()
		return orcherr.ErrNotFound
	}
	if _, dup := m.assignments[jobID]; dup {
		m.mu.Unlock()
		return fmt.Errorf("job %s already assigned: %w", jobID, orcherr.ErrConflict)
	}
	m.assignments[jobID] = &types.Assignment{
		JobID:       jobID,
		RobotID:     robotID,
		LeasedUntil: leasedUntil,
		CreatedAt:   now,
	}
	if m.byRobot[robotID] == nil {
		m.byRobot[robotID] = make(map[uuid.UUID]struct{})
	}
	m.byRobot[robotID][jobID] = struct{}{}
	st.rec.CurrentJobs = len(m.byRobot[robotID])
	st.rec.Status = statusForLoad(st.rec.CurrentJobs, st.rec.MaxConcurrentJobs)
	st.rec.UpdatedAt = now
	current := st.rec.CurrentJobs
	status := st.rec.Status
	m.mu.Unlock()

	return m.repo.UpdateFields(ctx, nil, robotID, map[string]interface{}{
		"current_jobs": current,
		"status":       status,
		"updated_at":   now,
	})
}

// RecordRelease drops a job from a robot's books. Safe to call for an
// assignment that no longer exists.
func (m *Manager) RecordRelease(ctx context.Context, jobID uuid.UUID, robotID string) error {
	now := m.clk.Now()

	m.mu.Lock()
	as, ok := m.assignments[jobID]
	if ok && as.RobotID == robotID {
		delete(m.assignments, jobID)
		delete(m.byRobot[robotID], jobID)
	}
	st, known := m.robots[robotID]
	if !known {
		m.mu.Unlock()
		return nil
	}
	st.rec.CurrentJobs = len(m.byRobot[robotID])
	if st.rec.Status == types.RobotBusy && m.freshLocked(st, now) {
		st.rec.Status = statusForLoad(st.rec.CurrentJobs, st.rec.MaxConcurrentJobs)
	}
	current := st.rec.CurrentJobs
	status := st.rec.Status
	st.rec.UpdatedAt = now
	m.mu.Unlock()

	return m.repo.UpdateFields(ctx, nil, robotID, map[string]interface{}{
		"current_jobs": current,
		"status":       status,
		"updated_at":   now,
	})
}

// AssignmentFor returns the live assignment for a job, if any.
func (m *Manager) AssignmentFor(jobID uuid.UUID) (types.Assignment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	as, ok := m.assignments[jobID]
	if !ok {
		return types.Assignment{}, false
	}
	return *as, true
}

// AssignmentsOf returns the jobs a robot currently owns.
func (m *Manager) AssignmentsOf(robotID string) []types.Assignment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Assignment
	for id := range m.byRobot[robotID] {
		if as, ok := m.assignments[id]; ok {
			out = append(out, *as)
		}
	}
	return out
}

// MarkOffline transitions a robot to OFFLINE and returns the assignments it
// was holding, for the caller to re-offer or expire.
func (m *Manager) MarkOffline(ctx context.Context, robotID string) []types.Assignment {
	now := m.clk.Now()

	m.mu.Lock()
	st, ok := m.robots[robotID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	st.rec.Status = types.RobotOffline
	st.rec.UpdatedAt = now
	var held []types.Assignment
	for id := range m.byRobot[robotID] {
		if as, ok := m.assignments[id]; ok {
			held = append(held, *as)
		}
	}
	m.mu.Unlock()

	if err := m.repo.UpdateFields(ctx, nil, robotID, map[string]interface{}{
		"status":     types.RobotOffline,
		"updated_at": now,
	}); err != nil {
		m.log.Warn("Persisting robot offline failed", "robot_id", robotID, "error", err)
	}
	return held
}

// Sweep marks every robot with a stale heartbeat OFFLINE and returns their
// ids paired with the assignments they held.
func (m *Manager) Sweep(ctx context.Context) map[string][]types.Assignment {
	now := m.clk.Now()

	m.mu.Lock()
	var stale []string
	for id, st := range m.robots {
		if st.rec.Status == types.RobotOffline || st.rec.Status == types.RobotFailed {
			continue
		}
		if !m.freshLocked(st, now) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	out := make(map[string][]types.Assignment, len(stale))
	for _, id := range stale {
		m.log.Warn("Robot heartbeat stale, marking offline", "robot_id", id)
		out[id] = m.MarkOffline(ctx, id)
	}
	return out
}

// Unregister removes a robot entirely. Fails while the robot still owns jobs.
func (m *Manager) Unregister(ctx context.Context, robotID string) error {
	m.mu.Lock()
	_, ok := m.robots[robotID]
	if !ok {
		m.mu.Unlock()
		return orcherr.ErrNotFound
	}
	if len(m.byRobot[robotID]) > 0 {
		m.mu.Unlock()
		return fmt.Errorf("robot %s still owns %d jobs: %w", robotID, len(m.byRobot[robotID]), orcherr.ErrConflict)
	}
	delete(m.robots, robotID)
	delete(m.byRobot, robotID)
	m.mu.Unlock()

	return m.repo.Delete(ctx, nil, robotID)
}

// Eligible filters the fleet for a job: fresh, has spare capacity, satisfies
// tags/capabilities/target and any pool restriction on the job's workflow.
func (m *Manager) Eligible(job *types.Job) []RobotView {
	if job == nil {
		return nil
	}
	now := m.clk.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	pool := m.poolForWorkflowLocked(job.WorkflowID)
	var out []RobotView
	for id, st := range m.robots {
		r := st.rec
		if r.Status == types.RobotOffline || r.Status == types.RobotFailed {
			continue
		}
		if st.paused {
			continue
		}
		if !m.freshLocked(st, now) {
			continue
		}
		if r.CurrentJobs >= r.MaxConcurrentJobs {
			continue
		}
		if job.TargetRobotID != "" && job.TargetRobotID != id {
			continue
		}
		if !hasAll(st.tags, job.RequiredTags) {
			continue
		}
		if !hasAll(st.caps, job.RequiredCaps) {
			continue
		}
		if pool != nil && !hasAll(st.tags, pool.RequiredTags) {
			continue
		}
		out = append(out, viewLocked(st))
	}
	return out
}

// SetPaused toggles a maintenance hold on a robot. Paused robots keep their
// running jobs and their heartbeats but receive no new assignments. The flag
// is in-memory only; a restart clears it.
func (m *Manager) SetPaused(robotID string, paused bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.robots[robotID]
	if !ok {
		return orcherr.ErrNotFound
	}
	st.paused = paused
	m.log.Info("Robot pause state changed", "robot_id", robotID, "paused", paused)
	return nil
}

// Paused reports the maintenance hold state.
func (m *Manager) Paused(robotID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.robots[robotID]
	return ok && st.paused
}

// PoolForWorkflow names the pool restricting a workflow, or "".
func (m *Manager) PoolForWorkflow(workflowID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p := m.poolForWorkflowLocked(workflowID); p != nil {
		return p.Name
	}
	return ""
}

func (m *Manager) poolForWorkflowLocked(workflowID string) *types.RobotPool {
	for _, p := range m.pools {
		for _, wf := range p.AllowedWorkflows {
			if wf == workflowID {
				return p
			}
		}
	}
	return nil
}

// CreatePool registers a pool. Name must be unique.
func (m *Manager) CreatePool(ctx context.Context, pool *types.RobotPool) (*types.RobotPool, error) {
	if pool == nil || pool.Name == "" {
		return nil, fmt.Errorf("pool name required: %w", orcherr.ErrInvalidConfig)
	}
	m.mu.Lock()
	if _, dup := m.pools[pool.Name]; dup {
		m.mu.Unlock()
		return nil, fmt.Errorf("pool %q exists: %w", pool.Name, orcherr.ErrConflict)
	}
	if pool.ID == uuid.Nil {
		pool.ID = uuid.New()
	}
	pool.CreatedAt = m.clk.Now()
	m.pools[pool.Name] = pool
	out := *pool
	m.mu.Unlock()

	if err := m.poolRepo.Create(ctx, nil, pool); err != nil {
		m.mu.Lock()
		delete(m.pools, pool.Name)
		m.mu.Unlock()
		return nil, fmt.Errorf("persist pool: %w", err)
	}
	return &out, nil
}

func (m *Manager) DeletePool(ctx context.Context, name string) error {
	m.mu.Lock()
	pool, ok := m.pools[name]
	if !ok {
		m.mu.Unlock()
		return orcherr.ErrNotFound
	}
	delete(m.pools, name)
	id := pool.ID
	m.mu.Unlock()

	return m.poolRepo.Delete(ctx, nil, id)
}

func (m *Manager) Pools() []*types.RobotPool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.RobotPool, 0, len(m.pools))
	for _, p := range m.pools {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// PoolMembers lists the robots whose tags satisfy the pool predicate.
func (m *Manager) PoolMembers(name string) []RobotView {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool, ok := m.pools[name]
	if !ok {
		return nil
	}
	var out []RobotView
	for _, st := range m.robots {
		if hasAll(st.tags, pool.RequiredTags) {
			out = append(out, viewLocked(st))
		}
	}
	return out
}

// Snapshot returns views of every known robot.
func (m *Manager) Snapshot() []RobotView {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RobotView, 0, len(m.robots))
	for _, st := range m.robots {
		out = append(out, viewLocked(st))
	}
	return out
}

// Get returns one robot's view.
func (m *Manager) Get(robotID string) (RobotView, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.robots[robotID]
	if !ok {
		return RobotView{}, false
	}
	return viewLocked(st), true
}

// CountByStatus tallies robots per status for the metrics surface.
func (m *Manager) CountByStatus() map[types.RobotStatus]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[types.RobotStatus]int{}
	for _, st := range m.robots {
		out[st.rec.Status]++
	}
	return out
}

// Restore rebuilds fleet state at startup. Robots come back OFFLINE until
// they heartbeat; running jobs re-seed assignments with the given lease.
func (m *Manager) Restore(robots []*types.Robot, pools []*types.RobotPool, running []*types.Job, lease time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range robots {
		if r == nil || r.ID == "" {
			continue
		}
		r.Status = types.RobotOffline
		r.CurrentJobs = 0
		m.robots[r.ID] = &robotState{rec: r, tags: toSet(r.Tags), caps: toSet(r.Capabilities)}
		m.byRobot[r.ID] = make(map[uuid.UUID]struct{})
	}
	for _, p := range pools {
		if p != nil && p.Name != "" {
			m.pools[p.Name] = p
		}
	}
	for _, j := range running {
		if j == nil || j.AssignedRobotID == "" {
			continue
		}
		m.assignments[j.ID] = &types.Assignment{
			JobID:       j.ID,
			RobotID:     j.AssignedRobotID,
			LeasedUntil: lease,
			CreatedAt:   m.clk.Now(),
		}
		if m.byRobot[j.AssignedRobotID] == nil {
			m.byRobot[j.AssignedRobotID] = make(map[uuid.UUID]struct{})
		}
		m.byRobot[j.AssignedRobotID][j.ID] = struct{}{}
		if st, ok := m.robots[j.AssignedRobotID]; ok {
			st.rec.CurrentJobs = len(m.byRobot[j.AssignedRobotID])
		}
	}
	m.log.Info("Fleet restored", "robots", len(m.robots), "pools", len(m.pools), "assignments", len(m.assignments))
}

func (m *Manager) freshLocked(st *robotState, now time.Time) bool {
	if st.rec.LastHeartbeatAt == nil {
		return false
	}
	return now.Sub(*st.rec.LastHeartbeatAt) <= m.staleAfter
}

func viewLocked(st *robotState) RobotView {
	var hb time.Time
	if st.rec.LastHeartbeatAt != nil {
		hb = *st.rec.LastHeartbeatAt
	}
	return RobotView{
		ID:                st.rec.ID,
		Name:              st.rec.Name,
		Environment:       st.rec.Environment,
		Tags:              st.tags,
		Capabilities:      st.caps,
		MaxConcurrentJobs: st.rec.MaxConcurrentJobs,
		CurrentJobs:       st.rec.CurrentJobs,
		Status:            st.rec.Status,
		LastHeartbeatAt:   hb,
	}
}

func statusForLoad(current, max int) types.RobotStatus {
	if max > 0 && current >= max {
		return types.RobotBusy
	}
	return types.RobotOnline
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, s := range items {
		out[s] = struct{}{}
	}
	return out
}

func hasAll(have map[string]struct{}, need []string) bool {
	for _, n := range need {
		if _, ok := have[n]; !ok {
			return false
		}
	}
	return true
}
