package sched

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron"

	"github.com/botfleet/orchestrator/internal/clock"
	"github.com/botfleet/orchestrator/internal/core/orcherr"
	"github.com/botfleet/orchestrator/internal/logger"
	"github.com/botfleet/orchestrator/internal/repos"
	"github.com/botfleet/orchestrator/internal/types"
)

// Firer turns a due schedule into a queued job. Implemented by the engine.
type Firer func(ctx context.Context, s *types.Schedule) error

// fireRetryDelay re-arms a schedule whose fire failed. Kept in memory only;
// a restart recomputes next_fire_at from the schedule itself.
const fireRetryDelay = 15 * time.Second

type entry struct {
	sched *types.Schedule
	spec  cron.Schedule // nil unless frequency is cron
	loc   *time.Location
}

// Scheduler owns time-based job creation. One goroutine sleeps until the
// earliest next_fire_at; create/update/enable/disable all poke it awake so a
// change takes effect immediately.
type Scheduler struct {
	mu      sync.Mutex
	log     *logger.Logger
	repo    repos.ScheduleRepo
	clk     clock.Clock
	fire    Firer
	entries map[uuid.UUID]*entry
	wake    chan struct{}
}

func New(log *logger.Logger, repo repos.ScheduleRepo, clk clock.Clock, fire Firer) *Scheduler {
	return &Scheduler{
		log:     log.With("component", "Scheduler"),
		repo:    repo,
		clk:     clk,
		fire:    fire,
		entries: make(map[uuid.UUID]*entry),
		wake:    make(chan struct{}, 1),
	}
}

// parseCron accepts the 5-field standard form first, then the 6-field form
// with a leading seconds column.
func parseCron(expr string) (cron.Schedule, error) {
	if spec, err := cron.ParseStandard(expr); err == nil {
		return spec, nil
	}
	spec, err := cron.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, orcherr.ErrInvalidCron)
	}
	return spec, nil
}

func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tz, orcherr.ErrInvalidConfig)
	}
	return loc, nil
}

func validate(s *types.Schedule) (*entry, error) {
	loc, err := loadLocation(s.Timezone)
	if err != nil {
		return nil, err
	}
	e := &entry{sched: s, loc: loc}
	switch s.Frequency {
	case types.FrequencyOnce:
		if s.FireAt == nil {
			return nil, fmt.Errorf("once schedule needs fire_at: %w", orcherr.ErrInvalidConfig)
		}
	case types.FrequencyInterval:
		if s.IntervalSeconds <= 0 {
			return nil, fmt.Errorf("interval schedule needs a positive interval: %w", orcherr.ErrInvalidConfig)
		}
	case types.FrequencyCron:
		spec, err := parseCron(s.CronExpression)
		if err != nil {
			return nil, err
		}
		e.spec = spec
	default:
		return nil, fmt.Errorf("unknown frequency %q: %w", s.Frequency, orcherr.ErrInvalidConfig)
	}
	return e, nil
}

// nextFire computes the fire time strictly after now. Returns nil when the
// schedule will never fire again.
func (e *entry) nextFire(now time.Time) *time.Time {
	switch e.sched.Frequency {
	case types.FrequencyOnce:
		if e.sched.RunCount > 0 || e.sched.FireAt == nil {
			return nil
		}
		t := *e.sched.FireAt
		return &t
	case types.FrequencyInterval:
		step := time.Duration(e.sched.IntervalSeconds) * time.Second
		base := e.sched.CreatedAt
		if e.sched.LastFireAt != nil {
			base = *e.sched.LastFireAt
		}
		next := base.Add(step)
		// catch-up runs are skipped, not replayed
		for !next.After(now) {
			next = next.Add(step)
		}
		return &next
	case types.FrequencyCron:
		next := e.spec.Next(now.In(e.loc))
		if next.IsZero() {
			return nil
		}
		return &next
	}
	return nil
}

// Create validates, computes next_fire_at and persists the schedule.
func (s *Scheduler) Create(ctx context.Context, sched *types.Schedule) (*types.Schedule, error) {
	if sched.WorkflowID == "" {
		return nil, fmt.Errorf("workflow_id required: %w", orcherr.ErrInvalidWorkflow)
	}
	if !sched.Priority.Valid() {
		sched.Priority = types.PriorityNormal
	}
	if sched.ID == uuid.Nil {
		sched.ID = uuid.New()
	}
	now := s.clk.Now()
	sched.CreatedAt = now
	sched.UpdatedAt = now
	if sched.Frequency == "" {
		sched.Frequency = types.FrequencyOnce
	}

	e, err := validate(sched)
	if err != nil {
		return nil, err
	}
	if sched.Enabled {
		sched.NextFireAt = e.nextFire(now)
	}

	if err := s.repo.Create(ctx, nil, sched); err != nil {
		return nil, fmt.Errorf("persist schedule: %w", err)
	}

	s.mu.Lock()
	s.entries[sched.ID] = e
	s.mu.Unlock()
	s.poke()

	s.log.Info("Schedule created", "schedule_id", sched.ID, "workflow_id", sched.WorkflowID, "frequency", sched.Frequency, "next_fire_at", sched.NextFireAt)
	out := *sched
	return &out, nil
}

// Update replaces the mutable fields of a schedule and recomputes its next
// fire time from now.
func (s *Scheduler) Update(ctx context.Context, id uuid.UUID, apply func(sched *types.Schedule)) (*types.Schedule, error) {
	now := s.clk.Now()

	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return nil, orcherr.ErrNotFound
	}
	updated := *e.sched
	s.mu.Unlock()

	apply(&updated)
	updated.ID = id
	updated.UpdatedAt = now

	ne, err := validate(&updated)
	if err != nil {
		return nil, err
	}
	updated.NextFireAt = nil
	if updated.Enabled {
		updated.NextFireAt = ne.nextFire(now)
	}

	if err := s.repo.UpdateFields(ctx, nil, id, map[string]interface{}{
		"workflow_id":       updated.WorkflowID,
		"workflow_name":     updated.WorkflowName,
		"frequency":         updated.Frequency,
		"fire_at":           updated.FireAt,
		"interval_seconds":  updated.IntervalSeconds,
		"cron_expression":   updated.CronExpression,
		"timezone":          updated.Timezone,
		"target_robot_id":   updated.TargetRobotID,
		"priority":          updated.Priority,
		"parameters":        updated.Parameters,
		"workflow_document": updated.WorkflowDoc,
		"enabled":           updated.Enabled,
		"next_fire_at":      updated.NextFireAt,
		"updated_at":        now,
	}); err != nil {
		return nil, fmt.Errorf("persist schedule update: %w", err)
	}

	s.mu.Lock()
	s.entries[id] = ne
	s.mu.Unlock()
	s.poke()

	out := updated
	return &out, nil
}

// SetEnabled flips a schedule. Enabling recomputes next_fire_at from now, so
// fires missed while disabled are skipped.
func (s *Scheduler) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) (*types.Schedule, error) {
	return s.Update(ctx, id, func(sched *types.Schedule) {
		sched.Enabled = enabled
	})
}

func (s *Scheduler) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	_, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()
	if !ok {
		return orcherr.ErrNotFound
	}
	s.poke()
	return s.repo.Delete(ctx, nil, id)
}

func (s *Scheduler) Get(id uuid.UUID) (*types.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, orcherr.ErrNotFound
	}
	out := *e.sched
	return &out, nil
}

func (s *Scheduler) List() []*types.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Schedule, 0, len(s.entries))
	for _, e := range s.entries {
		cp := *e.sched
		out = append(out, &cp)
	}
	return out
}

// Restore loads persisted schedules at startup. Fires that came due while
// the orchestrator was down are skipped; next_fire_at is recomputed from now.
func (s *Scheduler) Restore(ctx context.Context) error {
	scheds, err := s.repo.List(ctx, nil)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	now := s.clk.Now()

	s.mu.Lock()
	for _, sc := range scheds {
		e, err := validate(sc)
		if err != nil {
			s.log.Warn("Skipping unrestorable schedule", "schedule_id", sc.ID, "error", err)
			continue
		}
		if sc.Enabled {
			sc.NextFireAt = e.nextFire(now)
		} else {
			sc.NextFireAt = nil
		}
		s.entries[sc.ID] = e
	}
	count := len(s.entries)
	s.mu.Unlock()

	for _, sc := range scheds {
		_ = s.repo.UpdateFields(ctx, nil, sc.ID, map[string]interface{}{
			"next_fire_at": sc.NextFireAt,
			"updated_at":   now,
		})
	}
	s.log.Info("Schedules restored", "count", count)
	s.poke()
	return nil
}

// Run sleeps until the earliest next_fire_at, fires everything due, then
// recomputes. A poke re-evaluates immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		wait := s.untilNext()
		var timer *time.Timer
		var fireCh <-chan time.Time
		if wait >= 0 {
			timer = time.NewTimer(wait)
			fireCh = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-s.wake:
			if timer != nil {
				timer.Stop()
			}
			continue
		case <-fireCh:
		}
		s.FireDue(ctx)
	}
}

// untilNext returns the sleep until the earliest due schedule, or -1 when
// nothing is armed.
func (s *Scheduler) untilNext() time.Duration {
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var earliest *time.Time
	for _, e := range s.entries {
		if !e.sched.Enabled || e.sched.NextFireAt == nil {
			continue
		}
		if earliest == nil || e.sched.NextFireAt.Before(*earliest) {
			earliest = e.sched.NextFireAt
		}
	}
	if earliest == nil {
		return -1
	}
	d := earliest.Sub(now)
	if d < 0 {
		d = 0
	}
	return d
}

// FireDue fires every enabled schedule whose next_fire_at has passed, exactly
// once per call regardless of how late it is. Exposed for tests.
func (s *Scheduler) FireDue(ctx context.Context) int {
	now := s.clk.Now()

	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if e.sched.Enabled && e.sched.NextFireAt != nil && !e.sched.NextFireAt.After(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	fired := 0
	for _, e := range due {
		sc := e.sched
		if err := s.fire(ctx, sc); err != nil {
			if _, dup := orcherr.IsDuplicate(err); dup {
				s.log.Info("Scheduled fire deduplicated", "schedule_id", sc.ID)
			} else {
				s.log.Error("Scheduled fire failed", "schedule_id", sc.ID, "workflow_id", sc.WorkflowID, "error", err)
				// push next_fire_at out so Run does not spin on a failing
				// fire; the retry keeps the original cadence on success
				s.mu.Lock()
				retryAt := now.Add(fireRetryDelay)
				sc.NextFireAt = &retryAt
				s.mu.Unlock()
				continue
			}
		}
		fired++

		s.mu.Lock()
		last := now
		sc.LastFireAt = &last
		sc.RunCount++
		if sc.Frequency == types.FrequencyOnce {
			sc.Enabled = false
			sc.NextFireAt = nil
		} else {
			sc.NextFireAt = e.nextFire(now)
		}
		updates := map[string]interface{}{
			"last_fire_at": sc.LastFireAt,
			"run_count":    sc.RunCount,
			"next_fire_at": sc.NextFireAt,
			"enabled":      sc.Enabled,
			"updated_at":   now,
		}
		id := sc.ID
		s.mu.Unlock()

		if err := s.repo.UpdateFields(ctx, nil, id, updates); err != nil {
			s.log.Error("Persisting schedule fire failed", "schedule_id", id, "error", err)
		}
	}
	return fired
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
