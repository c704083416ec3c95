package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/botfleet/orchestrator/internal/clock"
	"github.com/botfleet/orchestrator/internal/core/orcherr"
	"github.com/botfleet/orchestrator/internal/logger"
	"github.com/botfleet/orchestrator/internal/repos"
	"github.com/botfleet/orchestrator/internal/types"
)

const (
	defaultDebounce     = 2 * time.Second
	defaultEmailPoll    = 30 * time.Second
	seenMessageCapacity = 4096
)

// Submitter turns a trigger firing into a job submission. Implemented by the
// engine; a dedup hit comes back as a DuplicateJobError.
type Submitter func(ctx context.Context, trig *types.Trigger, params map[string]any) error

// EmailMessage is one inbound mail as seen by an Inbox.
type EmailMessage struct {
	ID         string
	From       string
	Subject    string
	Body       string
	ReceivedAt time.Time
}

// Inbox abstracts the mail source an EMAIL trigger polls. Production wires an
// IMAP-backed implementation; tests use an in-memory one.
type Inbox interface {
	Poll(ctx context.Context, folder string) ([]EmailMessage, error)
}

// SchedulePlanner is the scheduler seam a SCHEDULED trigger delegates to:
// one schedule per trigger, keyed by the trigger id. Implemented by the
// engine.
type SchedulePlanner interface {
	CreateFor(ctx context.Context, trig *types.Trigger, cfg ScheduleConfig) error
	SetEnabledFor(ctx context.Context, triggerID uuid.UUID, enabled bool) error
	DeleteFor(ctx context.Context, triggerID uuid.UUID) error
}

// WebhookConfig, FileConfig, EmailConfig and ScheduleConfig are the per-type
// shapes stored in Trigger.Config.
type WebhookConfig struct {
	Path   string `json:"path"`
	Secret string `json:"secret,omitempty"`
}

type FileConfig struct {
	Path            string `json:"path"`
	Pattern         string `json:"pattern,omitempty"`
	DebounceSeconds int    `json:"debounce_seconds,omitempty"`
}

type EmailConfig struct {
	Folder        string `json:"folder,omitempty"`
	PollSeconds   int    `json:"poll_seconds,omitempty"`
	FromFilter    string `json:"from_filter,omitempty"`
	SubjectFilter string `json:"subject_filter,omitempty"`
}

type ScheduleConfig struct {
	Frequency       string          `json:"frequency"`
	FireAt          *time.Time      `json:"fire_at,omitempty"`
	IntervalSeconds int             `json:"interval_seconds,omitempty"`
	CronExpression  string          `json:"cron_expression,omitempty"`
	Timezone        string          `json:"timezone,omitempty"`
	TargetRobotID   string          `json:"target_robot_id,omitempty"`
	Parameters      json.RawMessage `json:"parameters,omitempty"`
}

type trigState struct {
	trig     *types.Trigger
	webhook  *WebhookConfig
	file     *FileConfig
	email    *EmailConfig
	schedule *ScheduleConfig

	debounce      *time.Timer
	pendingEvents []map[string]any
	seenMsgs      map[string]struct{}
	seenOrder     []string
	lastPoll      time.Time
}

// Manager owns the trigger registry and the external event sources behind it:
// webhook path routing, filesystem watches and inbox polling. A scheduled
// trigger delegates to one schedule keyed by the trigger id; the scheduler
// fires those.
type Manager struct {
	mu     sync.Mutex
	log    *logger.Logger
	repo   repos.TriggerRepo
	clk    clock.Clock
	submit  Submitter
	inbox   Inbox
	planner SchedulePlanner

	triggers  map[uuid.UUID]*trigState
	byPath    map[string]uuid.UUID // webhook path -> trigger
	watcher   *fsnotify.Watcher
	watchRefs map[string]int // directory -> watching trigger count
}

func NewManager(log *logger.Logger, repo repos.TriggerRepo, clk clock.Clock, submit Submitter, inbox Inbox) *Manager {
	return &Manager{
		log:       log.With("component", "TriggerManager"),
		repo:      repo,
		clk:       clk,
		submit:    submit,
		inbox:     inbox,
		triggers:  make(map[uuid.UUID]*trigState),
		byPath:    make(map[string]uuid.UUID),
		watchRefs: make(map[string]int),
	}
}

// SetPlanner wires the scheduler seam during startup, before any scheduled
// trigger can be created or restored.
func (m *Manager) SetPlanner(p SchedulePlanner) { m.planner = p }

func parseState(trig *types.Trigger) (*trigState, error) {
	if !trig.Type.Valid() {
		return nil, fmt.Errorf("unknown trigger type %q: %w", trig.Type, orcherr.ErrInvalidConfig)
	}
	st := &trigState{trig: trig}
	switch trig.Type {
	case types.TriggerWebhook:
		var cfg WebhookConfig
		if err := json.Unmarshal(trig.Config, &cfg); err != nil || cfg.Path == "" {
			return nil, fmt.Errorf("webhook trigger needs a path: %w", orcherr.ErrInvalidConfig)
		}
		if !strings.HasPrefix(cfg.Path, "/") {
			cfg.Path = "/" + cfg.Path
		}
		st.webhook = &cfg
	case types.TriggerFile:
		var cfg FileConfig
		if err := json.Unmarshal(trig.Config, &cfg); err != nil || cfg.Path == "" {
			return nil, fmt.Errorf("file trigger needs a path: %w", orcherr.ErrInvalidConfig)
		}
		st.file = &cfg
	case types.TriggerEmail:
		var cfg EmailConfig
		if len(trig.Config) > 0 {
			if err := json.Unmarshal(trig.Config, &cfg); err != nil {
				return nil, fmt.Errorf("email trigger config: %w", orcherr.ErrInvalidConfig)
			}
		}
		st.email = &cfg
		st.seenMsgs = make(map[string]struct{})
	case types.TriggerScheduled:
		var cfg ScheduleConfig
		if err := json.Unmarshal(trig.Config, &cfg); err != nil || cfg.Frequency == "" {
			return nil, fmt.Errorf("scheduled trigger needs a frequency: %w", orcherr.ErrInvalidConfig)
		}
		st.schedule = &cfg
	}
	return st, nil
}

// Create registers and persists a trigger.
func (m *Manager) Create(ctx context.Context, trig *types.Trigger) (*types.Trigger, error) {
	if trig.WorkflowID == "" {
		return nil, fmt.Errorf("workflow_id required: %w", orcherr.ErrInvalidWorkflow)
	}
	if !trig.Priority.Valid() {
		trig.Priority = types.PriorityNormal
	}
	if trig.ID == uuid.Nil {
		trig.ID = uuid.New()
	}
	now := m.clk.Now()
	trig.CreatedAt = now
	trig.UpdatedAt = now

	st, err := parseState(trig)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if st.webhook != nil {
		if _, taken := m.byPath[st.webhook.Path]; taken {
			m.mu.Unlock()
			return nil, fmt.Errorf("webhook path %q already bound: %w", st.webhook.Path, orcherr.ErrConflict)
		}
	}
	m.triggers[trig.ID] = st
	if st.webhook != nil {
		m.byPath[st.webhook.Path] = trig.ID
	}
	m.mu.Unlock()

	if st.schedule != nil {
		err := fmt.Errorf("no scheduler attached: %w", orcherr.ErrInvalidConfig)
		if m.planner != nil {
			err = m.planner.CreateFor(ctx, trig, *st.schedule)
		}
		if err != nil {
			m.mu.Lock()
			delete(m.triggers, trig.ID)
			m.mu.Unlock()
			return nil, fmt.Errorf("bind schedule: %w", err)
		}
	}

	if err := m.repo.Create(ctx, nil, trig); err != nil {
		m.mu.Lock()
		delete(m.triggers, trig.ID)
		if st.webhook != nil {
			delete(m.byPath, st.webhook.Path)
		}
		m.mu.Unlock()
		if st.schedule != nil && m.planner != nil {
			_ = m.planner.DeleteFor(ctx, trig.ID)
		}
		return nil, fmt.Errorf("persist trigger: %w", err)
	}

	if st.file != nil && trig.Enabled {
		m.addWatch(st)
	}
	m.log.Info("Trigger created", "trigger_id", trig.ID, "type", trig.Type, "workflow_id", trig.WorkflowID)
	out := *trig
	return &out, nil
}

func (m *Manager) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	st, ok := m.triggers[id]
	if !ok {
		m.mu.Unlock()
		return orcherr.ErrNotFound
	}
	delete(m.triggers, id)
	if st.webhook != nil {
		delete(m.byPath, st.webhook.Path)
	}
	if st.debounce != nil {
		st.debounce.Stop()
	}
	m.mu.Unlock()

	if st.file != nil {
		m.dropWatch(st)
	}
	if st.schedule != nil && m.planner != nil {
		if err := m.planner.DeleteFor(ctx, id); err != nil && !errors.Is(err, orcherr.ErrNotFound) {
			m.log.Warn("Deleting delegated schedule failed", "trigger_id", id, "error", err)
		}
	}
	return m.repo.Delete(ctx, nil, id)
}

// SetEnabled flips a trigger; a disabled trigger's events are dropped.
func (m *Manager) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) (*types.Trigger, error) {
	now := m.clk.Now()

	m.mu.Lock()
	st, ok := m.triggers[id]
	if !ok {
		m.mu.Unlock()
		return nil, orcherr.ErrNotFound
	}
	was := st.trig.Enabled
	st.trig.Enabled = enabled
	st.trig.UpdatedAt = now
	out := *st.trig
	m.mu.Unlock()

	if st.file != nil && was != enabled {
		if enabled {
			m.addWatch(st)
		} else {
			m.dropWatch(st)
		}
	}
	if st.schedule != nil && m.planner != nil && was != enabled {
		if err := m.planner.SetEnabledFor(ctx, id, enabled); err != nil {
			m.log.Warn("Toggling delegated schedule failed", "trigger_id", id, "error", err)
		}
	}

	if err := m.repo.UpdateFields(ctx, nil, id, map[string]interface{}{
		"enabled":    enabled,
		"updated_at": now,
	}); err != nil {
		return nil, err
	}
	return &out, nil
}

func (m *Manager) Get(id uuid.UUID) (*types.Trigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.triggers[id]
	if !ok {
		return nil, orcherr.ErrNotFound
	}
	out := *st.trig
	return &out, nil
}

func (m *Manager) List() []*types.Trigger {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Trigger, 0, len(m.triggers))
	for _, st := range m.triggers {
		cp := *st.trig
		out = append(out, &cp)
	}
	return out
}

// Restore loads persisted triggers at startup.
func (m *Manager) Restore(ctx context.Context) error {
	trigs, err := m.repo.List(ctx, nil)
	if err != nil {
		return fmt.Errorf("load triggers: %w", err)
	}
	for _, trig := range trigs {
		st, err := parseState(trig)
		if err != nil {
			m.log.Warn("Skipping unrestorable trigger", "trigger_id", trig.ID, "error", err)
			continue
		}
		m.mu.Lock()
		m.triggers[trig.ID] = st
		if st.webhook != nil {
			m.byPath[st.webhook.Path] = trig.ID
		}
		m.mu.Unlock()
		if st.file != nil && trig.Enabled {
			m.addWatch(st)
		}
	}
	m.log.Info("Triggers restored", "count", len(trigs))
	return nil
}

// Fire drives a manual, form, chat or workflow_call trigger from the API.
func (m *Manager) Fire(ctx context.Context, id uuid.UUID, params map[string]any) error {
	m.mu.Lock()
	st, ok := m.triggers[id]
	if !ok {
		m.mu.Unlock()
		return orcherr.ErrNotFound
	}
	if !st.trig.Enabled {
		m.mu.Unlock()
		return fmt.Errorf("trigger %s disabled: %w", id, orcherr.ErrConflict)
	}
	trig := *st.trig
	m.mu.Unlock()

	return m.fire(ctx, &trig, params)
}

// FireWebhook routes an inbound hook request by path. The secret, when
// configured, must match.
func (m *Manager) FireWebhook(ctx context.Context, path, secret string, params map[string]any) error {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	m.mu.Lock()
	id, ok := m.byPath[path]
	if !ok {
		m.mu.Unlock()
		return orcherr.ErrNotFound
	}
	st := m.triggers[id]
	if !st.trig.Enabled {
		m.mu.Unlock()
		return fmt.Errorf("trigger %s disabled: %w", id, orcherr.ErrConflict)
	}
	if st.webhook.Secret != "" && st.webhook.Secret != secret {
		m.mu.Unlock()
		return fmt.Errorf("webhook secret mismatch: %w", orcherr.ErrConflict)
	}
	trig := *st.trig
	m.mu.Unlock()

	return m.fire(ctx, &trig, params)
}

// fire submits and, only when the job was actually enqueued, bumps the fire
// bookkeeping. A dedup hit counts as not fired.
func (m *Manager) fire(ctx context.Context, trig *types.Trigger, params map[string]any) error {
	err := m.submit(ctx, trig, params)
	if err != nil {
		return err
	}
	now := m.clk.Now()

	count := trig.FireCount + 1
	m.mu.Lock()
	if st, ok := m.triggers[trig.ID]; ok {
		st.trig.FireCount++
		count = st.trig.FireCount
		last := now
		st.trig.LastFireAt = &last
		st.trig.UpdatedAt = now
	}
	m.mu.Unlock()

	if uerr := m.repo.UpdateFields(ctx, nil, trig.ID, map[string]interface{}{
		"fire_count":   count,
		"last_fire_at": now,
		"updated_at":   now,
	}); uerr != nil {
		m.log.Warn("Persisting trigger fire failed", "trigger_id", trig.ID, "error", uerr)
	}
	return nil
}

// Run pumps filesystem events and polls inboxes until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	pollTicker := time.NewTicker(5 * time.Second)
	defer pollTicker.Stop()

	var fsEvents chan fsnotify.Event
	var fsErrors chan error
	m.mu.Lock()
	if m.watcher != nil {
		fsEvents = m.watcher.Events
		fsErrors = m.watcher.Errors
	}
	m.mu.Unlock()

	for {
		// the watcher is created lazily on the first file trigger
		if fsEvents == nil {
			m.mu.Lock()
			if m.watcher != nil {
				fsEvents = m.watcher.Events
				fsErrors = m.watcher.Errors
			}
			m.mu.Unlock()
		}
		select {
		case <-ctx.Done():
			m.mu.Lock()
			if m.watcher != nil {
				_ = m.watcher.Close()
			}
			m.mu.Unlock()
			return ctx.Err()
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			m.handleFSEvent(ctx, ev)
		case err, ok := <-fsErrors:
			if ok && err != nil {
				m.log.Warn("Filesystem watcher error", "error", err)
			}
			if !ok {
				fsErrors = nil
			}
		case <-pollTicker.C:
			m.pollInboxes(ctx)
		}
	}
}

func (m *Manager) addWatch(st *trigState) {
	dir := filepath.Clean(st.file.Path)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			m.log.Error("Creating filesystem watcher failed", "error", err)
			return
		}
		m.watcher = w
	}
	if m.watchRefs[dir] == 0 {
		if err := m.watcher.Add(dir); err != nil {
			m.log.Error("Watching path failed", "path", dir, "trigger_id", st.trig.ID, "error", err)
			return
		}
	}
	m.watchRefs[dir]++
}

func (m *Manager) dropWatch(st *trigState) {
	dir := filepath.Clean(st.file.Path)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watcher == nil || m.watchRefs[dir] == 0 {
		return
	}
	m.watchRefs[dir]--
	if m.watchRefs[dir] == 0 {
		delete(m.watchRefs, dir)
		_ = m.watcher.Remove(dir)
	}
}

// handleFSEvent attributes an event to the file triggers watching its
// directory and arms their debounce timers. A burst of events inside the
// quiet window collapses to one firing carrying the batch.
func (m *Manager) handleFSEvent(ctx context.Context, ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}
	dir := filepath.Dir(ev.Name)
	base := filepath.Base(ev.Name)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.triggers {
		if st.file == nil || !st.trig.Enabled {
			continue
		}
		if filepath.Clean(st.file.Path) != dir {
			continue
		}
		if st.file.Pattern != "" {
			if ok, _ := filepath.Match(st.file.Pattern, base); !ok {
				continue
			}
		}
		st.pendingEvents = append(st.pendingEvents, map[string]any{
			"path":  ev.Name,
			"event": ev.Op.String(),
		})
		quiet := defaultDebounce
		if st.file.DebounceSeconds > 0 {
			quiet = time.Duration(st.file.DebounceSeconds) * time.Second
		}
		if st.debounce != nil {
			st.debounce.Stop()
		}
		id := st.trig.ID
		st.debounce = time.AfterFunc(quiet, func() {
			m.flushFileTrigger(ctx, id)
		})
	}
}

func (m *Manager) flushFileTrigger(ctx context.Context, id uuid.UUID) {
	m.mu.Lock()
	st, ok := m.triggers[id]
	if !ok || len(st.pendingEvents) == 0 {
		m.mu.Unlock()
		return
	}
	batch := st.pendingEvents
	st.pendingEvents = nil
	trig := *st.trig
	m.mu.Unlock()

	params := map[string]any{
		"trigger_type": string(types.TriggerFile),
		"files":        batch,
	}
	if err := m.fire(ctx, &trig, params); err != nil {
		if _, dup := orcherr.IsDuplicate(err); !dup {
			m.log.Error("File trigger fire failed", "trigger_id", id, "error", err)
		}
	}
}

func (m *Manager) pollInboxes(ctx context.Context) {
	if m.inbox == nil {
		return
	}
	now := m.clk.Now()

	m.mu.Lock()
	var due []*trigState
	for _, st := range m.triggers {
		if st.email == nil || !st.trig.Enabled {
			continue
		}
		every := defaultEmailPoll
		if st.email.PollSeconds > 0 {
			every = time.Duration(st.email.PollSeconds) * time.Second
		}
		if now.Sub(st.lastPoll) >= every {
			st.lastPoll = now
			due = append(due, st)
		}
	}
	m.mu.Unlock()

	for _, st := range due {
		m.pollOne(ctx, st)
	}
}

func (m *Manager) pollOne(ctx context.Context, st *trigState) {
	msgs, err := m.inbox.Poll(ctx, st.email.Folder)
	if err != nil {
		m.log.Warn("Inbox poll failed", "trigger_id", st.trig.ID, "error", err)
		return
	}
	for _, msg := range msgs {
		if st.email.FromFilter != "" && !strings.Contains(msg.From, st.email.FromFilter) {
			continue
		}
		if st.email.SubjectFilter != "" && !strings.Contains(msg.Subject, st.email.SubjectFilter) {
			continue
		}

		m.mu.Lock()
		if _, seen := st.seenMsgs[msg.ID]; seen {
			m.mu.Unlock()
			continue
		}
		st.seenMsgs[msg.ID] = struct{}{}
		st.seenOrder = append(st.seenOrder, msg.ID)
		if len(st.seenOrder) > seenMessageCapacity {
			evict := st.seenOrder[0]
			st.seenOrder = st.seenOrder[1:]
			delete(st.seenMsgs, evict)
		}
		trig := *st.trig
		m.mu.Unlock()

		params := map[string]any{
			"trigger_type": string(types.TriggerEmail),
			"message_id":   msg.ID,
			"from":         msg.From,
			"subject":      msg.Subject,
			"body":         msg.Body,
		}
		if err := m.fire(ctx, &trig, params); err != nil {
			if _, dup := orcherr.IsDuplicate(err); !dup {
				m.log.Error("Email trigger fire failed", "trigger_id", trig.ID, "error", err)
			}
		}
	}
}
