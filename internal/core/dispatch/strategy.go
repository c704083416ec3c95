package dispatch

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/botfleet/orchestrator/internal/core/fleet"
	"github.com/botfleet/orchestrator/internal/types"
)

// Strategy picks one robot out of the eligible set for a job. Returning
// ok=false means no pick could be made even though candidates exist.
type Strategy interface {
	Name() string
	Select(job *types.Job, eligible []fleet.RobotView) (fleet.RobotView, bool)
}

func New(name string) Strategy {
	switch name {
	case "round_robin":
		return NewRoundRobin()
	case "random":
		return NewRandom()
	case "affinity":
		return NewAffinity(NewLeastLoaded())
	default:
		return NewLeastLoaded()
	}
}

// sortViews gives strategies a deterministic base ordering by robot id.
func sortViews(views []fleet.RobotView) {
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
}

// RoundRobin cycles through the eligible set with a per-pool cursor, so
// restricted workflows rotate independently of the general fleet.
type RoundRobin struct {
	mu      sync.Mutex
	cursors map[string]int
	poolOf  func(workflowID string) string
}

func NewRoundRobin() *RoundRobin {
	return &RoundRobin{cursors: make(map[string]int)}
}

// SetPoolResolver wires the fleet's workflow-to-pool lookup. Optional; the
// zero resolver keeps a single global cursor.
func (s *RoundRobin) SetPoolResolver(fn func(workflowID string) string) {
	s.poolOf = fn
}

func (s *RoundRobin) Name() string { return "round_robin" }

func (s *RoundRobin) Select(job *types.Job, eligible []fleet.RobotView) (fleet.RobotView, bool) {
	if len(eligible) == 0 {
		return fleet.RobotView{}, false
	}
	sortViews(eligible)

	key := ""
	if s.poolOf != nil {
		key = s.poolOf(job.WorkflowID)
	}
	s.mu.Lock()
	idx := s.cursors[key] % len(eligible)
	s.cursors[key] = idx + 1
	s.mu.Unlock()
	return eligible[idx], true
}

// LeastLoaded picks the robot with the most spare capacity; ties break on
// most recent heartbeat, then lowest id.
type LeastLoaded struct{}

func NewLeastLoaded() *LeastLoaded { return &LeastLoaded{} }

func (s *LeastLoaded) Name() string { return "least_loaded" }

func (s *LeastLoaded) Select(_ *types.Job, eligible []fleet.RobotView) (fleet.RobotView, bool) {
	if len(eligible) == 0 {
		return fleet.RobotView{}, false
	}
	best := eligible[0]
	for _, v := range eligible[1:] {
		if better(v, best) {
			best = v
		}
	}
	return best, true
}

func better(a, b fleet.RobotView) bool {
	if a.Spare() != b.Spare() {
		return a.Spare() > b.Spare()
	}
	if !a.LastHeartbeatAt.Equal(b.LastHeartbeatAt) {
		return a.LastHeartbeatAt.After(b.LastHeartbeatAt)
	}
	return a.ID < b.ID
}

// Random picks uniformly among the eligible robots.
type Random struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandom() *Random {
	return &Random{rng: rand.New(rand.NewSource(rand.Int63()))}
}

func (s *Random) Name() string { return "random" }

func (s *Random) Select(_ *types.Job, eligible []fleet.RobotView) (fleet.RobotView, bool) {
	if len(eligible) == 0 {
		return fleet.RobotView{}, false
	}
	s.mu.Lock()
	idx := s.rng.Intn(len(eligible))
	s.mu.Unlock()
	return eligible[idx], true
}

// Affinity prefers the eligible robot with the best success history for the
// job's workflow, falling back to the wrapped strategy when no history
// exists.
type Affinity struct {
	mu       sync.Mutex
	history  map[affinityKey]*affinityStats
	fallback Strategy
}

type affinityKey struct {
	workflowID string
	robotID    string
}

type affinityStats struct {
	successes int
	total     int
}

func NewAffinity(fallback Strategy) *Affinity {
	if fallback == nil {
		fallback = NewLeastLoaded()
	}
	return &Affinity{
		history:  make(map[affinityKey]*affinityStats),
		fallback: fallback,
	}
}

func (s *Affinity) Name() string { return "affinity" }

// Observe feeds one terminal outcome into the history.
func (s *Affinity) Observe(workflowID, robotID string, success bool) {
	if workflowID == "" || robotID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := affinityKey{workflowID: workflowID, robotID: robotID}
	st := s.history[key]
	if st == nil {
		st = &affinityStats{}
		s.history[key] = st
	}
	st.total++
	if success {
		st.successes++
	}
}

func (s *Affinity) Select(job *types.Job, eligible []fleet.RobotView) (fleet.RobotView, bool) {
	if len(eligible) == 0 {
		return fleet.RobotView{}, false
	}
	sortViews(eligible)

	s.mu.Lock()
	var best fleet.RobotView
	bestRate := -1.0
	for _, v := range eligible {
		st := s.history[affinityKey{workflowID: job.WorkflowID, robotID: v.ID}]
		// history without a single success is no affinity at all
		if st == nil || st.successes == 0 {
			continue
		}
		rate := float64(st.successes) / float64(st.total)
		if rate > bestRate {
			bestRate = rate
			best = v
		}
	}
	s.mu.Unlock()

	if bestRate < 0 {
		return s.fallback.Select(job, eligible)
	}
	return best, true
}
