package dispatch

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/botfleet/orchestrator/internal/core/fleet"
	"github.com/botfleet/orchestrator/internal/types"
)

func view(id string, maxJobs, current int, hb time.Time) fleet.RobotView {
	return fleet.RobotView{
		ID:                id,
		Name:              id,
		MaxConcurrentJobs: maxJobs,
		CurrentJobs:       current,
		Status:            types.RobotOnline,
		LastHeartbeatAt:   hb,
	}
}

func testJob(workflowID string) *types.Job {
	return &types.Job{ID: uuid.New(), WorkflowID: workflowID}
}

func TestStrategyFactory(t *testing.T) {
	cases := map[string]string{
		"round_robin": "round_robin",
		"random":      "random",
		"affinity":    "affinity",
		"":            "least_loaded",
		"bogus":       "least_loaded",
	}
	for in, want := range cases {
		if got := New(in).Name(); got != want {
			t.Fatalf("New(%q): want=%s got=%s", in, want, got)
		}
	}
}

func TestRoundRobinRotates(t *testing.T) {
	s := NewRoundRobin()
	hb := time.Now()
	eligible := []fleet.RobotView{view("c", 1, 0, hb), view("a", 1, 0, hb), view("b", 1, 0, hb)}
	job := testJob("wf-1")

	want := []string{"a", "b", "c", "a", "b"}
	for i, w := range want {
		got, ok := s.Select(job, eligible)
		if !ok {
			t.Fatalf("Select %d: expected a pick", i)
		}
		if got.ID != w {
			t.Fatalf("rotation %d: want=%s got=%s", i, w, got.ID)
		}
	}
}

func TestRoundRobinPerPoolCursors(t *testing.T) {
	s := NewRoundRobin()
	s.SetPoolResolver(func(workflowID string) string {
		if workflowID == "wf-pooled" {
			return "finance"
		}
		return ""
	})
	hb := time.Now()
	eligible := []fleet.RobotView{view("a", 1, 0, hb), view("b", 1, 0, hb)}

	// The pooled workflow rotates on its own cursor.
	if got, _ := s.Select(testJob("wf-pooled"), eligible); got.ID != "a" {
		t.Fatalf("pooled first pick: want=a got=%s", got.ID)
	}
	if got, _ := s.Select(testJob("wf-other"), eligible); got.ID != "a" {
		t.Fatalf("general first pick: want=a got=%s", got.ID)
	}
	if got, _ := s.Select(testJob("wf-pooled"), eligible); got.ID != "b" {
		t.Fatalf("pooled second pick: want=b got=%s", got.ID)
	}
}

func TestLeastLoadedPrefersSpareThenHeartbeat(t *testing.T) {
	s := NewLeastLoaded()
	now := time.Now()
	job := testJob("wf-1")

	got, ok := s.Select(job, []fleet.RobotView{
		view("a", 2, 1, now),
		view("b", 4, 1, now),
		view("c", 4, 3, now),
	})
	if !ok || got.ID != "b" {
		t.Fatalf("most spare capacity: want=b got=%s", got.ID)
	}

	// Equal spare: the fresher heartbeat wins.
	got, _ = s.Select(job, []fleet.RobotView{
		view("a", 2, 0, now.Add(-10*time.Second)),
		view("b", 2, 0, now),
	})
	if got.ID != "b" {
		t.Fatalf("fresher heartbeat: want=b got=%s", got.ID)
	}

	// Fully tied: lowest id wins, deterministically.
	got, _ = s.Select(job, []fleet.RobotView{view("b", 2, 0, now), view("a", 2, 0, now)})
	if got.ID != "a" {
		t.Fatalf("id tiebreak: want=a got=%s", got.ID)
	}
}

func TestRandomPicksFromEligible(t *testing.T) {
	s := NewRandom()
	hb := time.Now()
	eligible := []fleet.RobotView{view("a", 1, 0, hb), view("b", 1, 0, hb), view("c", 1, 0, hb)}
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		got, ok := s.Select(testJob("wf-1"), eligible)
		if !ok {
			t.Fatalf("Select: expected a pick")
		}
		seen[got.ID] = true
	}
	if len(seen) < 2 {
		t.Fatalf("random should spread across robots, saw %v", seen)
	}
}

func TestAffinityPrefersHistoryAndFallsBack(t *testing.T) {
	s := NewAffinity(NewLeastLoaded())
	now := time.Now()
	eligible := []fleet.RobotView{
		view("a", 4, 0, now),
		view("b", 2, 1, now),
	}

	// No history: fall back to least-loaded.
	got, ok := s.Select(testJob("wf-1"), eligible)
	if !ok || got.ID != "a" {
		t.Fatalf("fallback pick: want=a got=%s", got.ID)
	}

	// Robot b succeeds where robot a fails; the history should now favor b
	// despite its lower spare capacity.
	s.Observe("wf-1", "b", true)
	s.Observe("wf-1", "b", true)
	s.Observe("wf-1", "a", false)
	got, _ = s.Select(testJob("wf-1"), eligible)
	if got.ID != "b" {
		t.Fatalf("affinity pick: want=b got=%s", got.ID)
	}

	// History is per workflow.
	got, _ = s.Select(testJob("wf-2"), eligible)
	if got.ID != "a" {
		t.Fatalf("other workflow should still fall back: got=%s", got.ID)
	}
}

func TestAffinityIgnoresAllFailedHistory(t *testing.T) {
	s := NewAffinity(NewLeastLoaded())
	now := time.Now()
	eligible := []fleet.RobotView{
		view("a", 4, 0, now),
		view("b", 2, 1, now),
	}

	// Robot b only ever failed this workflow; that is not affinity, so the
	// least-loaded fallback picks robot a.
	s.Observe("wf-1", "b", false)
	s.Observe("wf-1", "b", false)
	s.Observe("wf-1", "b", false)
	got, ok := s.Select(testJob("wf-1"), eligible)
	if !ok || got.ID != "a" {
		t.Fatalf("all-failed history preferred: want=a got=%s", got.ID)
	}

	// One success makes it a candidate again.
	s.Observe("wf-1", "b", true)
	got, _ = s.Select(testJob("wf-1"), eligible)
	if got.ID != "b" {
		t.Fatalf("post-success pick: want=b got=%s", got.ID)
	}
}

func TestStrategiesHandleEmptyEligible(t *testing.T) {
	for _, s := range []Strategy{NewRoundRobin(), NewLeastLoaded(), NewRandom(), NewAffinity(nil)} {
		if _, ok := s.Select(testJob("wf-1"), nil); ok {
			t.Fatalf("%s should report no pick for an empty set", s.Name())
		}
	}
}
