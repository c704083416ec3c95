package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/botfleet/orchestrator/internal/clock"
	"github.com/botfleet/orchestrator/internal/config"
	"github.com/botfleet/orchestrator/internal/core/engine"
	"github.com/botfleet/orchestrator/internal/core/fleet"
	"github.com/botfleet/orchestrator/internal/core/queue"
	"github.com/botfleet/orchestrator/internal/core/results"
	"github.com/botfleet/orchestrator/internal/events"
	"github.com/botfleet/orchestrator/internal/logger"
	"github.com/botfleet/orchestrator/internal/observability"
	"github.com/botfleet/orchestrator/internal/repos"
	"github.com/botfleet/orchestrator/internal/types"
	"github.com/botfleet/orchestrator/internal/wire"
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

// newTestStack wires a real engine over sqlite and binds the hub on a random
// port. The dispatcher is driven by hand via Pass, so nothing fires on timers.
func newTestStack(t *testing.T) (*engine.Engine, *Hub) {
	t.Helper()
	log := mustTestLogger(t)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		t.Fatalf("gorm.Open: %v", err)
	}
	err = gdb.AutoMigrate(
		&types.Job{}, &types.Robot{}, &types.RobotPool{},
		&types.Schedule{}, &types.Trigger{}, &types.JobResult{},
	)
	if err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}

	clk := clock.System()
	cfg := config.Config{
		LoadBalancingStrategy: "least_loaded",
		DispatchInterval:      time.Second,
		TimeoutCheckInterval:  time.Second,
		FleetSweepInterval:    time.Second,
		StaleRobotTimeout:     time.Minute,
		DefaultJobTimeout:     10 * time.Minute,
		DedupWindow:           5 * time.Minute,
		CancelGrace:           30 * time.Second,
		HeartbeatInterval:     10 * time.Second,
		MaxQueueDepth:         1000,
		OutboundQueueSize:     64,
		StatsWindowSize:       100,
	}

	jobRepo := repos.NewJobRepo(gdb, log)
	robotRepo := repos.NewRobotRepo(gdb, log)
	poolRepo := repos.NewPoolRepo(gdb, log)

	eng := engine.New(engine.Deps{
		Log:      log,
		Cfg:      cfg,
		Clk:      clk,
		Queue:    queue.New(log, jobRepo, clk, cfg.DedupWindow, cfg.MaxQueueDepth),
		Fleet:    fleet.NewManager(log, robotRepo, poolRepo, clk, cfg.StaleRobotTimeout),
		Results:  results.NewCollector(log, repos.NewResultRepo(gdb, log), clk, cfg.StatsWindowSize, cfg.LogTailLimit),
		JobRepo:  jobRepo,
		Hub:      events.NewHub(log),
		Metrics:  observability.NewMetrics(),
		SchRepo:  repos.NewScheduleRepo(gdb, log),
		TrigRepo: repos.NewTriggerRepo(gdb, log),
	})

	hub := NewHub(log, eng, cfg.OutboundQueueSize)
	eng.SetTransport(hub)
	if err := hub.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		hub.Shutdown()
		<-done
	})
	return eng, hub
}

// scriptedRobot plays the robot side of the protocol over a real connection.
type scriptedRobot struct {
	t    *testing.T
	conn net.Conn
	enc  *wire.Encoder
	dec  *wire.Decoder
}

func dialRobot(t *testing.T, hub *Hub) *scriptedRobot {
	t.Helper()
	conn, err := net.Dial("tcp", hub.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &scriptedRobot{t: t, conn: conn, enc: wire.NewEncoder(conn), dec: wire.NewDecoder(conn)}
}

func (r *scriptedRobot) send(msgType string, payload any) wire.Frame {
	r.t.Helper()
	f, err := wire.NewFrame(msgType, payload)
	if err != nil {
		r.t.Fatalf("NewFrame %s: %v", msgType, err)
	}
	if err := r.enc.Encode(f); err != nil {
		r.t.Fatalf("Encode %s: %v", msgType, err)
	}
	return f
}

// expect reads frames until one of the wanted type arrives. Other frames on
// the stream are discarded.
func (r *scriptedRobot) expect(msgType string) wire.Frame {
	r.t.Helper()
	_ = r.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	defer r.conn.SetReadDeadline(time.Time{})
	for {
		f, err := r.dec.Decode()
		if err != nil {
			r.t.Fatalf("waiting for %s: %v", msgType, err)
		}
		if f.Type == msgType {
			return f
		}
	}
}

func (r *scriptedRobot) register(robotID string, slots int) {
	r.t.Helper()
	req := r.send(wire.TypeRegister, wire.RegisterPayload{
		RobotID:           robotID,
		Name:              robotID,
		Environment:       "test",
		Tags:              []string{"windows"},
		Capabilities:      []string{"browser"},
		MaxConcurrentJobs: slots,
	})
	ack := r.expect(wire.TypeRegisterAck)
	if ack.CorrelationID == nil || *ack.CorrelationID != req.ID {
		r.t.Fatalf("register ack correlation: want=%s got=%v", req.ID, ack.CorrelationID)
	}
	var p wire.RegisterAckPayload
	if err := ack.DecodePayload(&p); err != nil {
		r.t.Fatalf("DecodePayload: %v", err)
	}
	if p.RobotID != robotID || p.HeartbeatIntervalSeconds != 10 {
		r.t.Fatalf("register ack payload: %+v", p)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func submitJob(t *testing.T, eng *engine.Engine, workflowID string) *types.Job {
	t.Helper()
	job, err := eng.SubmitJob(context.Background(), engine.SubmitRequest{
		WorkflowID:       workflowID,
		WorkflowDocument: json.RawMessage(`{"nodes":[]}`),
		TimeoutSeconds:   600,
		DisableDedup:     true,
	})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	return job
}

func TestSessionLifecycleAssignCompleteExactlyOnce(t *testing.T) {
	eng, hub := newTestStack(t)
	ctx := context.Background()

	robot := dialRobot(t, hub)
	robot.register("robot-1", 2)
	if !hub.Connected("robot-1") {
		t.Fatalf("robot should be connected after register")
	}

	hb := robot.send(wire.TypeHeartbeat, wire.HeartbeatPayload{RobotID: "robot-1"})
	ack := robot.expect(wire.TypeHeartbeatAck)
	if ack.CorrelationID == nil || *ack.CorrelationID != hb.ID {
		t.Fatalf("heartbeat ack correlation: want=%s got=%v", hb.ID, ack.CorrelationID)
	}

	job := submitJob(t, eng, "wf-session")
	if n := eng.Dispatcher().Pass(ctx); n != 1 {
		t.Fatalf("dispatch pass: want=1 got=%d", n)
	}

	assign := robot.expect(wire.TypeJobAssign)
	var ap wire.JobAssignPayload
	if err := assign.DecodePayload(&ap); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if ap.JobID != job.ID || ap.WorkflowID != "wf-session" || ap.TimeoutSeconds != 600 {
		t.Fatalf("assign payload: %+v", ap)
	}

	robot.send(wire.TypeJobAccept, wire.JobAcceptPayload{JobID: job.ID})
	robot.send(wire.TypeJobComplete, wire.JobCompletePayload{
		JobID:  job.ID,
		Result: json.RawMessage(`{"rows":42}`),
	})
	waitFor(t, "job completion", func() bool {
		got, err := eng.GetJob(ctx, job.ID)
		return err == nil && got.Status == types.JobCompleted
	})

	res, err := eng.Results().GetByJobID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByJobID: %v", err)
	}
	if res.TerminalStatus != types.JobCompleted || res.RobotID != "robot-1" {
		t.Fatalf("result row: %+v", res)
	}

	// A replayed or contradicting terminal report changes nothing.
	robot.send(wire.TypeJobFailed, wire.JobFailedPayload{JobID: job.ID, Error: "late report"})
	robot.send(wire.TypeHeartbeat, wire.HeartbeatPayload{RobotID: "robot-1"})
	robot.expect(wire.TypeHeartbeatAck)
	got, err := eng.GetJob(ctx, job.ID)
	if err != nil || got.Status != types.JobCompleted {
		t.Fatalf("replay must not move a terminal job: %v %v", got, err)
	}

	view, ok := eng.GetRobot("robot-1")
	if !ok || view.CurrentJobs != 0 {
		t.Fatalf("slot not released: ok=%v jobs=%d", ok, view.CurrentJobs)
	}
}

func TestRobotFailureAttributionRecorded(t *testing.T) {
	eng, hub := newTestStack(t)
	ctx := context.Background()

	robot := dialRobot(t, hub)
	robot.register("robot-1", 1)

	job := submitJob(t, eng, "wf-fail")
	if n := eng.Dispatcher().Pass(ctx); n != 1 {
		t.Fatalf("dispatch pass: want=1 got=%d", n)
	}
	robot.expect(wire.TypeJobAssign)

	// The accept lands as a timestamp, not just a log line.
	robot.send(wire.TypeJobAccept, wire.JobAcceptPayload{JobID: job.ID})
	waitFor(t, "acceptance stamped", func() bool {
		got, err := eng.GetJob(ctx, job.ID)
		return err == nil && got.AcceptedAt != nil
	})

	robot.send(wire.TypeJobFailed, wire.JobFailedPayload{
		JobID:      job.ID,
		Error:      "selector did not resolve",
		ErrorType:  "element_not_found",
		StackTrace: "at node-click\nat workflow-main",
		FailedNode: "node-click",
	})
	waitFor(t, "job failure", func() bool {
		got, err := eng.GetJob(ctx, job.ID)
		return err == nil && got.Status == types.JobFailed
	})

	// The robot-reported kind and trace survive onto the result row.
	res, err := eng.Results().GetByJobID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByJobID: %v", err)
	}
	if res.ErrorType != "element_not_found" {
		t.Fatalf("error type: want=element_not_found got=%q", res.ErrorType)
	}
	if res.StackTrace != "at node-click\nat workflow-main" {
		t.Fatalf("stack trace: got=%q", res.StackTrace)
	}
	if res.FailedNode != "node-click" {
		t.Fatalf("failed node: want=node-click got=%q", res.FailedNode)
	}
}

func TestDisconnectRequeuesHeldJobs(t *testing.T) {
	eng, hub := newTestStack(t)
	ctx := context.Background()

	robot := dialRobot(t, hub)
	robot.register("robot-1", 1)

	job := submitJob(t, eng, "wf-requeue")
	if n := eng.Dispatcher().Pass(ctx); n != 1 {
		t.Fatalf("dispatch pass: want=1 got=%d", n)
	}
	robot.expect(wire.TypeJobAssign)

	// Connection death mid-run: the job goes back to the queue with a retry
	// accounted, and the robot drops offline.
	_ = robot.conn.Close()
	waitFor(t, "robot offline", func() bool {
		view, ok := eng.GetRobot("robot-1")
		return ok && view.Status == types.RobotOffline
	})
	waitFor(t, "job requeued", func() bool {
		got, err := eng.GetJob(ctx, job.ID)
		return err == nil && got.Status == types.JobQueued
	})

	// A reconnect picks the job up again.
	again := dialRobot(t, hub)
	again.register("robot-1", 1)
	if n := eng.Dispatcher().Pass(ctx); n != 1 {
		t.Fatalf("redispatch pass: want=1 got=%d", n)
	}
	assign := again.expect(wire.TypeJobAssign)
	var ap wire.JobAssignPayload
	if err := assign.DecodePayload(&ap); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if ap.JobID != job.ID {
		t.Fatalf("redelivered job: want=%s got=%s", job.ID, ap.JobID)
	}
	if ap.RetryCount != 1 {
		t.Fatalf("retry count after robot loss: want=1 got=%d", ap.RetryCount)
	}
}

func TestReconnectReplacesSession(t *testing.T) {
	eng, hub := newTestStack(t)

	first := dialRobot(t, hub)
	first.register("robot-1", 1)

	second := dialRobot(t, hub)
	second.register("robot-1", 1)

	// The old connection is closed without signalling robot loss.
	_ = first.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := first.dec.Decode(); err == nil {
		t.Fatalf("replaced session should be closed")
	}
	if !hub.Connected("robot-1") {
		t.Fatalf("robot should stay connected through the new session")
	}

	second.send(wire.TypeHeartbeat, wire.HeartbeatPayload{RobotID: "robot-1"})
	second.expect(wire.TypeHeartbeatAck)
	view, ok := eng.GetRobot("robot-1")
	if !ok || view.Status == types.RobotOffline {
		t.Fatalf("robot view after reconnect: ok=%v status=%s", ok, view.Status)
	}
}

func TestFirstFrameMustBeRegister(t *testing.T) {
	_, hub := newTestStack(t)

	robot := dialRobot(t, hub)
	robot.send(wire.TypeHeartbeat, wire.HeartbeatPayload{RobotID: "robot-1"})

	_ = robot.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := robot.dec.Decode(); err == nil {
		t.Fatalf("unregistered connection should be dropped")
	}
	if hub.Connected("robot-1") {
		t.Fatalf("robot must not be registered")
	}
}

func TestExplicitDisconnectFrame(t *testing.T) {
	eng, hub := newTestStack(t)

	robot := dialRobot(t, hub)
	robot.register("robot-1", 1)
	robot.send(wire.TypeDisconnect, wire.DisconnectPayload{RobotID: "robot-1", Reason: "maintenance"})

	waitFor(t, "session teardown", func() bool { return !hub.Connected("robot-1") })
	waitFor(t, "robot offline", func() bool {
		view, ok := eng.GetRobot("robot-1")
		return ok && view.Status == types.RobotOffline
	})
}
