package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/botfleet/orchestrator/internal/clock"
	"github.com/botfleet/orchestrator/internal/config"
	"github.com/botfleet/orchestrator/internal/core/engine"
	"github.com/botfleet/orchestrator/internal/core/fleet"
	"github.com/botfleet/orchestrator/internal/core/queue"
	"github.com/botfleet/orchestrator/internal/core/results"
	"github.com/botfleet/orchestrator/internal/db"
	"github.com/botfleet/orchestrator/internal/events"
	orchttp "github.com/botfleet/orchestrator/internal/http"
	"github.com/botfleet/orchestrator/internal/http/handlers"
	"github.com/botfleet/orchestrator/internal/logger"
	"github.com/botfleet/orchestrator/internal/observability"
	"github.com/botfleet/orchestrator/internal/repos"
	"github.com/botfleet/orchestrator/internal/transport"
	"github.com/botfleet/orchestrator/internal/types"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Config
	log.Info("Loading configuration from main...")
	cfg, err := config.Load(log)
	if err != nil {
		log.Error("Configuration invalid", "error", err)
		os.Exit(1)
	}

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up Repos from main...")
	jobRepo := repos.NewJobRepo(thePG, log)
	robotRepo := repos.NewRobotRepo(thePG, log)
	scheduleRepo := repos.NewScheduleRepo(thePG, log)
	triggerRepo := repos.NewTriggerRepo(thePG, log)
	resultRepo := repos.NewResultRepo(thePG, log)
	poolRepo := repos.NewPoolRepo(thePG, log)

	// Core
	log.Info("Setting up core components from main...")
	clk := clock.System()
	metrics := observability.NewMetrics()
	eventHub := events.NewHub(log)

	var bus events.Bus
	if cfg.RedisAddr != "" {
		bus, err = events.NewRedisBus(log, cfg.RedisAddr, cfg.RedisChannel)
		if err != nil {
			log.Warn("Redis event bus unavailable; running without it", "error", err)
			bus = nil
		}
	}

	jobQueue := queue.New(log, jobRepo, clk, cfg.DedupWindow, cfg.MaxQueueDepth)
	fleetMgr := fleet.NewManager(log, robotRepo, poolRepo, clk, cfg.StaleRobotTimeout)
	collector := results.NewCollector(log, resultRepo, clk, cfg.StatsWindowSize, cfg.LogTailLimit)

	eng := engine.New(engine.Deps{
		Log:      log,
		Cfg:      cfg,
		Clk:      clk,
		Queue:    jobQueue,
		Fleet:    fleetMgr,
		Results:  collector,
		JobRepo:  jobRepo,
		Hub:      eventHub,
		Bus:      bus,
		Metrics:  metrics,
		SchRepo:  scheduleRepo,
		TrigRepo: triggerRepo,
		Inbox:    nil,
	})

	// Robot transport
	hub := transport.NewHub(log, eng, cfg.OutboundQueueSize)
	eng.SetTransport(hub)
	if err := hub.Listen(cfg.RobotAddr); err != nil {
		log.Error("Robot listener failed", "error", err)
		os.Exit(1)
	}

	// Restore persisted state before anything runs
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Restore(ctx, robotRepo, poolRepo); err != nil {
		log.Error("State restore failed", "error", err)
		os.Exit(1)
	}

	// HTTP
	log.Info("Setting up HTTP server from main...")
	server := orchttp.NewServer(orchttp.RouterConfig{
		Log:             log,
		JobHandler:      handlers.NewJobHandler(eng),
		RobotHandler:    handlers.NewRobotHandler(eng),
		ScheduleHandler: handlers.NewScheduleHandler(eng),
		TriggerHandler:  handlers.NewTriggerHandler(eng),
		PoolHandler:     handlers.NewPoolHandler(eng),
		StatsHandler:    handlers.NewStatsHandler(eng),
		EventsHandler:   handlers.NewEventsHandler(log, eventHub),
		HealthHandler:   handlers.NewHealthHandler(),
		MetricsHandler:  metrics.Handler(),
	})

	errCh := make(chan error, 3)
	go func() { errCh <- hub.Serve(ctx) }()
	go func() { errCh <- eng.Run(ctx) }()
	go func() {
		log.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		errCh <- server.Run(cfg.HTTPAddr)
	}()

	// Shutdown sequence: stop intake, let running jobs report until the
	// deadline, then close the robot sessions and the HTTP server.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			log.Error("Component failed", "error", err)
		}
	}

	eng.Drain()
	if n := eng.CancelRunning(ctx); n > 0 {
		log.Info("Cancel requested for running jobs", "count", n)
	}
	drainDeadline := time.After(cfg.GracefulShutdown)
	drainTick := time.NewTicker(500 * time.Millisecond)
drain:
	for {
		select {
		case <-drainDeadline:
			log.Warn("Graceful shutdown deadline reached with jobs still running")
			break drain
		case <-drainTick.C:
			depths := eng.Depths()
			if depths[types.JobRunning] == 0 {
				break drain
			}
		}
	}
	drainTick.Stop()

	if n := eng.ForceCancelRemaining(context.Background()); n > 0 {
		log.Warn("Jobs force-cancelled at shutdown", "count", n)
	}
	hub.Shutdown()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown failed", "error", err)
	}
	if bus != nil {
		_ = bus.Close()
	}
	log.Info("Orchestrator stopped")
}
