package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/botfleet/orchestrator/internal/logger"
	"github.com/botfleet/orchestrator/internal/utils"
)

// Config is the single typed configuration structure for the orchestrator.
// Values come from the environment; an optional YAML file named by
// ORCHESTRATOR_CONFIG overrides whatever it sets explicitly.
type Config struct {
	HTTPAddr      string `yaml:"http_addr"`
	RobotAddr     string `yaml:"robot_addr"`
	LogMode       string `yaml:"log_mode"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisChannel  string `yaml:"redis_channel"`

	DispatchInterval     time.Duration `yaml:"-"`
	TimeoutCheckInterval time.Duration `yaml:"-"`
	FleetSweepInterval   time.Duration `yaml:"-"`
	StaleRobotTimeout    time.Duration `yaml:"-"`
	DefaultJobTimeout    time.Duration `yaml:"-"`
	DedupWindow          time.Duration `yaml:"-"`
	CancelGrace          time.Duration `yaml:"-"`
	GracefulShutdown     time.Duration `yaml:"-"`
	HeartbeatInterval    time.Duration `yaml:"-"`

	LoadBalancingStrategy string `yaml:"load_balancing_strategy"`
	MaxQueueDepth         int    `yaml:"max_queue_depth"`
	OutboundQueueSize     int    `yaml:"outbound_queue_size"`
	StatsWindowSize       int    `yaml:"stats_window_size"`
	LogTailLimit          int    `yaml:"log_tail_limit"`

	// Seconds fields mirror the duration fields for YAML/env round-tripping.
	DispatchIntervalSeconds     int `yaml:"dispatch_interval_seconds"`
	TimeoutCheckIntervalSeconds int `yaml:"timeout_check_interval_seconds"`
	FleetSweepIntervalSeconds   int `yaml:"fleet_sweep_interval_seconds"`
	StaleRobotTimeoutSeconds    int `yaml:"stale_robot_timeout_seconds"`
	DefaultJobTimeoutSeconds    int `yaml:"default_job_timeout_seconds"`
	DedupWindowSeconds          int `yaml:"dedup_window_seconds"`
	CancelGraceSeconds          int `yaml:"cancel_grace_seconds"`
	GracefulShutdownSeconds     int `yaml:"graceful_shutdown_seconds"`
	HeartbeatIntervalSeconds    int `yaml:"heartbeat_interval_seconds"`
}

func Load(log *logger.Logger) (Config, error) {
	cfg := Config{
		HTTPAddr:     utils.GetEnv("HTTP_ADDR", ":8080", log),
		RobotAddr:    utils.GetEnv("ROBOT_ADDR", ":7421", log),
		LogMode:      utils.GetEnv("LOG_MODE", "development", log),
		RedisAddr:    utils.GetEnv("REDIS_ADDR", "", log),
		RedisChannel: utils.GetEnv("REDIS_CHANNEL", "orchestrator-events", log),

		LoadBalancingStrategy: utils.GetEnv("LOAD_BALANCING_STRATEGY", "least_loaded", log),
		MaxQueueDepth:         utils.GetEnvAsInt("MAX_QUEUE_DEPTH", 100000, log),
		OutboundQueueSize:     utils.GetEnvAsInt("OUTBOUND_QUEUE_SIZE", 256, log),
		StatsWindowSize:       utils.GetEnvAsInt("STATS_WINDOW_SIZE", 10000, log),
		LogTailLimit:          utils.GetEnvAsInt("LOG_TAIL_LIMIT", 1000, log),

		DispatchIntervalSeconds:     utils.GetEnvAsInt("DISPATCH_INTERVAL_SECONDS", 5, log),
		TimeoutCheckIntervalSeconds: utils.GetEnvAsInt("TIMEOUT_CHECK_INTERVAL_SECONDS", 30, log),
		FleetSweepIntervalSeconds:   utils.GetEnvAsInt("FLEET_SWEEP_INTERVAL_SECONDS", 10, log),
		StaleRobotTimeoutSeconds:    utils.GetEnvAsInt("STALE_ROBOT_TIMEOUT_SECONDS", 60, log),
		DefaultJobTimeoutSeconds:    utils.GetEnvAsInt("DEFAULT_JOB_TIMEOUT_SECONDS", 3600, log),
		DedupWindowSeconds:          utils.GetEnvAsInt("DEDUP_WINDOW_SECONDS", 300, log),
		CancelGraceSeconds:          utils.GetEnvAsInt("CANCEL_GRACE_SECONDS", 30, log),
		GracefulShutdownSeconds:     utils.GetEnvAsInt("GRACEFUL_SHUTDOWN_SECONDS", 60, log),
		HeartbeatIntervalSeconds:    utils.GetEnvAsInt("HEARTBEAT_INTERVAL_SECONDS", 10, log),
	}

	if path := strings.TrimSpace(os.Getenv("ORCHESTRATOR_CONFIG")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	cfg.materializeDurations()
	return cfg, nil
}

func (c *Config) Validate() error {
	switch strings.ToLower(c.LoadBalancingStrategy) {
	case "round_robin", "least_loaded", "random", "affinity":
	default:
		return fmt.Errorf("unknown load_balancing_strategy %q", c.LoadBalancingStrategy)
	}
	if c.MaxQueueDepth <= 0 {
		return fmt.Errorf("max_queue_depth must be positive, got %d", c.MaxQueueDepth)
	}
	if c.OutboundQueueSize <= 0 {
		return fmt.Errorf("outbound_queue_size must be positive, got %d", c.OutboundQueueSize)
	}
	return nil
}

func (c *Config) materializeDurations() {
	c.DispatchInterval = secs(c.DispatchIntervalSeconds, 5)
	c.TimeoutCheckInterval = secs(c.TimeoutCheckIntervalSeconds, 30)
	c.FleetSweepInterval = secs(c.FleetSweepIntervalSeconds, 10)
	c.StaleRobotTimeout = secs(c.StaleRobotTimeoutSeconds, 60)
	c.DefaultJobTimeout = secs(c.DefaultJobTimeoutSeconds, 3600)
	c.DedupWindow = secs(c.DedupWindowSeconds, 300)
	c.CancelGrace = secs(c.CancelGraceSeconds, 30)
	c.GracefulShutdown = secs(c.GracefulShutdownSeconds, 60)
	c.HeartbeatInterval = secs(c.HeartbeatIntervalSeconds, 10)
}

func secs(n, def int) time.Duration {
	if n <= 0 {
		n = def
	}
	return time.Duration(n) * time.Second
}
