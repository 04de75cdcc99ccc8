package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultAddr              = ":8800"
	defaultShutdownGrace     = 10 * time.Second
	defaultSchedulerInterval = 2 * time.Second
	defaultHeartbeatTimeout  = 90 * time.Second
)

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string
}

// EngineConfig holds orchestration settings.
type EngineConfig struct {
	WorkflowsDir      string
	BurrowRoot        string
	SchedulerInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// WebhookConfig holds mission notification settings.
type WebhookConfig struct {
	URL     string
	Enabled bool
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server  ServerConfig
	Log     LogConfig
	Engine  EngineConfig
	Webhook WebhookConfig

	StateDir      string
	Mode          string // http, mcp, or both
	ShutdownGrace time.Duration
}

// Parse loads .env, overlays CRABITAT_* environment variables, then applies
// CLI flags, which take precedence.
func Parse() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("CRABITAT_ADDR", defaultAddr),
			AuthToken: getEnvString("CRABITAT_AUTH_TOKEN", ""),
		},
		Log: LogConfig{
			Level: getEnvString("CRABITAT_LOG_LEVEL", "info"),
		},
		Engine: EngineConfig{
			WorkflowsDir:      getEnvString("CRABITAT_WORKFLOWS_DIR", "./workflows"),
			BurrowRoot:        getEnvString("CRABITAT_BURROW_ROOT", ""),
			SchedulerInterval: getEnvDuration("CRABITAT_SCHEDULER_INTERVAL", defaultSchedulerInterval),
			HeartbeatTimeout:  getEnvDuration("CRABITAT_HEARTBEAT_TIMEOUT", defaultHeartbeatTimeout),
		},
		Webhook: WebhookConfig{
			URL:     getEnvString("CRABITAT_WEBHOOK_URL", ""),
			Enabled: getEnvBool("CRABITAT_WEBHOOK_ENABLED", false),
		},
		StateDir:      getEnvString("CRABITAT_STATE_DIR", ""),
		Mode:          getEnvString("CRABITAT_MODE", "http"),
		ShutdownGrace: getEnvDuration("CRABITAT_SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	var addr, logLevel, stateDir, workflowsDir, burrowRoot, mode string
	var schedulerInterval, heartbeatTimeout, shutdownGrace time.Duration

	flag.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	flag.StringVar(&stateDir, "state-dir", "", "Directory to store the database")
	flag.StringVar(&workflowsDir, "workflows-dir", "", "Directory holding workflow manifests")
	flag.StringVar(&burrowRoot, "burrow-root", "", "Root directory for per-mission working directories")
	flag.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&mode, "mode", "", "Serving mode: http, mcp, or both")
	flag.DurationVar(&schedulerInterval, "scheduler-interval", 0, "Scheduler tick interval")
	flag.DurationVar(&heartbeatTimeout, "heartbeat-timeout", 0, "Crab heartbeat timeout")
	flag.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")

	flag.Parse()

	if addr != "" {
		cfg.Server.Addr = addr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if workflowsDir != "" {
		cfg.Engine.WorkflowsDir = workflowsDir
	}
	if burrowRoot != "" {
		cfg.Engine.BurrowRoot = burrowRoot
	}
	if mode != "" {
		cfg.Mode = mode
	}
	if schedulerInterval > 0 {
		cfg.Engine.SchedulerInterval = schedulerInterval
	}
	if heartbeatTimeout > 0 {
		cfg.Engine.HeartbeatTimeout = heartbeatTimeout
	}
	if shutdownGrace > 0 {
		cfg.ShutdownGrace = shutdownGrace
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if cfg.Engine.BurrowRoot == "" {
		cfg.Engine.BurrowRoot = filepath.Join(cfg.StateDir, "burrows")
	}

	switch cfg.Mode {
	case "http", "mcp", "both":
	default:
		return nil, fmt.Errorf("invalid mode %q (valid: http, mcp, both)", cfg.Mode)
	}

	return cfg, nil
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "crabitat")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

func getEnvString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
