package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Config holds service configuration.
type Config struct {
	ServerAddr            string
	DatabaseURL           string
	MigrationsDir         string
	DBMaxConns            int
	DBMinConns            int
	DBMaxConnIdle         time.Duration
	MaxConcurrentTasks    int
	AgentHeartbeatTimeout time.Duration
	SLACheckInterval      time.Duration
	SnapshotInterval      time.Duration
	OverloadThreshold     float64
	EventBuffer           int
	ExecutorTimeout       time.Duration
	LogLevel              zerolog.Level
	AgentsFile            string
}

// SnapshotsEnabled reports whether a database is configured.
func (c *Config) SnapshotsEnabled() bool {
	return c.DatabaseURL != ""
}

// Load reads configuration from environment.
func Load() (*Config, error) {
	level, err := zerolog.ParseLevel(getenv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	threshold := parseFloat(getenv("OVERLOAD_THRESHOLD", "0.8"), 0.8)
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("OVERLOAD_THRESHOLD must be within [0,1], got %v", threshold)
	}

	cfg := &Config{
		ServerAddr:            getenv("SERVER_ADDR", "0.0.0.0:8080"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		MigrationsDir:         getenv("MIGRATIONS_DIR", "internal/migrations"),
		DBMaxConns:            parseInt(getenv("DB_MAX_CONNS", "4"), 4),
		DBMinConns:            parseInt(os.Getenv("DB_MIN_CONNS"), 0),
		DBMaxConnIdle:         parseDuration(getenv("DB_MAX_CONN_IDLE", "5m"), 5*time.Minute),
		MaxConcurrentTasks:    parseInt(getenv("MAX_CONCURRENT_TASKS", "5"), 5),
		AgentHeartbeatTimeout: parseDuration(os.Getenv("AGENT_HEARTBEAT_TIMEOUT"), 0),
		SLACheckInterval:      parseDuration(getenv("SLA_CHECK_INTERVAL", "10s"), 10*time.Second),
		SnapshotInterval:      parseDuration(getenv("SNAPSHOT_INTERVAL", "30s"), 30*time.Second),
		OverloadThreshold:     threshold,
		EventBuffer:           parseInt(getenv("EVENT_BUFFER", "64"), 64),
		ExecutorTimeout:       parseDuration(getenv("EXECUTOR_TIMEOUT", "5m"), 5*time.Minute),
		LogLevel:              level,
		AgentsFile:            os.Getenv("AGENTS_FILE"),
	}
	if cfg.SLACheckInterval <= 0 || cfg.SnapshotInterval <= 0 {
		return nil, fmt.Errorf("SLA_CHECK_INTERVAL and SNAPSHOT_INTERVAL must be positive")
	}
	return cfg, nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

func parseFloat(val string, def float64) float64 {
	if val == "" {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return def
	}
	return f
}
