package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all orchestrator configuration. A Config value is built once
// and passed explicitly into component constructors; there is no process-wide
// mutable settings singleton.
//
// Environment Variables:
//
// Paths:
// - ATR_DATA_ROOT: application data root (default: ~/.tape-restorer)
// - ATR_WORK_DIR: working directory for intermediate frame artifacts
//   (default: <data root>/work)
//
// Pipeline:
// - ATR_FILTER_CMD: filter-stage executable (default: vspipe)
// - ATR_ENCODER_CMD: encoder-stage executable (default: ffmpeg)
// - ATR_PROBE_CMD: probe executable (default: ffprobe)
// - ATR_TERMINATE_GRACE: shutdown grace period (default: 5s)
// - ATR_DIAGNOSTIC_TAIL: diagnostic lines kept for failure reports (default: 20)
//
// Checkpointing:
// - ATR_CHECKPOINT_CADENCE: units between checkpoint saves (default: 50)
// - ATR_RETRY_ATTEMPTS: attempts per work unit (default: 3)
// - ATR_RETENTION: stale checkpoint retention (default: 168h)
// - ATR_SWEEP_CRON: schedule for the stale-checkpoint sweep (default: @daily)
//
// Disk:
// - ATR_DISK_MARGIN: safety margin ratio for space checks (default: 0.10)
type Config struct {
	Paths      PathsConfig
	Pipeline   PipelineConfig
	Checkpoint CheckpointConfig
	Disk       DiskConfig
}

type PathsConfig struct {
	DataRoot string
	WorkDir  string
}

// CheckpointDir is where per-job checkpoint records live.
func (p PathsConfig) CheckpointDir() string {
	return filepath.Join(p.DataRoot, "checkpoints")
}

// HistoryDBPath is the sqlite run-history database.
func (p PathsConfig) HistoryDBPath() string {
	return filepath.Join(p.DataRoot, "history.db")
}

// LockDir is where per-job run locks live.
func (p PathsConfig) LockDir() string {
	return filepath.Join(p.DataRoot, "locks")
}

type PipelineConfig struct {
	FilterCommand  string
	EncoderCommand string
	ProbeCommand   string
	TerminateGrace time.Duration
	DiagnosticTail int
}

type CheckpointConfig struct {
	Cadence       int
	RetryAttempts int
	Retention     time.Duration
	SweepCron     string
}

type DiskConfig struct {
	MarginRatio float64
}

// Option mutates a Config during construction.
type Option func(*Config)

// WithDataRoot overrides the data root (used by the CLI --data-root flag).
func WithDataRoot(dir string) Option {
	return func(c *Config) {
		if dir != "" {
			c.Paths.DataRoot = dir
			c.Paths.WorkDir = filepath.Join(dir, "work")
		}
	}
}

// NewFromEnv builds a Config from environment variables and options. A .env
// file in the current directory is loaded when present; a missing file is
// not an error.
func NewFromEnv(opts ...Option) (*Config, error) {
	_ = godotenv.Load()

	dataRoot := getEnvString("ATR_DATA_ROOT", defaultDataRoot())

	config := &Config{
		Paths: PathsConfig{
			DataRoot: dataRoot,
			WorkDir:  getEnvString("ATR_WORK_DIR", filepath.Join(dataRoot, "work")),
		},
		Pipeline: PipelineConfig{
			FilterCommand:  getEnvString("ATR_FILTER_CMD", "vspipe"),
			EncoderCommand: getEnvString("ATR_ENCODER_CMD", "ffmpeg"),
			ProbeCommand:   getEnvString("ATR_PROBE_CMD", "ffprobe"),
			TerminateGrace: getEnvDuration("ATR_TERMINATE_GRACE", 5*time.Second),
			DiagnosticTail: getEnvInt("ATR_DIAGNOSTIC_TAIL", 20),
		},
		Checkpoint: CheckpointConfig{
			Cadence:       getEnvInt("ATR_CHECKPOINT_CADENCE", 50),
			RetryAttempts: getEnvInt("ATR_RETRY_ATTEMPTS", 3),
			Retention:     getEnvDuration("ATR_RETENTION", 7*24*time.Hour),
			SweepCron:     getEnvString("ATR_SWEEP_CRON", "@daily"),
		},
		Disk: DiskConfig{
			MarginRatio: getEnvFloat("ATR_DISK_MARGIN", 0.10),
		},
	}

	for _, opt := range opts {
		opt(config)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) validate() error {
	if c.Paths.DataRoot == "" {
		return fmt.Errorf("data root is required")
	}
	if c.Checkpoint.Cadence <= 0 {
		return fmt.Errorf("checkpoint cadence must be positive, got %d", c.Checkpoint.Cadence)
	}
	if c.Checkpoint.RetryAttempts <= 0 {
		return fmt.Errorf("retry attempts must be positive, got %d", c.Checkpoint.RetryAttempts)
	}
	if c.Disk.MarginRatio < 0 {
		return fmt.Errorf("disk margin ratio must be non-negative, got %v", c.Disk.MarginRatio)
	}
	return nil
}

func defaultDataRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".tape-restorer")
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
