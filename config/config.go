// Package config loads jobgate settings from a YAML file with JOBGATE_*
// environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Redis        RedisConfig        `yaml:"redis"`
	Coordination CoordinationConfig `yaml:"coordination"`
	Sweep        SweepConfig        `yaml:"sweep"`
	Worker       WorkerConfig       `yaml:"worker"`
	Archive      ArchiveConfig      `yaml:"archive"`
	Ops          OpsConfig          `yaml:"ops"`
	LogLevel     string             `yaml:"logLevel"`
}

// RedisConfig is the shared store every process connects to.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"-"`
	DB       int    `yaml:"db"`
}

type CoordinationConfig struct {
	TaskTTL   time.Duration `yaml:"taskTTL"`
	LockTTL   time.Duration `yaml:"lockTTL"`
	CacheSize int           `yaml:"cacheSize"`
}

type SweepConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Schedule      string        `yaml:"schedule"`
	MaxAge        time.Duration `yaml:"maxAge"`
	Timeout       time.Duration `yaml:"timeout"`
	BatchSize     int64         `yaml:"batchSize"`
	MaxKeys       int           `yaml:"maxKeys"`
	KeysPerSecond float64       `yaml:"keysPerSecond"`
}

type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	Queue           string        `yaml:"queue"`
	PollInterval    time.Duration `yaml:"pollInterval"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// ArchiveConfig selects the audit database. An empty driver disables it.
type ArchiveConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"-"`
}

type OpsConfig struct {
	Addr string `yaml:"addr"`
}

// Default configuration values
const (
	DefaultRedisAddr       = "localhost:6379"
	DefaultTaskTTL         = time.Hour
	DefaultLockTTL         = 30 * time.Second
	DefaultCacheSize       = 1024
	DefaultSweepSchedule   = "@every 10m"
	DefaultSweepMaxAge     = time.Hour
	DefaultSweepTimeout    = time.Minute
	DefaultSweepBatchSize  = 100
	DefaultSweepMaxKeys    = 10000
	DefaultConcurrency     = 10
	DefaultQueue           = "default"
	DefaultPollInterval    = 2 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultOpsAddr         = ":9090"
	DefaultLogLevel        = "info"
)

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Redis:        RedisConfig{Addr: DefaultRedisAddr},
		Coordination: CoordinationConfig{TaskTTL: DefaultTaskTTL, LockTTL: DefaultLockTTL, CacheSize: DefaultCacheSize},
		Sweep: SweepConfig{
			Enabled:   true,
			Schedule:  DefaultSweepSchedule,
			MaxAge:    DefaultSweepMaxAge,
			Timeout:   DefaultSweepTimeout,
			BatchSize: DefaultSweepBatchSize,
			MaxKeys:   DefaultSweepMaxKeys,
		},
		Worker: WorkerConfig{
			Concurrency:     DefaultConcurrency,
			Queue:           DefaultQueue,
			PollInterval:    DefaultPollInterval,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Ops:      OpsConfig{Addr: DefaultOpsAddr},
		LogLevel: DefaultLogLevel,
	}
}

// Load reads the YAML file at path (optional when empty), then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	overrides := []struct {
		key string
		set func(string) error
	}{
		{"JOBGATE_REDIS_ADDR", func(v string) error { cfg.Redis.Addr = v; return nil }},
		{"JOBGATE_REDIS_PASSWORD", func(v string) error { cfg.Redis.Password = v; return nil }},
		{"JOBGATE_REDIS_DB", intVar(&cfg.Redis.DB)},
		{"JOBGATE_TASK_TTL", durationVar(&cfg.Coordination.TaskTTL)},
		{"JOBGATE_LOCK_TTL", durationVar(&cfg.Coordination.LockTTL)},
		{"JOBGATE_CACHE_SIZE", intVar(&cfg.Coordination.CacheSize)},
		{"JOBGATE_SWEEP_ENABLED", boolVar(&cfg.Sweep.Enabled)},
		{"JOBGATE_SWEEP_SCHEDULE", func(v string) error { cfg.Sweep.Schedule = v; return nil }},
		{"JOBGATE_SWEEP_MAX_AGE", durationVar(&cfg.Sweep.MaxAge)},
		{"JOBGATE_SWEEP_MAX_KEYS", intVar(&cfg.Sweep.MaxKeys)},
		{"JOBGATE_WORKER_CONCURRENCY", intVar(&cfg.Worker.Concurrency)},
		{"JOBGATE_WORKER_QUEUE", func(v string) error { cfg.Worker.Queue = v; return nil }},
		{"JOBGATE_ARCHIVE_DRIVER", func(v string) error { cfg.Archive.Driver = v; return nil }},
		{"JOBGATE_ARCHIVE_DSN", func(v string) error { cfg.Archive.DSN = v; return nil }},
		{"JOBGATE_OPS_ADDR", func(v string) error { cfg.Ops.Addr = v; return nil }},
		{"JOBGATE_LOG_LEVEL", func(v string) error { cfg.LogLevel = v; return nil }},
	}
	for _, o := range overrides {
		v, ok := os.LookupEnv(o.key)
		if !ok {
			continue
		}
		if err := o.set(v); err != nil {
			return fmt.Errorf("invalid %s: %w", o.key, err)
		}
	}
	return nil
}

func intVar(dst *int) func(string) error {
	return func(v string) (err error) {
		*dst, err = cast.ToIntE(v)
		return err
	}
}

func boolVar(dst *bool) func(string) error {
	return func(v string) (err error) {
		*dst, err = cast.ToBoolE(v)
		return err
	}
}

func durationVar(dst *time.Duration) func(string) error {
	return func(v string) (err error) {
		*dst, err = cast.ToDurationE(v)
		return err
	}
}

// Validate checks the invariants the coordination layer depends on.
func (c *Config) Validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Coordination.TaskTTL <= 0 || c.Coordination.LockTTL <= 0 {
		return fmt.Errorf("coordination TTLs must be positive")
	}
	if c.Coordination.LockTTL >= c.Coordination.TaskTTL {
		return fmt.Errorf("coordination.lockTTL (%s) must be shorter than taskTTL (%s)", c.Coordination.LockTTL, c.Coordination.TaskTTL)
	}
	if c.Archive.Driver != "" && c.Archive.DSN == "" {
		return fmt.Errorf("archive.driver %q set without JOBGATE_ARCHIVE_DSN", c.Archive.Driver)
	}
	return nil
}
