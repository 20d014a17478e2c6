// Package config loads the daemon configuration from a YAML file and
// PROCENG_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/process-engine/storage"
)

// Environment variables overriding the file.
const (
	EnvLogLevel          = "PROCENG_LOG_LEVEL"
	EnvLogFormat         = "PROCENG_LOG_FORMAT"
	EnvWorkflowsDir      = "PROCENG_WORKFLOWS_DIR"
	EnvHTTPAddr          = "PROCENG_HTTP_ADDR"
	EnvMaxCascadeDepth   = "PROCENG_MAX_CASCADE_DEPTH"
	EnvSweepInterval     = "PROCENG_SWEEP_INTERVAL"
	EnvSweepConcurrency  = "PROCENG_SWEEP_CONCURRENCY"
	EnvAPITimeout        = "PROCENG_API_TIMEOUT"
	EnvScriptTimeout     = "PROCENG_SCRIPT_TIMEOUT"
	EnvOrphanRetention   = "PROCENG_ORPHAN_RETENTION"
	EnvStorageType       = "PROCENG_STORAGE_TYPE"
	EnvRedisAddr         = "PROCENG_REDIS_ADDR"
	EnvRedisPassword     = "PROCENG_REDIS_PASSWORD"
	EnvRedisDB           = "PROCENG_REDIS_DB"
	EnvEventBufferSize   = "PROCENG_EVENT_BUFFER_SIZE"
	EnvHardDeleteDefault = "PROCENG_HARD_DELETE"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the daemon configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Workflows WorkflowsConfig `yaml:"workflows"`
	HTTP      HTTPConfig      `yaml:"http"`
	Engine    EngineConfig    `yaml:"engine"`
	Storage   StorageConfig   `yaml:"storage"`
	Events    EventsConfig    `yaml:"events"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type WorkflowsConfig struct {
	Dir string `yaml:"dir"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// EngineConfig tunes the transition engine and its collaborators.
type EngineConfig struct {
	MaxCascadeDepth  int           `yaml:"max_cascade_depth"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	SweepConcurrency int           `yaml:"sweep_concurrency"`
	APITimeout       time.Duration `yaml:"api_timeout"`
	ScriptTimeout    time.Duration `yaml:"script_timeout"`
	OrphanRetention  time.Duration `yaml:"orphan_retention"`
	// HardDelete makes record deletions remove processes instead of
	// orphaning them when a request does not say.
	HardDelete bool `yaml:"hard_delete"`
}

type StorageConfig struct {
	Type  string               `yaml:"type"`
	Redis storage.RedisOptions `yaml:"redis"`
}

type EventsConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log:       LogConfig{Level: "info", Format: "text"},
		Workflows: WorkflowsConfig{Dir: "workflows"},
		HTTP:      HTTPConfig{Addr: ":8080"},
		Engine: EngineConfig{
			MaxCascadeDepth:  3,
			SweepInterval:    time.Minute,
			SweepConcurrency: 4,
			APITimeout:       5 * time.Second,
			ScriptTimeout:    10 * time.Second,
			OrphanRetention:  720 * time.Hour,
		},
		Storage: StorageConfig{
			Type:  StorageMemory,
			Redis: storage.RedisOptions{Addr: "localhost:6379", PoolSize: 10},
		},
		Events: EventsConfig{BufferSize: 100},
	}
}

// Load reads path on top of the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the variables lookup reports as set.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str(EnvLogLevel, &c.Log.Level)
	str(EnvLogFormat, &c.Log.Format)
	str(EnvWorkflowsDir, &c.Workflows.Dir)
	str(EnvHTTPAddr, &c.HTTP.Addr)
	num(EnvMaxCascadeDepth, &c.Engine.MaxCascadeDepth)
	dur(EnvSweepInterval, &c.Engine.SweepInterval)
	num(EnvSweepConcurrency, &c.Engine.SweepConcurrency)
	dur(EnvAPITimeout, &c.Engine.APITimeout)
	dur(EnvScriptTimeout, &c.Engine.ScriptTimeout)
	dur(EnvOrphanRetention, &c.Engine.OrphanRetention)
	str(EnvStorageType, &c.Storage.Type)
	str(EnvRedisAddr, &c.Storage.Redis.Addr)
	str(EnvRedisPassword, &c.Storage.Redis.Password)
	num(EnvRedisDB, &c.Storage.Redis.DB)
	num(EnvEventBufferSize, &c.Events.BufferSize)
	if v, ok := lookup(EnvHardDeleteDefault); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvHardDeleteDefault, err))
		} else {
			c.Engine.HardDelete = b
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var problems []string
	if c.Engine.MaxCascadeDepth <= 0 {
		problems = append(problems, "engine.max_cascade_depth must be positive")
	}
	if c.Engine.SweepConcurrency <= 0 {
		problems = append(problems, "engine.sweep_concurrency must be positive")
	}
	if c.Engine.SweepInterval < 0 {
		problems = append(problems, "engine.sweep_interval must not be negative")
	}
	if c.Engine.APITimeout <= 0 {
		problems = append(problems, "engine.api_timeout must be positive")
	}
	if c.Engine.ScriptTimeout <= 0 {
		problems = append(problems, "engine.script_timeout must be positive")
	}
	if c.Engine.OrphanRetention < 0 {
		problems = append(problems, "engine.orphan_retention must not be negative")
	}
	if c.Events.BufferSize <= 0 {
		problems = append(problems, "events.buffer_size must be positive")
	}
	switch c.Storage.Type {
	case StorageMemory:
	case StorageRedis:
		if c.Storage.Redis.Addr == "" {
			problems = append(problems, "storage.redis.addr is required")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown storage type %q", c.Storage.Type))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
