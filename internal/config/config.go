// Package config provides configuration loading for the pipeline engine.
// Supports YAML files, .env files, environment variables, and programmatic
// overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the pipeline engine.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Workers       WorkersConfig       `yaml:"workers"`
	Resources     ResourcesConfig     `yaml:"resources"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Processors    ProcessorsConfig    `yaml:"processors"`
	Checkpoint    CheckpointConfig    `yaml:"checkpoint"`
	Events        EventsConfig        `yaml:"events"`
	Audit         AuditConfig         `yaml:"audit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
	// APIKey, when set, is required as a bearer token on /api routes.
	APIKey         string   `yaml:"api_key"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// WorkersConfig holds worker pool settings.
type WorkersConfig struct {
	Cooperative      int           `yaml:"cooperative"`
	Thread           int           `yaml:"thread"`
	Process          int           `yaml:"process"`
	QueueCapacity    int           `yaml:"queue_capacity"`
	ThrottleInterval time.Duration `yaml:"throttle_interval"`
	DefaultTimeout   time.Duration `yaml:"default_timeout"`
	StopGrace        time.Duration `yaml:"stop_grace"`
	// ProcessCommand is the worker binary for the process strategy. Empty
	// re-executes the current binary.
	ProcessCommand string        `yaml:"process_command"`
	ProcessArgs    []string      `yaml:"process_args"`
	KillGrace      time.Duration `yaml:"kill_grace"`
}

// ResourcesConfig holds admission thresholds.
type ResourcesConfig struct {
	MaxCPUPercent    float64       `yaml:"max_cpu_percent"`
	MaxMemoryPercent float64       `yaml:"max_memory_percent"`
	MaxActive        int           `yaml:"max_active"`
	SampleInterval   time.Duration `yaml:"sample_interval"`
}

// PipelineConfig holds run manager settings.
type PipelineConfig struct {
	// Retention is the number of finished runs kept for status queries.
	Retention   int           `yaml:"retention"`
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

// ProcessorsConfig holds settings of the built-in processors.
type ProcessorsConfig struct {
	AllowedExtensions []string `yaml:"allowed_extensions"`
	MaxSizeBytes      int64    `yaml:"max_size_bytes"`
	MaxPages          int      `yaml:"max_pages"`
}

// CheckpointConfig selects the checkpoint store.
type CheckpointConfig struct {
	Driver   string      `yaml:"driver"` // none, file, sqlite, postgres, redis or badger
	Dir      string      `yaml:"dir"`
	DSN      string      `yaml:"dsn"`
	InMemory bool        `yaml:"in_memory"`
	Redis    RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"pool_size"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// EventsConfig holds the Redis event bridge settings.
type EventsConfig struct {
	RedisBridge bool        `yaml:"redis_bridge"`
	Channel     string      `yaml:"channel"`
	Buffer      int         `yaml:"buffer"`
	Redis       RedisConfig `yaml:"redis"`
}

// AuditConfig holds audit trail settings.
type AuditConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Driver         string        `yaml:"driver"` // none, sqlite or postgres
	DSN            string        `yaml:"dsn"`
	BufferSize     int           `yaml:"buffer_size"`
	BatchSize      int           `yaml:"batch_size"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	IncludePayload bool          `yaml:"include_payload"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	ServiceName string `yaml:"service_name"`
}

// Load reads configuration from a YAML file and applies .env and environment
// overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}

		if cfg.Checkpoint.Dir != "" {
			cfg.Checkpoint.Dir = ResolveRelativePath(path, cfg.Checkpoint.Dir)
		}
	}

	_ = godotenv.Load() // Ignore error if .env doesn't exist
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	cpus := runtime.NumCPU()
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8090,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     30 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 10 * time.Second,
			AllowedOrigins:   []string{"*"},
		},
		Workers: WorkersConfig{
			Cooperative:      cpus,
			Thread:           2,
			Process:          max(1, cpus/2),
			ThrottleInterval: 20 * time.Millisecond,
			StopGrace:        30 * time.Second,
			ProcessArgs:      []string{"worker"},
			KillGrace:        2 * time.Second,
		},
		Resources: ResourcesConfig{
			MaxCPUPercent:    90,
			MaxMemoryPercent: 85,
			SampleInterval:   time.Second,
		},
		Pipeline: PipelineConfig{
			Retention: 100,
		},
		Processors: ProcessorsConfig{
			AllowedExtensions: []string{".pdf", ".md", ".txt"},
			MaxSizeBytes:      100 * 1024 * 1024,
		},
		Checkpoint: CheckpointConfig{
			Driver: "file",
			Dir:    filepath.Join(os.TempDir(), "pipeline-engine", "checkpoints"),
			Redis: RedisConfig{
				Addr:     "localhost:6380",
				PoolSize: 10,
				Prefix:   "pe:",
			},
		},
		Events: EventsConfig{
			Channel: "events",
			Buffer:  1024,
			Redis: RedisConfig{
				Addr:     "localhost:6380",
				PoolSize: 10,
				Prefix:   "pe:",
			},
		},
		Audit: AuditConfig{
			Driver:         "none",
			BufferSize:     1000,
			BatchSize:      100,
			FlushInterval:  5 * time.Second,
			IncludePayload: true,
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			ServiceName: "pipeline-engine",
		},
	}
}

var (
	checkpointDrivers = []string{"none", "file", "sqlite", "sqlite3", "postgres", "redis", "badger"}
	auditDrivers      = []string{"none", "sqlite", "sqlite3", "postgres"}
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Workers.Cooperative < 1 {
		return fmt.Errorf("workers.cooperative must be at least 1")
	}
	if c.Workers.Thread < 0 || c.Workers.Process < 0 {
		return fmt.Errorf("worker counts cannot be negative")
	}
	if c.Workers.QueueCapacity < 0 {
		return fmt.Errorf("workers.queue_capacity cannot be negative")
	}

	if c.Resources.MaxCPUPercent < 0 || c.Resources.MaxCPUPercent > 100 {
		return fmt.Errorf("max_cpu_percent must be between 0 and 100")
	}
	if c.Resources.MaxMemoryPercent < 0 || c.Resources.MaxMemoryPercent > 100 {
		return fmt.Errorf("max_memory_percent must be between 0 and 100")
	}

	if !slices.Contains(checkpointDrivers, c.Checkpoint.Driver) {
		return fmt.Errorf("invalid checkpoint driver: %s", c.Checkpoint.Driver)
	}
	switch c.CheckpointDriver() {
	case "file":
		if c.Checkpoint.Dir == "" {
			return fmt.Errorf("checkpoint.dir is required for the file driver")
		}
	case "badger":
		if c.Checkpoint.Dir == "" && !c.Checkpoint.InMemory {
			return fmt.Errorf("checkpoint.dir is required for the badger driver")
		}
	case "sqlite3", "postgres":
		if c.Checkpoint.DSN == "" {
			return fmt.Errorf("checkpoint.dsn is required for the %s driver", c.Checkpoint.Driver)
		}
	case "redis":
		if c.Checkpoint.Redis.Addr == "" {
			return fmt.Errorf("checkpoint.redis.addr is required for the redis driver")
		}
	}

	if c.Events.RedisBridge && c.Events.Redis.Addr == "" {
		return fmt.Errorf("events.redis.addr is required when the redis bridge is enabled")
	}

	if !slices.Contains(auditDrivers, c.Audit.Driver) {
		return fmt.Errorf("invalid audit driver: %s", c.Audit.Driver)
	}
	if c.Audit.Enabled && c.AuditDriver() != "none" && c.Audit.DSN == "" {
		return fmt.Errorf("audit.dsn is required for the %s driver", c.Audit.Driver)
	}

	if c.Observability.LogFormat != "json" && c.Observability.LogFormat != "console" {
		return fmt.Errorf("invalid log format: %s", c.Observability.LogFormat)
	}

	return nil
}

// CheckpointDriver returns the checkpoint driver with "sqlite" normalized to
// the database/sql driver name.
func (c *Config) CheckpointDriver() string {
	return sqlDriverName(c.Checkpoint.Driver)
}

// AuditDriver returns the audit driver normalized like CheckpointDriver.
func (c *Config) AuditDriver() string {
	return sqlDriverName(c.Audit.Driver)
}

func sqlDriverName(driver string) string {
	if driver == "sqlite" {
		return "sqlite3"
	}
	return driver
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}

	if v := os.Getenv("API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}

	if v := os.Getenv("WORKERS_COOPERATIVE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers.Cooperative = n
		}
	}

	if v := os.Getenv("WORKERS_THREAD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers.Thread = n
		}
	}

	if v := os.Getenv("WORKERS_PROCESS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers.Process = n
		}
	}

	if v := os.Getenv("WORKER_COMMAND"); v != "" {
		cfg.Workers.ProcessCommand = v
	}

	if v := os.Getenv("RESOURCE_MAX_CPU_PERCENT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Resources.MaxCPUPercent = f
		}
	}

	if v := os.Getenv("RESOURCE_MAX_MEMORY_PERCENT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Resources.MaxMemoryPercent = f
		}
	}

	if v := os.Getenv("CHECKPOINT_DRIVER"); v != "" {
		cfg.Checkpoint.Driver = v
	}

	if v := os.Getenv("CHECKPOINT_DIR"); v != "" {
		cfg.Checkpoint.Dir = v
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		if strings.HasPrefix(v, "sqlite:") {
			cfg.Checkpoint.Driver = "sqlite"
			cfg.Checkpoint.DSN = strings.TrimPrefix(v, "sqlite:")
		} else if strings.HasPrefix(v, "postgres") {
			cfg.Checkpoint.Driver = "postgres"
			cfg.Checkpoint.DSN = v
		}
	}

	if v := os.Getenv("AUDIT_DATABASE_URL"); v != "" {
		cfg.Audit.Enabled = true
		if strings.HasPrefix(v, "sqlite:") {
			cfg.Audit.Driver = "sqlite"
			cfg.Audit.DSN = strings.TrimPrefix(v, "sqlite:")
		} else if strings.HasPrefix(v, "postgres") {
			cfg.Audit.Driver = "postgres"
			cfg.Audit.DSN = v
		}
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		// Parse redis://host:port format
		addr := strings.TrimPrefix(v, "redis://")
		cfg.Events.RedisBridge = true
		cfg.Events.Redis.Addr = addr
		cfg.Checkpoint.Redis.Addr = addr
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}

	if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
		cfg.Observability.ServiceName = v
	}

	if v := os.Getenv("AUDIT_ENABLED"); v == "true" {
		cfg.Audit.Enabled = true
	}
}

// ResolveRelativePath resolves a path relative to the config file location.
func ResolveRelativePath(configPath, targetPath string) string {
	if filepath.IsAbs(targetPath) {
		return targetPath
	}
	configDir := filepath.Dir(configPath)
	return filepath.Join(configDir, targetPath)
}
