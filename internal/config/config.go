// Package config loads medsync configuration: a JSON file (YAML accepted
// by extension), zero-value defaults filled in code, and MEDSYNC_*
// environment overrides applied last.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	env "github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds all medsync configuration.
type Config struct {
	// Server settings for the localhost status API
	Server ServerConfig `json:"server" yaml:"server"`

	// Client settings for the backend HTTP collaborator
	Client ClientConfig `json:"client" yaml:"client"`

	// Network settings for the connectivity monitor
	Network NetworkConfig `json:"network" yaml:"network"`

	// Queue settings for the offline engine
	Queue QueueConfig `json:"queue" yaml:"queue"`

	// Storage backend selection
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Scheduler configuration for background drains
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
}

type ServerConfig struct {
	Host     string `json:"host" yaml:"host" env:"MEDSYNC_HOST"`
	Port     int    `json:"port" yaml:"port" env:"MEDSYNC_PORT"`
	DataDir  string `json:"dataDir" yaml:"dataDir" env:"MEDSYNC_DATA_DIR"`
	LogLevel string `json:"logLevel" yaml:"logLevel" env:"MEDSYNC_LOG_LEVEL"`
}

type ClientConfig struct {
	BaseURL            string `json:"baseUrl" yaml:"baseUrl" env:"MEDSYNC_BASE_URL"`
	Token              string `json:"token,omitempty" yaml:"token,omitempty" env:"MEDSYNC_TOKEN"`
	CallTimeoutSeconds int    `json:"callTimeoutSeconds" yaml:"callTimeoutSeconds" env:"MEDSYNC_CALL_TIMEOUT_SECONDS"`
}

type NetworkConfig struct {
	ProbeURL            string `json:"probeUrl" yaml:"probeUrl" env:"MEDSYNC_PROBE_URL"`
	WatchURL            string `json:"watchUrl,omitempty" yaml:"watchUrl,omitempty" env:"MEDSYNC_WATCH_URL"`
	ProbeIntervalSeconds int   `json:"probeIntervalSeconds" yaml:"probeIntervalSeconds"`
	ProbeTimeoutSeconds  int   `json:"probeTimeoutSeconds" yaml:"probeTimeoutSeconds"`
}

type QueueConfig struct {
	DeadLetterLimit int `json:"deadLetterLimit" yaml:"deadLetterLimit" env:"MEDSYNC_DEAD_LETTER_LIMIT"`
	// RegistryPath points at an optional TOML overlay tuning registry
	// entries (priority, maxRetries, dedupe) without a rebuild.
	RegistryPath string `json:"registryPath,omitempty" yaml:"registryPath,omitempty" env:"MEDSYNC_REGISTRY_PATH"`
}

// StorageConfig selects the durable store backend. The file backend
// keeps JSON documents under the data dir; the sqlite backend keeps one
// database at Path.
type StorageConfig struct {
	Backend string `json:"backend" yaml:"backend" env:"MEDSYNC_STORAGE_BACKEND"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty" env:"MEDSYNC_STORAGE_PATH"`
}

// SchedulerConfig holds background drain schedules.
type SchedulerConfig struct {
	Enabled   bool             `json:"enabled" yaml:"enabled"`
	Schedules []ScheduleConfig `json:"schedules,omitempty" yaml:"schedules,omitempty"`
}

// ScheduleConfig defines when a drain runs.
type ScheduleConfig struct {
	Kind       string `json:"kind" yaml:"kind"` // "interval" or "cron"
	IntervalMs int64  `json:"intervalMs,omitempty" yaml:"intervalMs,omitempty"`
	Expr       string `json:"expr,omitempty" yaml:"expr,omitempty"` // cron expression
	Timezone   string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "127.0.0.1",
			Port:     7865,
			DataDir:  "./data",
			LogLevel: "info",
		},
		Client: ClientConfig{
			BaseURL:            "https://api.medinvest.app",
			CallTimeoutSeconds: 15,
		},
		Network: NetworkConfig{
			ProbeURL:             "https://api.medinvest.app/health",
			ProbeIntervalSeconds: 30,
			ProbeTimeoutSeconds:  5,
		},
		Queue: QueueConfig{
			DeadLetterLimit: 200,
		},
		Storage: StorageConfig{
			Backend: "file",
		},
		Scheduler: SchedulerConfig{
			Enabled: true,
			Schedules: []ScheduleConfig{
				{Kind: "interval", IntervalMs: 5 * 60 * 1000},
			},
		},
	}
}

// Load reads config from a JSON or YAML file, applies MEDSYNC_*
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	return finish(cfg)
}

// LoadOrDefault behaves like Load, except a missing file yields the
// defaults with environment overrides applied.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return finish(DefaultConfig())
	}
	return Load(path)
}

func finish(cfg *Config) (*Config, error) {
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return cfg, nil
}

// Validate checks structural constraints. Cron expressions are parsed
// where they are consumed, in the scheduler.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server port %d out of range", c.Server.Port)
	}
	switch c.Server.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Server.LogLevel)
	}
	if c.Client.BaseURL == "" {
		return fmt.Errorf("config: client baseUrl is required")
	}
	if c.Client.CallTimeoutSeconds < 0 {
		return fmt.Errorf("config: callTimeoutSeconds must not be negative")
	}
	switch c.Storage.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Queue.DeadLetterLimit < 0 {
		return fmt.Errorf("config: deadLetterLimit must not be negative")
	}
	for i, s := range c.Scheduler.Schedules {
		switch s.Kind {
		case "interval":
			if s.IntervalMs <= 0 {
				return fmt.Errorf("config: schedule %d: interval requires intervalMs > 0", i)
			}
		case "cron":
			if s.Expr == "" {
				return fmt.Errorf("config: schedule %d: cron requires expr", i)
			}
		default:
			return fmt.Errorf("config: schedule %d: unknown kind %q", i, s.Kind)
		}
	}
	return nil
}

// StorePath returns the path handed to the store factory for the
// configured backend: the data dir for the file backend, the database
// file for sqlite.
func (c *Config) StorePath() string {
	if c.Storage.Backend == "sqlite" {
		if c.Storage.Path != "" {
			return c.Storage.Path
		}
		return filepath.Join(c.Server.DataDir, "medsync.db")
	}
	return c.Server.DataDir
}

// Save writes config to a JSON file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0640)
}
