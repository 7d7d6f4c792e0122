// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppConfig holds all application configuration.
// It is instantiated by NewConfig() and passed to components that need it (dependency injection).
type AppConfig struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Server    ServerConfig    `mapstructure:"server"`
	Container ContainerConfig `mapstructure:"container"`
	Git       GitConfig       `mapstructure:"git"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Debug     DebugConfig     `mapstructure:"debug"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Runner    RunnerConfig    `mapstructure:"runner"`
}

// DatabaseConfig holds all database configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// LogConfig holds comprehensive logging configuration
type LogConfig struct {
	Level    string            `mapstructure:"level"`
	Format   string            `mapstructure:"format"`
	Output   []LogOutputConfig `mapstructure:"output"`
	Levels   map[string]string `mapstructure:"levels"`
	Context  LogContextConfig  `mapstructure:"context"`
	Sampling LogSamplingConfig `mapstructure:"sampling"`
}

// LogOutputConfig defines where logs are written
type LogOutputConfig struct {
	Type    string          `mapstructure:"type"` // "file" or "console"
	Enabled bool            `mapstructure:"enabled"`
	Path    string          `mapstructure:"path"`
	Rotate  LogRotateConfig `mapstructure:"rotate"`
}

// LogRotateConfig defines log rotation settings
type LogRotateConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// LogContextConfig defines what context to include in logs
type LogContextConfig struct {
	IncludeCaller     bool   `mapstructure:"include_caller"`
	IncludeTimestamp  bool   `mapstructure:"include_timestamp"`
	IncludeStackTrace string `mapstructure:"include_stack_trace"`
}

// LogSamplingConfig defines log sampling settings
type LogSamplingConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Initial    uint32        `mapstructure:"initial"`
	Thereafter uint32        `mapstructure:"thereafter"`
	Tick       time.Duration `mapstructure:"tick"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"` // Empty = allow all (development)
	// BaseURL is the externally reachable address advertised to workers and
	// written into the per-step control file.
	BaseURL string `mapstructure:"base_url"`
}

// ContainerConfig holds docker-related configuration.
type ContainerConfig struct {
	DockerHost     string         `mapstructure:"docker_host"`
	NetworkMode    string         `mapstructure:"network_mode"`
	ResourceLimits ResourceLimits `mapstructure:"resource_limits"`
	StopTimeout    time.Duration  `mapstructure:"stop_timeout"`
}

// ResourceLimits defines container resource limits.
type ResourceLimits struct {
	CPUShares int64 `mapstructure:"cpu_shares"`
	MemoryMB  int64 `mapstructure:"memory_mb"`
}

// GitConfig holds the embedded git server configuration.
type GitConfig struct {
	// RepoRoot is the directory under which bare repositories live,
	// one "<repository_id>.git" per repository.
	RepoRoot      string `mapstructure:"repo_root"`
	DefaultBranch string `mapstructure:"default_branch"`
}

// ExecutorConfig holds step execution defaults.
type ExecutorConfig struct {
	DefaultImage       string        `mapstructure:"default_image"`
	DefaultStepTimeout time.Duration `mapstructure:"default_step_timeout"`
	// ControlDir is the directory inside the workspace where per-step
	// control files are written for the in-container control layer.
	ControlDir string `mapstructure:"control_dir"`
}

// RemoteConfig holds remote worker scheduling configuration.
type RemoteConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	AckTimeout      time.Duration `mapstructure:"ack_timeout"`
	DeathTimeout    time.Duration `mapstructure:"death_timeout"`
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
}

// WorkspaceConfig holds workspace manager configuration.
type WorkspaceConfig struct {
	OrphanThreshold time.Duration `mapstructure:"orphan_threshold"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
}

// DebugConfig holds debug-session configuration.
type DebugConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	MaxTimeout     time.Duration `mapstructure:"max_timeout"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
}

// RunnerConfig holds configuration for the remote worker binary.
type RunnerConfig struct {
	// BackendURL is the orchestrator's WebSocket endpoint, e.g.
	// ws://host:8080/ws/worker.
	BackendURL string `mapstructure:"backend_url"`
	Name       string `mapstructure:"name"`
	Type       string `mapstructure:"type"`
	// StateDir persists the runner identity across restarts.
	StateDir          string        `mapstructure:"state_dir"`
	Capabilities      []string      `mapstructure:"capabilities"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ReconnectMin      time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax      time.Duration `mapstructure:"reconnect_max"`
}

// TracingConfig holds OpenTelemetry exporter configuration.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// NewConfig creates a new AppConfig by reading from a file, environment variables,
// and applying defaults.
func NewConfig(configPath string) (*AppConfig, error) {
	cfg := defaultConfig()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/lazyaf/")
		v.AddConfigPath("$HOME/.lazyaf")
	}

	v.SetEnvPrefix("LAZYAF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read the config file. It's okay if it doesn't exist.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.expandPaths()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// defaultConfig returns an AppConfig with default values.
// This is more type-safe than using viper.SetDefault().
func defaultConfig() AppConfig {
	return AppConfig{
		Database: DatabaseConfig{
			Driver:   "sqlite",
			Database: "lazyaf.db",
			Host:     "localhost",
			Port:     5432,
			SSLMode:  "disable",
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "console",
			Output: []LogOutputConfig{
				{
					Type:    "file",
					Enabled: true,
					Path:    "./logs/lazyaf.log",
					Rotate: LogRotateConfig{
						MaxSizeMB:  100,
						MaxBackups: 7,
						MaxAgeDays: 30,
						Compress:   true,
					},
				},
				{
					Type:    "console",
					Enabled: true,
				},
			},
			Levels: map[string]string{
				"pipeline":  "INFO",
				"executor":  "INFO",
				"remote":    "INFO",
				"workspace": "INFO",
				"gitserver": "INFO",
				"database":  "INFO",
				"api":       "INFO",
				"runner":    "INFO",
			},
			Context: LogContextConfig{
				IncludeCaller:     true,
				IncludeTimestamp:  true,
				IncludeStackTrace: "ERROR",
			},
			Sampling: LogSamplingConfig{
				Enabled:    false,
				Initial:    100,
				Thereafter: 100,
				Tick:       time.Second,
			},
		},
		Server: ServerConfig{
			Host:    "127.0.0.1",
			Port:    8080,
			BaseURL: "http://127.0.0.1:8080",
		},
		Container: ContainerConfig{
			DockerHost:  "unix:///var/run/docker.sock",
			NetworkMode: "bridge",
			ResourceLimits: ResourceLimits{
				CPUShares: 1024,
				MemoryMB:  2048,
			},
			StopTimeout: 10 * time.Second,
		},
		Git: GitConfig{
			RepoRoot:      "./repos",
			DefaultBranch: "main",
		},
		Executor: ExecutorConfig{
			DefaultImage:       "ubuntu:22.04",
			DefaultStepTimeout: time.Hour,
			ControlDir:         ".lazyaf-control",
		},
		Remote: RemoteConfig{
			Enabled:         true,
			AckTimeout:      5 * time.Second,
			DeathTimeout:    30 * time.Second,
			MonitorInterval: 5 * time.Second,
		},
		Workspace: WorkspaceConfig{
			OrphanThreshold: 2 * time.Hour,
			SweepInterval:   30 * time.Second,
		},
		Debug: DebugConfig{
			DefaultTimeout: 30 * time.Minute,
			MaxTimeout:     4 * time.Hour,
			SweepInterval:  30 * time.Second,
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4318",
		},
		Runner: RunnerConfig{
			BackendURL:        "ws://127.0.0.1:8080/ws/worker",
			Type:              "docker",
			StateDir:          "~/.lazyaf/runner",
			HeartbeatInterval: 10 * time.Second,
			ReconnectMin:      time.Second,
			ReconnectMax:      30 * time.Second,
		},
	}
}

// expandPaths expands ~ and environment variables in path configuration values
func (c *AppConfig) expandPaths() {
	if c.Git.RepoRoot != "" {
		c.Git.RepoRoot = expandPath(c.Git.RepoRoot)
	}
	if c.Container.DockerHost != "" {
		c.Container.DockerHost = expandPath(c.Container.DockerHost)
	}
	if c.Runner.StateDir != "" {
		c.Runner.StateDir = expandPath(c.Runner.StateDir)
	}
}

// expandPath expands ~ to home directory and environment variables
func expandPath(path string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[1:])
		}
	}

	return os.ExpandEnv(path)
}

// validate checks if the configuration is valid.
func (c *AppConfig) validate() error {
	if c.Database.Driver == "" {
		return errors.New("database driver is required")
	}

	validLogLevels := map[string]bool{
		"TRACE": true, "DEBUG": true, "INFO": true, "WARN": true, "ERROR": true, "FATAL": true, "PANIC": true,
	}
	if !validLogLevels[strings.ToUpper(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	if c.Executor.DefaultImage == "" {
		return errors.New("executor default_image is required")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Git.RepoRoot == "" {
		return errors.New("git repo_root is required")
	}

	if c.Remote.AckTimeout <= 0 {
		return fmt.Errorf("remote ack_timeout must be positive, got %s", c.Remote.AckTimeout)
	}
	if c.Remote.DeathTimeout <= c.Remote.AckTimeout {
		return fmt.Errorf("remote death_timeout (%s) must exceed ack_timeout (%s)",
			c.Remote.DeathTimeout, c.Remote.AckTimeout)
	}

	if c.Debug.MaxTimeout < c.Debug.DefaultTimeout {
		return fmt.Errorf("debug max_timeout (%s) must be at least default_timeout (%s)",
			c.Debug.MaxTimeout, c.Debug.DefaultTimeout)
	}

	return nil
}

// GetDSN returns the database connection string.
func (dc *DatabaseConfig) GetDSN() string {
	switch dc.Driver {
	case "sqlite":
		dsn := dc.Database
		if dsn == ":memory:" {
			dsn = "file::memory:?cache=shared"
		}
		return dsn
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			dc.Host, dc.Port, dc.Username, dc.Password, dc.Database, dc.SSLMode)
	default:
		return dc.Database
	}
}
