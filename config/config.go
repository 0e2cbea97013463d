package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Session SessionConfig `mapstructure:"session"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport       string   `mapstructure:"transport"`
	HTTPPort        int      `mapstructure:"http_port"`
	BlockedCommands []string `mapstructure:"blocked_commands"`
}

// SandboxConfig holds the runtime backend and the fixed environment policy
type SandboxConfig struct {
	Backend             string `mapstructure:"backend"`
	EnableLocalBackend  bool   `mapstructure:"enable_local_backend"`
	DockerHost          string `mapstructure:"docker_host"`
	CLIBinary           string `mapstructure:"cli_binary"`
	LocalRoot           string `mapstructure:"local_root"`
	Image               string `mapstructure:"image"`
	NamePrefix          string `mapstructure:"name_prefix"`
	LabelKey            string `mapstructure:"label_key"`
	Memory              string `mapstructure:"memory"`
	CPUPeriod           int64  `mapstructure:"cpu_period"`
	CPUQuota            int64  `mapstructure:"cpu_quota"`
	Shell               string `mapstructure:"shell"`
	DefaultWorkdir      string `mapstructure:"default_workdir"`
	ExecTimeoutSec      int    `mapstructure:"exec_timeout_sec"`
	OperationTimeoutSec int    `mapstructure:"operation_timeout_sec"`
	MaxOutputBytes      int64  `mapstructure:"max_output_bytes"`
	StopGraceSec        int    `mapstructure:"stop_grace_sec"`
}

// SessionConfig holds idle eviction policy
type SessionConfig struct {
	IdleTimeoutMin   int `mapstructure:"idle_timeout_min"`
	SweepIntervalSec int `mapstructure:"sweep_interval_sec"`
	SweepConcurrency int `mapstructure:"sweep_concurrency"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// MetricsConfig holds the prometheus listener configuration
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Path       string `mapstructure:"path"`
}

// EnvPrefix is the prefix for environment variable overrides, e.g. SHELLBOX_SANDBOX_IMAGE
const EnvPrefix = "SHELLBOX"

var namePrefixPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// New loads and validates the application configuration
func New() (*Config, error) {
	return Load("")
}

// Load reads configuration from path, or from the default search paths when path is empty
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.blocked_commands", []string{"rm -rf /", ":(){ :|:& };:", "dd if=/dev/zero"})

	v.SetDefault("sandbox.backend", "docker")
	v.SetDefault("sandbox.enable_local_backend", false)
	v.SetDefault("sandbox.docker_host", "")
	v.SetDefault("sandbox.cli_binary", "docker")
	v.SetDefault("sandbox.local_root", "")
	v.SetDefault("sandbox.image", "linux-sandbox:latest")
	v.SetDefault("sandbox.name_prefix", "learn-")
	v.SetDefault("sandbox.label_key", "learn-session")
	v.SetDefault("sandbox.memory", "256m")
	v.SetDefault("sandbox.cpu_period", 100000)
	v.SetDefault("sandbox.cpu_quota", 50000) // 50% CPU
	v.SetDefault("sandbox.shell", "/bin/bash")
	v.SetDefault("sandbox.default_workdir", "/home/learner")
	v.SetDefault("sandbox.exec_timeout_sec", 30)
	v.SetDefault("sandbox.operation_timeout_sec", 60)
	v.SetDefault("sandbox.max_output_bytes", 1<<20) // 1 MiB per command
	v.SetDefault("sandbox.stop_grace_sec", 5)

	v.SetDefault("session.idle_timeout_min", 30)
	v.SetDefault("session.sweep_interval_sec", 0)
	v.SetDefault("session.sweep_concurrency", 4)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", ":9090")
	v.SetDefault("metrics.path", "/metrics")
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // Flat list of independent field checks
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.Transport == "http" && (c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535) {
		return fmt.Errorf("server.http_port must be between 1 and 65535, got: %d", c.Server.HTTPPort)
	}

	supportedBackends := map[string]bool{
		"docker": true,
		"cli":    true,
		"podman": true,
		"local":  c.Sandbox.EnableLocalBackend, // local only enabled if specifically allowed
	}

	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Sandbox.Image == "" {
		return fmt.Errorf("sandbox.image must not be empty")
	}

	if !namePrefixPattern.MatchString(c.Sandbox.NamePrefix) {
		return fmt.Errorf("invalid sandbox.name_prefix: %q", c.Sandbox.NamePrefix)
	}

	if c.Sandbox.LabelKey == "" {
		return fmt.Errorf("sandbox.label_key must not be empty")
	}

	if c.Sandbox.Memory == "" {
		return fmt.Errorf("sandbox.memory must not be empty")
	}

	if c.Sandbox.CPUPeriod < 0 || c.Sandbox.CPUQuota < 0 {
		return fmt.Errorf("sandbox.cpu_period and sandbox.cpu_quota must not be negative")
	}

	if c.Sandbox.Shell == "" {
		return fmt.Errorf("sandbox.shell must not be empty")
	}

	if c.Sandbox.ExecTimeoutSec <= 0 {
		return fmt.Errorf("sandbox.exec_timeout_sec must be positive, got: %d", c.Sandbox.ExecTimeoutSec)
	}

	if c.Sandbox.OperationTimeoutSec <= 0 {
		return fmt.Errorf("sandbox.operation_timeout_sec must be positive, got: %d", c.Sandbox.OperationTimeoutSec)
	}

	if c.Sandbox.MaxOutputBytes <= 0 {
		return fmt.Errorf("sandbox.max_output_bytes must be positive, got: %d", c.Sandbox.MaxOutputBytes)
	}

	if c.Sandbox.StopGraceSec < 0 {
		return fmt.Errorf("sandbox.stop_grace_sec must not be negative, got: %d", c.Sandbox.StopGraceSec)
	}

	if c.Session.IdleTimeoutMin <= 0 {
		return fmt.Errorf("session.idle_timeout_min must be positive, got: %d", c.Session.IdleTimeoutMin)
	}

	if c.Session.SweepIntervalSec < 0 {
		return fmt.Errorf("session.sweep_interval_sec must not be negative, got: %d", c.Session.SweepIntervalSec)
	}

	if c.Session.SweepConcurrency <= 0 {
		return fmt.Errorf("session.sweep_concurrency must be positive, got: %d", c.Session.SweepConcurrency)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
		"dpanic": true, "panic": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr must be set when metrics are enabled")
	}

	return nil
}

// GetExecTimeout returns the exec timeout as a duration
func (c *Config) GetExecTimeout() time.Duration {
	return time.Duration(c.Sandbox.ExecTimeoutSec) * time.Second
}

// GetOperationTimeout returns the lifecycle call timeout as a duration
func (c *Config) GetOperationTimeout() time.Duration {
	return time.Duration(c.Sandbox.OperationTimeoutSec) * time.Second
}

// GetStopGrace returns the grace period given to an environment before it is killed
func (c *Config) GetStopGrace() time.Duration {
	return time.Duration(c.Sandbox.StopGraceSec) * time.Second
}

// GetIdleTimeout returns the idle eviction threshold as a duration
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.Session.IdleTimeoutMin) * time.Minute
}

// GetSweepInterval returns the periodic sweep interval; zero disables the loop
func (c *Config) GetSweepInterval() time.Duration {
	return time.Duration(c.Session.SweepIntervalSec) * time.Second
}
