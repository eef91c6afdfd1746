// Package config provides configuration management for Spyre.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Spyre.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	SSH      SSHConfig      `mapstructure:"ssh"`
	Claude   ClaudeConfig   `mapstructure:"claude"`
	Proxmox  ProxmoxConfig  `mapstructure:"proxmox"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds SQLite database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL means the in-memory event bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SSHConfig holds transport configuration for managed environments.
type SSHConfig struct {
	PrivateKeyPath    string `mapstructure:"privateKeyPath"`
	ReadyTimeout      int    `mapstructure:"readyTimeout"`      // in seconds
	KeepaliveInterval int    `mapstructure:"keepaliveInterval"` // in seconds
}

// ClaudeConfig holds agent CLI execution configuration.
type ClaudeConfig struct {
	Binary             string `mapstructure:"binary"`
	TaskTimeout        int    `mapstructure:"taskTimeout"`        // in seconds
	NoOutputWatchdog   int    `mapstructure:"noOutputWatchdog"`   // in seconds
	MaxConcurrentTasks int    `mapstructure:"maxConcurrentTasks"`
}

// ProxmoxConfig holds hypervisor API configuration.
type ProxmoxConfig struct {
	APIURL       string `mapstructure:"apiUrl"`
	TokenID      string `mapstructure:"tokenId"`
	TokenSecret  string `mapstructure:"tokenSecret"`
	Node         string `mapstructure:"node"`
	SyncInterval int    `mapstructure:"syncInterval"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ReadyTimeoutDuration returns the SSH ready timeout as a time.Duration.
func (s *SSHConfig) ReadyTimeoutDuration() time.Duration {
	return time.Duration(s.ReadyTimeout) * time.Second
}

// KeepaliveDuration returns the keepalive interval as a time.Duration.
func (s *SSHConfig) KeepaliveDuration() time.Duration {
	return time.Duration(s.KeepaliveInterval) * time.Second
}

// TaskTimeoutDuration returns the per-task timeout as a time.Duration.
func (c *ClaudeConfig) TaskTimeoutDuration() time.Duration {
	return time.Duration(c.TaskTimeout) * time.Second
}

// WatchdogDuration returns the no-output watchdog delay as a time.Duration.
func (c *ClaudeConfig) WatchdogDuration() time.Duration {
	return time.Duration(c.NoOutputWatchdog) * time.Second
}

// SyncIntervalDuration returns the environment sync interval as a time.Duration.
func (p *ProxmoxConfig) SyncIntervalDuration() time.Duration {
	return time.Duration(p.SyncInterval) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("SPYRE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.path", "spyre.db")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "spyre")
	v.SetDefault("nats.maxReconnects", 10)

	// SSH defaults
	v.SetDefault("ssh.privateKeyPath", "~/.ssh/id_ed25519")
	v.SetDefault("ssh.readyTimeout", 10)
	v.SetDefault("ssh.keepaliveInterval", 30)

	// Agent CLI defaults
	v.SetDefault("claude.binary", "claude")
	v.SetDefault("claude.taskTimeout", 600)
	v.SetDefault("claude.noOutputWatchdog", 5)
	v.SetDefault("claude.maxConcurrentTasks", 5)

	// Proxmox defaults
	v.SetDefault("proxmox.apiUrl", "")
	v.SetDefault("proxmox.tokenId", "")
	v.SetDefault("proxmox.tokenSecret", "")
	v.SetDefault("proxmox.node", "pve")
	v.SetDefault("proxmox.syncInterval", 60)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SPYRE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/spyre/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("SPYRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("ssh.privateKeyPath", "SPYRE_SSH_PRIVATE_KEY_PATH")
	_ = v.BindEnv("claude.taskTimeout", "SPYRE_CLAUDE_TASK_TIMEOUT")
	_ = v.BindEnv("claude.maxConcurrentTasks", "SPYRE_CLAUDE_MAX_CONCURRENT_TASKS")
	_ = v.BindEnv("proxmox.apiUrl", "SPYRE_PROXMOX_API_URL")
	_ = v.BindEnv("proxmox.tokenId", "SPYRE_PROXMOX_TOKEN_ID")
	_ = v.BindEnv("proxmox.tokenSecret", "SPYRE_PROXMOX_TOKEN_SECRET")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/spyre/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if cfg.Claude.TaskTimeout <= 0 {
		errs = append(errs, "claude.taskTimeout must be positive")
	}
	if cfg.Claude.NoOutputWatchdog <= 0 {
		errs = append(errs, "claude.noOutputWatchdog must be positive")
	}
	if cfg.Claude.MaxConcurrentTasks <= 0 {
		errs = append(errs, "claude.maxConcurrentTasks must be positive")
	}

	if cfg.SSH.ReadyTimeout <= 0 {
		errs = append(errs, "ssh.readyTimeout must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
