// Package config provides configuration management for Runforge.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the control plane.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Streams  StreamsConfig  `mapstructure:"streams"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds PostgreSQL connection configuration.
// An empty host selects the SQLite or in-memory worker repository instead.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// SQLiteConfig holds the embedded database configuration.
type SQLiteConfig struct {
	Path string `mapstructure:"path"` // empty means in-memory repository
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client configuration for the container driver.
type DockerConfig struct {
	Host        string `mapstructure:"host"`
	APIVersion  string `mapstructure:"apiVersion"`
	WorkerImage string `mapstructure:"workerImage"`
	Network     string `mapstructure:"network"`
	MemoryMB    int64  `mapstructure:"memoryMb"`
	CPUCores    float64 `mapstructure:"cpuCores"`
}

// ExecutorConfig holds the executor service client configuration.
// An empty base URL selects the no-op executor client.
type ExecutorConfig struct {
	BaseURL string `mapstructure:"baseUrl"`
	Timeout int    `mapstructure:"timeout"` // in seconds
}

// WorkerConfig holds session worker lifecycle policies.
type WorkerConfig struct {
	IdleTimeout      int `mapstructure:"idleTimeout"`      // seconds before a running worker is stopped
	StoppedRetention int `mapstructure:"stoppedRetention"` // seconds before a stopped worker is deleted
	SyncInterval     int `mapstructure:"syncInterval"`     // seconds before a workspace sync is considered stale
	SweepInterval    int `mapstructure:"sweepInterval"`    // seconds between sweeper passes
	SweepBatchSize   int `mapstructure:"sweepBatchSize"`   // max candidates per sweep pass
}

// StreamsConfig holds run stream bus configuration.
type StreamsConfig struct {
	MaxEventsPerStream int `mapstructure:"maxEventsPerStream"`
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

// TimeoutDuration returns the executor request timeout as a time.Duration.
func (e *ExecutorConfig) TimeoutDuration() time.Duration {
	return time.Duration(e.Timeout) * time.Second
}

// IdleTimeoutDuration returns the idle timeout as a time.Duration.
func (w *WorkerConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(w.IdleTimeout) * time.Second
}

// StoppedRetentionDuration returns the stopped retention as a time.Duration.
func (w *WorkerConfig) StoppedRetentionDuration() time.Duration {
	return time.Duration(w.StoppedRetention) * time.Second
}

// SyncIntervalDuration returns the sync staleness interval as a time.Duration.
func (w *WorkerConfig) SyncIntervalDuration() time.Duration {
	return time.Duration(w.SyncInterval) * time.Second
}

// SweepIntervalDuration returns the sweep interval as a time.Duration.
func (w *WorkerConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(w.SweepInterval) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	if env := os.Getenv("RUNFORGE_ENV"); env == "production" || env == "prod" {
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

	// Database defaults - empty host means no PostgreSQL
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "runforge")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "runforge")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// SQLite defaults - empty path means in-memory repository
	v.SetDefault("sqlite.path", "")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "runforge-control-plane")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.workerImage", "runforge/session-worker:latest")
	v.SetDefault("docker.network", "runforge-network")
	v.SetDefault("docker.memoryMb", 4096)
	v.SetDefault("docker.cpuCores", 2.0)

	// Executor defaults - empty base URL means no-op client
	v.SetDefault("executor.baseUrl", "")
	v.SetDefault("executor.timeout", 120)

	// Worker lifecycle defaults
	v.SetDefault("worker.idleTimeout", 1800)       // 30 minutes
	v.SetDefault("worker.stoppedRetention", 86400) // 24 hours
	v.SetDefault("worker.syncInterval", 3600)      // 1 hour
	v.SetDefault("worker.sweepInterval", 60)
	v.SetDefault("worker.sweepBatchSize", 20)

	// Stream defaults
	v.SetDefault("streams.maxEventsPerStream", 1000)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix RUNFORGE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/runforge/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("RUNFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/runforge/")

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
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation - only if host is set (optional for sqlite/in-memory mode)
	if cfg.Database.Host != "" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.host is set")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.host is set")
		}
	}

	if cfg.Worker.IdleTimeout <= 0 {
		errs = append(errs, "worker.idleTimeout must be positive")
	}
	if cfg.Worker.StoppedRetention <= 0 {
		errs = append(errs, "worker.stoppedRetention must be positive")
	}
	if cfg.Worker.SweepInterval <= 0 {
		errs = append(errs, "worker.sweepInterval must be positive")
	}
	if cfg.Worker.SweepBatchSize < 0 {
		errs = append(errs, "worker.sweepBatchSize must not be negative")
	}

	if cfg.Streams.MaxEventsPerStream <= 0 {
		errs = append(errs, "streams.maxEventsPerStream must be positive")
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

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
