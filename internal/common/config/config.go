// Package config provides configuration management for relayd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for relayd.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Hub       HubConfig       `mapstructure:"hub"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Settings  SettingsConfig  `mapstructure:"settings"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver selects between the embedded sqlite store and postgres.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite or postgres
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// HubConfig holds message hub configuration.
type HubConfig struct {
	DedupCacheSize     int      `mapstructure:"dedupCacheSize"`
	DedupTTLSeconds    int      `mapstructure:"dedupTtlSeconds"`
	SweepSeconds       int      `mapstructure:"sweepSeconds"`
	RequestTimeout     int      `mapstructure:"requestTimeout"` // in seconds
	GlobalAutoMethods  []string `mapstructure:"globalAutoMethods"`
	SessionAutoMethods []string `mapstructure:"sessionAutoMethods"`
}

// RuntimeConfig holds per-session runtime configuration.
type RuntimeConfig struct {
	QueueTimeoutSeconds int `mapstructure:"queueTimeoutSeconds"`
	ErrorThreshold      int `mapstructure:"errorThreshold"`
	RapidFireThreshold  int `mapstructure:"rapidFireThreshold"`
	RapidFireWindowMs   int `mapstructure:"rapidFireWindowMs"`
	DraftCoalesceMs     int `mapstructure:"draftCoalesceMs"`
}

// SchedulerConfig holds recurring job scheduler configuration.
type SchedulerConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// SettingsConfig holds the settings document location.
type SettingsConfig struct {
	Path string `mapstructure:"path"`
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

// DedupTTL returns the dedup cache TTL as a time.Duration.
func (h *HubConfig) DedupTTL() time.Duration {
	return time.Duration(h.DedupTTLSeconds) * time.Second
}

// SweepInterval returns the cache sweep interval as a time.Duration.
func (h *HubConfig) SweepInterval() time.Duration {
	return time.Duration(h.SweepSeconds) * time.Second
}

// RequestTimeoutDuration returns the hub request timeout as a time.Duration.
func (h *HubConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(h.RequestTimeout) * time.Second
}

// QueueTimeout returns the message queue consumption timeout.
func (r *RuntimeConfig) QueueTimeout() time.Duration {
	return time.Duration(r.QueueTimeoutSeconds) * time.Second
}

// RapidFireWindow returns the circuit breaker rapid-fire window.
func (r *RuntimeConfig) RapidFireWindow() time.Duration {
	return time.Duration(r.RapidFireWindowMs) * time.Millisecond
}

// DraftCoalesce returns the draft write coalescing interval.
func (r *RuntimeConfig) DraftCoalesce() time.Duration {
	return time.Duration(r.DraftCoalesceMs) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("RELAYD_ENV"); env == "production" || env == "prod" {
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
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "~/.relayd/relayd.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "relayd")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "relayd")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "relayd")
	v.SetDefault("nats.maxReconnects", 10)

	// Hub defaults
	v.SetDefault("hub.dedupCacheSize", 500)
	v.SetDefault("hub.dedupTtlSeconds", 60)
	v.SetDefault("hub.sweepSeconds", 30)
	v.SetDefault("hub.requestTimeout", 30)
	v.SetDefault("hub.globalAutoMethods", []string{
		"session.created", "session.updated", "session.deleted",
	})
	v.SetDefault("hub.sessionAutoMethods", []string{
		"sdk.message", "state.sdkMessages.delta", "session.contextUpdated",
		"session.queueUpdated",
	})

	// Runtime defaults
	v.SetDefault("runtime.queueTimeoutSeconds", 30)
	v.SetDefault("runtime.errorThreshold", 3)
	v.SetDefault("runtime.rapidFireThreshold", 5)
	v.SetDefault("runtime.rapidFireWindowMs", 3000)
	v.SetDefault("runtime.draftCoalesceMs", 250)

	// Scheduler defaults
	v.SetDefault("scheduler.enabled", true)

	// Settings defaults
	v.SetDefault("settings.path", "~/.relayd/settings.json")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix RELAYD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/relayd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("RELAYD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("database.dbName", "RELAYD_DATABASE_DB_NAME")
	_ = v.BindEnv("database.sslMode", "RELAYD_DATABASE_SSL_MODE")
	_ = v.BindEnv("nats.clientId", "RELAYD_NATS_CLIENT_ID")
	_ = v.BindEnv("settings.path", "RELAYD_SETTINGS_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/relayd/")

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

// validate checks configuration invariants that would otherwise surface as
// confusing runtime failures.
func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %q", cfg.Database.Driver)
	}
	if cfg.Hub.DedupCacheSize <= 0 {
		return fmt.Errorf("hub.dedupCacheSize must be positive")
	}
	if cfg.Runtime.ErrorThreshold <= 0 {
		return fmt.Errorf("runtime.errorThreshold must be positive")
	}
	if cfg.Runtime.RapidFireThreshold <= 0 {
		return fmt.Errorf("runtime.rapidFireThreshold must be positive")
	}
	for _, m := range append(append([]string{}, cfg.Hub.GlobalAutoMethods...), cfg.Hub.SessionAutoMethods...) {
		if strings.Contains(m, ":") {
			return fmt.Errorf("auto-subscribe method %q contains reserved ':'", m)
		}
	}
	return nil
}
