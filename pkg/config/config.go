// Package config loads the service configuration: built-in defaults, an
// optional YAML file, and environment overrides, in that order. The file
// supports ${VAR} and ${VAR:-default} expansion before parsing.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables read by Load. The file settings they override are
// named on the Config fields.
const (
	// EnvConfigPath points at the service config YAML.
	EnvConfigPath = "REMSY_CONFIG_PATH"
	// EnvHTTPAddr overrides server.addr.
	EnvHTTPAddr = "HTTP_ADDR"
	// EnvDatabaseURL overrides database.url.
	EnvDatabaseURL = "DATABASE_URL"
	// EnvNATSURL overrides broker.nats_url.
	EnvNATSURL = "NATS_URL"
	// EnvAuditLogPath overrides audit.log_path.
	EnvAuditLogPath = "AUDIT_LOG_PATH"
	// EnvPacksDir overrides packs.dir.
	EnvPacksDir = "PACKS_DIR"
	// EnvRoutingConfigPath overrides routing.config_path.
	EnvRoutingConfigPath = "LLM_ROUTING_CONFIG_PATH"
	// EnvLogLevel overrides log.level.
	EnvLogLevel = "LOG_LEVEL"
	// EnvLogFormat overrides log.format.
	EnvLogFormat = "LOG_FORMAT"
)

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Broker    BrokerConfig    `yaml:"broker"`
	Packs     PacksConfig     `yaml:"packs"`
	Routing   RoutingConfig   `yaml:"routing"`
	Audit     AuditConfig     `yaml:"audit"`
	Log       LogConfig       `yaml:"log"`
	Queue     QueueConfig     `yaml:"queue"`
	Execution ExecutionConfig `yaml:"execution"`
	Feedback  FeedbackConfig  `yaml:"feedback"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds the Postgres settings. An empty URL runs the service
// on in-memory stores.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// BrokerConfig selects the event bus. An empty NATS URL runs the in-process
// bus.
type BrokerConfig struct {
	NATSURL string `yaml:"nats_url"`
}

// PacksConfig locates the pack files loaded at boot.
type PacksConfig struct {
	Dir string `yaml:"dir"`
}

// RoutingConfig locates the LLM routing config file.
type RoutingConfig struct {
	ConfigPath string `yaml:"config_path"`
}

// AuditConfig holds the audit sink settings. An empty log path disables the
// file sink.
type AuditConfig struct {
	LogPath string `yaml:"log_path"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is json or text.
	Format string `yaml:"format"`
}

// QueueConfig bounds the worker mesh.
type QueueConfig struct {
	// Concurrency is the in-flight event cap per consumer group.
	Concurrency int `yaml:"concurrency"`
	// MaxDeliver caps delivery attempts per event before it is dropped.
	MaxDeliver int `yaml:"max_deliver"`
	// RedeliveryDelay is the pause before a failed event is retried.
	RedeliveryDelay Duration `yaml:"redelivery_delay"`
}

// ExecutionConfig rules how playbook steps invoke tools. The zero value is
// the safe one: steps simulate invocations until live is set.
type ExecutionConfig struct {
	Live bool `yaml:"live"`
}

// DryRun reports whether step execution simulates tool invocations.
func (c ExecutionConfig) DryRun() bool {
	return !c.Live
}

// FeedbackConfig bounds when outcome drift raises recommendations.
type FeedbackConfig struct {
	FalsePositiveThreshold float64 `yaml:"false_positive_threshold"`
	FalseNegativeThreshold float64 `yaml:"false_negative_threshold"`
	MinSampleSize          int     `yaml:"min_sample_size"`
}

// Default returns the built-in configuration the file and environment
// override.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     Duration(15 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(20 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Queue: QueueConfig{
			Concurrency:     4,
			MaxDeliver:      3,
			RedeliveryDelay: Duration(time.Second),
		},
		Feedback: FeedbackConfig{
			FalsePositiveThreshold: 0.3,
			FalseNegativeThreshold: 0.3,
			MinSampleSize:          10,
		},
	}
}

// SlogLevel maps the configured level to a slog level.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the service logger on the configured handler.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if strings.ToLower(c.Format) == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Duration is a time.Duration that accepts YAML strings like "30s" or "2m".
type Duration time.Duration

// UnmarshalYAML parses the duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%w: %q is not a duration", ErrInvalidValue, raw)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML emits the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
