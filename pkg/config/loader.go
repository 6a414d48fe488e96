package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Load builds the service configuration. Built-in defaults come first, the
// YAML file at path overlays them, and environment variables override both.
// An empty path falls back to REMSY_CONFIG_PATH; when neither names a file,
// the defaults plus environment overrides are returned. A named file that
// cannot be read is fatal.
func Load(path string) (*Config, error) {
	// 1. Start from the built-in defaults
	cfg := Default()

	// 2. Resolve the config file path
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	// 3. Overlay the file when one is named
	if path != "" {
		fileCfg, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		if err := mergo.Merge(cfg, fileCfg, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge configuration overlay: %w", err)
		}
	}

	// 4. Apply environment overrides
	applyEnvOverrides(cfg)

	// 5. Validate the assembled configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile reads, expands, and decodes one YAML config file. Unknown keys
// are rejected so a typo cannot silently fall back to a default.
func loadFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewLoadError(path, ErrConfigNotFound)
		}
		return nil, NewLoadError(path, err)
	}

	expanded := ExpandEnv(string(raw))

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			// An empty file overlays nothing.
			return &cfg, nil
		}
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}
	return &cfg, nil
}

// applyEnvOverrides copies set, non-empty environment variables over the
// assembled configuration.
func applyEnvOverrides(cfg *Config) {
	overrideString(EnvHTTPAddr, &cfg.Server.Addr)
	overrideString(EnvDatabaseURL, &cfg.Database.URL)
	overrideString(EnvNATSURL, &cfg.Broker.NATSURL)
	overrideString(EnvPacksDir, &cfg.Packs.Dir)
	overrideString(EnvRoutingConfigPath, &cfg.Routing.ConfigPath)
	overrideString(EnvAuditLogPath, &cfg.Audit.LogPath)
	overrideString(EnvLogLevel, &cfg.Log.Level)
	overrideString(EnvLogFormat, &cfg.Log.Format)
}

func overrideString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
