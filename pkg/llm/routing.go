package llm

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment variables consulted by the routing fabric.
const (
	// EnvProvider is the environment default provider name.
	EnvProvider = "LLM_PROVIDER"
	// EnvModel is the environment default model identifier.
	EnvModel = "LLM_MODEL"
	// EnvAPIKey authenticates direct provider calls.
	EnvAPIKey = "LLM_API_KEY"
	// EnvOpenRouterAPIKey overrides EnvAPIKey for the openrouter provider.
	EnvOpenRouterAPIKey = "OPENROUTER_API_KEY"
	// EnvRoutingConfigPath points at the routing config file.
	EnvRoutingConfigPath = "LLM_ROUTING_CONFIG_PATH"
)

// RouteOverride is a per-domain or per-tenant routing entry. All fields are
// optional; empty fields defer to the next precedence level.
type RouteOverride struct {
	Provider      string   `json:"provider,omitempty" yaml:"provider,omitempty"`
	Model         string   `json:"model,omitempty" yaml:"model,omitempty"`
	FallbackChain []string `json:"fallback_chain,omitempty" yaml:"fallback_chain,omitempty"`
}

// RoutingConfig maps tenants and domains to providers. Loaded once at startup
// and replaced wholesale on reload; never mutated in place.
type RoutingConfig struct {
	DefaultProvider      string                   `json:"default_provider,omitempty" yaml:"default_provider,omitempty"`
	DefaultModel         string                   `json:"default_model,omitempty" yaml:"default_model,omitempty"`
	DefaultFallbackChain []string                 `json:"default_fallback_chain,omitempty" yaml:"default_fallback_chain,omitempty"`
	Domains              map[string]RouteOverride `json:"domains,omitempty" yaml:"domains,omitempty"`
	Tenants              map[string]RouteOverride `json:"tenants,omitempty" yaml:"tenants,omitempty"`
}

// TenantOverride returns the routing entry for a tenant, if any.
func (c *RoutingConfig) TenantOverride(tenantID string) (RouteOverride, bool) {
	if c == nil || tenantID == "" {
		return RouteOverride{}, false
	}
	o, ok := c.Tenants[tenantID]
	return o, ok
}

// DomainOverride returns the routing entry for a domain, if any.
func (c *RoutingConfig) DomainOverride(domain string) (RouteOverride, bool) {
	if c == nil || domain == "" {
		return RouteOverride{}, false
	}
	o, ok := c.Domains[domain]
	return o, ok
}

// LoadRoutingConfig reads the routing config file at path. The format is
// inferred from the extension: .json parses as JSON, everything else as YAML.
//
// A missing file or empty path returns nil without error; lookups against a
// nil config miss and the precedence chain continues to the environment. An
// unreadable or malformed file is logged and likewise treated as absent — a
// bad routing config must never keep the process from starting.
func LoadRoutingConfig(path string, log *slog.Logger) *RoutingConfig {
	if log == nil {
		log = slog.Default()
	}
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Info("LLM routing config not found, using environment defaults", "path", path)
		} else {
			log.Warn("Failed to read LLM routing config, treating as absent", "path", path, "error", err)
		}
		return nil
	}

	var cfg RoutingConfig
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		log.Warn("Invalid LLM routing config, treating as absent", "path", path, "error", err)
		return nil
	}

	log.Info("Loaded LLM routing config",
		"path", path,
		"default_provider", cfg.DefaultProvider,
		"domains", len(cfg.Domains),
		"tenants", len(cfg.Tenants))
	return &cfg
}
