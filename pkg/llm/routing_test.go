package llm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRoutingFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadRoutingConfig_YAML(t *testing.T) {
	path := writeRoutingFile(t, "routing.yaml", `
default_provider: dummy
default_model: dummy-v1
default_fallback_chain: [openrouter, openai, dummy]
domains:
  Finance:
    provider: openrouter
    model: openai/gpt-4o
tenants:
  TENANT_A:
    provider: openai
    fallback_chain: [openai, dummy]
`)

	cfg := LoadRoutingConfig(path, nil)
	require.NotNil(t, cfg)
	assert.Equal(t, "dummy", cfg.DefaultProvider)
	assert.Equal(t, []string{"openrouter", "openai", "dummy"}, cfg.DefaultFallbackChain)

	domain, ok := cfg.DomainOverride("Finance")
	require.True(t, ok)
	assert.Equal(t, "openrouter", domain.Provider)
	assert.Equal(t, "openai/gpt-4o", domain.Model)

	tenant, ok := cfg.TenantOverride("TENANT_A")
	require.True(t, ok)
	assert.Equal(t, []string{"openai", "dummy"}, tenant.FallbackChain)
}

func TestLoadRoutingConfig_JSON(t *testing.T) {
	path := writeRoutingFile(t, "routing.json", `{
		"default_provider": "openai",
		"tenants": {"TENANT_B": {"provider": "dummy"}}
	}`)

	cfg := LoadRoutingConfig(path, nil)
	require.NotNil(t, cfg)
	assert.Equal(t, "openai", cfg.DefaultProvider)

	tenant, ok := cfg.TenantOverride("TENANT_B")
	require.True(t, ok)
	assert.Equal(t, "dummy", tenant.Provider)
}

func TestLoadRoutingConfig_MissingFileIsAbsent(t *testing.T) {
	cfg := LoadRoutingConfig(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Nil(t, cfg)
}

func TestLoadRoutingConfig_EmptyPathIsAbsent(t *testing.T) {
	assert.Nil(t, LoadRoutingConfig("", nil))
}

func TestLoadRoutingConfig_InvalidFileIsAbsent(t *testing.T) {
	path := writeRoutingFile(t, "routing.yaml", "default_provider: [this is: not valid\n\tyaml")
	assert.Nil(t, LoadRoutingConfig(path, nil))
}

func TestLoadRoutingConfig_InvalidJSONIsAbsent(t *testing.T) {
	path := writeRoutingFile(t, "routing.json", `{"default_provider": `)
	assert.Nil(t, LoadRoutingConfig(path, nil))
}

func TestRoutingConfig_NilLookupsMiss(t *testing.T) {
	var cfg *RoutingConfig

	_, ok := cfg.TenantOverride("TENANT_A")
	assert.False(t, ok)
	_, ok = cfg.DomainOverride("Finance")
	assert.False(t, ok)
}
