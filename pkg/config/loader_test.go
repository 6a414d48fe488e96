package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearOverrides pins every environment variable Load reads to empty so
// ambient CI values cannot leak into assertions.
func clearOverrides(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		EnvConfigPath, EnvHTTPAddr, EnvDatabaseURL, EnvNATSURL,
		EnvAuditLogPath, EnvPacksDir, EnvRoutingConfigPath,
		EnvLogLevel, EnvLogFormat,
	} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "remsy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_DefaultsWhenNoFile(t *testing.T) {
	clearOverrides(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout.Std())
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout.Std())
	assert.Equal(t, 20*time.Second, cfg.Server.ShutdownTimeout.Std())
	assert.Empty(t, cfg.Database.URL)
	assert.Empty(t, cfg.Broker.NATSURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 4, cfg.Queue.Concurrency)
	assert.Equal(t, 3, cfg.Queue.MaxDeliver)
	assert.True(t, cfg.Execution.DryRun())
	assert.Equal(t, 0.3, cfg.Feedback.FalsePositiveThreshold)
	assert.Equal(t, 10, cfg.Feedback.MinSampleSize)
}

func TestLoad_FileOverlaysDefaults(t *testing.T) {
	clearOverrides(t)
	path := writeConfig(t, `
server:
  addr: ":9090"
  read_timeout: 5s
database:
  url: postgres://localhost:5432/remsy
queue:
  concurrency: 8
execution:
  live: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout.Std())
	assert.Equal(t, "postgres://localhost:5432/remsy", cfg.Database.URL)
	assert.Equal(t, 8, cfg.Queue.Concurrency)
	assert.False(t, cfg.Execution.DryRun())

	// Settings the file leaves out keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout.Std())
	assert.Equal(t, 3, cfg.Queue.MaxDeliver)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearOverrides(t)
	path := writeConfig(t, `
server:
  addr: ":9090"
log:
  level: warn
`)
	t.Setenv(EnvHTTPAddr, ":7070")
	t.Setenv(EnvDatabaseURL, "postgres://db:5432/prod")
	t.Setenv(EnvLogLevel, "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, "postgres://db:5432/prod", cfg.Database.URL)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_ExpandsFileReferences(t *testing.T) {
	clearOverrides(t)
	t.Setenv("REMSY_TEST_PACKS", "/etc/remsy/packs")
	path := writeConfig(t, `
packs:
  dir: ${REMSY_TEST_PACKS}
broker:
  nats_url: ${REMSY_TEST_NATS:-nats://localhost:4222}
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/etc/remsy/packs", cfg.Packs.Dir)
	assert.Equal(t, "nats://localhost:4222", cfg.Broker.NATSURL)
}

func TestLoad_ConfigPathFromEnvironment(t *testing.T) {
	clearOverrides(t)
	path := writeConfig(t, `
server:
  addr: ":6060"
`)
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":6060", cfg.Server.Addr)
}

func TestLoad_MissingFileFails(t *testing.T) {
	clearOverrides(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.ErrorIs(t, err, ErrConfigNotFound)

	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Contains(t, loadErr.File, "absent.yaml")
}

func TestLoad_MalformedYAMLFails(t *testing.T) {
	clearOverrides(t)
	path := writeConfig(t, "server: [broken")

	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestLoad_UnknownKeyFails(t *testing.T) {
	clearOverrides(t)
	path := writeConfig(t, `
servre:
  addr: ":9090"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestLoad_BadDurationFails(t *testing.T) {
	clearOverrides(t)
	path := writeConfig(t, `
server:
  read_timeout: fast
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
	assert.ErrorContains(t, err, "not a duration")
}

func TestLoad_EmptyFileKeepsDefaults(t *testing.T) {
	clearOverrides(t)
	path := writeConfig(t, "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 4, cfg.Queue.Concurrency)
}

func TestLoad_InvalidValueFails(t *testing.T) {
	clearOverrides(t)
	path := writeConfig(t, `
queue:
  concurrency: -2
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidValue)

	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "queue.concurrency", valErr.Field)
}
