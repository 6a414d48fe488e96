package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_DSN(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected string
	}{
		{
			name:     "url wins over discrete fields",
			config:   Config{URL: "postgres://u:p@db:5432/remsy", Host: "ignored"},
			expected: "postgres://u:p@db:5432/remsy",
		},
		{
			name: "assembled from discrete fields",
			config: Config{
				Host: "localhost", Port: 5432, User: "remsy",
				Password: "secret", Database: "remsy", SSLMode: "disable",
			},
			expected: "host=localhost port=5432 user=remsy password=secret dbname=remsy sslmode=disable",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.config.DSN())
		})
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/remsy")
	t.Setenv("DB_MAX_OPEN_CONNS", "25")

	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@db:5432/remsy", cfg.URL)
	assert.Equal(t, 25, cfg.MaxOpenConns)
	assert.Equal(t, 5, cfg.MaxIdleConns)
	assert.Equal(t, 30*time.Minute, cfg.ConnMaxLifetime)

	t.Setenv("DATABASE_URL", "")
	cfg, err = LoadConfigFromEnv()
	require.NoError(t, err)
	require.Empty(t, cfg.URL)
	assert.Equal(t, "remsy", cfg.User)
	assert.Equal(t, "remsy", cfg.Database)
	assert.Equal(t, "disable", cfg.SSLMode)

	t.Setenv("DB_PORT", "not-a-port")
	_, err = LoadConfigFromEnv()
	require.Error(t, err)
}
