package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncbridge/internal/sync/types"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 1500*time.Millisecond, time.Duration(cfg.Dedup.SuppressionTTL))
}

func TestLoadLayering(t *testing.T) {
	dir := t.TempDir()

	base := `
queue:
  workers: 4
  max_attempts: 3
dedup:
  suppression_ttl: 500ms
`
	local := `
queue:
  workers: 8
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yml"), []byte(base), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.local.yml"), []byte(local), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	// local overrides base, base overrides defaults
	assert.Equal(t, 8, cfg.Queue.Workers)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, time.Duration(cfg.Dedup.SuppressionTTL))
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SYNCBRIDGE_ADDR", ":9999")
	t.Setenv("SYNCBRIDGE_WEBHOOK_SECRET", "s3cret")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, "s3cret", cfg.Server.WebhookSecret)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Queue.Workers = 0 }},
		{"zero attempts", func(c *Config) { c.Queue.MaxAttempts = 0 }},
		{"bad storage backend", func(c *Config) { c.Storage.Backend = "postgres" }},
		{"bad pubsub backend", func(c *Config) { c.PubSub.Backend = "kafka" }},
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"zero suppression ttl", func(c *Config) { c.Dedup.SuppressionTTL = types.Duration(0) }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
