package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_DevelopmentProfile(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30, cfg.Limits.LocationRetentionDays)
	assert.Equal(t, 50, cfg.Limits.MaxBatchSize)
	assert.Equal(t, 5, cfg.Webhooks.FailureThreshold)
	assert.Equal(t, 60, cfg.Webhooks.CooloffSeconds)
	assert.Equal(t, 7, cfg.Webhooks.RetentionDays)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 587, cfg.Email.SMTPPort)
	assert.False(t, cfg.FCM.Enabled)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  port: 9090
  env: production
limits:
  location_retention_days: 90
webhooks:
  batch_size: 25
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "production", cfg.Server.Env)
	assert.Equal(t, 90, cfg.Limits.LocationRetentionDays)
	assert.Equal(t, 25, cfg.Webhooks.BatchSize)
	// Untouched keys keep defaults
	assert.Equal(t, 5, cfg.Webhooks.FailureThreshold)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("PM__SERVER__PORT", "7000")
	t.Setenv("PM__LIMITS__MAX_BATCH_SIZE", "10")
	t.Setenv("PM__FEATURES__WEBHOOKS", "false")
	t.Setenv("PM__ADMIN__BOOTSTRAP_EMAIL", "root@example.com")
	t.Setenv("PM__LOGGING__LEVEL", "debug")
	t.Setenv("PM__OAUTH__GOOGLE_CLIENT_ID", "google-aud")
	t.Setenv("PM__FCM__ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Limits.MaxBatchSize)
	assert.False(t, cfg.Features.Webhooks)
	assert.Equal(t, "root@example.com", cfg.Admin.BootstrapEmail)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "google-aud", cfg.OAuth.GoogleClientID)
	assert.True(t, cfg.FCM.Enabled)
}

func TestLoad_InvalidEnvValueIgnored(t *testing.T) {
	t.Setenv("PM__SERVER__PORT", "not-a-number")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}
