package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, "environment: TEST\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "TEST", cfg.Environment)
	assert.Equal(t, DefaultEngineConfig(), cfg.Engine)
	assert.Equal(t, 30*time.Second, cfg.Runner.Timeout)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoadConfig_FileAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
runner:
  url: "http://runner.internal:5678/"
  timeout: 10s
engine:
  max_retries: 5
  base_delay: 2s
  multiplier: 3
auth:
  okta_domain: "https://acme.okta.com/oauth2/default/"
notifications:
  url: "http://hooks.internal/owner"
  on_completion: [ingestion, social-campaign]
`)
	t.Setenv("LISTINGFLOW_WEBHOOK_SECRET", "shh")
	t.Setenv("LISTINGFLOW_ENGINE_MAX_RETRIES", "4")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "http://runner.internal:5678", cfg.Runner.URL)
	assert.Equal(t, 10*time.Second, cfg.Runner.Timeout)
	assert.Equal(t, 4, cfg.Engine.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Engine.BaseDelay)
	assert.Equal(t, 3.0, cfg.Engine.Multiplier)
	assert.Equal(t, "shh", cfg.Webhook.Secret)
	assert.Equal(t, "https://acme.okta.com/oauth2/default", cfg.Auth.OktaDomain)
	assert.Equal(t, "http://hooks.internal/owner", cfg.Notifications.URL)
	assert.Equal(t, 10*time.Second, cfg.Notifications.Timeout)
	assert.Equal(t, []string{"ingestion", "social-campaign"}, cfg.Notifications.OnCompletion)
}

func TestLoadConfig_RejectsInvalidEngine(t *testing.T) {
	path := writeConfig(t, `
engine:
  max_retries: -1
  multiplier: 0.5
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine.max_retries")
	assert.Contains(t, err.Error(), "engine.multiplier")
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestDatabaseURL(t *testing.T) {
	cfg := &Config{}
	cfg.DB.Host = "db"
	cfg.DB.Port = 5432
	cfg.DB.User = "u"
	cfg.DB.Password = "p"
	cfg.DB.Name = "n"
	cfg.DB.SSLMode = "disable"

	assert.Equal(t, "host=db port=5432 user=u password=p dbname=n sslmode=disable", cfg.DatabaseURL())
}
