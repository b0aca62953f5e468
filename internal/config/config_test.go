package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"taskbridge/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("TB_MONDAY_TOKEN", "secret-token")
	path := writeConfig(t, `
database:
  path: "tasks.db"
monday:
  api_token: "${TB_MONDAY_TOKEN}"
  board_id: "42"
sync:
  enabled: true
  auto_sync: true
  interval_seconds: 300
  conflict_resolution: local
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "secret-token", cfg.Monday.APIToken)
	assert.Equal(t, "42", cfg.Monday.BoardID)
	assert.Equal(t, 5*time.Minute, cfg.Sync.Interval())
	assert.Equal(t, models.PolicyLocal, cfg.Sync.Policy())
	assert.True(t, cfg.Sync.AutoSync)
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "tasks.db"
monday:
  board_id: "42"
sync:
  interval_seconds: 10
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ProviderMonday, cfg.Remote.Provider)
	assert.Equal(t, 60, cfg.Sync.IntervalSeconds, "interval is clamped to the minimum")
	assert.Equal(t, models.PolicyNewest, cfg.Sync.Policy())
	assert.Equal(t, models.DefaultMaxRetries, cfg.Sync.MaxRetries)
	assert.Equal(t, time.Second, cfg.Sync.BaseDelay)
	assert.Equal(t, "data/offline-queue.json", cfg.Sync.QueuePath)
	assert.Equal(t, 7*24*time.Hour, cfg.Sync.CleanupMaxAge)
	assert.Equal(t, 2*time.Second, cfg.Connectivity.VerifyDelay)
	assert.Equal(t, "x-api-key", cfg.API.Auth.HeaderAPIKey)
	assert.Equal(t, "Tasks", cfg.Google.SheetName)
	assert.False(t, cfg.Webhook.SignatureRequired())
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	base := func() Config {
		c := Config{
			Database: DatabaseConfig{Path: "path"},
			Monday:   MondayConfig{APIToken: "token", BoardID: "1"},
			Sync:     SyncConfig{Enabled: true},
		}
		c.applyDefaults()
		return c
	}
	no := false

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "missing database path", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: true},
		{name: "enabled without token", mutate: func(c *Config) { c.Monday.APIToken = "" }, wantErr: true},
		{name: "disabled without token", mutate: func(c *Config) {
			c.Sync.Enabled = false
			c.Monday.APIToken = ""
		}},
		{name: "unknown policy", mutate: func(c *Config) { c.Sync.ConflictResolution = "coin_flip" }, wantErr: true},
		{name: "unknown provider", mutate: func(c *Config) { c.Remote.Provider = "jira" }, wantErr: true},
		{name: "sheets without spreadsheet", mutate: func(c *Config) { c.Remote.Provider = ProviderSheets }, wantErr: true},
		{name: "signature required without secret", mutate: func(c *Config) {
			yes := true
			c.Webhook.RequireSignature = &yes
		}, wantErr: true},
		{name: "permissive webhook", mutate: func(c *Config) { c.Webhook.RequireSignature = &no }},
		{name: "auth without keys", mutate: func(c *Config) { c.API.Auth.Enabled = true }, wantErr: true},
		{name: "auth with empty key", mutate: func(c *Config) {
			c.API.Auth.Enabled = true
			c.API.Auth.APIKeys = []APIClientKey{{Key: " "}}
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWebhookSignatureRequired(t *testing.T) {
	assert.True(t, WebhookConfig{SigningSecret: "s"}.SignatureRequired())
	no := false
	assert.False(t, WebhookConfig{SigningSecret: "s", RequireSignature: &no}.SignatureRequired())
	assert.False(t, WebhookConfig{}.SignatureRequired())
}

func TestLoadShippedConfig(t *testing.T) {
	t.Setenv("MONDAY_API_TOKEN", "token")
	t.Setenv("MONDAY_BOARD_ID", "1234")
	t.Setenv("MONDAY_SIGNING_SECRET", "signing")
	t.Setenv("TASKBRIDGE_API_KEY", "ops-key")

	cfg, err := Load(filepath.Join("..", "..", "configs", "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "1234", cfg.Monday.BoardID)
	assert.True(t, cfg.Webhook.SignatureRequired())
	assert.Equal(t, 300*time.Second, cfg.Sync.Interval())
	assert.Equal(t, models.PolicyNewest, cfg.Sync.Policy())
	assert.Equal(t, []string{"https://api.monday.com"}, cfg.Connectivity.FallbackURLs)
	require.Len(t, cfg.API.Auth.APIKeys, 1)
	assert.Equal(t, "ops-key", cfg.API.Auth.APIKeys[0].Key)
}
