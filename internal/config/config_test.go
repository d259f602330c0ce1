package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mailbox.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, BusLocal, cfg.EventBus)
	assert.Equal(t, uint64(10*1000*1000), cfg.MaxAttachmentBytes)
	assert.Equal(t, 720*time.Hour, cfg.RetentionPeriod)
	assert.Equal(t, 30*time.Second, cfg.PushPingInterval)
	assert.Equal(t, 60*time.Second, cfg.PushPongWait)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := writeFile(t, `
port: "9090"
event_bus: nats
max_attachment_size: 2 MiB
push_ping_interval: 10s
allowed_origins:
  - https://market.example
`)
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "7070")
	t.Setenv("SEARCH_LIMIT", "50")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.ServerPort)
	assert.Equal(t, BusNATS, cfg.EventBus)
	assert.Equal(t, uint64(2<<20), cfg.MaxAttachmentBytes)
	assert.Equal(t, 10*time.Second, cfg.PushPingInterval)
	assert.Equal(t, []string{"https://market.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 50, cfg.SearchLimit)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"size", "MAX_ATTACHMENT_SIZE", "lots"},
		{"bus", "EVENT_BUS", "kafka"},
		{"driver", "STORE_DRIVER", "postgres"},
		{"cron", "NOTIFICATION_RETENTION_CRON", "every day"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CONFIG_FILE", "")
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load()
	assert.Error(t, err)
}

func TestAllowedOriginsList(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}
