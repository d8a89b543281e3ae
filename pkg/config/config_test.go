package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  address: "127.0.0.1"
  port: 9091
storage:
  db_path: "/tmp/threads"
ingest:
  capacity: 128
  workers: 2
  max_payload_size: 2MB
sequencer:
  max_queue_depth: 5
dispatch:
  timeout: 45s
  retry_limit: 2
retention:
  enabled: true
  ttl: 48h
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9091", cfg.Addr())
	require.Equal(t, "/tmp/threads", cfg.Storage.DBPath)
	require.Equal(t, int64(2*1024*1024), cfg.Ingest.MaxPayloadSize.Int64())
	require.Equal(t, 5, cfg.Sequencer.MaxQueueDepth)
	require.Equal(t, 45*time.Second, cfg.Dispatch.Timeout.Duration())
	require.Equal(t, 2, cfg.Dispatch.RetryLimit)
	require.True(t, cfg.Retention.Enabled)
	require.Equal(t, 48*time.Hour, cfg.Retention.TTL.Duration())
}

func TestDurationNumericSeconds(t *testing.T) {
	path := writeConfig(t, "dispatch:\n  timeout: 15\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 15*time.Second, cfg.Dispatch.Timeout.Duration())
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	require.Equal(t, DefaultMaxQueueDepth, cfg.Sequencer.MaxQueueDepth)
	require.Equal(t, DefaultDispatchTimeout, cfg.Dispatch.Timeout.Duration())
	require.Equal(t, DefaultRetryLimit, cfg.Dispatch.RetryLimit)
	require.Equal(t, DefaultRetentionTTL, cfg.Retention.TTL.Duration())
	require.Equal(t, DefaultIngestCapacity, cfg.Ingest.Capacity)
	require.Equal(t, DefaultIngestWorkers, cfg.Ingest.Workers)
	require.Equal(t, "https://slack.com/api", cfg.Slack.APIBase)
	require.Equal(t, "0.0.0.0:8080", cfg.Addr())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("THREADRELAY_ADDR", "127.0.0.1:7070")
	t.Setenv("THREADRELAY_DB_PATH", "/data/threads")
	t.Setenv("THREADRELAY_BOT_TOKEN", "xoxb-env")
	t.Setenv("THREADRELAY_MAX_QUEUE_DEPTH", "3")
	t.Setenv("THREADRELAY_DISPATCH_TIMEOUT", "5s")
	t.Setenv("THREADRELAY_RETENTION_TTL", "24h")

	cfg := &Config{}
	require.True(t, LoadEnvOverrides(cfg))
	require.Equal(t, "127.0.0.1:7070", cfg.Addr())
	require.Equal(t, "/data/threads", cfg.Storage.DBPath)
	require.Equal(t, "xoxb-env", cfg.Slack.BotToken)
	require.Equal(t, 3, cfg.Sequencer.MaxQueueDepth)
	require.Equal(t, 5*time.Second, cfg.Dispatch.Timeout.Duration())
	require.Equal(t, 24*time.Hour, cfg.Retention.TTL.Duration())
}

func TestLoadEffectiveMissingFileStillDefaults(t *testing.T) {
	cfg, _, err := LoadEffective(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, DefaultMaxQueueDepth, cfg.Sequencer.MaxQueueDepth)
}

func TestResolveConfigPath(t *testing.T) {
	require.Equal(t, "/from/flag", ResolveConfigPath("/from/flag", true))
	t.Setenv("THREADRELAY_CONFIG", "/from/env")
	require.Equal(t, "/from/env", ResolveConfigPath("./config.yaml", false))
}
