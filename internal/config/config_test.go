package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
store:
  database_url: postgres://localhost/mailqueue
smtp:
  host: smtp.example.com
  from: engine@example.com
`))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 587, cfg.SMTP.Port)
	assert.Equal(t, 8, cfg.Engine.WorkerCount)
	assert.Equal(t, 50, cfg.Engine.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.Engine.PollInterval())
	assert.Equal(t, 5, cfg.Engine.MaxRetries)
	assert.Equal(t, 30, cfg.Engine.RetryBaseSec)
	assert.Equal(t, 3600, cfg.Engine.RetryMaxSec)
	assert.Equal(t, 10*time.Minute, cfg.Engine.StaleLease())
	assert.Equal(t, 25, cfg.Engine.MaxAttachmentMB)
	assert.Equal(t, 30*time.Second, cfg.Engine.GraceShutdown())
	assert.Equal(t, 2*time.Minute, cfg.Engine.JobTimeout())
	assert.Equal(t, 100000, cfg.Engine.MaxQueueDepth)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Tick())
	assert.Equal(t, 7, cfg.Retention.HistoryRetentionDays)
	assert.Equal(t, 30, cfg.Retention.ArchiveAfterDays)
	assert.Equal(t, 30*time.Second, cfg.Health.Heartbeat())
	assert.Equal(t, 85.0, cfg.Health.CPUWarnPercent)
	assert.Equal(t, 2*time.Minute, cfg.Alerts.EvalInterval())
	assert.Equal(t, 30, cfg.Alerts.DefaultCooldownMin)
}

func TestLoadExplicitValuesWin(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
engine:
  worker_count: 16
  batch_size: 100
  max_retries: 3
smtp:
  host: mail.internal
  port: 25
  use_tls: false
`))
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Engine.WorkerCount)
	assert.Equal(t, 100, cfg.Engine.BatchSize)
	assert.Equal(t, 3, cfg.Engine.MaxRetries)
	assert.Equal(t, 25, cfg.SMTP.Port)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
store:
  database_url: postgres://file/db
smtp:
  host: file.example.com
`)

	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("SMTP_HOST", "env.example.com")
	t.Setenv("SMTP_PORT", "2525")
	t.Setenv("WORKER_COUNT", "4")

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env/db", cfg.Store.DatabaseURL)
	assert.Equal(t, "env.example.com", cfg.SMTP.Host)
	assert.Equal(t, 2525, cfg.SMTP.Port)
	assert.Equal(t, 4, cfg.Engine.WorkerCount)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}
