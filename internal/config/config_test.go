package config

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATA_DIR", "/tmp/lookout")

	cfg := Load()

	assert.Equal(t, 4, cfg.WorkerPoolSize)
	assert.Equal(t, 5*time.Minute, cfg.SkipThreshold)
	assert.Equal(t, 48*time.Hour, cfg.MaxConnectionLoss)
	assert.Equal(t, 72*time.Hour, cfg.DedupRetention)
	assert.Equal(t, "@every 10m", cfg.RefreshSchedule)
	assert.Equal(t, "@every 2h", cfg.RetrySchedule)
	assert.Equal(t, "@every 12h", cfg.RecheckSchedule)
	assert.Equal(t, "/tmp/lookout/submits", cfg.SubmitDir())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("WORKER_POOL_SIZE", "8")
	t.Setenv("SKIP_THRESHOLD_SEC", "60")
	t.Setenv("STATUS_ENABLED", "false")
	t.Setenv("RESOURCE_POOL_MAX", "not-a-number")

	cfg := Load()

	assert.Equal(t, 8, cfg.WorkerPoolSize)
	assert.Equal(t, time.Minute, cfg.SkipThreshold)
	assert.False(t, cfg.StatusEnabled)
	assert.Equal(t, 4, cfg.ResourcePoolMax)
}

func TestNewLoggerHonorsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{LogLevel: "warn", LogFormat: "json", Region: "eu"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown", "check_id", "a")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"check_id":"a"`)
	assert.Contains(t, buf.String(), `"region":"eu"`)
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestValidate(t *testing.T) {
	t.Setenv("DATA_DIR", "/tmp/lookout")

	cfg := Load()
	assert.NoError(t, cfg.Validate())

	cfg.ControlPlane = "carrier-pigeon"
	cfg.WorkerPoolSize = 0
	err := cfg.Validate()
	assert.ErrorContains(t, err, `unknown control plane "carrier-pigeon"`)
	assert.ErrorContains(t, err, "worker pool size must be positive")

	cfg = Load()
	cfg.Region = ""
	assert.ErrorContains(t, cfg.Validate(), "region is required")
}
