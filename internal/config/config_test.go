package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, "8080", cfg.AppPort)
	assert.Equal(t, 10, cfg.SessionCap)
	assert.Equal(t, 24*time.Hour, cfg.SessionDuration)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, "file", cfg.ArtifactBackend)
}

func TestOverlayEnv(t *testing.T) {
	cfg := Defaults()
	err := cfg.overlayEnv(envFrom(map[string]string{
		"APP_PORT":         "9000",
		"SESSION_CAP":      "3",
		"STRICT_ORIGIN":    "true",
		"SESSION_DURATION": "90m",
		"INGEST_RATE":      "12.5",
		"STORE_BACKEND":    "memory",

		"OTEL_EXPORTER_OTLP_ENDPOINT": "collector:4317",
	}))
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.AppPort)
	assert.Equal(t, 3, cfg.SessionCap)
	assert.True(t, cfg.StrictOrigin)
	assert.Equal(t, 90*time.Minute, cfg.SessionDuration)
	assert.InDelta(t, 12.5, cfg.IngestRate, 1e-9)
	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.Equal(t, "collector:4317", cfg.OTLPEndpoint)
}

func TestOverlayEnv_ParseErrors(t *testing.T) {
	cfg := Defaults()
	err := cfg.overlayEnv(envFrom(map[string]string{
		"SESSION_CAP":      "ten",
		"SESSION_DURATION": "forever",
		"COOKIE_SECURE":    "maybe",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SESSION_CAP")
	assert.Contains(t, err.Error(), "SESSION_DURATION")
	assert.Contains(t, err.Error(), "COOKIE_SECURE")
}

func TestOverlayFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cadence.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app_port: "7070"
session_cap: 4
session_duration: 2h
store_backend: memory
artifact_dir: /tmp/music
`), 0o600))

	cfg := Defaults()
	require.NoError(t, cfg.overlayFile(path))
	assert.Equal(t, "7070", cfg.AppPort)
	assert.Equal(t, 4, cfg.SessionCap)
	assert.Equal(t, 2*time.Hour, cfg.SessionDuration)
	assert.Equal(t, "/tmp/music", cfg.ArtifactDir)
	// untouched keys keep defaults
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
}

func TestOverlayFile_Missing(t *testing.T) {
	cfg := Defaults()
	err := cfg.overlayFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Defaults()
		cfg.SessionSecret = "s3cret"
		cfg.StoreBackend = "memory"
		return cfg
	}

	t.Run("valid memory config", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("missing secret", func(t *testing.T) {
		cfg := valid()
		cfg.SessionSecret = ""
		assert.ErrorContains(t, cfg.Validate(), "SESSION_SECRET")
	})

	t.Run("postgres without dsn", func(t *testing.T) {
		cfg := valid()
		cfg.StoreBackend = "postgres"
		assert.ErrorContains(t, cfg.Validate(), "DATABASE_DSN")
	})

	t.Run("gcs without bucket", func(t *testing.T) {
		cfg := valid()
		cfg.ArtifactBackend = "gcs"
		assert.ErrorContains(t, cfg.Validate(), "GCS_BUCKET")
	})

	t.Run("unknown backends", func(t *testing.T) {
		cfg := valid()
		cfg.StoreBackend = "mongo"
		cfg.ArtifactBackend = "ftp"
		err := cfg.Validate()
		assert.ErrorContains(t, err, "STORE_BACKEND")
		assert.ErrorContains(t, err, "ARTIFACT_BACKEND")
	})

	t.Run("cap below one", func(t *testing.T) {
		cfg := valid()
		cfg.SessionCap = 0
		assert.ErrorContains(t, cfg.Validate(), "SESSION_CAP")
	})

	t.Run("non-positive intervals", func(t *testing.T) {
		cfg := valid()
		cfg.SessionSweepInterval = 0
		cfg.JobCleanupInterval = -time.Second
		err := cfg.Validate()
		assert.ErrorContains(t, err, "SESSION_SWEEP_INTERVAL")
		assert.ErrorContains(t, err, "JOB_CLEANUP_INTERVAL")
	})
}
