package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, filepath.Join(cfg.DataDir, "storage"), cfg.Storage.Path)
	assert.Equal(t, filepath.Join(cfg.DataDir, "ledger.db"), cfg.LedgerPath)
	assert.Equal(t, 8, cfg.Pipeline.GoldRetentionDays)
	assert.Equal(t, 1, cfg.Pipeline.LagDays)
	assert.True(t, cfg.ShouldRunAPI())
	assert.True(t, cfg.ShouldRunScheduler())
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Mode = "compact" }},
		{"bad storage", func(c *Config) { c.Storage.Type = "gcs" }},
		{"s3 without bucket", func(c *Config) { c.Storage.Type = "s3" }},
		{"half credentials", func(c *Config) { c.Storage.S3.AccessKeyID = "AKIA" }},
		{"zero fetch concurrency", func(c *Config) { c.Pipeline.FetchConcurrency = 0 }},
		{"read concurrency above hours", func(c *Config) { c.Pipeline.ReadConcurrency = 25 }},
		{"retention inside lag", func(c *Config) { c.Pipeline.GoldRetentionDays = 1 }},
		{"negative lag", func(c *Config) { c.Pipeline.LagDays = -1 }},
		{"zero lease ttl", func(c *Config) { c.Pipeline.LeaseTTL = 0 }},
		{"lease ttl under four stages", func(c *Config) { c.Pipeline.LeaseTTL = 4*c.Pipeline.StageTimeout - time.Minute }},
		{"zero interval", func(c *Config) { c.Scheduler.Interval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Resolve()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ghlake.yaml")
	content := `
mode: scheduler
data_dir: /var/lib/ghlake
storage:
  type: s3
  s3:
    bucket: lake
    endpoint: https://example.r2.cloudflarestorage.com
pipeline:
  fetch_concurrency: 12
  lease_ttl: 3h
scheduler:
  interval: 30m
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, ModeScheduler, cfg.Mode)
	assert.Equal(t, "s3", cfg.Storage.Type)
	assert.Equal(t, "lake", cfg.Storage.S3.Bucket)
	assert.Equal(t, 12, cfg.Pipeline.FetchConcurrency)
	assert.Equal(t, 3*time.Hour, cfg.Pipeline.LeaseTTL)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.Interval)
	// Unset fields keep their defaults.
	assert.Equal(t, 4, cfg.Pipeline.ReadConcurrency)
	assert.False(t, cfg.ShouldRunAPI())
}

func TestLoadFromFile_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ghlake.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"mode":"api","pipeline":{"lag_days":2}}`), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, ModeAPI, cfg.Mode)
	assert.Equal(t, 2, cfg.Pipeline.LagDays)
	assert.False(t, cfg.ShouldRunScheduler())
}

func TestLoadFromFile_UnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ghlake.toml")
	require.NoError(t, os.WriteFile(path, []byte("mode = 'all'"), 0o644))

	_, err := LoadFromFile(path)
	assert.Error(t, err)
}

func TestLoadFromEnv_R2Fallbacks(t *testing.T) {
	t.Setenv("R2_BUCKET_NAME", "gh-lake")
	t.Setenv("R2_ENDPOINT_URL", "https://acct.r2.cloudflarestorage.com")
	t.Setenv("R2_ACCESS_KEY_ID", "key")
	t.Setenv("R2_SECRET_ACCESS_KEY", "secret")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	assert.Equal(t, "s3", cfg.Storage.Type)
	assert.Equal(t, "gh-lake", cfg.Storage.S3.Bucket)
	assert.Equal(t, "https://acct.r2.cloudflarestorage.com", cfg.Storage.S3.Endpoint)
	assert.Equal(t, "key", cfg.Storage.S3.AccessKeyID)
	assert.Equal(t, "secret", cfg.Storage.S3.SecretAccessKey)
}

func TestLoadFromEnv_PrefixedWins(t *testing.T) {
	t.Setenv("R2_BUCKET_NAME", "from-r2")
	t.Setenv("GHLAKE_S3_BUCKET", "from-ghlake")
	t.Setenv("GHLAKE_FETCH_CONCURRENCY", "3")
	t.Setenv("GHLAKE_STAGE_TIMEOUT", "5m")
	t.Setenv("GHLAKE_GRPC_ENABLED", "false")
	t.Setenv("GHLAKE_LAG_DAYS", "not-a-number")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	assert.Equal(t, "from-ghlake", cfg.Storage.S3.Bucket)
	assert.Equal(t, 3, cfg.Pipeline.FetchConcurrency)
	assert.Equal(t, 5*time.Minute, cfg.Pipeline.StageTimeout)
	assert.False(t, cfg.GRPC.Enabled)
	assert.Equal(t, 1, cfg.Pipeline.LagDays, "unparseable values are ignored")
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("GHLAKE_TEST_DOTENV=loaded\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("GHLAKE_TEST_DOTENV") })

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "loaded", os.Getenv("GHLAKE_TEST_DOTENV"))
}

func TestEnsureDirectories(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "lake")
	cfg.Resolve()

	require.NoError(t, cfg.EnsureDirectories())
	assert.DirExists(t, cfg.DataDir)
	assert.DirExists(t, cfg.Storage.Path)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ghlake.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  lag_days: 3\n  gold_retention_days: 10\n"), 0o644))
	t.Setenv("GHLAKE_GOLD_RETENTION_DAYS", "12")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Pipeline.LagDays)
	assert.Equal(t, 12, cfg.Pipeline.GoldRetentionDays)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
