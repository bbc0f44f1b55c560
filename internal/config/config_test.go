package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(Options{EnvFile: filepath.Join(t.TempDir(), "absent.env")})
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.Server.ListenAddr)
	require.Equal(t, 1000, cfg.Ingest.MaxBatchSize)
	require.Equal(t, 8, cfg.Ingest.Workers)
	require.Equal(t, 30*time.Minute, cfg.Ingest.DedupeTTL)
	require.Equal(t, 10*time.Minute, cfg.Database.MaxConnIdleTime)
	require.True(t, cfg.Pricing.SeedDefaults)
	require.Equal(t, 2.0, cfg.Insights.SpikeFactor)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("METER_SERVER_LISTEN_ADDR", ":9999")
	t.Setenv("METER_REPORTING_TIMEZONE", "America/New_York")

	cfg, err := Load(Options{EnvFile: filepath.Join(t.TempDir(), "absent.env")})
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.Server.ListenAddr)
	require.Equal(t, "America/New_York", cfg.Reporting.Timezone)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meter.yaml")
	body := []byte(`
server:
  listen_addr: ":7070"
ingest:
  max_batch_size: 250
auth:
  api_keys:
    - key: mk_test_1
      tenant_id: 2f0c8f6e-35c7-47a1-90cd-1d8ad33a9d85
      name: staging
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	cfg, err := Load(Options{ConfigFile: path, EnvFile: filepath.Join(dir, "absent.env")})
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.Server.ListenAddr)
	require.Equal(t, 250, cfg.Ingest.MaxBatchSize)
	require.Len(t, cfg.Auth.APIKeys, 1)
	require.Equal(t, "staging", cfg.Auth.APIKeys[0].Name)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := &Config{}
	cfg.Server.ListenAddr = ":8080"
	cfg.Ingest.MaxBatchSize = 100
	cfg.Ingest.Workers = 4

	cfg.RateLimits.Enabled = true
	require.Error(t, cfg.Validate(), "rate limiting without redis should fail validation")
	cfg.RateLimits.Enabled = false

	cfg.Auth.APIKeys = []APIKeyConfig{{Key: "mk_x"}}
	require.Error(t, cfg.Validate(), "api key without tenant should fail validation")
}
