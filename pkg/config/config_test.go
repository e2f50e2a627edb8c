package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadWithDefaults(t *testing.T) {
	cfg := LoadWithDefaults()
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, int64(256), cfg.Cache.MaxSizeMB)
	require.Equal(t, 20, cfg.Cache.Hierarchy.L1SizePercent)
	require.Equal(t, 5, cfg.CircuitBreaker.FailureThreshold)
	require.NoError(t, cfg.Validate())
}

func TestLoadParsesOrigins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cdn.toml")
	data := `
[server]
host = "0.0.0.0"
port = 9000

[origins.api]
url = "http://upstream.internal"
timeout_secs = 5

[[edge.rewrites]]
name = "strip-version"
pattern = "^/v1/"
replace = "/"

[logging]
level = "warn"
format = "json"
output = "stdout"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9000, cfg.Server.Port)
	require.Contains(t, cfg.Origins, "api")
	require.Equal(t, "http://upstream.internal", cfg.Origins["api"].URL)
	require.Equal(t, 5, cfg.Origins["api"].TimeoutSecs)
	require.Equal(t, 2, cfg.Origins["api"].MaxRetries) // applyDefaults backfill
	require.Len(t, cfg.Edge.Rewrites, 1)
	require.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidateRejectsEmptyOriginURL(t *testing.T) {
	cfg := LoadWithDefaults()
	cfg.Origins = map[string]OriginConfig{"broken": {}}
	require.Error(t, cfg.Validate())
}

func TestValidateRequiresAuthTokenWhenEnabled(t *testing.T) {
	cfg := LoadWithDefaults()
	cfg.Admin.AuthEnabled = true
	require.Error(t, cfg.Validate())

	cfg.Admin.AuthToken = "secret"
	require.NoError(t, cfg.Validate())
}

func TestCacheDurationFieldsDerivedFromSeconds(t *testing.T) {
	cfg := LoadWithDefaults()
	cfg.Cache.MaxTTLSecs = 100
	cfg.applyDefaults()
	require.Equal(t, int64(100), cfg.Cache.MaxTTLSecs)
	require.Equal(t, 100*1e9, float64(cfg.Cache.MaxTTL))
}

func TestRateLimitCapacityAndRefillRate(t *testing.T) {
	r := RateLimitConfig{RequestsPerWindow: 100, WindowSecs: 60, BurstSize: 20}
	require.Equal(t, float64(120), r.Capacity())
	require.InDelta(t, 100.0/60.0, r.RefillRate(), 1e-9)
}
