package config

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewWatcher(t *testing.T) {
	logger := slog.Default()

	watcher, err := NewWatcher("testdata/config.toml", logger)
	require.NoError(t, err)
	defer func() { _ = watcher.Close() }()

	require.NotNil(t, watcher.Config())
}

func TestNewWatcherNonExistent(t *testing.T) {
	logger := slog.Default()

	_, err := NewWatcher("nonexistent.toml", logger)
	require.Error(t, err)
}

func TestWatcherReload(t *testing.T) {
	logger := slog.Default()

	tmpfile, err := os.CreateTemp("", "test-config-*.toml")
	require.NoError(t, err)
	defer func() { _ = os.Remove(tmpfile.Name()) }()

	initialConfig := `
[server]
host = "0.0.0.0"
port = 5353

[origins.api]
url = "http://upstream"

[logging]
level = "info"
format = "text"
output = "stdout"
`
	_, err = tmpfile.Write([]byte(initialConfig))
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	watcher, err := NewWatcher(tmpfile.Name(), logger)
	require.NoError(t, err)
	defer func() { _ = watcher.Close() }()

	cfg := watcher.Config()
	require.Equal(t, 5353, cfg.Server.Port)

	changeDetected := make(chan bool, 1)
	watcher.OnChange(func(newCfg *Config) {
		changeDetected <- true
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		_ = watcher.Start(ctx)
	}()

	time.Sleep(100 * time.Millisecond)

	updatedConfig := `
[server]
host = "0.0.0.0"
port = 5454

[origins.api]
url = "http://upstream"

[logging]
level = "debug"
format = "text"
output = "stdout"
`
	require.NoError(t, os.WriteFile(tmpfile.Name(), []byte(updatedConfig), 0o644))

	select {
	case <-changeDetected:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for config change notification")
	}

	cfg = watcher.Config()
	require.Equal(t, 5454, cfg.Server.Port)
	require.Equal(t, "debug", cfg.Logging.Level)
}

func TestWatcherConcurrentAccess(t *testing.T) {
	logger := slog.Default()

	watcher, err := NewWatcher("testdata/config.toml", logger)
	require.NoError(t, err)
	defer func() { _ = watcher.Close() }()

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				require.NotNil(t, watcher.Config())
			}
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
}

func TestDiffLiveSectionsReportsOnlyChangedSections(t *testing.T) {
	base := LoadWithDefaults()
	other := LoadWithDefaults()
	require.Empty(t, diffLiveSections(base, other))

	other.RateLimit.RequestsPerWindow = base.RateLimit.RequestsPerWindow + 1
	require.Equal(t, []string{"rate_limit"}, diffLiveSections(base, other))

	other.CircuitBreaker.FailureThreshold = base.CircuitBreaker.FailureThreshold + 1
	require.ElementsMatch(t, []string{"rate_limit", "circuit_breaker"}, diffLiveSections(base, other))
}

func TestWatcherClose(t *testing.T) {
	logger := slog.Default()

	watcher, err := NewWatcher("testdata/config.toml", logger)
	require.NoError(t, err)
	require.NoError(t, watcher.Close())
}
