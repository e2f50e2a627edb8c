package healthcheck

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"screaming-eagle/pkg/config"
	"screaming-eagle/pkg/logging"
)

func TestCheckerMarksUnhealthyAfterConsecutiveFailures(t *testing.T) {
	var up atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if up.Load() {
			w.WriteHeader(200)
			return
		}
		w.WriteHeader(500)
	}))
	defer srv.Close()

	origins := map[string]config.OriginConfig{
		"api": {
			URL:                     srv.URL,
			HealthCheckPath:         "/health",
			HealthCheckIntervalSecs: 1,
			HealthCheckTimeoutSecs:  1,
		},
	}
	c := New(origins, logging.NewDefault())
	require.Len(t, c.targets, 1)

	for i := 0; i < 3; i++ {
		c.probe(context.Background(), c.targets[0])
	}

	st := c.Statuses()["api"]
	require.False(t, st.Healthy)
	require.Equal(t, 3, st.ConsecutiveFailures)

	up.Store(true)
	c.probe(context.Background(), c.targets[0])
	st = c.Statuses()["api"]
	require.True(t, st.Healthy)
	require.Equal(t, 0, st.ConsecutiveFailures)
	require.False(t, st.LastSuccess.IsZero())
	require.GreaterOrEqual(t, st.ResponseTimeMs, int64(0))
}

func TestCheckerIgnoresOriginsWithoutHealthPath(t *testing.T) {
	origins := map[string]config.OriginConfig{"api": {URL: "http://example.invalid"}}
	c := New(origins, logging.NewDefault())
	require.Empty(t, c.targets)
	require.Empty(t, c.Statuses())
}

func TestCheckerRunStopsOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer srv.Close()

	origins := map[string]config.OriginConfig{
		"api": {URL: srv.URL, HealthCheckPath: "/health", HealthCheckIntervalSecs: 1, HealthCheckTimeoutSecs: 1},
	}
	c := New(origins, logging.NewDefault())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
