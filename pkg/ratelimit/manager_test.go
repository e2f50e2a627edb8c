package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"screaming-eagle/pkg/clock"
	"screaming-eagle/pkg/config"
	"screaming-eagle/pkg/logging"
)

func testCfg() config.RateLimitConfig {
	return config.RateLimitConfig{
		Enabled:           true,
		RequestsPerWindow: 2,
		WindowSecs:        1,
		BurstSize:         0,
	}
}

func TestAdmitAllowsUpToCapacity(t *testing.T) {
	clk := clock.NewManual(time.Now())
	mgr := NewManager(testCfg(), logging.NewDefault(), clk)
	require.NotNil(t, mgr)
	defer mgr.Stop()

	require.True(t, mgr.Admit("1.2.3.4").Allowed)
	require.True(t, mgr.Admit("1.2.3.4").Allowed)

	d := mgr.Admit("1.2.3.4")
	require.False(t, d.Allowed)
}

func TestAdmitRetryAfterFormula(t *testing.T) {
	clk := clock.NewManual(time.Now())
	cfg := config.RateLimitConfig{Enabled: true, RequestsPerWindow: 1, WindowSecs: 1, BurstSize: 0}
	mgr := NewManager(cfg, logging.NewDefault(), clk)
	defer mgr.Stop()

	mgr.Admit("client") // consumes the single token (refill rate 1/sec, capacity 1)
	d := mgr.Admit("client")
	require.False(t, d.Allowed)
	// tokens after the first admit ~= 0, refill_rate = 1/sec -> ceil(1/1) = 1s
	require.Equal(t, time.Second, d.RetryAfter)
}

func TestAdmitRefillsOverTime(t *testing.T) {
	clk := clock.NewManual(time.Now())
	mgr := NewManager(testCfg(), logging.NewDefault(), clk)
	defer mgr.Stop()

	mgr.Admit("c")
	mgr.Admit("c")
	require.False(t, mgr.Admit("c").Allowed)

	clk.Advance(time.Second)
	require.True(t, mgr.Admit("c").Allowed)
}

func TestNewManagerReturnsNilWhenDisabled(t *testing.T) {
	cfg := config.RateLimitConfig{Enabled: false}
	mgr := NewManager(cfg, logging.NewDefault(), clock.Real{})
	require.Nil(t, mgr)
	require.True(t, mgr.Admit("x").Allowed)
}

func TestClientIdentityPrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	r.Header.Set("X-Real-IP", "10.0.0.9")
	r.RemoteAddr = "10.0.0.100:1234"

	require.Equal(t, "10.0.0.1", ClientIdentity(r))
}

func TestClientIdentityFallsBackToRealIPThenPeer(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Real-IP", "10.0.0.9")
	r.RemoteAddr = "10.0.0.100:1234"
	require.Equal(t, "10.0.0.9", ClientIdentity(r))

	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.RemoteAddr = "10.0.0.100:1234"
	require.Equal(t, "10.0.0.100:1234", ClientIdentity(r2))
}

func TestTrackedClientsCounts(t *testing.T) {
	clk := clock.NewManual(time.Now())
	mgr := NewManager(testCfg(), logging.NewDefault(), clk)
	defer mgr.Stop()

	mgr.Admit("a")
	mgr.Admit("b")
	require.Equal(t, 2, mgr.TrackedClients())
}
