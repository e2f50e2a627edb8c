package adminapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"screaming-eagle/pkg/cache"
	"screaming-eagle/pkg/circuitbreaker"
	"screaming-eagle/pkg/clock"
	"screaming-eagle/pkg/config"
	"screaming-eagle/pkg/edge"
	"screaming-eagle/pkg/healthcheck"
	"screaming-eagle/pkg/logging"
	"screaming-eagle/pkg/origin"
	"screaming-eagle/pkg/pipeline"
	"screaming-eagle/pkg/ratelimit"
	"screaming-eagle/pkg/telemetry"
)

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()

	logger := logging.NewDefault()
	clk := clock.NewManual(time.Now())

	c, err := cache.New(&cfg.Cache, logger, nil, clk, 8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	breakers := circuitbreaker.NewRegistry(cfg.CircuitBreaker)
	origins := origin.NewRegistry(cfg.Origins, breakers, logger)
	health := healthcheck.New(cfg.Origins, logger)

	rewrites, err := edge.NewRewriteEngine(nil)
	require.NoError(t, err)
	headers := edge.NewHeaderTransformer(nil)
	routes, err := edge.NewRouteEvaluator(nil)
	require.NoError(t, err)
	rl := ratelimit.NewManager(cfg.RateLimit, logger, clk)

	proxy := pipeline.New(cfg, c, origins, rl, rewrites, headers, routes, clk, logger, nil)

	telem, err := telemetry.New(t.Context(), &cfg.Telemetry, logger)
	require.NoError(t, err)

	s, err := New(cfg, c, breakers, origins, health, telem, proxy, logger)
	require.NoError(t, err)
	return s
}

func TestHealthEndpointIsPublic(t *testing.T) {
	cfg := config.LoadWithDefaults()
	cfg.RateLimit.Enabled = false
	cfg.Admin.AuthEnabled = true
	cfg.Admin.AuthToken = "secret"
	s := newTestServer(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/_cdn/health", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminRouteRejectsMissingToken(t *testing.T) {
	cfg := config.LoadWithDefaults()
	cfg.RateLimit.Enabled = false
	cfg.Admin.AuthEnabled = true
	cfg.Admin.AuthToken = "secret"
	s := newTestServer(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/_cdn/stats", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminRouteAcceptsValidToken(t *testing.T) {
	cfg := config.LoadWithDefaults()
	cfg.RateLimit.Enabled = false
	cfg.Admin.AuthEnabled = true
	cfg.Admin.AuthToken = "secret"
	s := newTestServer(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/_cdn/stats", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestOriginsHealthReportsSuccessAndLatency(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	cfg := config.LoadWithDefaults()
	cfg.RateLimit.Enabled = false
	cfg.Origins = map[string]config.OriginConfig{
		"api": {
			URL:                     upstream.URL,
			HealthCheckPath:         "/health",
			HealthCheckIntervalSecs: 60,
			HealthCheckTimeoutSecs:  5,
		},
	}
	s := newTestServer(t, cfg)
	require.Len(t, s.health.Statuses(), 1)
	require.True(t, s.health.ProbeOnce(t.Context(), "api"))

	req := httptest.NewRequest(http.MethodGet, "/_cdn/origins/health", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"last_success"`)
	require.Contains(t, rec.Body.String(), `"response_time_ms"`)
}

func TestPurgeAllReportsCount(t *testing.T) {
	cfg := config.LoadWithDefaults()
	cfg.RateLimit.Enabled = false
	s := newTestServer(t, cfg)

	ctx := t.Context()
	entry := &cache.Entry{Status: http.StatusOK, Body: []byte("x")}
	s.cache.Put(ctx, "a|/x|", entry, nil)
	s.cache.Put(ctx, "a|/y|", entry, nil)

	body := strings.NewReader(`{"all":true}`)
	req := httptest.NewRequest(http.MethodPost, "/_cdn/purge", body)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"purged_count":2`)
}

func TestPurgeByTagRemovesOnlyTaggedEntries(t *testing.T) {
	cfg := config.LoadWithDefaults()
	cfg.RateLimit.Enabled = false
	s := newTestServer(t, cfg)

	ctx := t.Context()
	entry := &cache.Entry{Status: http.StatusOK, Body: []byte("x")}
	s.cache.Put(ctx, "a|/tagged-1|", entry, []string{"release-42"})
	s.cache.Put(ctx, "a|/tagged-2|", entry, []string{"release-42"})
	s.cache.Put(ctx, "a|/untagged|", entry, nil)

	body := strings.NewReader(`{"tag":"release-42"}`)
	req := httptest.NewRequest(http.MethodPost, "/_cdn/purge", body)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"purged_count":2`)
	require.Equal(t, 1, s.cache.Stats().Entries)
}

func TestPurgeUnknownOriginIsBadRequest(t *testing.T) {
	cfg := config.LoadWithDefaults()
	cfg.RateLimit.Enabled = false
	s := newTestServer(t, cfg)

	body := strings.NewReader(`{"origin":"nope"}`)
	req := httptest.NewRequest(http.MethodPost, "/_cdn/purge", body)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}
