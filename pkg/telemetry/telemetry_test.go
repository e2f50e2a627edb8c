package telemetry

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"

	"screaming-eagle/pkg/config"
	"screaming-eagle/pkg/logging"
)

func TestNewDisabled(t *testing.T) {
	logger := logging.NewDefault()
	tel, err := New(context.Background(), &config.TelemetryConfig{Enabled: false}, logger)
	require.NoError(t, err)
	require.NotNil(t, tel.MeterProvider())
	require.NotNil(t, tel.TracerProvider())
}

func TestNewPrometheusEnabled(t *testing.T) {
	logger := logging.NewDefault()
	cfg := &config.TelemetryConfig{
		Enabled:           true,
		ServiceName:       "test-service",
		ServiceVersion:    "1.0.0",
		PrometheusEnabled: true,
	}
	tel, err := New(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer tel.Shutdown(context.Background())

	metrics, err := tel.InitMetrics()
	require.NoError(t, err)
	require.NotNil(t, metrics.RequestsTotal)
	require.NotNil(t, metrics.CacheHits)
	require.NotNil(t, metrics.CacheMisses)
	require.NotNil(t, metrics.OriginRequestsTotal)
	require.NotNil(t, metrics.BytesServedTotal)
	require.NotNil(t, metrics.RequestDuration)
	require.NotNil(t, metrics.CacheSizeBytes)
	require.NotNil(t, metrics.CacheEntries)
	require.NotNil(t, metrics.CircuitBreakerState)
}

func TestMetricsRecordingDoesNotPanic(t *testing.T) {
	logger := logging.NewDefault()
	cfg := &config.TelemetryConfig{Enabled: true, ServiceName: "test-service", PrometheusEnabled: true}
	tel, err := New(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer tel.Shutdown(context.Background())

	metrics, err := tel.InitMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	metrics.RequestsTotal.Add(ctx, 1, metric.WithAttributes())
	metrics.CacheHits.Add(ctx, 1, metric.WithAttributes())
	metrics.RequestDuration.Record(ctx, 0.01, metric.WithAttributes())
	metrics.CacheSizeBytes.Add(ctx, 1024, metric.WithAttributes())
}

func TestHandlerServesPrometheusFormat(t *testing.T) {
	logger := logging.NewDefault()
	cfg := &config.TelemetryConfig{Enabled: true, ServiceName: "test-service", PrometheusEnabled: true}
	tel, err := New(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer tel.Shutdown(context.Background())

	_, err = tel.InitMetrics()
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/_cdn/metrics", nil)
	w := httptest.NewRecorder()
	tel.Handler().ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)
}

func TestShutdownIdempotentWhenDisabled(t *testing.T) {
	logger := logging.NewDefault()
	tel, err := New(context.Background(), &config.TelemetryConfig{Enabled: false}, logger)
	require.NoError(t, err)
	require.NoError(t, tel.Shutdown(context.Background()))
}
