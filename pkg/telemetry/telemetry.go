// Package telemetry wires up the OpenTelemetry metrics pipeline, exported
// through Prometheus, used across the edge proxy.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"screaming-eagle/pkg/config"
	"screaming-eagle/pkg/logging"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Telemetry holds telemetry providers and exporters.
type Telemetry struct {
	cfg                *config.TelemetryConfig
	meterProvider      metric.MeterProvider
	tracerProvider     trace.TracerProvider
	prometheusExporter *prometheus.Exporter
	logger             *logging.Logger
}

// Metrics holds every instrument exposed under the cdn_ namespace. The
// Prometheus handler these back is mounted on the admin mux rather than a
// dedicated port.
type Metrics struct {
	RequestsTotal       metric.Int64Counter
	CacheHits           metric.Int64Counter
	CacheMisses         metric.Int64Counter
	OriginRequestsTotal metric.Int64Counter
	BytesServedTotal    metric.Int64Counter

	RequestDuration metric.Float64Histogram

	CacheSizeBytes      metric.Int64UpDownCounter
	CacheEntries        metric.Int64UpDownCounter
	CircuitBreakerState metric.Int64UpDownCounter

	RateLimitViolations metric.Int64Counter
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	if !cfg.Enabled {
		logger.Info("telemetry disabled")
		return &Telemetry{
			cfg:            cfg,
			meterProvider:  noop.NewMeterProvider(),
			tracerProvider: tracenoop.NewTracerProvider(),
			logger:         logger,
		}, nil
	}

	t := &Telemetry{cfg: cfg, logger: logger}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := t.setupMetrics(res); err != nil {
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}
	t.tracerProvider = tracenoop.NewTracerProvider()

	logger.Info("telemetry initialized",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"prometheus", cfg.PrometheusEnabled)

	return t, nil
}

func (t *Telemetry) setupMetrics(res *resource.Resource) error {
	if !t.cfg.PrometheusEnabled {
		t.meterProvider = noop.NewMeterProvider()
		return nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	t.prometheusExporter = exporter

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	t.meterProvider = provider
	otel.SetMeterProvider(provider)

	t.logger.Info("prometheus metrics enabled")
	return nil
}

// Handler returns the Prometheus scrape handler, mounted by the admin API
// at /_cdn/metrics rather than on a dedicated listener.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.Handler()
}

// InitMetrics creates and returns every named instrument.
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter("screaming-eagle")

	requestsTotal, err := meter.Int64Counter(
		"cdn_requests_total",
		metric.WithDescription("Total proxied requests by origin, status, and cache status"),
	)
	if err != nil {
		return nil, fmt.Errorf("cdn_requests_total: %w", err)
	}

	cacheHits, err := meter.Int64Counter(
		"cdn_cache_hits_total",
		metric.WithDescription("Cache hits by origin"),
	)
	if err != nil {
		return nil, fmt.Errorf("cdn_cache_hits_total: %w", err)
	}

	cacheMisses, err := meter.Int64Counter(
		"cdn_cache_misses_total",
		metric.WithDescription("Cache misses by origin"),
	)
	if err != nil {
		return nil, fmt.Errorf("cdn_cache_misses_total: %w", err)
	}

	originRequests, err := meter.Int64Counter(
		"cdn_origin_requests_total",
		metric.WithDescription("Origin fetches by origin and result"),
	)
	if err != nil {
		return nil, fmt.Errorf("cdn_origin_requests_total: %w", err)
	}

	bytesServed, err := meter.Int64Counter(
		"cdn_bytes_served_total",
		metric.WithDescription("Response bytes served by cache status"),
	)
	if err != nil {
		return nil, fmt.Errorf("cdn_bytes_served_total: %w", err)
	}

	duration, err := meter.Float64Histogram(
		"cdn_request_duration_seconds",
		metric.WithDescription("Request handling latency by method and status"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("cdn_request_duration_seconds: %w", err)
	}

	cacheSizeBytes, err := meter.Int64UpDownCounter(
		"cdn_cache_size_bytes",
		metric.WithDescription("Current cache footprint in bytes"),
	)
	if err != nil {
		return nil, fmt.Errorf("cdn_cache_size_bytes: %w", err)
	}

	cacheEntries, err := meter.Int64UpDownCounter(
		"cdn_cache_entries",
		metric.WithDescription("Current number of cache entries"),
	)
	if err != nil {
		return nil, fmt.Errorf("cdn_cache_entries: %w", err)
	}

	circuitState, err := meter.Int64UpDownCounter(
		"cdn_circuit_breaker_state",
		metric.WithDescription("Circuit breaker state by origin (0=closed,1=half-open,2=open)"),
	)
	if err != nil {
		return nil, fmt.Errorf("cdn_circuit_breaker_state: %w", err)
	}

	rateLimitViolations, err := meter.Int64Counter(
		"cdn_rate_limit_violations_total",
		metric.WithDescription("Requests rejected by the rate limiter"),
	)
	if err != nil {
		return nil, fmt.Errorf("cdn_rate_limit_violations_total: %w", err)
	}

	return &Metrics{
		RequestsTotal:       requestsTotal,
		CacheHits:           cacheHits,
		CacheMisses:         cacheMisses,
		OriginRequestsTotal: originRequests,
		BytesServedTotal:    bytesServed,
		RequestDuration:     duration,
		CacheSizeBytes:      cacheSizeBytes,
		CacheEntries:        cacheEntries,
		CircuitBreakerState: circuitState,
		RateLimitViolations: rateLimitViolations,
	}, nil
}

// MeterProvider returns the meter provider.
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// TracerProvider returns the tracer provider.
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	return t.tracerProvider
}

// Shutdown gracefully shuts down telemetry.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			return fmt.Errorf("meter provider shutdown: %w", err)
		}
	}
	t.logger.Info("telemetry shut down")
	return nil
}
