// Package pipeline implements the request orchestrator: rate limiting,
// edge rewriting, cache lookup, single-flight origin fetch, and response
// assembly for the proxy endpoint.
package pipeline

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"screaming-eagle/pkg/cache"
	"screaming-eagle/pkg/clock"
	"screaming-eagle/pkg/coalescer"
	"screaming-eagle/pkg/config"
	"screaming-eagle/pkg/edge"
	"screaming-eagle/pkg/logging"
	"screaming-eagle/pkg/origin"
	"screaming-eagle/pkg/ratelimit"
	"screaming-eagle/pkg/telemetry"
)

// Handler orchestrates one proxied request end to end. It holds no
// per-request state — everything it needs is threaded through ServeHTTP.
type Handler struct {
	cfg       *config.Config
	cache     cache.Interface
	origins   *origin.Registry
	rateLimit *ratelimit.Manager
	coalescer *coalescer.Coalescer
	rewrites  *edge.RewriteEngine
	headers   *edge.HeaderTransformer
	routes    *edge.RouteEvaluator
	clock     clock.Clock
	logger    *logging.Logger
	metrics   *telemetry.Metrics
}

// New builds a request pipeline from its wired dependencies.
func New(
	cfg *config.Config,
	c cache.Interface,
	origins *origin.Registry,
	rateLimit *ratelimit.Manager,
	rewrites *edge.RewriteEngine,
	headers *edge.HeaderTransformer,
	routes *edge.RouteEvaluator,
	clk clock.Clock,
	logger *logging.Logger,
	metrics *telemetry.Metrics,
) *Handler {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Handler{
		cfg:       cfg,
		cache:     c,
		origins:   origins,
		rateLimit: rateLimit,
		coalescer: coalescer.New(),
		rewrites:  rewrites,
		headers:   headers,
		routes:    routes,
		clock:     clk,
		logger:    logger,
		metrics:   metrics,
	}
}

// ServeHTTP implements the GET|HEAD /<origin>/<tail> proxy endpoint.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer h.recoverPanic(w, r)

	start := h.clock.Now()
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	identity := ratelimit.ClientIdentity(r)
	decision := h.rateLimit.Admit(identity)
	if !decision.Allowed {
		h.recordRateLimitViolation(r.Context())
		w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())))
		w.Header().Set("X-RateLimit-Remaining", "0")
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	originName, tail, ok := splitOriginPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	fetcher, err := h.origins.Get(originName)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	path := h.rewrites.Apply(originName, tail)
	reqHeader := r.Header.Clone()
	h.headers.ApplyRequest(originName, reqHeader)

	if override := h.routes.Evaluate(path); override != "" {
		if f2, err := h.origins.Get(override); err == nil {
			originName = override
			fetcher = f2
		}
	}

	baseKey := cache.BaseKey(originName, path, r.URL.RawQuery)
	ctx := logging.ContextWithCacheKey(logging.ContextWithOrigin(r.Context(), originName), baseKey)

	result, entry, foundKey := h.lookup(ctx, baseKey, reqHeader)

	switch {
	case result != cache.Miss && !entry.MustRevalidate && result == cache.FreshHit:
		h.serveHit(w, r, entry, foundKey, "HIT", originName, decision.Remaining, start)
		return
	case result != cache.Miss && !entry.MustRevalidate && result == cache.StaleHit:
		go h.refreshStale(originName, fetcher, path, reqHeader, baseKey, entry)
		h.serveHit(w, r, entry, foundKey, "STALE", originName, decision.Remaining, start)
		return
	}

	h.recordCacheMiss(ctx, originName)
	condHeader := reqHeader
	if result != cache.Miss && entry.MustRevalidate && entry.ETag != "" {
		condHeader = reqHeader.Clone()
		condHeader.Set("If-None-Match", entry.ETag)
	}

	resp, fetchErr := h.fetchCoalesced(ctx, fetcher, path, condHeader, baseKey)
	if fetchErr != nil {
		h.serveFetchFailure(w, r, ctx, fetchErr, baseKey, originName, decision.Remaining, start)
		return
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		// Retries are exhausted by the fetcher; a persistent 5xx is an
		// origin error from the pipeline's point of view, not a
		// passthrough-able response.
		h.serveFetchFailure(w, r, ctx, errOriginServerError, baseKey, originName, decision.Remaining, start)
		return
	}

	if resp.StatusCode == http.StatusNotModified && result != cache.Miss {
		entry.CreatedAt = h.clock.Now()
		h.cache.Put(ctx, foundKey, entry, entry.Tags)
		h.serveHit(w, r, entry, foundKey, "HIT", originName, decision.Remaining, start)
		return
	}

	h.admitAndServe(ctx, w, r, originName, path, reqHeader, baseKey, resp, decision.Remaining, start)
}

// splitOriginPath splits "/<origin>/<tail...>" into its components. The
// tail always begins with "/"; an empty tail becomes "/".
func splitOriginPath(p string) (origin, tail string, ok bool) {
	trimmed := strings.TrimPrefix(p, "/")
	if trimmed == "" {
		return "", "", false
	}
	parts := strings.SplitN(trimmed, "/", 2)
	origin = parts[0]
	if origin == "" {
		return "", "", false
	}
	if len(parts) == 2 {
		tail = "/" + parts[1]
	} else {
		tail = "/"
	}
	return origin, tail, true
}

// lookup performs the two-step Vary-aware cache probe: the base key
// yields an entry's Vary header set, which is then used to derive the
// variant key actually holding the response for this request's header
// values.
func (h *Handler) lookup(ctx context.Context, baseKey string, reqHeader http.Header) (cache.LookupResult, *cache.Entry, string) {
	result, entry := h.cache.Get(ctx, baseKey)
	if result == cache.Miss {
		return cache.Miss, nil, baseKey
	}
	if len(entry.VaryHeaders) == 0 {
		return result, entry, baseKey
	}
	variantKey := cache.VariantKey(baseKey, entry.VaryHeaders, reqHeader)
	if variantKey == baseKey {
		return result, entry, baseKey
	}
	variantResult, variantEntry := h.cache.Get(ctx, variantKey)
	return variantResult, variantEntry, variantKey
}

// Warm fetches originName/path and admits it into the cache if cacheable,
// used by the admin warm endpoint to pre-populate the cache ahead of real
// traffic.
func (h *Handler) Warm(ctx context.Context, originName, path string) (int, error) {
	fetcher, err := h.origins.Get(originName)
	if err != nil {
		return 0, err
	}

	baseKey := cache.BaseKey(originName, path, "")
	resp, err := h.fetchCoalesced(ctx, fetcher, path, http.Header{}, baseKey)
	if err != nil {
		return 0, err
	}
	h.admitResponse(ctx, originName, baseKey, resp, http.Header{})
	return resp.StatusCode, nil
}

// fetchCoalesced runs the origin fetch behind the coalescer and circuit
// breaker, always as a GET — HEAD requests share the same cached body and
// strip it only at response assembly time.
func (h *Handler) fetchCoalesced(ctx context.Context, fetcher *origin.Fetcher, path string, reqHeader http.Header, key string) (*origin.Response, error) {
	fetchCtx := context.WithoutCancel(ctx)
	result := h.coalescer.Do(key, func() (any, error) {
		return fetcher.Fetch(fetchCtx, http.MethodGet, path, reqHeader)
	})
	if result.Err != nil {
		return nil, result.Err
	}
	resp, _ := result.Value.(*origin.Response)
	return resp, nil
}

// refreshStale runs an asynchronous background revalidation for a
// stale-while-revalidate hit. It never touches the existing entry on
// failure, leaving it servable under stale-if-error until its window
// elapses.
func (h *Handler) refreshStale(originName string, fetcher *origin.Fetcher, path string, reqHeader http.Header, baseKey string, entry *cache.Entry) {
	logCtx := logging.ContextWithCacheKey(logging.ContextWithOrigin(context.Background(), originName), baseKey)

	ctx, cancel := context.WithTimeout(context.Background(), fetcher.Timeout())
	defer cancel()

	resp, err := fetcher.Fetch(ctx, http.MethodGet, path, reqHeader)
	if err != nil {
		h.logger.WithContext(logCtx).Warn("background revalidation failed", "error", err)
		return
	}

	h.admitResponse(ctx, originName, baseKey, resp, reqHeader)
}

// serveFetchFailure handles an origin-fetch error: serve stale-if-error
// when a usable entry exists, otherwise map the error to its status code.
func (h *Handler) serveFetchFailure(w http.ResponseWriter, r *http.Request, ctx context.Context, fetchErr error, baseKey string, originName string, remaining float64, start time.Time) {
	if entry, ok := h.cache.PeekStaleIfError(ctx, baseKey); ok {
		w.Header().Set("Warning", `110 screaming-eagle "Response is Stale"`)
		h.serveHit(w, r, entry, baseKey, "STALE-IF-ERROR", originName, remaining, start)
		return
	}

	status := classifyFetchError(fetchErr)
	h.recordOriginResult(ctx, originName, "error")
	h.recordRequest(ctx, originName, status, "BYPASS", start)
	http.Error(w, fetchErr.Error(), status)
}

// errOriginServerError represents a persistent 5xx from the origin after
// retries are exhausted; classified the same as any other origin error.
var errOriginServerError = errors.New("origin returned a server error")

// classifyFetchError maps an origin-fetch error to the HTTP status it
// should surface when no stale-if-error fallback is available.
func classifyFetchError(err error) int {
	switch {
	case errors.Is(err, origin.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// recoverPanic converts a panic inside a handler into a 500, matching the
// error-handling design's requirement that a single request's failure
// never crashes the process.
func (h *Handler) recoverPanic(w http.ResponseWriter, r *http.Request) {
	if rec := recover(); rec != nil {
		h.logger.Error("panic recovered in request pipeline", "panic", rec, "path", r.URL.Path)
		h.recordRequest(r.Context(), "", http.StatusInternalServerError, "BYPASS", h.clock.Now())
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func (h *Handler) recordRateLimitViolation(ctx context.Context) {
	if h.metrics == nil {
		return
	}
	h.metrics.RateLimitViolations.Add(ctx, 1)
}

func (h *Handler) recordCacheMiss(ctx context.Context, originName string) {
	if h.metrics == nil {
		return
	}
	h.metrics.CacheMisses.Add(ctx, 1, telemetryAttrs(attribute.String("origin", originName))...)
}

func (h *Handler) recordCacheHit(ctx context.Context, originName string) {
	if h.metrics == nil {
		return
	}
	h.metrics.CacheHits.Add(ctx, 1, telemetryAttrs(attribute.String("origin", originName))...)
}

func (h *Handler) recordOriginResult(ctx context.Context, originName, result string) {
	if h.metrics == nil {
		return
	}
	h.metrics.OriginRequestsTotal.Add(ctx, 1, telemetryAttrs(
		attribute.String("origin", originName),
		attribute.String("result", result),
	)...)
}

func (h *Handler) recordRequest(ctx context.Context, originName string, status int, cacheStatus string, start time.Time) {
	if h.metrics == nil {
		return
	}
	attrs := telemetryAttrs(
		attribute.String("origin", originName),
		attribute.Int("status", status),
		attribute.String("cache_status", cacheStatus),
	)
	h.metrics.RequestsTotal.Add(ctx, 1, attrs...)
	h.metrics.RequestDuration.Record(ctx, h.clock.Now().Sub(start).Seconds(), recordAttrs(
		attribute.Int("status", status),
	)...)
}

func (h *Handler) recordBytesServed(ctx context.Context, cacheStatus string, n int) {
	if h.metrics == nil || n <= 0 {
		return
	}
	h.metrics.BytesServedTotal.Add(ctx, int64(n), telemetryAttrs(attribute.String("cache_status", cacheStatus))...)
}
