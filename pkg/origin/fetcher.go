// Package origin implements outbound HTTP fetching to upstream origins,
// with per-origin retry/backoff and circuit breaker integration.
package origin

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"screaming-eagle/pkg/circuitbreaker"
	"screaming-eagle/pkg/config"
	"screaming-eagle/pkg/logging"
)

// forwardedHeaders is the whitelist of client headers copied onto the
// outbound origin request.
var forwardedHeaders = []string{
	"Accept",
	"Accept-Language",
	"If-None-Match",
	"If-Modified-Since",
	"Range",
	"User-Agent",
}

// ErrCircuitOpen is returned when the origin's breaker is open.
var ErrCircuitOpen = circuitbreaker.ErrOpen

// Response is a fetched origin response with the body fully buffered.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Fetcher issues requests to a single configured origin.
type Fetcher struct {
	name    string
	cfg     config.OriginConfig
	client  *http.Client
	breaker *circuitbreaker.Breaker
	logger  *logging.Logger
}

// NewFetcher builds a fetcher for one origin, sized from its own timeout.
func NewFetcher(name string, cfg config.OriginConfig, breaker *circuitbreaker.Breaker, logger *logging.Logger) *Fetcher {
	return &Fetcher{
		name:   name,
		cfg:    cfg,
		logger: logger,
		client: &http.Client{
			Timeout: cfg.Timeout(),
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		breaker: breaker,
	}
}

// Timeout returns the configured per-request timeout for this origin.
func (f *Fetcher) Timeout() time.Duration {
	return f.cfg.Timeout()
}

// Fetch performs method+path against the origin, copying the whitelisted
// request headers, retrying on connection errors and 5xx responses with
// exponential backoff, and recording the outcome on the circuit breaker.
// A 4xx response is returned as a valid Response, never as an error.
func (f *Fetcher) Fetch(ctx context.Context, method, path string, reqHeader http.Header) (*Response, error) {
	if !f.breaker.Allow() {
		return nil, ErrCircuitOpen
	}

	resp, err := f.fetchWithRetry(ctx, method, path, reqHeader)
	if err != nil {
		f.breaker.RecordFailure()
		return nil, err
	}
	if resp.StatusCode >= 500 {
		f.breaker.RecordFailure()
		return resp, nil
	}
	f.breaker.RecordSuccess()
	return resp, nil
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, method, path string, reqHeader http.Header) (*Response, error) {
	maxRetries := f.cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	var lastErr error
	backoff := 100 * time.Millisecond

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wait := jitter(backoff, f.cfg.Timeout())
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}

		resp, err := f.doOnce(ctx, method, path, reqHeader)
		if err != nil {
			lastErr = err
			f.logger.Warn("origin request failed",
				"origin", f.name, "attempt", attempt+1, "error", err)
			continue
		}
		if resp.StatusCode >= 500 && attempt < maxRetries {
			lastErr = fmt.Errorf("origin %s returned %d", f.name, resp.StatusCode)
			f.logger.Warn("origin returned server error, retrying",
				"origin", f.name, "status", resp.StatusCode, "attempt", attempt+1)
			continue
		}
		return resp, nil
	}

	return nil, lastErr
}

func (f *Fetcher) doOnce(ctx context.Context, method, path string, reqHeader http.Header) (*Response, error) {
	url := strings.TrimRight(f.cfg.URL, "/") + path

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building origin request: %w", err)
	}

	for _, name := range forwardedHeaders {
		if v := reqHeader.Get(name); v != "" {
			req.Header.Set(name, v)
		}
	}
	for k, v := range f.cfg.Headers {
		req.Header.Set(k, v)
	}
	if f.cfg.HostHeader != "" {
		req.Host = f.cfg.HostHeader
	}

	httpResp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("origin %s unreachable: %w", f.name, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading origin %s response: %w", f.name, err)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
	}, nil
}

// jitter applies +-25% randomization to d, capped at max.
func jitter(d, maxWait time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	delta := float64(d) * 0.25
	jittered := float64(d) + (rand.Float64()*2-1)*delta
	out := time.Duration(jittered)
	if maxWait > 0 && out > maxWait {
		out = maxWait
	}
	return out
}
