// Package ratelimit implements per-client token-bucket rate limiting with
// lazy refill, keyed by client identity (forwarded IP, real IP, or peer IP).
package ratelimit

import (
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"screaming-eagle/pkg/clock"
	"screaming-eagle/pkg/config"
	"screaming-eagle/pkg/logging"
)

// Decision is the outcome of admitting a request.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Manager enforces a token bucket per client identity.
type Manager struct {
	cfg    config.RateLimitConfig
	logger *logging.Logger
	clock  clock.Clock

	mu      sync.Mutex
	buckets map[string]*bucket

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager creates a rate limit manager; returns nil when disabled so
// callers can skip the gate entirely.
func NewManager(cfg config.RateLimitConfig, logger *logging.Logger, clk clock.Clock) *Manager {
	if !cfg.Enabled {
		return nil
	}
	if clk == nil {
		clk = clock.Real{}
	}

	m := &Manager{
		cfg:     cfg,
		logger:  logger,
		clock:   clk,
		buckets: make(map[string]*bucket, 128),
		stopCh:  make(chan struct{}),
	}

	go m.reapLoop()
	return m
}

// ClientIdentity resolves the rate-limit identity for a request: the first
// X-Forwarded-For value, else X-Real-IP, else the peer address.
func ClientIdentity(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, ok := strings.Cut(xff, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return r.RemoteAddr
}

// Admit attempts to consume one token for identity.
func (m *Manager) Admit(identity string) Decision {
	if m == nil || identity == "" {
		return Decision{Allowed: true}
	}

	capacity := m.cfg.Capacity()
	refillRate := m.cfg.RefillRate()
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[identity]
	if !ok {
		b = &bucket{tokens: capacity, lastRefill: now}
		m.buckets[identity] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(capacity, b.tokens+elapsed*refillRate)
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true, Remaining: b.tokens}
	}

	var retryAfter time.Duration
	if refillRate > 0 {
		secs := math.Ceil((1 - b.tokens) / refillRate)
		retryAfter = time.Duration(secs) * time.Second
	}
	return Decision{Allowed: false, Remaining: 0, RetryAfter: retryAfter}
}

// Stop terminates the background reaper.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) reapLoop() {
	interval := m.reapInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.reap(interval)
		case <-m.stopCh:
			return
		}
	}
}

// reapInterval mirrors the idle cutoff: max(window, 10x the window).
func (m *Manager) reapInterval() time.Duration {
	window := time.Duration(m.cfg.WindowSecs * float64(time.Second))
	if window <= 0 {
		window = time.Minute
	}
	return 10 * window
}

func (m *Manager) reap(idleAfter time.Duration) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for identity, b := range m.buckets {
		if now.Sub(b.lastRefill) > idleAfter {
			delete(m.buckets, identity)
		}
	}
}

// TrackedClients reports how many distinct identities currently have buckets.
func (m *Manager) TrackedClients() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}
