// Package healthcheck runs a background liveness probe per origin,
// independent of the circuit breaker — it only informs operators.
package healthcheck

import (
	"context"
	"net/http"
	"sync"
	"time"

	"screaming-eagle/pkg/config"
	"screaming-eagle/pkg/logging"
)

// Status is the liveness state of one origin.
type Status struct {
	Healthy             bool
	ConsecutiveFailures int
	LastCheck           time.Time
	LastSuccess         time.Time
	ResponseTimeMs      int64
	LastError           string
}

type target struct {
	name     string
	url      string
	path     string
	interval time.Duration
	timeout  time.Duration
}

// Checker periodically probes every origin with a configured health path.
type Checker struct {
	logger             *logging.Logger
	client             *http.Client
	unhealthyThreshold int
	targets            []target

	mu       sync.RWMutex
	statuses map[string]*Status

	stopCh chan struct{}
}

// New builds a checker for every origin that configures a health_check_path.
func New(origins map[string]config.OriginConfig, logger *logging.Logger) *Checker {
	c := &Checker{
		logger:             logger,
		client:             &http.Client{},
		unhealthyThreshold: 3,
		statuses:           make(map[string]*Status),
		stopCh:             make(chan struct{}),
	}
	for name, o := range origins {
		if o.HealthCheckPath == "" {
			continue
		}
		c.statuses[name] = &Status{Healthy: true}

		interval := o.HealthCheckInterval()
		if interval <= 0 {
			interval = 10 * time.Second
		}
		timeout := o.HealthCheckTimeout()
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		c.targets = append(c.targets, target{
			name:     name,
			url:      o.URL,
			path:     o.HealthCheckPath,
			interval: interval,
			timeout:  timeout,
		})
	}
	return c
}

// Run starts one probing goroutine per origin and blocks until ctx is
// cancelled or Stop is called.
func (c *Checker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, tgt := range c.targets {
		wg.Add(1)
		go func(tgt target) {
			defer wg.Done()
			c.probeLoop(ctx, tgt)
		}(tgt)
	}
	wg.Wait()
}

// ProbeOnce runs a single immediate probe for the named origin, bypassing
// its interval ticker. Used by the admin API to trigger an on-demand check
// and by tests to observe a probe outcome deterministically.
func (c *Checker) ProbeOnce(ctx context.Context, name string) bool {
	for _, tgt := range c.targets {
		if tgt.name == name {
			c.probe(ctx, tgt)
			return true
		}
	}
	return false
}

func (c *Checker) probeLoop(ctx context.Context, tgt target) {
	ticker := time.NewTicker(tgt.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.probe(ctx, tgt)
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Checker) probe(ctx context.Context, tgt target) {
	reqCtx, cancel := context.WithTimeout(ctx, tgt.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, tgt.url+tgt.path, nil)
	if err != nil {
		c.recordFailure(tgt.name, err.Error())
		return
	}

	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.recordFailure(tgt.name, err.Error())
		return
	}
	defer resp.Body.Close()
	elapsed := time.Since(started)

	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		c.recordSuccess(tgt.name, elapsed)
		return
	}
	c.recordFailure(tgt.name, http.StatusText(resp.StatusCode))
}

func (c *Checker) recordSuccess(name string, responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.statuses[name]
	if !ok {
		return
	}
	now := time.Now()
	s.ConsecutiveFailures = 0
	s.Healthy = true
	s.LastCheck = now
	s.LastSuccess = now
	s.ResponseTimeMs = responseTime.Milliseconds()
	s.LastError = ""
}

func (c *Checker) recordFailure(name, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.statuses[name]
	if !ok {
		return
	}
	s.ConsecutiveFailures++
	s.LastCheck = time.Now()
	s.LastError = reason
	if s.ConsecutiveFailures >= c.unhealthyThreshold {
		s.Healthy = false
	}
}

// Statuses returns a snapshot of every origin's current health.
func (c *Checker) Statuses() map[string]Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Status, len(c.statuses))
	for name, s := range c.statuses {
		out[name] = *s
	}
	return out
}

// Stop ends all probe loops.
func (c *Checker) Stop() {
	close(c.stopCh)
}
