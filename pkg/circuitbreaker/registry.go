package circuitbreaker

import (
	"sync"
	"time"

	"screaming-eagle/pkg/config"
	"screaming-eagle/pkg/telemetry"
)

// Registry lazily creates and tracks one Breaker per origin.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      config.CircuitBreakerConfig
	metrics  *telemetry.Metrics
}

// NewRegistry builds a registry applying the same thresholds to every origin.
func NewRegistry(cfg config.CircuitBreakerConfig) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
	}
}

// SetMetrics wires the cdn_circuit_breaker_state gauge into this registry
// and every breaker it has already created. Leave unset to skip
// circuit-breaker metrics entirely, as the unit tests do.
func (r *Registry) SetMetrics(m *telemetry.Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
	for origin, b := range r.breakers {
		b.BindMetrics(origin, m)
	}
}

// Get returns the breaker for origin, creating it on first use.
func (r *Registry) Get(origin string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[origin]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[origin]; ok {
		return b
	}
	b = New(
		r.cfg.FailureThreshold,
		r.cfg.SuccessThreshold,
		time.Duration(r.cfg.ResetTimeoutSecs)*time.Second,
		r.cfg.HalfOpenMaxProbes,
	)
	if r.metrics != nil {
		b.BindMetrics(origin, r.metrics)
	}
	r.breakers[origin] = b
	return b
}

// States returns the current state of every origin that has been observed.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]State, len(r.breakers))
	for origin, b := range r.breakers {
		out[origin] = b.State()
	}
	return out
}

// Reset forces every tracked breaker back to Closed.
func (r *Registry) Reset() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}
