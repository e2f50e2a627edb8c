// Package circuitbreaker implements a per-origin circuit breaker protecting
// the proxy from hammering an unhealthy upstream.
package circuitbreaker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"screaming-eagle/pkg/telemetry"
)

// ErrOpen is returned when the breaker is open and fails fast.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the lifecycle of a single origin's breaker.
type State int32

const (
	// Closed allows all traffic through.
	Closed State = iota
	// Open fails every call immediately.
	Open
	// HalfOpen allows a bounded number of probe calls to test recovery.
	HalfOpen
)

// String renders the state the way it's reported over /_cdn/circuit-breakers.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MetricValue maps state to the circuit-breaker gauge value
// (0=closed, 1=half-open, 2=open).
func (s State) MetricValue() int64 {
	switch s {
	case Closed:
		return 0
	case HalfOpen:
		return 1
	case Open:
		return 2
	default:
		return -1
	}
}

// Breaker is a lock-free circuit breaker for a single origin.
type Breaker struct {
	state           atomic.Int32
	failures        atomic.Int64
	successes       atomic.Int64
	lastStateChange atomic.Int64
	halfOpenInUse   atomic.Int32
	lastReported    atomic.Int64

	failureThreshold  int
	successThreshold  int
	resetTimeout      time.Duration
	halfOpenMaxProbes int

	origin  string
	metrics *telemetry.Metrics
}

// BindMetrics attaches the origin-labeled cdn_circuit_breaker_state gauge
// this breaker reports to on every state transition. A breaker left
// unbound (as in unit tests) simply skips metric reporting.
func (b *Breaker) BindMetrics(origin string, m *telemetry.Metrics) {
	b.origin = origin
	b.metrics = m
}

// reportState reports a transition into s as a delta against the last
// value this breaker reported, since the underlying instrument is an
// additive up-down counter rather than a gauge set.
func (b *Breaker) reportState(s State) {
	if b.metrics == nil {
		return
	}
	next := s.MetricValue()
	prev := b.lastReported.Swap(next)
	if delta := next - prev; delta != 0 {
		b.metrics.CircuitBreakerState.Add(context.Background(), delta, attribute.String("origin", b.origin))
	}
}

// New creates a breaker in the Closed state.
func New(failureThreshold, successThreshold int, resetTimeout time.Duration, halfOpenMaxProbes int) *Breaker {
	if halfOpenMaxProbes < 1 {
		halfOpenMaxProbes = 1
	}
	b := &Breaker{
		failureThreshold:  failureThreshold,
		successThreshold:  successThreshold,
		resetTimeout:      resetTimeout,
		halfOpenMaxProbes: halfOpenMaxProbes,
	}
	b.state.Store(int32(Closed))
	b.lastStateChange.Store(time.Now().UnixNano())
	return b
}

// Allow reports whether a call may proceed, transitioning Open->HalfOpen
// once the reset timeout has elapsed. Every allowed HalfOpen probe must be
// matched with a RecordSuccess or RecordFailure call.
func (b *Breaker) Allow() bool {
	state := State(b.state.Load())

	switch state {
	case Open:
		elapsed := time.Since(time.Unix(0, b.lastStateChange.Load()))
		if elapsed < b.resetTimeout {
			return false
		}
		if b.state.CompareAndSwap(int32(Open), int32(HalfOpen)) {
			b.lastStateChange.Store(time.Now().UnixNano())
			b.successes.Store(0)
			b.failures.Store(0)
			b.halfOpenInUse.Store(0)
			b.reportState(HalfOpen)
		}
		return b.admitHalfOpenProbe()

	case HalfOpen:
		return b.admitHalfOpenProbe()

	default:
		return true
	}
}

func (b *Breaker) admitHalfOpenProbe() bool {
	inUse := b.halfOpenInUse.Add(1)
	if inUse > int32(b.halfOpenMaxProbes) {
		b.halfOpenInUse.Add(-1)
		return false
	}
	return true
}

// RecordSuccess reports a successful call. Must be paired with an Allow
// call that returned true while in HalfOpen.
func (b *Breaker) RecordSuccess() {
	state := State(b.state.Load())
	if state == HalfOpen {
		defer b.halfOpenInUse.Add(-1)
	}

	b.failures.Store(0)
	successes := b.successes.Add(1)

	if state == HalfOpen && successes >= int64(b.successThreshold) {
		if b.state.CompareAndSwap(int32(HalfOpen), int32(Closed)) {
			b.lastStateChange.Store(time.Now().UnixNano())
			b.successes.Store(0)
			b.reportState(Closed)
		}
	}
}

// RecordFailure reports a failed call (5xx, network error, or timeout).
func (b *Breaker) RecordFailure() {
	state := State(b.state.Load())
	if state == HalfOpen {
		defer b.halfOpenInUse.Add(-1)
	}

	failures := b.failures.Add(1)

	switch state {
	case Closed:
		if failures >= int64(b.failureThreshold) {
			if b.state.CompareAndSwap(int32(Closed), int32(Open)) {
				b.lastStateChange.Store(time.Now().UnixNano())
				b.reportState(Open)
			}
		}
	case HalfOpen:
		if b.state.CompareAndSwap(int32(HalfOpen), int32(Open)) {
			b.lastStateChange.Store(time.Now().UnixNano())
			b.failures.Store(0)
			b.successes.Store(0)
			b.reportState(Open)
		}
	}
}

// Call runs fn if the breaker admits the call, recording the outcome.
// fn should return a non-nil error only for failures the breaker should
// count (5xx, network error, timeout) — a 4xx response is not a failure
// and should be reported to Call as nil.
func (b *Breaker) Call(fn func() error) error {
	if !b.Allow() {
		return ErrOpen
	}
	err := fn()
	if err != nil {
		b.RecordFailure()
	} else {
		b.RecordSuccess()
	}
	return err
}

// State returns the current lifecycle state.
func (b *Breaker) State() State {
	return State(b.state.Load())
}

// Stats returns the consecutive failure/success counters and current state.
func (b *Breaker) Stats() (failures, successes int64, state State) {
	return b.failures.Load(), b.successes.Load(), b.State()
}

// Reset forces the breaker back to Closed.
func (b *Breaker) Reset() {
	b.state.Store(int32(Closed))
	b.failures.Store(0)
	b.successes.Store(0)
	b.lastStateChange.Store(time.Now().UnixNano())
	b.reportState(Closed)
}
