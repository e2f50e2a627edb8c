package circuitbreaker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"screaming-eagle/pkg/config"
)

func testCfg() config.CircuitBreakerConfig {
	return config.CircuitBreakerConfig{
		FailureThreshold:  5,
		ResetTimeoutSecs:  30,
		SuccessThreshold:  3,
		HalfOpenMaxProbes: 1,
	}
}

func TestRegistryCreatesSeparateBreakersPerOrigin(t *testing.T) {
	r := NewRegistry(testCfg())

	a := r.Get("api")
	b := r.Get("images")
	require.NotSame(t, a, b)

	for i := 0; i < 5; i++ {
		a.RecordFailure()
	}
	require.Equal(t, Open, a.State())
	require.Equal(t, Closed, b.State())
}

func TestRegistryGetIsIdempotent(t *testing.T) {
	r := NewRegistry(testCfg())
	first := r.Get("api")
	second := r.Get("api")
	require.Same(t, first, second)
}

func TestRegistryStatesReflectsAllOrigins(t *testing.T) {
	r := NewRegistry(testCfg())
	r.Get("api")
	r.Get("images")

	states := r.States()
	require.Len(t, states, 2)
	require.Equal(t, Closed, states["api"])
}

func TestRegistryResetClearsAllBreakers(t *testing.T) {
	r := NewRegistry(testCfg())
	a := r.Get("api")
	for i := 0; i < 5; i++ {
		a.RecordFailure()
	}
	require.Equal(t, Open, a.State())

	r.Reset()
	require.Equal(t, Closed, a.State())
}
