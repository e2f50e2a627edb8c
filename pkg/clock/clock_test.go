package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRealNowMonotonic(t *testing.T) {
	c := Real{}
	a := c.Now()
	time.Sleep(time.Millisecond)
	b := c.Now()
	require.True(t, b.After(a))
}

func TestManualAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManual(start)
	require.Equal(t, start, m.Now())

	m.Advance(5 * time.Second)
	require.Equal(t, start.Add(5*time.Second), m.Now())

	m.Set(start)
	require.Equal(t, start, m.Now())
	require.Equal(t, time.Duration(0), m.Since(start))
}
