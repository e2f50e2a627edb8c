package edge

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCIDRMatcherMatchesRange(t *testing.T) {
	m, err := NewCIDRMatcher([]string{"10.0.0.0/8"})
	require.NoError(t, err)
	require.True(t, m.Matches("10.1.2.3"))
	require.False(t, m.Matches("192.168.1.1"))
}

func TestCIDRMatcherMatchesExact(t *testing.T) {
	m, err := NewCIDRMatcher([]string{"127.0.0.1"})
	require.NoError(t, err)
	require.True(t, m.Matches("127.0.0.1"))
	require.False(t, m.Matches("127.0.0.2"))
}

func TestCIDRMatcherEmptyMeansUnrestricted(t *testing.T) {
	m, err := NewCIDRMatcher(nil)
	require.NoError(t, err)
	require.True(t, m.IsEmpty())
}

func TestCIDRMatcherRejectsInvalidCIDR(t *testing.T) {
	_, err := NewCIDRMatcher([]string{"not-an-ip/8"})
	require.Error(t, err)
}
