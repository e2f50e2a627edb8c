package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBaseKeyQueryPermutationInvariant(t *testing.T) {
	k1 := BaseKey("api", "/x", "b=2&a=1")
	k2 := BaseKey("api", "/x", "a=1&b=2")
	require.Equal(t, k1, k2)
}

func TestBaseKeyPreservesDuplicatesAndEmptyValues(t *testing.T) {
	k := BaseKey("api", "/x", "a=&a=1")
	require.Contains(t, k, "a=")
}

func TestVariantKeyDiffersOnVaryValue(t *testing.T) {
	base := BaseKey("api", "/x", "")
	h1 := map[string][]string{"Accept-Encoding": {"gzip"}}
	h2 := map[string][]string{"Accept-Encoding": {"br"}}
	k1 := VariantKey(base, []string{"Accept-Encoding"}, h1)
	k2 := VariantKey(base, []string{"Accept-Encoding"}, h2)
	require.NotEqual(t, k1, k2)
}

func TestNormalizePathCollapsesSlashes(t *testing.T) {
	require.Equal(t, "/a/b", normalizePath("//a//b/"))
	require.Equal(t, "/", normalizePath(""))
}
