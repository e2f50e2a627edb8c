package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"screaming-eagle/pkg/clock"
	"screaming-eagle/pkg/config"
	"screaming-eagle/pkg/logging"
)

func newTestCache(t *testing.T, clk clock.Clock) *ShardedCache {
	t.Helper()
	cfg := &config.CacheConfig{
		MaxSizeMB:      1,
		MaxEntrySizeMB: 1,
	}
	sc, err := New(cfg, logging.NewDefault(), nil, clk, 4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sc.Close() })
	return sc
}

func TestPutThenGetReturnsFresh(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Now())
	sc := newTestCache(t, clk)

	entry := &Entry{Status: 200, Body: []byte("hello"), CreatedAt: clk.Now(), ExpiresAt: clk.Now().Add(time.Minute)}
	require.True(t, sc.Put(ctx, "k1", entry, nil))

	result, got := sc.Get(ctx, "k1")
	require.Equal(t, FreshHit, result)
	require.Equal(t, []byte("hello"), got.Body)
}

func TestGetMissForUnknownKey(t *testing.T) {
	ctx := context.Background()
	sc := newTestCache(t, clock.Real{})
	result, entry := sc.Get(ctx, "nope")
	require.Equal(t, Miss, result)
	require.Nil(t, entry)
}

func TestEntryTransitionsFreshStaleExpired(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Now())
	sc := newTestCache(t, clk)

	entry := &Entry{
		Status:    200,
		Body:      []byte("x"),
		CreatedAt: clk.Now(),
		ExpiresAt: clk.Now().Add(time.Second),
		SWRWindow: 2 * time.Second,
	}
	sc.Put(ctx, "k", entry, nil)

	result, _ := sc.Get(ctx, "k")
	require.Equal(t, FreshHit, result)

	clk.Advance(1500 * time.Millisecond)
	result, _ = sc.Get(ctx, "k")
	require.Equal(t, StaleHit, result)

	clk.Advance(2 * time.Second)
	result, _ = sc.Get(ctx, "k")
	require.Equal(t, Miss, result)
}

func TestInvalidateTagRemovesAllTaggedEntries(t *testing.T) {
	ctx := context.Background()
	sc := newTestCache(t, clock.Real{})

	for i := 0; i < 5; i++ {
		e := &Entry{Status: 200, Body: []byte("v"), CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute)}
		sc.Put(ctx, keyFor(i), e, []string{"category-shoes"})
	}

	removed := sc.InvalidateTag(ctx, "category-shoes")
	require.Equal(t, 5, removed)

	for i := 0; i < 5; i++ {
		result, _ := sc.Get(ctx, keyFor(i))
		require.Equal(t, Miss, result)
	}
	require.Empty(t, sc.tags.keysForTag("category-shoes"))
}

func TestInvalidateAllClearsEntriesAndTags(t *testing.T) {
	ctx := context.Background()
	sc := newTestCache(t, clock.Real{})

	e := &Entry{Status: 200, Body: []byte("v"), CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute)}
	sc.Put(ctx, "a", e, []string{"t1"})

	removed := sc.InvalidateAll(ctx)
	require.Equal(t, 1, removed)
	require.Equal(t, 0, sc.Stats().Entries)
	require.Equal(t, 0, sc.tags.tagCount())
}

func TestPutRejectsEntryOverMaxEntryBytes(t *testing.T) {
	ctx := context.Background()
	cfg := &config.CacheConfig{MaxSizeMB: 1, MaxEntrySizeMB: 1}
	sc, err := New(cfg, logging.NewDefault(), nil, clock.Real{}, 1)
	require.NoError(t, err)
	defer sc.Close()

	huge := &Entry{Status: 200, Body: make([]byte, 2*1024*1024), CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute)}
	require.False(t, sc.Put(ctx, "huge", huge, nil))
}

func TestLRUKPrefersEvictingSingleAccessEntries(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Now())
	// Single shard so every key collides and eviction logic is exercised
	// deterministically.
	cfg := &config.CacheConfig{MaxSizeMB: 1, MaxEntrySizeMB: 1}
	sc, err := New(cfg, logging.NewDefault(), nil, clk, 1)
	require.NoError(t, err)
	defer sc.Close()

	hot := &Entry{Status: 200, Body: []byte("hot"), CreatedAt: clk.Now(), ExpiresAt: clk.Now().Add(time.Hour)}
	sc.Put(ctx, "hot", hot, nil)
	// access twice more so it has a 2-deep history (K=2)
	sc.Get(ctx, "hot")
	clk.Advance(time.Millisecond)
	sc.Get(ctx, "hot")

	// fill remaining capacity with single-access entries until eviction
	// kicks in; "hot" should survive because of its deeper access history.
	cold := &Entry{Status: 200, Body: make([]byte, 900*1024), CreatedAt: clk.Now(), ExpiresAt: clk.Now().Add(time.Hour)}
	sc.Put(ctx, "cold1", cold, nil)
	cold2 := &Entry{Status: 200, Body: make([]byte, 900*1024), CreatedAt: clk.Now(), ExpiresAt: clk.Now().Add(time.Hour)}
	sc.Put(ctx, "cold2", cold2, nil)

	result, _ := sc.Get(ctx, "hot")
	require.Equal(t, FreshHit, result)
	result, _ = sc.Get(ctx, "cold1")
	require.Equal(t, Miss, result)
}

func keyFor(i int) string {
	return BaseKey("api", "/product", "id="+string(rune('a'+i)))
}
