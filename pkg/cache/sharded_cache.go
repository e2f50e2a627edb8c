package cache

import (
	"context"
	"errors"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"time"

	"screaming-eagle/pkg/clock"
	"screaming-eagle/pkg/config"
	"screaming-eagle/pkg/logging"
	"screaming-eagle/pkg/telemetry"
)

var (
	// ErrCacheNotEnabled is returned when cache operations are attempted
	// on a disabled cache.
	ErrCacheNotEnabled = errors.New("cache is not enabled")
	// ErrInvalidConfig is returned when cache configuration is invalid.
	ErrInvalidConfig = errors.New("invalid cache configuration")
)

// evictionSampleSize bounds the number of candidates considered per
// eviction step; Go's randomized map iteration order gives an effectively
// random sample without extra bookkeeping.
const evictionSampleSize = 32

// ShardedCache is a thread-safe HTTP response cache partitioned into
// shards to reduce lock contention. Each shard owns its own map and lock;
// Get is lock-free on the hot path apart from the shard's read lock, and
// Put/evict acquire the shard's write lock.
type ShardedCache struct {
	shards     []*CacheShard
	shardCount int
	tags       *tagIndex
	logger     *logging.Logger
	metrics    *telemetry.Metrics
	clock      clock.Clock

	hierarchyEnabled bool
	promotionThresh  uint64

	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

// CacheShard holds one partition of the keyspace.
type CacheShard struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	maxBytes      int64
	maxEntryBytes int64
	l1Capacity    int64

	bytes   int64
	l1Bytes int64

	stats cacheStats
}

type cacheStats struct {
	hits      uint64
	misses    uint64
	evictions uint64
	sets      uint64
}

// New builds a ShardedCache from configuration. shardCount should be a
// power of two (e.g. 16, 32, 64); 0 selects a default of 32.
func New(cfg *config.CacheConfig, logger *logging.Logger, metrics *telemetry.Metrics, clk clock.Clock, shardCount int) (*ShardedCache, error) {
	if cfg == nil {
		return nil, ErrCacheNotEnabled
	}
	if logger == nil {
		logger = logging.NewDefault()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if shardCount <= 0 {
		shardCount = 32
	}

	maxBytes := cfg.MaxSizeMB * 1024 * 1024
	if maxBytes <= 0 {
		return nil, ErrInvalidConfig
	}
	maxEntryBytes := cfg.MaxEntrySizeMB * 1024 * 1024
	if maxEntryBytes <= 0 {
		maxEntryBytes = maxBytes
	}

	perShardMax := maxBytes / int64(shardCount)
	if perShardMax <= 0 {
		perShardMax = maxBytes
	}

	var l1Capacity int64
	hierarchyEnabled := cfg.Hierarchy.Enabled
	if hierarchyEnabled {
		pct := cfg.Hierarchy.L1SizePercent
		if pct <= 0 {
			pct = 20
		}
		l1Capacity = perShardMax * int64(pct) / 100
	}

	promotionThresh := uint64(cfg.Hierarchy.PromotionThreshold)
	if promotionThresh == 0 {
		promotionThresh = 3
	}

	sc := &ShardedCache{
		shards:           make([]*CacheShard, shardCount),
		shardCount:       shardCount,
		tags:             newTagIndex(),
		logger:           logger,
		metrics:          metrics,
		clock:            clk,
		hierarchyEnabled: hierarchyEnabled,
		promotionThresh:  promotionThresh,
		stopCleanup:      make(chan struct{}),
		cleanupDone:      make(chan struct{}),
	}

	for i := 0; i < shardCount; i++ {
		sc.shards[i] = &CacheShard{
			entries:       make(map[string]*Entry),
			maxBytes:      perShardMax,
			maxEntryBytes: maxEntryBytes,
			l1Capacity:    l1Capacity,
		}
	}

	go sc.cleanupLoop()

	logger.Info("cache engine initialized",
		"shards", shardCount,
		"max_bytes", maxBytes,
		"max_entry_bytes", maxEntryBytes,
		"hierarchy_enabled", hierarchyEnabled)

	return sc, nil
}

// getShard returns the shard owning key, selected by FNV-1a hash.
func (sc *ShardedCache) getShard(key string) *CacheShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return sc.shards[h.Sum32()%uint32(sc.shardCount)]
}

// Get probes the cache for key.
func (sc *ShardedCache) Get(ctx context.Context, key string) (LookupResult, *Entry) {
	shard := sc.getShard(key)
	now := sc.clock.Now()

	shard.mu.RLock()
	entry, ok := shard.entries[key]
	shard.mu.RUnlock()

	if !ok {
		sc.recordMiss(ctx, shard)
		return Miss, nil
	}

	switch entry.classify(now) {
	case Fresh:
		shard.mu.Lock()
		entry.touch(now)
		if sc.hierarchyEnabled {
			sc.maybePromoteLocked(shard, entry, key)
		}
		shard.mu.Unlock()
		sc.recordHit(ctx, shard)
		return FreshHit, entry
	case Stale:
		shard.mu.Lock()
		entry.touch(now)
		shard.mu.Unlock()
		sc.recordHit(ctx, shard)
		return StaleHit, entry
	default:
		sc.recordMiss(ctx, shard)
		return Miss, nil
	}
}

// PeekStaleIfError returns entry for key without touching hit/miss
// counters, for use only as an origin-failure fallback path.
func (sc *ShardedCache) PeekStaleIfError(ctx context.Context, key string) (*Entry, bool) {
	shard := sc.getShard(key)
	now := sc.clock.Now()

	shard.mu.RLock()
	entry, ok := shard.entries[key]
	shard.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if now.Before(entry.ExpiresAt) || !now.Before(entry.ExpiresAt.Add(entry.SIEWindow)) {
		return nil, false
	}
	return entry, true
}

// maybePromoteLocked moves entry from L2 to L1 once it has reached the
// promotion threshold. Must be called with shard.mu held.
func (sc *ShardedCache) maybePromoteLocked(shard *CacheShard, entry *Entry, key string) {
	if entry.Tier == TierL1 {
		return
	}
	if entry.accessCount < sc.promotionThresh {
		return
	}
	size := entry.size()
	entry.Tier = TierL1
	shard.l1Bytes += size
	sc.demoteOverflowLocked(shard)
}

// demoteOverflowLocked moves the coldest ~10% of L1 entries (by LRU-K
// score) back to L2 when L1 is over its capacity. Demotion never deletes
// data.
func (sc *ShardedCache) demoteOverflowLocked(shard *CacheShard) {
	if shard.l1Capacity <= 0 || shard.l1Bytes <= shard.l1Capacity {
		return
	}
	type cand struct {
		key   string
		entry *Entry
	}
	var l1 []cand
	for k, e := range shard.entries {
		if e.Tier == TierL1 {
			l1 = append(l1, cand{k, e})
		}
	}
	if len(l1) == 0 {
		return
	}
	sortByScore(l1, func(i int) time.Time { return l1[i].entry.kthScore() })

	target := len(l1) / 10
	if target == 0 {
		target = 1
	}
	for i := 0; i < target && shard.l1Bytes > shard.l1Capacity; i++ {
		c := l1[i]
		c.entry.Tier = TierL2
		shard.l1Bytes -= c.entry.size()
	}
}

// sortByScore is a small insertion sort over candidate keyed by a
// time.Time score; the candidate lists involved here are bounded by the
// eviction sample size or the L1 tier size, so O(n^2) is acceptable.
func sortByScore[T any](items []T, score func(i int) time.Time) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && score(j).Before(score(j-1)); j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}

// Put admits entry under key.
func (sc *ShardedCache) Put(ctx context.Context, key string, entry *Entry, tags []string) bool {
	size := entry.size()
	shard := sc.getShard(key)
	if size > shard.maxEntryBytes {
		sc.logger.Warn("cache entry exceeds max_entry_bytes, not admitted", "key", key, "size", size)
		return false
	}

	entry.Tags = cloneTags(tags)
	if len(entry.Tags) < len(tags) {
		sc.logger.Warn("entry tags truncated to bound", "key", key, "kept", len(entry.Tags), "offered", len(tags))
	}

	if sc.hierarchyEnabled && entry.accessCount >= sc.promotionThresh {
		entry.Tier = TierL1
	} else if sc.hierarchyEnabled {
		entry.Tier = TierL2
	} else {
		entry.Tier = TierNone
	}

	shard.mu.Lock()
	old, existed := shard.entries[key]
	if existed {
		sc.unaccountLocked(shard, old, key)
	}

	for shard.bytes+size > shard.maxBytes && len(shard.entries) > 0 {
		if !sc.evictOneLocked(shard) {
			break
		}
	}

	shard.entries[key] = entry
	shard.bytes += size
	if entry.Tier == TierL1 {
		shard.l1Bytes += size
	}
	shard.stats.sets++
	shard.mu.Unlock()

	sc.tags.add(entry.Tags, key)

	if sc.metrics != nil {
		sc.metrics.CacheEntries.Add(ctx, 1)
		sc.metrics.CacheSizeBytes.Add(ctx, size)
	}
	return true
}

// unaccountLocked removes old's byte accounting prior to replacement or
// deletion. Must be called with shard.mu held. It does not touch the tag
// index; removing old's tags is left to the caller.
func (sc *ShardedCache) unaccountLocked(shard *CacheShard, old *Entry, key string) {
	size := old.size()
	shard.bytes -= size
	if old.Tier == TierL1 {
		shard.l1Bytes -= size
	}
	delete(shard.entries, key)
}

// evictOneLocked evicts the lowest-scoring entry from a bounded random
// sample, preferring L2 victims when hierarchy is enabled and L2 has any
// candidates. Must be called with shard.mu held. Returns false if the
// shard has nothing left to evict.
func (sc *ShardedCache) evictOneLocked(shard *CacheShard) bool {
	type cand struct {
		key   string
		entry *Entry
	}
	var sample []cand
	for k, e := range shard.entries {
		if sc.hierarchyEnabled && e.Tier == TierL1 {
			continue // prefer evicting cold (L2) entries first
		}
		sample = append(sample, cand{k, e})
		if len(sample) >= evictionSampleSize {
			break
		}
	}
	if len(sample) == 0 {
		// hierarchy enabled but everything is L1 (e.g. L2 empty): fall
		// back to considering all entries.
		for k, e := range shard.entries {
			sample = append(sample, cand{k, e})
			if len(sample) >= evictionSampleSize {
				break
			}
		}
	}
	if len(sample) == 0 {
		return false
	}

	best := 0
	for i := 1; i < len(sample); i++ {
		if scoreLess(sample[i].entry, sample[best].entry) {
			best = i
		}
	}

	victim := sample[best]
	sc.unaccountLocked(shard, victim.entry, victim.key)
	shard.stats.evictions++
	go sc.tags.remove(victim.entry.Tags, victim.key)
	return true
}

// scoreLess reports whether a ranks below b for eviction purposes: lower
// K-th-access score evicts first, ties broken by older last-access.
func scoreLess(a, b *Entry) bool {
	as, bs := a.kthScore(), b.kthScore()
	if !as.Equal(bs) {
		return as.Before(bs)
	}
	return a.lastAccess.Before(b.lastAccess)
}

// Invalidate removes a single key.
func (sc *ShardedCache) Invalidate(ctx context.Context, key string) int {
	shard := sc.getShard(key)
	shard.mu.Lock()
	entry, ok := shard.entries[key]
	if !ok {
		shard.mu.Unlock()
		return 0
	}
	sc.unaccountLocked(shard, entry, key)
	shard.mu.Unlock()

	sc.tags.remove(entry.Tags, key)
	if sc.metrics != nil {
		sc.metrics.CacheEntries.Add(ctx, -1)
	}
	return 1
}

// InvalidatePrefix removes every key with the given prefix, across all
// shards.
func (sc *ShardedCache) InvalidatePrefix(ctx context.Context, prefix string) int {
	total := 0
	for _, shard := range sc.shards {
		var victims []string
		shard.mu.RLock()
		for k := range shard.entries {
			if strings.HasPrefix(k, prefix) {
				victims = append(victims, k)
			}
		}
		shard.mu.RUnlock()

		if len(victims) == 0 {
			continue
		}
		shard.mu.Lock()
		for _, k := range victims {
			if entry, ok := shard.entries[k]; ok {
				sc.unaccountLocked(shard, entry, k)
				sc.tags.remove(entry.Tags, k)
				total++
			}
		}
		shard.mu.Unlock()
	}
	if sc.metrics != nil && total > 0 {
		sc.metrics.CacheEntries.Add(ctx, int64(-total))
	}
	return total
}

// InvalidateTag removes every entry carrying tag.
func (sc *ShardedCache) InvalidateTag(ctx context.Context, tag string) int {
	keys := sc.tags.keysForTag(tag)
	total := 0
	for _, k := range keys {
		total += sc.Invalidate(ctx, k)
	}
	return total
}

// InvalidateAll clears every shard and the tag index.
func (sc *ShardedCache) InvalidateAll(ctx context.Context) int {
	total := 0
	for _, shard := range sc.shards {
		shard.mu.Lock()
		total += len(shard.entries)
		shard.entries = make(map[string]*Entry)
		shard.bytes = 0
		shard.l1Bytes = 0
		shard.mu.Unlock()
	}
	sc.tags.clear()
	if sc.metrics != nil && total > 0 {
		sc.metrics.CacheEntries.Add(ctx, int64(-total))
	}
	return total
}

// Stats returns an aggregated snapshot across all shards.
func (sc *ShardedCache) Stats() Stats {
	var s Stats
	for _, shard := range sc.shards {
		shard.mu.RLock()
		s.Hits += shard.stats.hits
		s.Misses += shard.stats.misses
		s.Evictions += shard.stats.evictions
		s.Sets += shard.stats.sets
		s.Entries += len(shard.entries)
		s.Bytes += shard.bytes
		for _, e := range shard.entries {
			if e.Tier == TierL1 {
				s.L1Entries++
			} else if e.Tier == TierL2 {
				s.L2Entries++
			}
			if len(e.Tags) > 0 {
				s.TaggedEntries++
			}
		}
		shard.mu.RUnlock()
	}
	s.TotalTags = sc.tags.tagCount()

	total := s.Hits + s.Misses
	if total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Close stops the background reaper.
func (sc *ShardedCache) Close() error {
	close(sc.stopCleanup)
	<-sc.cleanupDone

	stats := sc.Stats()
	sc.logger.Info("cache engine closed",
		"final_hits", stats.Hits,
		"final_misses", stats.Misses,
		"final_entries", stats.Entries)
	return nil
}

// cleanupLoop periodically reaps entries past max(swr,sie) of their
// expiry, independent of the eviction path.
func (sc *ShardedCache) cleanupLoop() {
	defer close(sc.cleanupDone)

	jitter := time.Duration(rand.Intn(5)) * time.Second
	ticker := time.NewTicker(time.Minute + jitter)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sc.reap()
		case <-sc.stopCleanup:
			return
		}
	}
}

// reap removes entries that have passed expires_at + max(swr, sie).
func (sc *ShardedCache) reap() {
	now := sc.clock.Now()
	removed := 0

	for _, shard := range sc.shards {
		var victims []string
		shard.mu.RLock()
		for k, e := range shard.entries {
			window := e.SWRWindow
			if e.SIEWindow > window {
				window = e.SIEWindow
			}
			if now.After(e.ExpiresAt.Add(window)) {
				victims = append(victims, k)
			}
		}
		shard.mu.RUnlock()

		if len(victims) == 0 {
			continue
		}
		shard.mu.Lock()
		for _, k := range victims {
			if e, ok := shard.entries[k]; ok {
				sc.unaccountLocked(shard, e, k)
				sc.tags.remove(e.Tags, k)
				removed++
			}
		}
		shard.mu.Unlock()
	}

	if removed > 0 {
		sc.logger.Debug("cache reaper removed expired entries", "removed", removed)
	}
}

// recordHit/recordMiss only maintain the engine's own aggregate Stats();
// per-origin cdn_cache_hits_total/cdn_cache_misses_total counters are
// recorded by the pipeline, which knows the origin a key belongs to.
func (sc *ShardedCache) recordHit(ctx context.Context, shard *CacheShard) {
	_ = ctx
	shard.mu.Lock()
	shard.stats.hits++
	shard.mu.Unlock()
}

func (sc *ShardedCache) recordMiss(ctx context.Context, shard *CacheShard) {
	_ = ctx
	shard.mu.Lock()
	shard.stats.misses++
	shard.mu.Unlock()
}
