package cache

import "context"

// LookupResult classifies the outcome of a cache probe.
type LookupResult int

const (
	Miss LookupResult = iota
	FreshHit
	StaleHit
)

// Interface defines the operations every cache engine implementation
// exposes to the request pipeline.
type Interface interface {
	// Get probes the cache for key, returning FreshHit/StaleHit with the
	// entry, or Miss. Updates last-access and access-count bookkeeping.
	Get(ctx context.Context, key string) (LookupResult, *Entry)

	// PeekStaleIfError returns the entry for key if it is within its
	// stale-if-error window, for use only as an origin-failure fallback.
	PeekStaleIfError(ctx context.Context, key string) (*Entry, bool)

	// Put admits entry under key with the given tags, evicting as needed
	// to satisfy the size invariant. Returns false if the entry exceeds
	// max_entry_bytes and was rejected.
	Put(ctx context.Context, key string, entry *Entry, tags []string) bool

	// Invalidate removes a single key. Returns the number of entries
	// removed (0 or 1).
	Invalidate(ctx context.Context, key string) int

	// InvalidatePrefix removes every key with the given prefix.
	InvalidatePrefix(ctx context.Context, prefix string) int

	// InvalidateTag removes every entry carrying tag.
	InvalidateTag(ctx context.Context, tag string) int

	// InvalidateAll clears the cache entirely.
	InvalidateAll(ctx context.Context) int

	// Stats returns an aggregated snapshot of cache counters.
	Stats() Stats

	// Close stops background maintenance tasks.
	Close() error
}

var _ Interface = (*ShardedCache)(nil)
