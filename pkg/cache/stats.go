package cache

// Stats is the aggregated snapshot returned by Stats(). Counters are
// cumulative since startup; InvalidateAll does not reset them.
type Stats struct {
	Hits          uint64
	Misses        uint64
	Evictions     uint64
	Sets          uint64
	Entries       int
	Bytes         int64
	L1Entries     int
	L2Entries     int
	TotalTags     int
	TaggedEntries int
	HitRate       float64
}
