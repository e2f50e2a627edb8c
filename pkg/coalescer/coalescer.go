// Package coalescer deduplicates concurrent cache misses for the same key
// so only one origin fetch is ever in flight at a time.
package coalescer

import (
	"golang.org/x/sync/singleflight"
)

// Result is what a coalesced call returns: the value produced by the
// single winning call, whether that result was handed to more than one
// caller, and any error it returned.
type Result struct {
	Value   any
	Shared  bool
	Err     error
}

// Coalescer wraps golang.org/x/sync/singleflight to give waiters a typed
// surface matching fetch_or_wait semantics: whoever calls first runs work,
// everyone else subscribes to the same outcome.
type Coalescer struct {
	group singleflight.Group
}

// New creates an empty coalescer.
func New() *Coalescer {
	return &Coalescer{}
}

// Do runs work for key if no call is already in flight, otherwise blocks
// until the in-flight call completes and returns its result. Do takes no
// context: a waiter cannot stop waiting early, and no single waiter can
// cancel work that others are waiting on.
func (c *Coalescer) Do(key string, work func() (any, error)) Result {
	v, err, shared := c.group.Do(key, work)
	return Result{Value: v, Shared: shared, Err: err}
}

// Forget removes key from the in-flight set, letting the next caller start
// fresh work instead of subscribing to a result already delivered.
func (c *Coalescer) Forget(key string) {
	c.group.Forget(key)
}
