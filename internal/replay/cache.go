// Package replay tracks recently-seen nonces so a signed message can be
// accepted at most once.
//
// The cache keeps two rotating generations, each covering one retention
// period. A nonce therefore stays rejected for at least the retention period
// after it was accepted, which is exactly the window in which its timestamp
// would still pass the freshness check. Memory stays bounded without ever
// re-admitting a live nonce the way a full clear would.
package replay

import (
	"sync"
	"time"
)

const (
	defaultRetention = 5 * time.Minute
	defaultCap       = 10000
)

// Cache is a bounded set of recently-seen nonces.
type Cache struct {
	retention time.Duration
	cap       int

	mu        sync.Mutex
	current   map[string]struct{}
	previous  map[string]struct{}
	rotatedAt time.Time
	now       func() time.Time
}

// New creates a Cache. retention should match the signature timestamp drift
// window; cap bounds the size of a single generation. Zero values fall back
// to 5 minutes and 10000 entries.
func New(retention time.Duration, capacity int) *Cache {
	if retention <= 0 {
		retention = defaultRetention
	}
	if capacity <= 0 {
		capacity = defaultCap
	}
	c := &Cache{
		retention: retention,
		cap:       capacity,
		current:   make(map[string]struct{}),
		previous:  make(map[string]struct{}),
		now:       time.Now,
	}
	c.rotatedAt = c.now()
	return c
}

// Seen reports whether nonce is present without consuming it.
func (c *Cache) Seen(nonce string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.maybeRotate()

	if _, ok := c.current[nonce]; ok {
		return true
	}
	_, ok := c.previous[nonce]
	return ok
}

// Add records nonce as used and reports whether it was new. The check and the
// insert happen under one lock, so two racing calls with the same nonce can
// never both win.
func (c *Cache) Add(nonce string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.maybeRotate()

	if _, ok := c.current[nonce]; ok {
		return false
	}
	if _, ok := c.previous[nonce]; ok {
		return false
	}
	c.current[nonce] = struct{}{}
	return true
}

// Len returns the number of tracked nonces across both generations.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.current) + len(c.previous)
}

// maybeRotate shifts the current generation into previous when it has aged a
// full retention period or hit the size cap. Callers must hold c.mu.
func (c *Cache) maybeRotate() {
	if c.now().Sub(c.rotatedAt) < c.retention && len(c.current) < c.cap {
		return
	}
	c.previous = c.current
	c.current = make(map[string]struct{})
	c.rotatedAt = c.now()
}
