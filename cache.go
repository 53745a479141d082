package sri

import (
	"sync"
	"time"
)

// cacheEntry pairs a memoized value with its expiry deadline.
// A zero deadline means the entry never expires.
type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// ttlCache is a mutex-guarded memo map with expiry-on-read semantics.
// One build uses two of these: URL -> CORS verdict and URL -> fetched
// bytes. Entries are created lazily on first miss, dropped when a read
// finds them stale, and wiped wholesale at end of build.
type ttlCache[V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry[V]
}

func newTTLCache[V any](ttl time.Duration) *ttlCache[V] {
	return &ttlCache[V]{
		ttl:     ttl,
		entries: make(map[string]cacheEntry[V]),
	}
}

// get returns the cached value for key, deleting entries whose
// deadline has passed.
func (c *ttlCache[V]) get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !e.expiresAt.IsZero() && e.expiresAt.Before(time.Now()) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// put stores value under key with the cache's TTL.
func (c *ttlCache[V]) put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := cacheEntry[V]{value: value}
	if c.ttl > 0 {
		e.expiresAt = time.Now().Add(c.ttl)
	}
	c.entries[key] = e
}

// clear drops every entry. Called unconditionally at end of build so a
// reused injector (watch mode) never carries state across builds.
func (c *ttlCache[V]) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry[V])
}

// size reports the number of live entries without expiring anything.
func (c *ttlCache[V]) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
