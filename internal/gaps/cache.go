package gaps

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

const (
	DefaultCacheSize = 1024
	DefaultCacheTTL  = 30 * time.Minute
)

type cacheEntry struct {
	hours   map[int64]struct{}
	expires time.Time
}

// HourCache remembers, per meter location, the hours already confirmed
// present in storage. Entries expire after a fixed TTL, and the least
// recently used meter is evicted once the cache is full.
type HourCache struct {
	mu    sync.Mutex
	cache *lru.Cache
	ttl   time.Duration
	now   func() time.Time
}

// NewHourCache creates a cache for up to size meters.
func NewHourCache(size int, ttl time.Duration) (*HourCache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &HourCache{cache: c, ttl: ttl, now: time.Now}, nil
}

// SetClock replaces the clock used for expiry.
func (c *HourCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *HourCache) lookupLocked(key string) (*cacheEntry, bool) {
	v, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	e := v.(*cacheEntry)
	if !c.now().Before(e.expires) {
		c.cache.Remove(key)
		return nil, false
	}
	return e, true
}

// Get returns a copy of the present hours of key, as Unix seconds.
func (c *HourCache) Get(key string) (map[int64]struct{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lookupLocked(key)
	if !ok {
		return nil, false
	}
	out := make(map[int64]struct{}, len(e.hours))
	for h := range e.hours {
		out[h] = struct{}{}
	}
	return out, true
}

// Set stores the full present set of key and restarts its TTL.
func (c *HourCache) Set(key string, hours []time.Time) {
	set := make(map[int64]struct{}, len(hours))
	for _, h := range hours {
		set[h.Unix()] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(key, &cacheEntry{hours: set, expires: c.now().Add(c.ttl)})
}

// MarkPresent adds hour to a live entry of key. Without a live entry it does
// nothing: a partial set must never stand in for a full listing.
func (c *HourCache) MarkPresent(key string, hour time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.lookupLocked(key); ok {
		e.hours[hour.Unix()] = struct{}{}
	}
}

// Purge drops every entry.
func (c *HourCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
}

// Len returns the number of cached meters, expired ones included.
func (c *HourCache) Len() int {
	return c.cache.Len()
}
