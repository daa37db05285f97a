package flightcache

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Loader fetches the authoritative value for a key.
type Loader[K comparable, V any] func(ctx context.Context, key K) (V, error)

type Options[K comparable, V any] struct {
	// used as the "cache" label on metrics
	Name string
	// maximum entries; zero means 10,000
	Capacity int
	// how long a loaded value is fresh
	TTL time.Duration
	// optional per-value override of TTL (eg, shorter for degraded values); return zero to use TTL
	TTLFor func(V) time.Duration
	// string form of a key, for coalescing loads
	KeyString func(K) string
	// clock; defaults to time.Now. Tests substitute a fake.
	Now func() time.Time
}

type entry[V any] struct {
	val     V
	updated time.Time
	ttl     time.Duration
}

// Read-through cache with a TTL, where concurrent misses for the same key share
// a single load, and an expired value keeps being served if its refresh fails.
type Cache[K comparable, V any] struct {
	name      string
	ttl       time.Duration
	ttlFor    func(V) time.Duration
	keyString func(K) string
	now       func() time.Time
	load      Loader[K, V]

	entries *lru.Cache[K, entry[V]]
	group   singleflight.Group
}

func New[K comparable, V any](load Loader[K, V], opts Options[K, V]) (*Cache[K, V], error) {
	if load == nil {
		return nil, fmt.Errorf("flightcache: loader is required")
	}
	if opts.KeyString == nil {
		return nil, fmt.Errorf("flightcache: KeyString is required")
	}
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = 10_000
	}
	entries, err := lru.New[K, entry[V]](capacity)
	if err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	name := opts.Name
	if name == "" {
		name = "default"
	}
	return &Cache[K, V]{
		name:      name,
		ttl:       opts.TTL,
		ttlFor:    opts.TTLFor,
		keyString: opts.KeyString,
		now:       now,
		load:      load,
		entries:   entries,
	}, nil
}

func (c *Cache[K, V]) isStale(e *entry[V]) bool {
	if e.ttl <= 0 {
		return false
	}
	return c.now().Sub(e.updated) >= e.ttl
}

func (c *Cache[K, V]) entryTTL(v V) time.Duration {
	if c.ttlFor != nil {
		if t := c.ttlFor(v); t > 0 {
			return t
		}
	}
	return c.ttl
}

// Get returns the cached value for key, loading it if missing or expired.
//
// If a previously cached value exists and the reload fails, the previous value
// is returned (with a nil error) and stays in the cache until a load succeeds.
func (c *Cache[K, V]) Get(ctx context.Context, key K) (V, error) {
	v, _, err := c.GetWithCacheState(ctx, key)
	return v, err
}

// GetWithCacheState is like Get, and also reports whether the value was a fresh cache hit.
func (c *Cache[K, V]) GetWithCacheState(ctx context.Context, key K) (V, bool, error) {
	prev, havePrev := c.entries.Get(key)
	if havePrev && !c.isStale(&prev) {
		cacheHits.WithLabelValues(c.name).Inc()
		return prev.val, true, nil
	}
	cacheMisses.WithLabelValues(c.name).Inc()

	res, err, shared := c.group.Do(c.keyString(key), func() (any, error) {
		// another flight may have completed between our check and this one starting
		if e, ok := c.entries.Get(key); ok && !c.isStale(&e) {
			return e.val, nil
		}
		val, err := c.load(ctx, key)
		if err != nil {
			return nil, err
		}
		c.entries.Add(key, entry[V]{
			val:     val,
			updated: c.now(),
			ttl:     c.entryTTL(val),
		})
		return val, nil
	})
	if shared {
		cacheCoalesced.WithLabelValues(c.name).Inc()
	}
	if err != nil {
		cacheLoadErrors.WithLabelValues(c.name).Inc()
		if havePrev {
			cacheStaleServed.WithLabelValues(c.name).Inc()
			return prev.val, false, nil
		}
		var zero V
		return zero, false, err
	}
	v, _ := res.(V)
	return v, false, nil
}

// Set stores a value directly, as though it had just been loaded.
func (c *Cache[K, V]) Set(key K, val V) {
	c.entries.Add(key, entry[V]{
		val:     val,
		updated: c.now(),
		ttl:     c.entryTTL(val),
	})
}

// Purge drops a single key. The next Get will block on a fresh load.
func (c *Cache[K, V]) Purge(key K) {
	c.entries.Remove(key)
}

// PurgeAll drops every key.
func (c *Cache[K, V]) PurgeAll() {
	c.entries.Purge()
}

func (c *Cache[K, V]) Len() int {
	return c.entries.Len()
}
