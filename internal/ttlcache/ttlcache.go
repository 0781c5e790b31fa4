// Package ttlcache implements an in-memory cache whose entries expire after a TTL.
package ttlcache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"
	"k8s.io/utils/clock"
)

const defaultCleanupInterval = 20 * time.Second

// CacheOptions are options for NewCache.
type CacheOptions struct {
	// Initial size of the cache
	InitialSize int
	// Maximum TTL for entries; if zero, there's no limit
	MaxTTL time.Duration
	// Interval for the background cleanup of expired entries
	CleanupInterval time.Duration
	// Clock used by the cache; defaults to the real clock
	Clock clock.WithTicker
}

// Cache is a key-value cache where entries expire after a TTL.
// Expired entries are never returned, and they are removed from memory periodically.
type Cache[V any] struct {
	m       *haxmap.Map[string, cacheEntry[V]]
	maxTTL  time.Duration
	clock   clock.WithTicker
	stopped atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type cacheEntry[V any] struct {
	value V
	exp   time.Time
}

// NewCache returns a new Cache and starts its background cleanup.
// Callers must invoke Stop when done.
func NewCache[V any](opts *CacheOptions) *Cache[V] {
	if opts == nil {
		opts = &CacheOptions{}
	}
	if opts.InitialSize <= 0 {
		opts.InitialSize = 8
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = defaultCleanupInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}

	c := &Cache[V]{
		m:      haxmap.New[string, cacheEntry[V]](uintptr(opts.InitialSize)),
		maxTTL: opts.MaxTTL,
		clock:  opts.Clock,
		stopCh: make(chan struct{}),
	}

	// The ticker is created before the goroutine starts, so it's registered with the clock right away
	t := c.clock.NewTicker(opts.CleanupInterval)
	c.wg.Add(1)
	go c.cleanupLoop(t)

	return c
}

// Get returns an entry from the cache, if present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	e, ok := c.m.Get(key)
	if !ok || !e.exp.After(c.clock.Now()) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set an entry in the cache.
// The TTL is capped by the MaxTTL option; a non-positive TTL deletes the entry.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	if c.maxTTL > 0 && (ttl <= 0 || ttl > c.maxTTL) {
		ttl = c.maxTTL
	}
	if ttl <= 0 {
		c.m.Del(key)
		return
	}

	c.m.Set(key, cacheEntry[V]{
		value: value,
		exp:   c.clock.Now().Add(ttl),
	})
}

// Delete an entry from the cache.
func (c *Cache[V]) Delete(key string) {
	c.m.Del(key)
}

// CompareAndDelete deletes the entry only if the match function returns true for its current value.
func (c *Cache[V]) CompareAndDelete(key string, match func(V) bool) bool {
	e, ok := c.m.Get(key)
	if !ok || !match(e.value) {
		return false
	}
	c.m.Del(key)
	return true
}

// DeleteFunc deletes all entries for which fn returns true.
func (c *Cache[V]) DeleteFunc(fn func(key string, value V) bool) {
	var keys []string
	c.m.ForEach(func(k string, e cacheEntry[V]) bool {
		if fn(k, e.value) {
			keys = append(keys, k)
		}
		return true
	})
	if len(keys) > 0 {
		c.m.Del(keys...)
	}
}

// Len returns the number of entries in the cache, including expired ones not yet removed.
func (c *Cache[V]) Len() int {
	return int(c.m.Len())
}

// Stop the background cleanup.
func (c *Cache[V]) Stop() {
	if !c.stopped.CompareAndSwap(false, true) {
		return
	}
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Cache[V]) cleanupLoop(t clock.Ticker) {
	defer c.wg.Done()
	defer t.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C():
			c.removeExpired()
		}
	}
}

func (c *Cache[V]) removeExpired() {
	now := c.clock.Now()
	var keys []string
	c.m.ForEach(func(k string, e cacheEntry[V]) bool {
		if !e.exp.After(now) {
			keys = append(keys, k)
		}
		return true
	})
	if len(keys) > 0 {
		c.m.Del(keys...)
	}
}
