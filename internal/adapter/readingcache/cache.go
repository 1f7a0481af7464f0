// Package readingcache memoizes provider readings per coordinate for a short
// time-to-live, so an on-demand report shortly after a cycle does not hit the
// provider again for every site.
package readingcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/couchcryptid/rainwatch/internal/domain"
)

// CachedSource wraps a WeatherSource with an in-memory LRU cache whose entries
// expire after ttl on the domain clock.
type CachedSource struct {
	inner domain.WeatherSource
	ttl   time.Duration
	cache *lruCache
}

// New creates a cache decorator around a weather source.
func New(inner domain.WeatherSource, maxEntries int, ttl time.Duration) *CachedSource {
	return &CachedSource{
		inner: inner,
		ttl:   ttl,
		cache: newLRUCache(maxEntries),
	}
}

// Name reports the wrapped provider's name.
func (c *CachedSource) Name() string {
	return c.inner.Name()
}

func (c *CachedSource) FetchReading(ctx context.Context, geo domain.Geo) (domain.RawReading, error) {
	key := fmt.Sprintf("%.4f,%.4f", geo.Lat, geo.Lon)
	now := domain.Clock().Now()
	if e, ok := c.cache.get(key); ok && now.Sub(e.fetchedAt) < c.ttl {
		return e.reading, nil
	}
	reading, err := c.inner.FetchReading(ctx, geo)
	if err != nil {
		return reading, err
	}
	c.cache.put(key, cached{reading: reading, fetchedAt: now})
	return reading, nil
}

type cached struct {
	reading   domain.RawReading
	fetchedAt time.Time
}

// lruCache is a simple thread-safe LRU cache.
type lruCache struct {
	maxEntries int
	mu         sync.Mutex
	entries    map[string]*entry
	head       *entry // most recently used
	tail       *entry // least recently used
}

type entry struct {
	key   string
	value cached
	prev  *entry
	next  *entry
}

func newLRUCache(maxEntries int) *lruCache {
	return &lruCache{
		maxEntries: maxEntries,
		entries:    make(map[string]*entry),
	}
}

func (c *lruCache) get(key string) (cached, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return cached{}, false
	}
	c.moveToFront(e)
	return e.value, true
}

func (c *lruCache) put(key string, value cached) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		c.moveToFront(e)
		return
	}

	e := &entry{key: key, value: value}
	c.entries[key] = e
	c.addToFront(e)

	if len(c.entries) > c.maxEntries {
		c.evictTail()
	}
}

func (c *lruCache) moveToFront(e *entry) {
	if e == c.head {
		return
	}
	c.remove(e)
	c.addToFront(e)
}

func (c *lruCache) addToFront(e *entry) {
	e.next = c.head
	e.prev = nil
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *lruCache) remove(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
}

func (c *lruCache) evictTail() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.remove(c.tail)
}
