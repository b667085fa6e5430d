// Package cache is the expiring in-memory cache injected into readers of
// project state. It is an explicit service: owners invalidate it through
// Invalidate/InvalidateAll and may observe invalidations through hooks.
package cache

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Hook is called after a key is invalidated. key is empty for InvalidateAll.
type Hook func(key string)

// Cache is a thread-safe LRU cache with per-entry expiry.
type Cache[V any] struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	lru     *list.List
	maxSize int
	ttl     time.Duration
	now     func() time.Time
	group   singleflight.Group
	// gen is bumped on every invalidation so loads that started earlier
	// cannot repopulate the cache with stale values.
	gen   uint64
	hooks []Hook

	hits, misses uint64
}

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func New[V any](maxSize int, ttl time.Duration, opts ...Option) *Cache[V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache[V]{
		items:   make(map[string]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		now:     o.now,
	}
}

func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *Cache[V]) getLocked(key string) (V, bool) {
	var zero V
	elem, ok := c.items[key]
	if !ok {
		c.misses++
		return zero, false
	}
	e := elem.Value.(*entry[V])
	if c.now().After(e.expiresAt) {
		c.removeElement(elem)
		c.misses++
		return zero, false
	}
	c.lru.MoveToFront(elem)
	c.hits++
	return e.value, true
}

func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value)
}

func (c *Cache[V]) setLocked(key string, value V) {
	expires := c.now().Add(c.ttl)
	if elem, ok := c.items[key]; ok {
		c.lru.MoveToFront(elem)
		e := elem.Value.(*entry[V])
		e.value = value
		e.expiresAt = expires
		return
	}
	elem := c.lru.PushFront(&entry[V]{key: key, value: value, expiresAt: expires})
	c.items[key] = elem
	if c.lru.Len() > c.maxSize {
		c.removeElement(c.lru.Back())
	}
}

// GetOrLoad returns the cached value for key or runs load once for all
// concurrent callers asking for the same key.
func (c *Cache[V]) GetOrLoad(key string, load func() (V, error)) (V, error) {
	c.mu.Lock()
	if v, ok := c.getLocked(key); ok {
		c.mu.Unlock()
		return v, nil
	}
	gen := c.gen
	c.mu.Unlock()

	res, err, _ := c.group.Do(key, func() (any, error) {
		v, err := load()
		if err != nil {
			return v, err
		}
		c.mu.Lock()
		if c.gen == gen {
			c.setLocked(key, v)
		}
		c.mu.Unlock()
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	c.gen++
	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
	hooks := append([]Hook(nil), c.hooks...)
	c.mu.Unlock()

	c.group.Forget(key)
	for _, h := range hooks {
		h(key)
	}
}

func (c *Cache[V]) InvalidateAll() {
	c.mu.Lock()
	c.gen++
	keys := make([]string, 0, len(c.items))
	for k := range c.items {
		keys = append(keys, k)
	}
	c.items = make(map[string]*list.Element)
	c.lru = list.New()
	hooks := append([]Hook(nil), c.hooks...)
	c.mu.Unlock()

	for _, k := range keys {
		c.group.Forget(k)
	}
	for _, h := range hooks {
		h("")
	}
}

// OnInvalidate registers a hook run after each invalidation.
func (c *Cache[V]) OnInvalidate(h Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, h)
}

func (c *Cache[V]) removeElement(elem *list.Element) {
	c.lru.Remove(elem)
	delete(c.items, elem.Value.(*entry[V]).key)
}

type Stats struct {
	Size    int
	MaxSize int
	Hits    uint64
	Misses  uint64
}

func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Size: c.lru.Len(), MaxSize: c.maxSize, Hits: c.hits, Misses: c.misses}
}
