// Package cache provides the bounded, concurrency-safe memo table used for
// verification outcomes and resolution plans.
package cache

import (
	"container/list"
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"Forged-Core/pkg/logger"
)

// Store is an optional second tier consulted on a miss and written after a
// successful computation.
type Store[V any] interface {
	Load(ctx context.Context, key string) (V, bool, error)
	Save(ctx context.Context, key string, value V) error
	Delete(ctx context.Context, key string) error
}

// Stats is a point-in-time view of the cache counters.
type Stats struct {
	Size      int
	Capacity  int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

type entry[V any] struct {
	key   string
	value V
	pins  int
}

// load tracks one in-flight computation. Invalidate marks it stale so its
// result is handed to the waiters but never stored.
type load struct {
	stale bool
}

// Cache is a least-recently-used cache with pinning. Pinned entries are never
// evicted, so the cache may exceed its capacity while pins are held.
type Cache[V any] struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
	stats    Stats
	group    singleflight.Group
	loads    map[string]*load
	store    Store[V]
	onEvict  func(key string, value V)
	log      *slog.Logger
}

// Option configures a Cache.
type Option[V any] func(*Cache[V])

// WithStore installs a second-tier store.
func WithStore[V any](store Store[V]) Option[V] {
	return func(c *Cache[V]) {
		c.store = store
	}
}

// WithEvictionHook registers a callback invoked after an LRU eviction.
func WithEvictionHook[V any](fn func(key string, value V)) Option[V] {
	return func(c *Cache[V]) {
		c.onEvict = fn
	}
}

// WithLogger overrides the component logger.
func WithLogger[V any](l *slog.Logger) Option[V] {
	return func(c *Cache[V]) {
		if l != nil {
			c.log = l
		}
	}
}

// New creates a cache holding at most capacity unpinned entries. A capacity
// below one is treated as one.
func New[V any](capacity int, opts ...Option[V]) *Cache[V] {
	if capacity < 1 {
		capacity = 1
	}
	c := &Cache[V]{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element, capacity),
		loads:    make(map[string]*load),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.Named("cache")
	}
	return c
}

// Get returns the cached value and marks it most recently used.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		c.stats.Hits++
		return el.Value.(*entry[V]).value, true
	}
	c.stats.Misses++
	var zero V
	return zero, false
}

// Put inserts or replaces the value for key.
func (c *Cache[V]) Put(key string, value V) {
	c.mu.Lock()
	evicted := c.putLocked(key, value)
	c.mu.Unlock()
	c.notifyEvicted(evicted)
}

func (c *Cache[V]) putLocked(key string, value V) []*entry[V] {
	if el, ok := c.items[key]; ok {
		el.Value.(*entry[V]).value = value
		c.ll.MoveToFront(el)
		return nil
	}
	c.items[key] = c.ll.PushFront(&entry[V]{key: key, value: value})
	return c.evictLocked()
}

// evictLocked drops least recently used unpinned entries until the cache
// fits its capacity or only pinned entries remain. The most recently used
// entry is always kept.
func (c *Cache[V]) evictLocked() []*entry[V] {
	var evicted []*entry[V]
	front := c.ll.Front()
	for el := c.ll.Back(); el != nil && el != front && c.ll.Len() > c.capacity; {
		prev := el.Prev()
		ent := el.Value.(*entry[V])
		if ent.pins == 0 {
			c.ll.Remove(el)
			delete(c.items, ent.key)
			c.stats.Evictions++
			evicted = append(evicted, ent)
		}
		el = prev
	}
	return evicted
}

func (c *Cache[V]) notifyEvicted(evicted []*entry[V]) {
	if c.onEvict == nil {
		return
	}
	for _, ent := range evicted {
		c.onEvict(ent.key, ent.value)
	}
}

// GetOrCompute returns the cached value for key, consulting the second tier
// and finally fn on a miss. Concurrent callers for the same key share a single
// computation. Errors are returned to every waiter and never cached.
func (c *Cache[V]) GetOrCompute(ctx context.Context, key string, fn func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	ch := c.group.DoChan(key, func() (any, error) {
		if v, ok := c.peek(key); ok {
			return v, nil
		}
		l := c.beginLoad(key)
		defer c.endLoad(key, l)
		if v, ok := c.loadFromStore(ctx, key); ok {
			c.putUnlessStale(key, v, l)
			return v, nil
		}
		v, err := fn(ctx)
		if err != nil {
			return v, err
		}
		if c.putUnlessStale(key, v, l) {
			c.saveToStore(ctx, key, v)
		}
		return v, nil
	})
	select {
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	case res := <-ch:
		v, _ := res.Val.(V)
		return v, res.Err
	}
}

func (c *Cache[V]) beginLoad(key string) *load {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := &load{}
	c.loads[key] = l
	return l
}

func (c *Cache[V]) endLoad(key string, l *load) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// A newer load may have started after Invalidate released the key.
	if c.loads[key] == l {
		delete(c.loads, key)
	}
}

// putUnlessStale stores v unless key was invalidated while l was running.
func (c *Cache[V]) putUnlessStale(key string, v V, l *load) bool {
	c.mu.Lock()
	if l.stale {
		c.mu.Unlock()
		return false
	}
	evicted := c.putLocked(key, v)
	c.mu.Unlock()
	c.notifyEvicted(evicted)
	return true
}

func (c *Cache[V]) peek(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		return el.Value.(*entry[V]).value, true
	}
	var zero V
	return zero, false
}

func (c *Cache[V]) loadFromStore(ctx context.Context, key string) (V, bool) {
	var zero V
	if c.store == nil {
		return zero, false
	}
	v, ok, err := c.store.Load(ctx, key)
	if err != nil {
		c.log.Warn("second tier load failed", "key", key, "error", err)
		return zero, false
	}
	return v, ok
}

func (c *Cache[V]) saveToStore(ctx context.Context, key string, v V) {
	if c.store == nil {
		return
	}
	if err := c.store.Save(ctx, key, v); err != nil {
		c.log.Warn("second tier save failed", "key", key, "error", err)
	}
}

// Invalidate removes key immediately, pinned or not, from both tiers. A
// computation already running for key still answers its waiters, but its
// result is not cached.
func (c *Cache[V]) Invalidate(ctx context.Context, key string) bool {
	c.mu.Lock()
	el, ok := c.items[key]
	if ok {
		c.ll.Remove(el)
		delete(c.items, key)
	}
	if l := c.loads[key]; l != nil {
		l.stale = true
		delete(c.loads, key)
	}
	c.mu.Unlock()
	c.group.Forget(key)
	if c.store != nil {
		if err := c.store.Delete(ctx, key); err != nil {
			c.log.Warn("second tier delete failed", "key", key, "error", err)
		}
	}
	return ok
}

// Pin protects key from eviction until release is called. It reports false
// when the key is not cached. Calling release more than once is harmless.
func (c *Cache[V]) Pin(key string) (release func(), ok bool) {
	c.mu.Lock()
	el, found := c.items[key]
	if !found {
		c.mu.Unlock()
		return func() {}, false
	}
	ent := el.Value.(*entry[V])
	ent.pins++
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			ent.pins--
			var evicted []*entry[V]
			if _, live := c.items[ent.key]; live && ent.pins == 0 {
				evicted = c.evictLocked()
			}
			c.mu.Unlock()
			c.notifyEvicted(evicted)
		})
	}, true
}

// Len returns the number of cached entries, pinned ones included.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = c.ll.Len()
	s.Capacity = c.capacity
	return s
}
