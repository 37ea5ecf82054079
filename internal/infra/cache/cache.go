// Package cache provides a small typed in-memory store guarded by a single
// lock, with optional TTL expiry.
package cache

import (
	"sort"
	"sync"
	"time"
)

type entry[T any] struct {
	value     T
	expiresAt time.Time // zero means no expiry
}

// Store is a thread-safe keyed store. With ttl == 0 entries never expire.
type Store[T any] struct {
	mu    sync.RWMutex
	items map[string]entry[T]
	ttl   time.Duration
	stop  chan struct{}
	once  sync.Once
}

// New creates a store. A positive ttl starts a background cleanup goroutine
// that runs until Close.
func New[T any](ttl time.Duration) *Store[T] {
	c := &Store[T]{
		items: make(map[string]entry[T]),
		ttl:   ttl,
		stop:  make(chan struct{}),
	}
	if ttl > 0 {
		go c.cleanup()
	}
	return c
}

func (c *Store[T]) expired(e entry[T], now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

func (c *Store[T]) newEntry(value T) entry[T] {
	e := entry[T]{value: value}
	if c.ttl > 0 {
		e.expiresAt = time.Now().Add(c.ttl)
	}
	return e
}

// Get retrieves a value. Returns false if not found or expired.
func (c *Store[T]) Get(key string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.items[key]
	if !ok || c.expired(e, time.Now()) {
		var zero T
		return zero, false
	}
	return e.value, true
}

// Set stores a value.
func (c *Store[T]) Set(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = c.newEntry(value)
}

// Update applies fn to the current value under the write lock. fn receives the
// zero value and false when the key is absent; returning false from fn leaves
// the store untouched.
func (c *Store[T]) Update(key string, fn func(current T, exists bool) (T, bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if ok && c.expired(e, time.Now()) {
		ok = false
	}
	var current T
	if ok {
		current = e.value
	}
	next, keep := fn(current, ok)
	if !keep {
		return
	}
	c.items[key] = c.newEntry(next)
}

// Delete removes a value.
func (c *Store[T]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.items, key)
}

// Len returns the number of live entries.
func (c *Store[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	n := 0
	for _, e := range c.items {
		if !c.expired(e, now) {
			n++
		}
	}
	return n
}

// Snapshot returns the live entries ordered by key.
func (c *Store[T]) Snapshot() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	keys := make([]string, 0, len(c.items))
	for k, e := range c.items {
		if !c.expired(e, now) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, c.items[k].value)
	}
	return out
}

// Close stops the cleanup goroutine.
func (c *Store[T]) Close() {
	c.once.Do(func() { close(c.stop) })
}

// cleanup periodically removes expired entries.
func (c *Store[T]) cleanup() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for k, v := range c.items {
				if c.expired(v, now) {
					delete(c.items, k)
				}
			}
			c.mu.Unlock()
		}
	}
}
