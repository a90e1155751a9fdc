// Package cache holds the short-lived state shared between diagnostic
// requests: the account/queue snapshot, recently fetched job records and
// recently computed diagnostics.
package cache

import (
	"sync"
	"time"
)

// TTL is a map whose entries go stale after a fixed age. Stale entries are
// dropped on read.
type TTL[V any] struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[string]*ttlItem[V]
	now   func() time.Time
}

type ttlItem[V any] struct {
	expires time.Time
	value   V
}

func NewTTL[V any](ttl time.Duration) *TTL[V] {
	return &TTL[V]{
		ttl:   ttl,
		items: make(map[string]*ttlItem[V]),
		now:   time.Now,
	}
}

// Add stores value under key with the default TTL.
func (c *TTL[V]) Add(key string, value V) {
	c.AddWithTTL(key, value, c.ttl)
}

func (c *TTL[V]) AddWithTTL(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = &ttlItem[V]{expires: c.now().Add(ttl), value: value}
}

// Get returns the value for key if it is present and still fresh.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	item, ok := c.items[key]
	if !ok {
		return zero, false
	}
	if !c.now().Before(item.expires) {
		delete(c.items, key)
		return zero, false
	}
	return item.value, true
}

// Purge drops every stale entry and returns how many were removed.
func (c *TTL[V]) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, item := range c.items {
		if !now.Before(item.expires) {
			delete(c.items, k)
			removed++
		}
	}
	return removed
}
