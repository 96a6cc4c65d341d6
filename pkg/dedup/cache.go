// Package dedup provides a bounded, time-windowed set of seen message ids.
// Every channel's connection supervisor uses it to drop platform redeliveries.
package dedup

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	id      string
	seenAt  time.Time
	element *list.Element
}

// Cache remembers message ids for a TTL window, bounded by maxSize with
// oldest-first eviction. An id redelivered after the TTL elapses is treated
// as new; that gap is accepted rather than growing the cache without bound.
type Cache struct {
	ttl     time.Duration
	maxSize int

	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // front = oldest
	hits    int64

	nowFunc func() time.Time
}

func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &Cache{
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[string]*entry, maxSize),
		order:   list.New(),
		nowFunc: time.Now,
	}
}

// Seen reports whether id was already recorded within the TTL window and
// records it otherwise. Empty and "0" ids are never duplicates.
func (c *Cache) Seen(id string) bool {
	if id == "" || id == "0" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	c.evictExpired(now)

	if e, ok := c.entries[id]; ok {
		if c.ttl <= 0 || now.Sub(e.seenAt) < c.ttl {
			c.hits++
			return true
		}
		// expired but not yet swept
		c.remove(e)
	}

	for len(c.entries) >= c.maxSize {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		c.remove(oldest.Value.(*entry))
	}

	e := &entry{id: id, seenAt: now}
	e.element = c.order.PushBack(e)
	c.entries[id] = e
	return false
}

// Hits returns how many duplicates were suppressed.
func (c *Cache) Hits() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits
}

// Len returns the number of live entries, mainly for tests and status output.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) evictExpired(now time.Time) {
	if c.ttl <= 0 {
		return
	}
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		e := front.Value.(*entry)
		if now.Sub(e.seenAt) < c.ttl {
			return
		}
		c.remove(e)
	}
}

func (c *Cache) remove(e *entry) {
	c.order.Remove(e.element)
	delete(c.entries, e.id)
}
