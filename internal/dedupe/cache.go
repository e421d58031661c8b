// ABOUTME: Thread-safe TTL cache of idempotency keys for message sends
// ABOUTME: Keys are scoped per principal; the oldest key is evicted when the cache is full

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// claim records when a key was taken and where it sits in the eviction order.
type claim struct {
	at      time.Time
	element *list.Element
}

// Cache remembers idempotency keys for a TTL, bounded in size. Eviction
// order is claim order, oldest first, kept in a linked list for O(1) removal.
type Cache struct {
	mu      sync.Mutex
	claims  map[string]*claim
	order   *list.List // scoped keys, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size.
// A background goroutine sweeps expired keys until Close.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize < 1 {
		maxSize = 1
	}
	c := &Cache{
		claims:  make(map[string]*claim),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// scope joins principal and key so two principals never collide.
func scope(principalID, key string) string {
	return principalID + "\x00" + key
}

// Claim takes key for principalID. It returns false when the key was already
// claimed within the TTL; the caller must treat the request as a duplicate.
func (c *Cache) Claim(principalID, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := scope(principalID, key)
	now := c.now()
	if existing, ok := c.claims[k]; ok {
		if now.Sub(existing.at) < c.ttl {
			return false
		}
		c.order.Remove(existing.element)
		delete(c.claims, k)
	}

	if len(c.claims) >= c.maxSize {
		c.evictOldest()
	}

	c.claims[k] = &claim{at: now, element: c.order.PushBack(k)}
	return true
}

// Release gives back a claim whose request failed before it had any effect,
// so a retry with the same key is accepted.
func (c *Cache) Release(principalID, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := scope(principalID, key)
	if existing, ok := c.claims[k]; ok {
		c.order.Remove(existing.element)
		delete(c.claims, k)
	}
}

// Claimed reports whether key is currently claimed by principalID.
func (c *Cache) Claimed(principalID, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.claims[scope(principalID, key)]
	return ok && c.now().Sub(existing.at) < c.ttl
}

// Len returns the number of keys held, expired ones included until swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.claims)
}

// evictOldest removes the oldest claim. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	k, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.claims, k)
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep drops expired claims. Claims are in time order, so it stops at the
// first live one.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for e := c.order.Front(); e != nil; {
		k, _ := e.Value.(string)
		if now.Sub(c.claims[k].at) < c.ttl {
			return
		}
		next := e.Next()
		c.order.Remove(e)
		delete(c.claims, k)
		e = next
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
