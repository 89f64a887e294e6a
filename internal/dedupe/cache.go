// ABOUTME: TTL-bounded cache of already-processed room events, per user.
// ABOUTME: Drops redelivered events after a protocol reconnect.

package dedupe

import (
	"container/list"
	"strconv"
	"sync"
	"time"
)

// entry pairs the time a key was recorded with its position in the
// insertion-order list so eviction stays O(1).
type entry struct {
	at   time.Time
	elem *list.Element
}

// Cache remembers (user, room, event) triples it has recently seen. The
// underlying sync layer redelivers events on reconnect, so the pipeline
// asks the cache before processing anything and marks the event only
// once it has been persisted; events for a user are processed
// sequentially, so the check and the mark need not be one atomic step.
// Entries expire after the configured TTL and the cache never grows past
// max entries.
type Cache struct {
	mu     sync.Mutex
	keys   map[string]*entry
	order  *list.List // oldest at front
	ttl    time.Duration
	max    int
	stop   chan struct{}
	closed bool
}

// New creates a cache and starts a background sweep that removes
// expired entries once a minute.
func New(ttl time.Duration, max int) *Cache {
	c := &Cache{
		keys:  make(map[string]*entry),
		order: list.New(),
		ttl:   ttl,
		max:   max,
		stop:  make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// The same room event delivered to two users' sessions is two distinct
// deliveries, so the user ID is part of the key.
func cacheKey(userID int64, roomID, eventID string) string {
	return strconv.FormatInt(userID, 10) + "\x00" + roomID + "\x00" + eventID
}

// Contains reports whether the event was already recorded for this user
// and has not expired.
func (c *Cache) Contains(userID int64, roomID, eventID string) bool {
	key := cacheKey(userID, roomID, eventID)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.keys[key]
	return ok && time.Since(e.at) < c.ttl
}

// Mark records the event for this user, refreshing an expired entry in
// place and evicting the oldest entry at capacity.
func (c *Cache) Mark(userID int64, roomID, eventID string) {
	key := cacheKey(userID, roomID, eventID)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if e, ok := c.keys[key]; ok {
		e.at = now
		c.order.MoveToBack(e.elem)
		return
	}

	if len(c.keys) >= c.max {
		if front := c.order.Front(); front != nil {
			oldest, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.keys, oldest)
		}
	}

	c.keys[key] = &entry{at: now, elem: c.order.PushBack(key)}
}

// Len returns the number of live entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.keys)
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, e := range c.keys {
		if now.Sub(e.at) > c.ttl {
			c.order.Remove(e.elem)
			delete(c.keys, key)
		}
	}
}

// Close stops the background sweep. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.stop)
		c.closed = true
	}
}
