// ABOUTME: Tests for the seen-event cache.
// ABOUTME: Covers duplicate detection, key scoping, TTL expiry, and eviction.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_MarkThenContains(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	assert.False(t, c.Contains(42, "!room:example.org", "$evt1"))
	c.Mark(42, "!room:example.org", "$evt1")
	assert.True(t, c.Contains(42, "!room:example.org", "$evt1"))
}

func TestCache_KeysAreScopedToUser(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	// The same room event for two users is two deliveries.
	c.Mark(42, "!shared:example.org", "$evt1")
	assert.True(t, c.Contains(42, "!shared:example.org", "$evt1"))
	assert.False(t, c.Contains(43, "!shared:example.org", "$evt1"))
}

func TestCache_KeysAreScopedToRoom(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	c.Mark(42, "!a:example.org", "$evt1")
	assert.False(t, c.Contains(42, "!b:example.org", "$evt1"))
}

func TestCache_ExpiredEntryIsNotADuplicate(t *testing.T) {
	c := New(10*time.Millisecond, 100)
	defer c.Close()

	c.Mark(42, "!room:x", "$e")
	time.Sleep(20 * time.Millisecond)
	assert.False(t, c.Contains(42, "!room:x", "$e"))

	// Re-marking refreshes the expired entry in place.
	c.Mark(42, "!room:x", "$e")
	assert.True(t, c.Contains(42, "!room:x", "$e"))
	assert.Equal(t, 1, c.Len())
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	c := New(time.Minute, 3)
	defer c.Close()

	for i := range 3 {
		c.Mark(42, "!room:x", fmt.Sprintf("$e%d", i))
	}
	assert.Equal(t, 3, c.Len())

	// Inserting a fourth key evicts $e0.
	c.Mark(42, "!room:x", "$e3")
	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Contains(42, "!room:x", "$e0"))
	assert.True(t, c.Contains(42, "!room:x", "$e3"))
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New(time.Minute, 1000)
	defer c.Close()

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Go(func() {
			for i := range 100 {
				c.Mark(int64(w), "!room:x", fmt.Sprintf("$e%d", i))
				c.Contains(int64(w), "!room:x", fmt.Sprintf("$e%d", i))
			}
		})
	}
	wg.Wait()

	// 8 users x 100 events, every key distinct.
	assert.Equal(t, 800, c.Len())
	assert.True(t, c.Contains(0, "!room:x", "$e0"))
	assert.True(t, c.Contains(7, "!room:x", "$e99"))
}

func TestCache_CloseIsIdempotent(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	c.Close()
}
