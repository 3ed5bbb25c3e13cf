package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayd/relayd/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

// fakeClock lets tests advance time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLRU(t *testing.T, size int, ttl time.Duration) (*LRU, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := NewLRU(size, ttl, time.Hour, testLogger(t), WithClock(clock.Now))
	t.Cleanup(l.Destroy)
	return l, clock
}

func TestLRUGetSet(t *testing.T) {
	t.Run("returns stored value", func(t *testing.T) {
		l, _ := newTestLRU(t, 10, time.Minute)
		l.Set("a", 1)

		v, ok := l.Get("a")
		assert.True(t, ok)
		assert.Equal(t, 1, v)
	})

	t.Run("missing key is absent", func(t *testing.T) {
		l, _ := newTestLRU(t, 10, time.Minute)

		_, ok := l.Get("missing")
		assert.False(t, ok)
	})

	t.Run("update replaces value and promotes", func(t *testing.T) {
		l, _ := newTestLRU(t, 2, time.Minute)
		l.Set("a", 1)
		l.Set("b", 2)
		l.Set("a", 10)

		// "b" is now the oldest entry and should be the one evicted.
		l.Set("c", 3)

		_, ok := l.Get("b")
		assert.False(t, ok)
		v, ok := l.Get("a")
		assert.True(t, ok)
		assert.Equal(t, 10, v)
	})
}

func TestLRUEviction(t *testing.T) {
	t.Run("evicts oldest on overflow", func(t *testing.T) {
		l, _ := newTestLRU(t, 3, time.Minute)
		l.Set("a", 1)
		l.Set("b", 2)
		l.Set("c", 3)
		l.Set("d", 4)

		_, ok := l.Get("a")
		assert.False(t, ok)
		assert.Equal(t, 3, l.Len())
	})

	t.Run("get promotes entry out of eviction order", func(t *testing.T) {
		l, _ := newTestLRU(t, 3, time.Minute)
		l.Set("a", 1)
		l.Set("b", 2)
		l.Set("c", 3)

		_, ok := l.Get("a")
		require.True(t, ok)

		l.Set("d", 4)

		// "b" was the least recently used entry.
		_, ok = l.Get("b")
		assert.False(t, ok)
		_, ok = l.Get("a")
		assert.True(t, ok)
	})
}

func TestLRUTTL(t *testing.T) {
	t.Run("expired entry is absent", func(t *testing.T) {
		l, clock := newTestLRU(t, 10, time.Minute)
		l.Set("a", 1)

		clock.Advance(2 * time.Minute)

		_, ok := l.Get("a")
		assert.False(t, ok)
	})

	t.Run("entry within TTL survives", func(t *testing.T) {
		l, clock := newTestLRU(t, 10, time.Minute)
		l.Set("a", 1)

		clock.Advance(30 * time.Second)

		_, ok := l.Get("a")
		assert.True(t, ok)
	})

	t.Run("sweep removes all expired entries", func(t *testing.T) {
		l, clock := newTestLRU(t, 10, time.Minute)
		for i := 0; i < 5; i++ {
			l.Set(fmt.Sprintf("old-%d", i), i)
		}
		clock.Advance(2 * time.Minute)
		for i := 0; i < 3; i++ {
			l.Set(fmt.Sprintf("new-%d", i), i)
		}

		removed := l.Sweep()

		assert.Equal(t, 5, removed)
		assert.Equal(t, 3, l.Len())
	})
}

func TestLRUDelete(t *testing.T) {
	l, _ := newTestLRU(t, 10, time.Minute)
	l.Set("a", 1)
	l.Delete("a")

	_, ok := l.Get("a")
	assert.False(t, ok)

	// Deleting a missing key is a no-op.
	l.Delete("missing")
	assert.Equal(t, 0, l.Len())
}
