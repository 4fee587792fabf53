package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is advanced manually by tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestCache(maxSize int, ttl time.Duration) (*Manager, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := New(maxSize, ttl)
	m.now = clock.Now
	return m, clock
}

func TestNewDefaults(t *testing.T) {
	m := New(0, 0)
	assert.Equal(t, DefaultMaxSize, m.maxSize)
	assert.Equal(t, DefaultTTL, m.ttl)
	assert.Equal(t, 0, m.Len())
}

func TestGetPut(t *testing.T) {
	m, _ := newTestCache(10, time.Minute)

	_, ok := m.Get("The qwikk fox")
	assert.False(t, ok)

	m.Put("The qwikk fox", "The [qwikk] fox")
	got, ok := m.Get("The qwikk fox")
	require.True(t, ok)
	assert.Equal(t, "The [qwikk] fox", got)

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 50.0, stats.HitRate)
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, 10, stats.MaxSize)
}

// TestEvictsLeastRecentlyUsed verifies the survivors are the most recently used keys.
func TestEvictsLeastRecentlyUsed(t *testing.T) {
	m, _ := newTestCache(3, time.Minute)

	m.Put("a", "A")
	m.Put("b", "B")
	m.Put("c", "C")

	// Touch "a" so "b" becomes the eviction candidate.
	_, ok := m.Get("a")
	require.True(t, ok)

	m.Put("d", "D")
	assert.Equal(t, []string{"c", "a", "d"}, m.Keys())

	_, ok = m.Get("b")
	assert.False(t, ok)
	assert.Equal(t, 3, m.Len())
}

func TestSizeNeverExceedsMax(t *testing.T) {
	m, _ := newTestCache(5, time.Minute)
	for i := 0; i < 50; i++ {
		m.Put(fmt.Sprintf("k%d", i), "v")
		assert.LessOrEqual(t, m.Len(), 5)
	}
	assert.Equal(t, []string{"k45", "k46", "k47", "k48", "k49"}, m.Keys())
}

// TestOverwriteDoesNotGrow verifies overwrites refresh recency in place.
func TestOverwriteDoesNotGrow(t *testing.T) {
	m, _ := newTestCache(2, time.Minute)
	m.Put("a", "1")
	m.Put("b", "2")
	m.Put("a", "3")

	assert.Equal(t, 2, m.Len())
	assert.Equal(t, []string{"b", "a"}, m.Keys())

	got, ok := m.Get("a")
	require.True(t, ok)
	assert.Equal(t, "3", got)
}

// TestTTLExpiry verifies expired entries are evicted on read and counted as misses.
func TestTTLExpiry(t *testing.T) {
	m, clock := newTestCache(10, 30*time.Second)
	m.Put("text", "checked")

	clock.Advance(30 * time.Second)
	_, ok := m.Get("text")
	assert.True(t, ok, "entry exactly at ttl is still valid")

	clock.Advance(time.Second)
	_, ok = m.Get("text")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len())

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

// TestGetDoesNotRefreshTTL verifies age is measured from insertion.
func TestGetDoesNotRefreshTTL(t *testing.T) {
	m, clock := newTestCache(10, 10*time.Second)
	m.Put("text", "checked")

	clock.Advance(8 * time.Second)
	_, ok := m.Get("text")
	require.True(t, ok)

	clock.Advance(8 * time.Second)
	_, ok = m.Get("text")
	assert.False(t, ok)
}

func TestClearResetsCounters(t *testing.T) {
	m, _ := newTestCache(10, time.Minute)
	m.Put("a", "A")
	m.Get("a")
	m.Get("missing")

	m.Clear()

	stats := m.Stats()
	assert.Equal(t, Stats{MaxSize: 10}, stats)
	_, ok := m.Get("a")
	assert.False(t, ok)
}

func TestHitRateRounding(t *testing.T) {
	m, _ := newTestCache(10, time.Minute)
	assert.Equal(t, 0.0, m.Stats().HitRate)

	m.Put("a", "A")
	m.Get("a")
	m.Get("a")
	m.Get("x")

	stats := m.Stats()
	assert.Equal(t, 66.7, stats.HitRate)
	assert.Equal(t, "66.7% hit rate, 1/10 entries", stats.String())
}

// TestConcurrentAccess exercises the cache from many goroutines.
func TestConcurrentAccess(t *testing.T) {
	m := New(64, time.Minute)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("k%d", (g*31+i)%100)
				if _, ok := m.Get(key); !ok {
					m.Put(key, key)
				}
				if i%100 == 0 {
					m.Stats()
				}
			}
		}(g)
	}
	wg.Wait()

	stats := m.Stats()
	assert.LessOrEqual(t, stats.Size, 64)
	assert.Equal(t, uint64(8*500), stats.Hits+stats.Misses)
}
