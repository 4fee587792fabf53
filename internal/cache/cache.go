// Package cache holds recently computed spell-check results keyed by the
// exact submitted text. Entries expire lazily after a TTL and the least
// recently used entry is evicted once the cache is full.
package cache

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const (
	// DefaultMaxSize matches a worker's default capacity.
	DefaultMaxSize = 500
	// DefaultTTL is how long a computed correction stays valid.
	DefaultTTL = time.Hour
)

type entry struct {
	insertedAt time.Time
	value      string
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"` // percent, one decimal
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
}

// String renders the stats the way worker logs print them.
func (s Stats) String() string {
	return fmt.Sprintf("%.1f%% hit rate, %d/%d entries", s.HitRate, s.Size, s.MaxSize)
}

// Manager is a bounded LRU cache with per-entry TTL.
// Thread-safe: all methods are safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	lru     *simplelru.LRU[string, entry]
	now     func() time.Time
	ttl     time.Duration
	maxSize int
	hits    uint64
	misses  uint64
}

// New creates a cache holding at most maxSize entries for ttl each.
// Non-positive arguments fall back to DefaultMaxSize and DefaultTTL.
func New(maxSize int, ttl time.Duration) *Manager {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	// NewLRU only fails for a non-positive size, which is excluded above.
	l, _ := simplelru.NewLRU[string, entry](maxSize, nil)
	return &Manager{
		lru:     l,
		now:     time.Now,
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Get returns the cached value for key. An expired entry is evicted and
// counted as a miss. A hit marks the entry most recently used.
func (m *Manager) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lru.Get(key)
	if !ok {
		m.misses++
		return "", false
	}
	if m.now().Sub(e.insertedAt) > m.ttl {
		m.lru.Remove(key)
		m.misses++
		return "", false
	}
	m.hits++
	return e.value, true
}

// Put stores value under key with the current time. When the cache is full
// the least recently used entry is evicted first; overwriting an existing
// key refreshes it without growing the cache.
func (m *Manager) Put(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lru.Add(key, entry{insertedAt: m.now(), value: value})
}

// Clear drops every entry and resets the hit and miss counters.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lru.Purge()
	m.hits = 0
	m.misses = 0
}

// Len returns the current number of entries, expired ones included.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len()
}

// Keys returns the cached keys from least to most recently used.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Keys()
}

// Stats returns hit/miss counters and occupancy.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rate float64
	if total := m.hits + m.misses; total > 0 {
		rate = math.Round(float64(m.hits)/float64(total)*1000) / 10
	}
	return Stats{
		Hits:    m.hits,
		Misses:  m.misses,
		HitRate: rate,
		Size:    m.lru.Len(),
		MaxSize: m.maxSize,
	}
}
