package cache

import (
	"context"
	"sync"
	"time"

	"MarketPull/pkg/clock"
)

const (
	defaultMaxEntries      = 1000
	defaultCleanupInterval = 5 * time.Minute
)

// MemoryOption tunes the in-process tier.
type MemoryOption func(*memoryConfig)

type memoryConfig struct {
	maxEntries      int
	cleanupInterval time.Duration
}

// WithMaxEntries caps the tier; the least recently touched entry is
// evicted when a new key would exceed the cap.
func WithMaxEntries(n int) MemoryOption {
	return func(c *memoryConfig) {
		c.maxEntries = n
	}
}

// WithCleanupInterval sets how often the janitor sweeps expired
// entries.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(c *memoryConfig) {
		c.cleanupInterval = d
	}
}

type memoryEntry struct {
	data     []byte
	expireAt time.Time
	touched  time.Time
}

// Memory is the in-process tier: a TTL map with LRU eviction at a
// fixed cap. Expired entries go lazily on Get and in bulk on the
// janitor sweep.
type Memory struct {
	clk    clock.Clock
	ticker *clock.Ticker
	done   chan struct{}
	once   sync.Once

	mu         sync.Mutex
	entries    map[string]*memoryEntry
	maxEntries int
}

func NewMemory(clk clock.Clock, opts ...MemoryOption) *Memory {
	cfg := &memoryConfig{
		maxEntries:      defaultMaxEntries,
		cleanupInterval: defaultCleanupInterval,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	m := &Memory{
		clk:        clk,
		ticker:     clk.NewTicker(cfg.cleanupInterval),
		done:       make(chan struct{}),
		entries:    make(map[string]*memoryEntry),
		maxEntries: cfg.maxEntries,
	}
	go m.janitor()
	return m
}

func (m *Memory) GetBytes(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expireAt.IsZero() && m.clk.Now().After(e.expireAt) {
		delete(m.entries, key)
		return nil, false, nil
	}
	e.touched = m.clk.Now()
	return e.data, true, nil
}

// SetBytes stores value under key. A non-positive ttl keeps the entry
// until eviction.
func (m *Memory) SetBytes(_ context.Context, key string, value []byte, ttl time.Duration) error {
	now := m.clk.Now()
	var expireAt time.Time
	if ttl > 0 {
		expireAt = now.Add(ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.maxEntries {
		m.evictOldest()
	}
	m.entries[key] = &memoryEntry{data: value, expireAt: expireAt, touched: now}
	return nil
}

// Close stops the janitor.
func (m *Memory) Close() error {
	m.once.Do(func() {
		m.ticker.Stop()
		close(m.done)
	})
	return nil
}

// evictOldest drops the least recently touched entry. The caller holds
// the lock.
func (m *Memory) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, e := range m.entries {
		if oldestKey == "" || e.touched.Before(oldest) {
			oldestKey = key
			oldest = e.touched
		}
	}
	if oldestKey != "" {
		delete(m.entries, oldestKey)
	}
}

func (m *Memory) janitor() {
	for {
		select {
		case <-m.done:
			return
		case <-m.ticker.C:
			m.sweep()
		}
	}
}

func (m *Memory) sweep() {
	now := m.clk.Now()
	m.mu.Lock()
	for key, e := range m.entries {
		if !e.expireAt.IsZero() && now.After(e.expireAt) {
			delete(m.entries, key)
		}
	}
	m.mu.Unlock()
}
