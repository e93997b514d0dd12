package cache

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value     []byte
	cachedAt  time.Time
	expiresAt time.Time
	hits      int
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Entries  int     `json:"entries"`
	MaxSize  int     `json:"max_size"`
	Hits     int64   `json:"hit_count"`
	Misses   int64   `json:"miss_count"`
	HitRatio float64 `json:"hit_ratio"`
}

// Memory is an in-process cache bounded by entry count. When full, the oldest
// entry is evicted.
type Memory struct {
	mu      sync.Mutex
	entries map[string]entry
	maxSize int
	hits    int64
	misses  int64
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

var _ Cache = (*Memory)(nil)

// NewMemory creates a cache and starts its sweeper. Call Stop to release it.
func NewMemory(maxSize int, sweep time.Duration) *Memory {
	m := &Memory{
		entries: make(map[string]entry),
		maxSize: maxSize,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	if sweep > 0 {
		go m.cleanup(sweep)
	}
	return m
}

// SetClock replaces the time source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || !m.now().Before(e.expiresAt) {
		m.misses++
		return nil, false, nil
	}
	e.hits++
	m.entries[key] = e
	m.hits++
	return append([]byte(nil), e.value...), true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxSize <= 0 || ttl <= 0 {
		return nil
	}
	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.maxSize {
		m.evictOldest()
	}
	now := m.now()
	m.entries[key] = entry{
		value:     append([]byte(nil), value...),
		cachedAt:  now,
		expiresAt: now.Add(ttl),
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Stats reports hit and miss counts.
func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{Entries: len(m.entries), MaxSize: m.maxSize, Hits: m.hits, Misses: m.misses}
	if total := m.hits + m.misses; total > 0 {
		s.HitRatio = float64(m.hits) / float64(total)
	}
	return s
}

// Stop ends the sweeper goroutine. It is safe to call more than once.
func (m *Memory) Stop() {
	m.once.Do(func() { close(m.stop) })
}

func (m *Memory) evictOldest() {
	var (
		oldestKey  string
		oldestTime time.Time
	)
	for k, e := range m.entries {
		if oldestKey == "" || e.cachedAt.Before(oldestTime) {
			oldestKey, oldestTime = k, e.cachedAt
		}
	}
	if oldestKey != "" {
		delete(m.entries, oldestKey)
	}
}

func (m *Memory) purge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
		}
	}
}

func (m *Memory) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.purge()
		case <-m.stop:
			return
		}
	}
}
