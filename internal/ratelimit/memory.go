package ratelimit

import (
	"context"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is the in-process fallback with the same fixed-window semantics
// as the persistence-backed store. It is shared by all request-handling
// goroutines and guarded by a single mutex.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*Counter
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]*Counter)}
}

func (m *MemoryStore) Increment(ctx context.Context, id string, window time.Duration, now time.Time) (Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[id]
	if !ok || now.Sub(c.WindowStart) >= window {
		blocked := time.Time{}
		if ok {
			blocked = c.BlockedUntil
		}
		c = &Counter{Count: 1, WindowStart: now, BlockedUntil: blocked}
		m.counters[id] = c
		return *c, nil
	}
	c.Count++
	return *c, nil
}

func (m *MemoryStore) Block(ctx context.Context, id string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[id]
	if !ok {
		c = &Counter{WindowStart: until}
		m.counters[id] = c
	}
	// blocked_until is monotonically non-decreasing within an episode.
	if until.After(c.BlockedUntil) {
		c.BlockedUntil = until
	}
	return nil
}

func (m *MemoryStore) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for id, c := range m.counters {
		if c.WindowStart.Before(before) && c.BlockedUntil.Before(before) {
			delete(m.counters, id)
			removed++
		}
	}
	return removed, nil
}

// Len reports the number of tracked identifiers.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.counters)
}
