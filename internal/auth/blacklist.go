package auth

import (
	"sync"
	"time"
)

// Blacklist holds revoked bearer token ids until their structural expiry.
// It is process-scoped state with an explicit lifecycle: constructed at
// startup, swept periodically, dropped at shutdown.
type Blacklist struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	done    chan struct{}
	once    sync.Once
}

func NewBlacklist() *Blacklist {
	return &Blacklist{
		entries: make(map[string]time.Time),
		done:    make(chan struct{}),
	}
}

// Add revokes a token id until its expiry.
func (b *Blacklist) Add(jti string, expiresAt time.Time) {
	if jti == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[jti] = expiresAt
}

// Contains reports whether the token id is currently revoked.
func (b *Blacklist) Contains(jti string, now time.Time) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	expiresAt, ok := b.entries[jti]
	return ok && expiresAt.After(now)
}

// Sweep drops entries whose tokens have structurally expired anyway.
func (b *Blacklist) Sweep(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var removed int
	for jti, expiresAt := range b.entries {
		if !expiresAt.After(now) {
			delete(b.entries, jti)
			removed++
		}
	}
	return removed
}

// Len reports the number of revoked token ids currently held.
func (b *Blacklist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// StartSweeper sweeps on the given interval until Stop is called.
func (b *Blacklist) StartSweeper(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.Sweep(time.Now().UTC())
			case <-b.done:
				return
			}
		}
	}()
}

// Stop terminates the sweeper. Safe to call more than once.
func (b *Blacklist) Stop() {
	b.once.Do(func() { close(b.done) })
}
