package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// flakyStore fails until healed, then delegates to a MemoryStore.
type flakyStore struct {
	mu      sync.Mutex
	healthy bool
	inner   *MemoryStore
}

func (f *flakyStore) setHealthy(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = ok
}

func (f *flakyStore) Increment(ctx context.Context, id string, window time.Duration, now time.Time) (Counter, error) {
	f.mu.Lock()
	ok := f.healthy
	f.mu.Unlock()
	if !ok {
		return Counter{}, errors.New("connection refused")
	}
	return f.inner.Increment(ctx, id, window, now)
}

func (f *flakyStore) Block(ctx context.Context, id string, until time.Time) error {
	f.mu.Lock()
	ok := f.healthy
	f.mu.Unlock()
	if !ok {
		return errors.New("connection refused")
	}
	return f.inner.Block(ctx, id, until)
}

func (f *flakyStore) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	return f.inner.DeleteOlderThan(ctx, before)
}

func TestFixedWindowLimit(t *testing.T) {
	clock := newFakeClock()
	l := New(NewMemoryStore(), WithClock(clock.Now))
	ctx := context.Background()
	window := 900 * time.Second

	for i := 1; i <= 10; i++ {
		d := l.Check(ctx, "ip:10.0.0.1", 10, window)
		require.True(t, d.Allowed, "request %d should be allowed", i)
		assert.Equal(t, 10-i, d.Remaining)
	}

	d := l.Check(ctx, "ip:10.0.0.1", 10, window)
	assert.False(t, d.Allowed, "11th request inside the window must be denied")
	assert.False(t, d.BlockedUntil.IsZero())

	clock.Advance(window + time.Second)
	d = l.Check(ctx, "ip:10.0.0.1", 10, window)
	assert.True(t, d.Allowed, "first request of the new window must pass")
	assert.Equal(t, 9, d.Remaining)
}

func TestBlockDurationOutlastsWindow(t *testing.T) {
	clock := newFakeClock()
	l := New(NewMemoryStore(), WithClock(clock.Now), WithBlockDuration(time.Hour))
	ctx := context.Background()
	window := time.Minute

	for i := 0; i < 2; i++ {
		require.True(t, l.Allow(ctx, "abuser", 2, window))
	}
	require.False(t, l.Allow(ctx, "abuser", 2, window))

	// The window has reset, but the explicit block still denies.
	clock.Advance(2 * time.Minute)
	d := l.Check(ctx, "abuser", 2, window)
	assert.False(t, d.Allowed)
	assert.True(t, d.BlockedUntil.After(clock.Now()))

	clock.Advance(time.Hour)
	assert.True(t, l.Allow(ctx, "abuser", 2, window))
}

func TestAllowAndDenyLists(t *testing.T) {
	clock := newFakeClock()
	l := New(NewMemoryStore(),
		WithClock(clock.Now),
		WithAllowList("monitor"),
		WithDenyList("banned"),
	)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		require.True(t, l.Allow(ctx, "monitor", 1, time.Minute))
	}
	d := l.Check(ctx, "banned", 1000, time.Minute)
	assert.False(t, d.Allowed)
}

func TestFallbackEngagesOnStoreFailure(t *testing.T) {
	clock := newFakeClock()
	primary := &flakyStore{inner: NewMemoryStore()}
	l := New(primary, WithClock(clock.Now))
	ctx := context.Background()

	require.False(t, l.Degraded())

	// Primary down: limits still enforced via the in-process fallback.
	for i := 0; i < 3; i++ {
		require.True(t, l.Allow(ctx, "u1", 3, time.Minute))
	}
	assert.False(t, l.Allow(ctx, "u1", 3, time.Minute))
	assert.True(t, l.Degraded())

	primary.setHealthy(true)
	l.Allow(ctx, "u2", 3, time.Minute)
	assert.False(t, l.Degraded())
}

func TestConcurrentAllowCountsEveryRequest(t *testing.T) {
	clock := newFakeClock()
	l := New(NewMemoryStore(), WithClock(clock.Now))
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	allowed := make([]bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			allowed[i] = l.Allow(ctx, "shared", 10, time.Minute)
		}(i)
	}
	wg.Wait()

	var yes int
	for _, ok := range allowed {
		if ok {
			yes++
		}
	}
	assert.Equal(t, 10, yes, "exactly the quota must be admitted, no lost updates")
}

func TestMemoryStoreSweep(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Increment(ctx, "old", time.Minute, clock.Now())
	require.NoError(t, err)
	clock.Advance(48 * time.Hour)
	_, err = store.Increment(ctx, "fresh", time.Minute, clock.Now())
	require.NoError(t, err)

	removed, err := store.DeleteOlderThan(ctx, clock.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	assert.Equal(t, 1, store.Len())
}

func TestBurstGuardUsesOwnKeySpace(t *testing.T) {
	clock := newFakeClock()
	l := New(NewMemoryStore(), WithClock(clock.Now))
	guard := NewBurstGuard(l, 2, 10*time.Second)
	ctx := context.Background()

	require.True(t, guard.Allow(ctx, "10.0.0.1"))
	require.True(t, guard.Allow(ctx, "10.0.0.1"))
	assert.False(t, guard.Allow(ctx, "10.0.0.1"))

	// The plain limiter keys are unaffected by burst counting.
	assert.True(t, l.Allow(ctx, "10.0.0.1", 2, 10*time.Second))
}

func TestBackoffGuardHalvesQuota(t *testing.T) {
	clock := newFakeClock()
	l := New(NewMemoryStore(), WithClock(clock.Now))
	guard := NewBackoffGuard(l, 8, time.Minute)
	ctx := context.Background()

	assert.Equal(t, 8, guard.Quota("u1"))

	for i := 0; i < 8; i++ {
		require.True(t, guard.Allow(ctx, "u1"))
	}
	require.False(t, guard.Allow(ctx, "u1"), "violation expected")

	clock.Advance(time.Minute + time.Second)
	assert.Equal(t, 4, guard.Quota("u1"), "quota halves after a violated window")

	// Clean windows decay the penalty back up.
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 8, guard.Quota("u1"))
}
