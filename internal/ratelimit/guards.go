package ratelimit

import (
	"context"
	"sync"
	"time"
)

// BurstGuard is a short-window, low-ceiling variant of the limiter used on
// sensitive entry points (login, token refresh).
type BurstGuard struct {
	limiter *Limiter
	max     int
	window  time.Duration
}

func NewBurstGuard(limiter *Limiter, maxRequests int, window time.Duration) *BurstGuard {
	return &BurstGuard{limiter: limiter, max: maxRequests, window: window}
}

func (g *BurstGuard) Allow(ctx context.Context, id string) bool {
	return g.limiter.Allow(ctx, "burst:"+id, g.max, g.window)
}

func (g *BurstGuard) Check(ctx context.Context, id string) Decision {
	return g.limiter.Check(ctx, "burst:"+id, g.max, g.window)
}

const maxBackoffLevel = 8

type backoffState struct {
	level         int
	lastViolation time.Time
}

// BackoffGuard halves an identifier's quota after each violated window and
// doubles it back after clean windows pass.
type BackoffGuard struct {
	limiter *Limiter
	max     int
	window  time.Duration
	now     func() time.Time

	mu     sync.Mutex
	levels map[string]*backoffState
}

func NewBackoffGuard(limiter *Limiter, maxRequests int, window time.Duration) *BackoffGuard {
	return &BackoffGuard{
		limiter: limiter,
		max:     maxRequests,
		window:  window,
		now:     limiter.now,
		levels:  make(map[string]*backoffState),
	}
}

// Quota returns the identifier's current allowance after decay.
func (g *BackoffGuard) Quota(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.quotaLocked(id)
}

func (g *BackoffGuard) quotaLocked(id string) int {
	st, ok := g.levels[id]
	if !ok {
		return g.max
	}
	// The window the violation landed in stays penalized; one level decays
	// per fully clean window after it.
	clean := int(g.now().UTC().Sub(st.lastViolation)/g.window) - 1
	if clean > 0 {
		st.level -= clean
		if st.level <= 0 {
			delete(g.levels, id)
			return g.max
		}
		st.lastViolation = st.lastViolation.Add(time.Duration(clean) * g.window)
	}
	quota := g.max >> st.level
	if quota < 1 {
		quota = 1
	}
	return quota
}

func (g *BackoffGuard) Check(ctx context.Context, id string) Decision {
	g.mu.Lock()
	quota := g.quotaLocked(id)
	g.mu.Unlock()

	decision := g.limiter.Check(ctx, "backoff:"+id, quota, g.window)
	if !decision.Allowed {
		g.noteViolation(id)
	}
	return decision
}

func (g *BackoffGuard) Allow(ctx context.Context, id string) bool {
	return g.Check(ctx, id).Allowed
}

func (g *BackoffGuard) noteViolation(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().UTC()
	st, ok := g.levels[id]
	if !ok {
		g.levels[id] = &backoffState{level: 1, lastViolation: now}
		return
	}
	// Count at most one violation per window.
	if now.Sub(st.lastViolation) < g.window {
		st.lastViolation = now
		return
	}
	if st.level < maxBackoffLevel {
		st.level++
	}
	st.lastViolation = now
}
