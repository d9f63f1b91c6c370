package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"medlock.org/internal/audit"
	"medlock.org/internal/obs"
)

// Counter is the per-identifier fixed-window state.
type Counter struct {
	Count        int
	WindowStart  time.Time
	BlockedUntil time.Time
}

// Decision is the detailed outcome of a rate-limit check.
type Decision struct {
	Allowed      bool
	Remaining    int
	ResetAt      time.Time
	BlockedUntil time.Time
}

// Store persists fixed-window counters. Increment must be atomic with respect
// to concurrent callers: the read-check-write of the window lives in a single
// conditional update, never in application code.
type Store interface {
	Increment(ctx context.Context, id string, window time.Duration, now time.Time) (Counter, error)
	Block(ctx context.Context, id string, until time.Time) error
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// Recorder receives rate-limit violation events. *audit.Sink satisfies it.
type Recorder interface {
	Record(ctx context.Context, event audit.Event) error
}

// Limiter counts requests per identifier in fixed windows. A shared
// persistence-backed store is primary; when it is unreachable the limiter
// degrades to an in-process fallback with identical semantics. The switch is
// logged and gauged, never silent.
type Limiter struct {
	store    Store
	fallback Store
	now      func() time.Time

	blockDuration time.Duration
	allowList     map[string]struct{}
	denyList      map[string]struct{}
	recorder      Recorder

	degraded atomic.Bool

	sweepOnce sync.Once
	sweepDone chan struct{}
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithBlockDuration blocks violators for a fixed duration instead of the
// remainder of the window.
func WithBlockDuration(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.blockDuration = d
		}
	}
}

// WithAllowList exempts identifiers from all counting.
func WithAllowList(ids ...string) Option {
	return func(l *Limiter) {
		for _, id := range ids {
			l.allowList[id] = struct{}{}
		}
	}
}

// WithDenyList denies identifiers before any counting.
func WithDenyList(ids ...string) Option {
	return func(l *Limiter) {
		for _, id := range ids {
			l.denyList[id] = struct{}{}
		}
	}
}

// WithRecorder wires violation logging through the audit sink.
func WithRecorder(r Recorder) Option {
	return func(l *Limiter) { l.recorder = r }
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.now = fn
		}
	}
}

// New constructs a Limiter over the given primary store.
func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:     store,
		fallback:  NewMemoryStore(),
		now:       time.Now,
		allowList: make(map[string]struct{}),
		denyList:  make(map[string]struct{}),
		sweepDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow reports whether the identifier may proceed.
func (l *Limiter) Allow(ctx context.Context, id string, maxRequests int, window time.Duration) bool {
	return l.Check(ctx, id, maxRequests, window).Allowed
}

// Check performs the full rate-limit decision for one request.
func (l *Limiter) Check(ctx context.Context, id string, maxRequests int, window time.Duration) Decision {
	now := l.now().UTC()

	if _, ok := l.allowList[id]; ok {
		return Decision{Allowed: true, Remaining: maxRequests, ResetAt: now.Add(window)}
	}
	if _, ok := l.denyList[id]; ok {
		obs.ObserveRateLimitDenial("denylist")
		return Decision{Allowed: false, ResetAt: now.Add(window)}
	}

	counter, store, err := l.increment(ctx, id, window, now)
	if err != nil {
		// Both primary and fallback failed; fail open rather than take the
		// service down on a limiter error, but make it visible.
		obs.LogEntry(map[string]any{
			"ts":    now.Format(time.RFC3339Nano),
			"level": "error",
			"msg":   "ratelimit_check_failed",
			"error": err.Error(),
		})
		return Decision{Allowed: true, Remaining: 0, ResetAt: now.Add(window)}
	}

	resetAt := counter.WindowStart.Add(window)
	decision := Decision{ResetAt: resetAt}

	// An active block denies unconditionally, even if window arithmetic
	// would have reset the count.
	if counter.BlockedUntil.After(now) {
		decision.BlockedUntil = counter.BlockedUntil
		obs.ObserveRateLimitDenial("window")
		return decision
	}

	if counter.Count > maxRequests {
		blockedUntil := resetAt
		if l.blockDuration > 0 {
			blockedUntil = now.Add(l.blockDuration)
		}
		if err := store.Block(ctx, id, blockedUntil); err != nil {
			obs.LogEntry(map[string]any{
				"ts":    now.Format(time.RFC3339Nano),
				"level": "error",
				"msg":   "ratelimit_block_failed",
				"error": err.Error(),
			})
		}
		decision.BlockedUntil = blockedUntil
		obs.ObserveRateLimitDenial("window")
		l.recordViolation(ctx, id, counter.Count, maxRequests, blockedUntil)
		return decision
	}

	decision.Allowed = true
	decision.Remaining = maxRequests - counter.Count
	return decision
}

// increment bumps the counter on the primary store, falling back to the
// in-process store when persistence is unreachable.
func (l *Limiter) increment(ctx context.Context, id string, window time.Duration, now time.Time) (Counter, Store, error) {
	counter, err := l.store.Increment(ctx, id, window, now)
	if err == nil {
		if l.degraded.Swap(false) {
			obs.SetRateLimitDegraded(false)
			obs.LogEntry(map[string]any{
				"ts":    now.Format(time.RFC3339Nano),
				"level": "info",
				"msg":   "ratelimit_degraded_mode_exit",
			})
		}
		return counter, l.store, nil
	}

	if !l.degraded.Swap(true) {
		obs.SetRateLimitDegraded(true)
		obs.LogEntry(map[string]any{
			"ts":    now.Format(time.RFC3339Nano),
			"level": "warn",
			"msg":   "ratelimit_degraded_mode_enter",
			"error": err.Error(),
		})
	}
	counter, ferr := l.fallback.Increment(ctx, id, window, now)
	if ferr != nil {
		return Counter{}, nil, ferr
	}
	return counter, l.fallback, nil
}

// Degraded reports whether the limiter currently runs on the fallback store.
func (l *Limiter) Degraded() bool { return l.degraded.Load() }

func (l *Limiter) recordViolation(ctx context.Context, id string, count, maxRequests int, blockedUntil time.Time) {
	if l.recorder == nil {
		return
	}
	_ = l.recorder.Record(ctx, audit.Event{
		Action:     "ratelimit.violation",
		TargetType: "rate_limit",
		TargetID:   id,
		Outcome:    audit.OutcomeFailure,
		Details: map[string]any{
			"count":         count,
			"max_requests":  maxRequests,
			"blocked_until": blockedUntil.Format(time.RFC3339),
		},
	})
}

// StartSweeper removes counters older than retention on the given interval,
// on both the primary and the fallback store. The returned func stops it.
func (l *Limiter) StartSweeper(interval, retention time.Duration) (stop func()) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				before := l.now().UTC().Add(-retention)
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				_, _ = l.store.DeleteOlderThan(ctx, before)
				_, _ = l.fallback.DeleteOlderThan(ctx, before)
				cancel()
			case <-l.sweepDone:
				return
			}
		}
	}()
	return func() { l.sweepOnce.Do(func() { close(l.sweepDone) }) }
}
