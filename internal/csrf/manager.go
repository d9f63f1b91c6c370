package csrf

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"medlock.org/internal/audit"
	"medlock.org/internal/obs"
	"medlock.org/internal/ratelimit"
)

var (
	// ErrTokenMissing indicates a state-changing request without a token.
	ErrTokenMissing = errors.New("csrf: token missing")
	// ErrTokenInvalid indicates the presented token does not match the live one.
	ErrTokenInvalid = errors.New("csrf: token invalid")
	// ErrNotFound is returned by stores when no token exists for a key.
	ErrNotFound = errors.New("csrf: not found")
)

const (
	defaultTokenBytes = 32
	defaultTTL        = 4 * time.Hour
	defaultFailMax    = 10
	defaultFailWindow = 5 * time.Minute
)

// Token is a live anti-replay token. At most one exists per key.
type Token struct {
	Key      string
	Value    string
	IssuedAt time.Time
}

// Store persists live tokens, one per key.
type Store interface {
	Upsert(ctx context.Context, token Token) error
	Find(ctx context.Context, key string) (Token, error)
	Delete(ctx context.Context, key string) error
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// Recorder receives security events. *audit.Sink satisfies it.
type Recorder interface {
	Record(ctx context.Context, event audit.Event) error
}

// Manager issues, validates and rotates per-session anti-replay tokens.
// Validation failures are rate-limited per (key, path) to blunt guessing.
type Manager struct {
	store     Store
	limiter   *ratelimit.Limiter
	failGuard *ratelimit.BackoffGuard
	recorder  Recorder
	now       func() time.Time

	tokenBytes int
	ttl        time.Duration
	failMax    int
	failWindow time.Duration

	sweepDone chan struct{}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTokenBytes overrides the token entropy size.
func WithTokenBytes(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.tokenBytes = n
		}
	}
}

// WithTTL overrides the token expiry horizon.
func WithTTL(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// WithFailureLimit overrides the per-(key, path) failure throttle.
func WithFailureLimit(maxFailures int, window time.Duration) ManagerOption {
	return func(m *Manager) {
		if maxFailures > 0 {
			m.failMax = maxFailures
		}
		if window > 0 {
			m.failWindow = window
		}
	}
}

// WithRecorder wires failure events through the audit sink.
func WithRecorder(r Recorder) ManagerOption {
	return func(m *Manager) { m.recorder = r }
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewManager constructs a Manager.
func NewManager(store Store, limiter *ratelimit.Limiter, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:      store,
		limiter:    limiter,
		now:        time.Now,
		tokenBytes: defaultTokenBytes,
		ttl:        defaultTTL,
		failMax:    defaultFailMax,
		failWindow: defaultFailWindow,
		sweepDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.limiter != nil {
		// Backoff tightens the quota for keys that keep failing across windows.
		m.failGuard = ratelimit.NewBackoffGuard(m.limiter, m.failMax, m.failWindow)
	}
	return m
}

// Issue mints a fresh token for the key, replacing any previous one.
func (m *Manager) Issue(ctx context.Context, key string) (string, error) {
	raw := make([]byte, m.tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("csrf: generate token: %w", err)
	}
	value := hex.EncodeToString(raw)
	err := m.store.Upsert(ctx, Token{
		Key:      key,
		Value:    value,
		IssuedAt: m.now().UTC(),
	})
	if err != nil {
		return "", err
	}
	return value, nil
}

// Ensure returns the live token for the key, minting one if none exists or
// the existing one has expired. Used on safe (read-only) requests.
func (m *Manager) Ensure(ctx context.Context, key string) (string, error) {
	token, err := m.store.Find(ctx, key)
	if err == nil && !m.expired(token) {
		return token.Value, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}
	return m.Issue(ctx, key)
}

// Validate checks the presented token against the live one using a
// constant-time comparison. A successful validation always rotates the token;
// the fresh value is returned so it can be attached before the response goes
// out. Failures are throttled per (key, path).
func (m *Manager) Validate(ctx context.Context, key, presented, path string) (string, error) {
	if presented == "" {
		// Counts toward the failure throttle like any other miss.
		if err := m.fail(ctx, key, path, "missing"); errors.Is(err, ratelimit.ErrRateLimited) {
			return "", err
		}
		return "", ErrTokenMissing
	}

	token, err := m.store.Find(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		return "", m.fail(ctx, key, path, "unknown_key")
	case err != nil:
		return "", err
	case m.expired(token):
		return "", m.fail(ctx, key, path, "expired")
	case subtle.ConstantTimeCompare([]byte(token.Value), []byte(presented)) != 1:
		return "", m.fail(ctx, key, path, "mismatch")
	}

	return m.Issue(ctx, key)
}

func (m *Manager) expired(token Token) bool {
	return m.now().UTC().Sub(token.IssuedAt) >= m.ttl
}

// fail throttles and reports a validation failure. When the (key, path) pair
// has exhausted its failure quota the error becomes a rate-limit rejection.
func (m *Manager) fail(ctx context.Context, key, path, reason string) error {
	obs.ObserveCSRFFailure()
	m.recordFailure(ctx, key, path, reason)
	if m.failGuard != nil {
		decision := m.failGuard.Check(ctx, "csrffail:"+key+":"+path)
		if !decision.Allowed {
			return ratelimit.ErrRateLimited
		}
	}
	return ErrTokenInvalid
}

func (m *Manager) recordFailure(ctx context.Context, key, path, reason string) {
	if m.recorder == nil {
		return
	}
	_ = m.recorder.Record(ctx, audit.Event{
		Action:     "security.csrf_validation",
		TargetType: "csrf_token",
		TargetID:   key,
		Outcome:    audit.OutcomeFailure,
		Details:    map[string]any{"path": path, "reason": reason},
	})
}

// StartSweeper deletes expired tokens on the given interval. The returned
// func stops it.
func (m *Manager) StartSweeper(interval time.Duration) (stop func()) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				_, _ = m.store.DeleteOlderThan(ctx, m.now().UTC().Add(-m.ttl))
				cancel()
			case <-m.sweepDone:
				return
			}
		}
	}()
	return func() { close(m.sweepDone) }
}
