package auth

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. It backs tests and single-node
// development deployments; production uses PGStore.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*Account
	sessions map[string]*Session
	resets   map[string]*ResetToken
	verifies map[string]*VerificationToken
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		sessions: make(map[string]*Session),
		resets:   make(map[string]*ResetToken),
		verifies: make(map[string]*VerificationToken),
	}
}

func (s *MemoryStore) Accounts(context.Context) AccountStore { return &memAccounts{s} }
func (s *MemoryStore) Sessions(context.Context) SessionStore { return &memSessions{s} }
func (s *MemoryStore) ResetTokens(context.Context) ResetTokenStore {
	return &memResetTokens{s}
}
func (s *MemoryStore) VerificationTokens(context.Context) VerificationTokenStore {
	return &memVerificationTokens{s}
}

// SessionCount reports live session rows, for tests and diagnostics.
func (s *MemoryStore) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

type memAccounts struct{ s *MemoryStore }

func (m *memAccounts) Create(_ context.Context, account *Account, verification *VerificationToken) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, a := range m.s.accounts {
		if a.TenantID == account.TenantID && a.EmailHash == account.EmailHash {
			return ErrDuplicateAccount
		}
	}
	cp := *account
	m.s.accounts[account.ID] = &cp
	vcp := *verification
	m.s.verifies[verification.TokenHash] = &vcp
	return nil
}

func (m *memAccounts) Find(_ context.Context, id string) (*Account, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	a, ok := m.s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memAccounts) FindByEmailHash(_ context.Context, tenantID, emailHash string) (*Account, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, a := range m.s.accounts {
		if a.TenantID == tenantID && a.EmailHash == emailHash {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memAccounts) RecordLoginFailure(_ context.Context, id string, threshold int, lockedUntil time.Time, now time.Time) (int, time.Time, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	a, ok := m.s.accounts[id]
	if !ok {
		return 0, time.Time{}, ErrNotFound
	}
	a.FailedAttempts++
	if a.FailedAttempts >= threshold && lockedUntil.After(a.LockedUntil) {
		a.LockedUntil = lockedUntil
	}
	a.UpdatedAt = now
	return a.FailedAttempts, a.LockedUntil, nil
}

func (m *memAccounts) ResetLoginFailures(_ context.Context, id string, now time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	a, ok := m.s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.FailedAttempts = 0
	a.LockedUntil = time.Time{}
	a.UpdatedAt = now
	return nil
}

func (m *memAccounts) UpdatePassword(_ context.Context, id, passwordHash string, now time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	a, ok := m.s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.PasswordHash = passwordHash
	a.UpdatedAt = now
	return nil
}

func (m *memAccounts) SetEmailVerified(_ context.Context, id string, now time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	a, ok := m.s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.EmailVerified = true
	a.UpdatedAt = now
	return nil
}

func (m *memAccounts) Deactivate(_ context.Context, id string, retainUntil time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	a, ok := m.s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.Active = false
	a.RetainUntil = retainUntil
	return nil
}

type memSessions struct{ s *MemoryStore }

func (m *memSessions) Create(_ context.Context, session *Session) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	cp := *session
	m.s.sessions[session.ID] = &cp
	return nil
}

func (m *memSessions) Find(_ context.Context, id string) (*Session, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	sess, ok := m.s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (m *memSessions) RotateRefreshToken(_ context.Context, sessionID, oldHash, newHash string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	sess, ok := m.s.sessions[sessionID]
	if !ok || !sess.Active || sess.RefreshTokenHash != oldHash {
		return ErrNotFound
	}
	sess.RefreshTokenHash = newHash
	return nil
}

func (m *memSessions) Deactivate(_ context.Context, id string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	sess, ok := m.s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.Active = false
	return nil
}

func (m *memSessions) DeactivateByAccount(_ context.Context, accountID string) (int64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var n int64
	for _, sess := range m.s.sessions {
		if sess.AccountID == accountID && sess.Active {
			sess.Active = false
			n++
		}
	}
	return n, nil
}

func (m *memSessions) DeleteExpiredBefore(_ context.Context, before time.Time) (int64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var n int64
	for id, sess := range m.s.sessions {
		if sess.ExpiresAt.Before(before) {
			delete(m.s.sessions, id)
			n++
		}
	}
	return n, nil
}

type memResetTokens struct{ s *MemoryStore }

func (m *memResetTokens) Create(_ context.Context, token *ResetToken) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	cp := *token
	m.s.resets[token.TokenHash] = &cp
	return nil
}

func (m *memResetTokens) Consume(_ context.Context, tokenHash string, now time.Time) (*ResetToken, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	t, ok := m.s.resets[tokenHash]
	if !ok || t.Used || !t.ExpiresAt.After(now) {
		return nil, ErrNotFound
	}
	t.Used = true
	cp := *t
	return &cp, nil
}

func (m *memResetTokens) DeleteExpiredBefore(_ context.Context, before time.Time) (int64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var n int64
	for hash, t := range m.s.resets {
		if t.ExpiresAt.Before(before) {
			delete(m.s.resets, hash)
			n++
		}
	}
	return n, nil
}

type memVerificationTokens struct{ s *MemoryStore }

func (m *memVerificationTokens) Create(_ context.Context, token *VerificationToken) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	cp := *token
	m.s.verifies[token.TokenHash] = &cp
	return nil
}

func (m *memVerificationTokens) Consume(_ context.Context, tokenHash string, now time.Time) (*VerificationToken, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	t, ok := m.s.verifies[tokenHash]
	if !ok || t.Used || !t.ExpiresAt.After(now) {
		return nil, ErrNotFound
	}
	t.Used = true
	cp := *t
	return &cp, nil
}

func (m *memVerificationTokens) DeleteExpiredBefore(_ context.Context, before time.Time) (int64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var n int64
	for hash, t := range m.s.verifies {
		if t.ExpiresAt.Before(before) {
			delete(m.s.verifies, hash)
			n++
		}
	}
	return n, nil
}
