package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the credential manager.
type Store interface {
	Accounts(ctx context.Context) AccountStore
	Sessions(ctx context.Context) SessionStore
	ResetTokens(ctx context.Context) ResetTokenStore
	VerificationTokens(ctx context.Context) VerificationTokenStore
}

// AccountStore manages accounts. Mutations to the lockout counter happen in a
// single conditional update so concurrent failures are all counted.
type AccountStore interface {
	// Create persists the account together with its verification token as
	// one unit; a partially created account is never observable. Returns
	// ErrDuplicateAccount when the identifier hash is already taken.
	Create(ctx context.Context, account *Account, verification *VerificationToken) error
	Find(ctx context.Context, id string) (*Account, error)
	FindByEmailHash(ctx context.Context, tenantID, emailHash string) (*Account, error)
	// RecordLoginFailure atomically increments the failure counter and, when
	// the new count reaches the threshold, extends locked_until. It returns
	// the post-increment state.
	RecordLoginFailure(ctx context.Context, id string, threshold int, lockedUntil time.Time, now time.Time) (failed int, locked time.Time, err error)
	ResetLoginFailures(ctx context.Context, id string, now time.Time) error
	UpdatePassword(ctx context.Context, id, passwordHash string, now time.Time) error
	SetEmailVerified(ctx context.Context, id string, now time.Time) error
	Deactivate(ctx context.Context, id string, retainUntil time.Time) error
}

// SessionStore manages session lifecycle and refresh rotation.
type SessionStore interface {
	Create(ctx context.Context, session *Session) error
	Find(ctx context.Context, id string) (*Session, error)
	// RotateRefreshToken swaps the stored refresh hash only if it still
	// equals oldHash; of two concurrent callers exactly one wins and the
	// other receives ErrNotFound.
	RotateRefreshToken(ctx context.Context, sessionID, oldHash, newHash string) error
	Deactivate(ctx context.Context, id string) error
	DeactivateByAccount(ctx context.Context, accountID string) (int64, error)
	DeleteExpiredBefore(ctx context.Context, before time.Time) (int64, error)
}

// ResetTokenStore manages single-use password reset tokens.
type ResetTokenStore interface {
	Create(ctx context.Context, token *ResetToken) error
	// Consume marks the token used if it is unused and unexpired; exactly
	// one caller can consume a given token. Returns ErrNotFound otherwise.
	Consume(ctx context.Context, tokenHash string, now time.Time) (*ResetToken, error)
	DeleteExpiredBefore(ctx context.Context, before time.Time) (int64, error)
}

// VerificationTokenStore manages single-use email verification tokens.
type VerificationTokenStore interface {
	Create(ctx context.Context, token *VerificationToken) error
	Consume(ctx context.Context, tokenHash string, now time.Time) (*VerificationToken, error)
	DeleteExpiredBefore(ctx context.Context, before time.Time) (int64, error)
}
