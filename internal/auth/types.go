package auth

import (
	"time"

	"medlock.org/internal/crypto"
)

// Account is a credential holder within a tenant. The contact identifier is
// stored only as a one-way hash; display fields are encrypted per tenant.
type Account struct {
	ID             string
	TenantID       string
	EmailHash      string
	Name           crypto.Envelope
	Department     crypto.Envelope
	PasswordHash   string
	Role           string
	Active         bool
	EmailVerified  bool
	FailedAttempts int
	LockedUntil    time.Time
	RetainUntil    time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Locked reports whether the account is in a lockout episode at the instant.
func (a *Account) Locked(now time.Time) bool {
	return a.LockedUntil.After(now)
}

// Session is a live login. Exactly one refresh token is valid per session at
// any time; RefreshTokenHash holds the digest of the current one.
type Session struct {
	ID               string
	AccountID        string
	TenantID         string
	IssuedAt         time.Time
	ExpiresAt        time.Time
	IPAddress        string
	UserAgent        string
	Active           bool
	RefreshTokenHash string
}

// ResetToken is a single-use, short-lived password reset credential, stored
// hashed.
type ResetToken struct {
	ID        string
	AccountID string
	TokenHash string
	ExpiresAt time.Time
	Used      bool
	CreatedAt time.Time
}

// VerificationToken confirms ownership of a contact identifier after
// registration. Single-use, time-boxed, stored hashed.
type VerificationToken struct {
	ID        string
	AccountID string
	TokenHash string
	ExpiresAt time.Time
	Used      bool
	CreatedAt time.Time
}

// ClientInfo is the opaque fingerprint the HTTP layer extracts per request.
type ClientInfo struct {
	IPAddress string
	UserAgent string
}

// Principal identifies the authenticated caller after token validation.
type Principal struct {
	AccountID string
	SessionID string
	TenantID  string
	Role      string
}
