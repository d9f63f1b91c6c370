package auth

import "context"

// SecondFactorVerifier is the pluggable capability consulted during login.
// Implementations own their own challenge state; the credential manager only
// asks whether a factor is required and whether the presented code verifies.
type SecondFactorVerifier interface {
	Required(ctx context.Context, account *Account) bool
	Verify(ctx context.Context, account *Account, code string) error
}
