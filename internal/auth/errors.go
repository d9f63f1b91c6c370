package auth

import "errors"

var (
	ErrNotFound         = errors.New("auth: not found")
	ErrInvalidInput     = errors.New("auth: invalid input")
	ErrDuplicateAccount = errors.New("auth: account already exists")

	ErrInvalidCredentials   = errors.New("auth: invalid credentials")
	ErrAccountLocked        = errors.New("auth: account locked")
	ErrAccountInactive      = errors.New("auth: account inactive")
	ErrEmailNotVerified     = errors.New("auth: email not verified")
	ErrSecondFactorRequired = errors.New("auth: second factor required")

	ErrInvalidToken   = errors.New("auth: invalid or expired token")
	ErrTokenExpired   = errors.New("auth: token expired")
	ErrTokenMalformed = errors.New("auth: token malformed")
	ErrTokenRevoked   = errors.New("auth: token revoked")
	ErrSessionRevoked = errors.New("auth: session revoked")
)
