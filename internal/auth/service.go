package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"medlock.org/internal/audit"
	"medlock.org/internal/crypto"
	"medlock.org/internal/ids"
	"medlock.org/internal/obs"
	"medlock.org/internal/ratelimit"
)

const (
	defaultAccessTTL            = 15 * time.Minute
	defaultSessionTTL           = 24 * time.Hour
	defaultRememberedSessionTTL = 30 * 24 * time.Hour
	defaultResetTokenTTL        = time.Hour
	defaultVerificationTTL      = 24 * time.Hour

	defaultMaxLoginAttempts = 5
	defaultLockoutDuration  = 15 * time.Minute

	defaultRegisterMax    = 5
	defaultRegisterWindow = time.Hour
	defaultLoginMax       = 10
	defaultLoginWindow    = 15 * time.Minute
	defaultRefreshMax     = 30
	defaultRefreshWindow  = time.Minute

	defaultIssuer   = "medlock"
	defaultAudience = "medlock-api"

	retentionGrace = 30 * 24 * time.Hour
)

// Recorder receives security events. *audit.Sink satisfies it.
type Recorder interface {
	Record(ctx context.Context, event audit.Event) error
}

// Service orchestrates registration, login, token lifecycle, lockout and
// password reset. Every security-relevant outcome is written through the
// audit recorder; caller-facing errors for security failures stay generic.
type Service struct {
	store        Store
	vault        *crypto.Vault
	limiter      *ratelimit.Limiter
	refreshGuard *ratelimit.BurstGuard
	blacklist    *Blacklist
	recorder     Recorder
	second       SecondFactorVerifier
	now          func() time.Time

	tokenSecret []byte
	issuer      string
	audience    string

	accessTTL            time.Duration
	sessionTTL           time.Duration
	rememberedSessionTTL time.Duration
	resetTokenTTL        time.Duration
	verificationTTL      time.Duration

	maxLoginAttempts int
	lockoutDuration  time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithTokenSecret sets the HS256 signing secret for bearer tokens.
func WithTokenSecret(secret string) ServiceOption {
	return func(s *Service) error {
		if strings.TrimSpace(secret) == "" {
			return errors.New("auth: token secret is required")
		}
		s.tokenSecret = []byte(secret)
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		if v := strings.TrimSpace(issuer); v != "" {
			s.issuer = v
		}
		return nil
	}
}

// WithAudience overrides the token audience claim.
func WithAudience(audience string) ServiceOption {
	return func(s *Service) error {
		if v := strings.TrimSpace(audience); v != "" {
			s.audience = v
		}
		return nil
	}
}

// WithAccessTTL configures bearer token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithSessionTTL configures the ordinary and the remember-me session
// lifetimes. Remember-me is purely a TTL choice, not a separate state.
func WithSessionTTL(ttl, remembered time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.sessionTTL = ttl
		}
		if remembered > 0 {
			s.rememberedSessionTTL = remembered
		}
		return nil
	}
}

// WithLockoutPolicy configures the failed-attempt threshold and lock length.
func WithLockoutPolicy(maxAttempts int, duration time.Duration) ServiceOption {
	return func(s *Service) error {
		if maxAttempts > 0 {
			s.maxLoginAttempts = maxAttempts
		}
		if duration > 0 {
			s.lockoutDuration = duration
		}
		return nil
	}
}

// WithSecondFactor plugs in a second-factor capability.
func WithSecondFactor(v SecondFactorVerifier) ServiceOption {
	return func(s *Service) error {
		s.second = v
		return nil
	}
}

// WithRecorder wires the audit sink.
func WithRecorder(r Recorder) ServiceOption {
	return func(s *Service) error {
		s.recorder = r
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs the credential manager. The vault, limiter and
// blacklist are required collaborators; the recorder defaults to discard.
func NewService(store Store, vault *crypto.Vault, limiter *ratelimit.Limiter, blacklist *Blacklist, opts ...ServiceOption) (*Service, error) {
	if store == nil || vault == nil || limiter == nil || blacklist == nil {
		return nil, errors.New("auth: store, vault, limiter and blacklist are required")
	}
	s := &Service{
		store:                store,
		vault:                vault,
		limiter:              limiter,
		blacklist:            blacklist,
		now:                  time.Now,
		issuer:               defaultIssuer,
		audience:             defaultAudience,
		accessTTL:            defaultAccessTTL,
		sessionTTL:           defaultSessionTTL,
		rememberedSessionTTL: defaultRememberedSessionTTL,
		resetTokenTTL:        defaultResetTokenTTL,
		verificationTTL:      defaultVerificationTTL,
		maxLoginAttempts:     defaultMaxLoginAttempts,
		lockoutDuration:      defaultLockoutDuration,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if len(s.tokenSecret) == 0 {
		return nil, errors.New("auth: token secret is required")
	}
	s.refreshGuard = ratelimit.NewBurstGuard(limiter, defaultRefreshMax, defaultRefreshWindow)
	return s, nil
}

// RegisterInput carries the submitted registration data.
type RegisterInput struct {
	TenantID   string
	Email      string
	Password   string
	Name       string
	Department string
	Role       string
	Client     ClientInfo
}

// RegisterResult is returned on successful registration. The verification
// token is handed to the email collaborator, never stored in the clear.
type RegisterResult struct {
	AccountID             string
	VerificationToken     string
	VerificationExpiresAt time.Time
	Rate                  ratelimit.Decision
}

// Register validates the submitted data and creates the account together
// with a single-use verification token. Rate-limited per origin address.
func (s *Service) Register(ctx context.Context, in RegisterInput) (RegisterResult, error) {
	now := s.now().UTC()

	rate := s.limiter.Check(ctx, "register:"+in.Client.IPAddress, defaultRegisterMax, defaultRegisterWindow)
	if !rate.Allowed {
		s.record(ctx, "auth.register", "", in.TenantID, audit.OutcomeFailure, in.Client, map[string]any{"reason": "rate_limited"})
		return RegisterResult{Rate: rate}, ratelimit.ErrRateLimited
	}

	email := strings.ToLower(strings.TrimSpace(in.Email))
	if _, err := mail.ParseAddress(email); err != nil {
		return RegisterResult{}, fmt.Errorf("%w: invalid email address", ErrInvalidInput)
	}
	if strings.TrimSpace(in.TenantID) == "" {
		return RegisterResult{}, fmt.Errorf("%w: tenant id is required", ErrInvalidInput)
	}
	if err := ValidatePasswordStrength(in.Password); err != nil {
		return RegisterResult{}, err
	}

	emailHash, err := s.vault.HashIdentifier(email)
	if err != nil {
		return RegisterResult{}, err
	}
	if _, err := s.store.Accounts(ctx).FindByEmailHash(ctx, in.TenantID, emailHash); err == nil {
		s.record(ctx, "auth.register", "", in.TenantID, audit.OutcomeFailure, in.Client, map[string]any{"reason": "duplicate"})
		return RegisterResult{}, ErrDuplicateAccount
	} else if !errors.Is(err, ErrNotFound) {
		return RegisterResult{}, err
	}

	passwordHash, err := HashPassword(in.Password)
	if err != nil {
		return RegisterResult{}, err
	}
	nameEnv, err := s.vault.Encrypt([]byte(in.Name), in.TenantID)
	if err != nil {
		return RegisterResult{}, err
	}
	deptEnv := crypto.Envelope{}
	if in.Department != "" {
		deptEnv, err = s.vault.Encrypt([]byte(in.Department), in.TenantID)
		if err != nil {
			return RegisterResult{}, err
		}
	}

	role := in.Role
	if role == "" {
		role = "member"
	}
	account := &Account{
		ID:           ids.New(),
		TenantID:     in.TenantID,
		EmailHash:    emailHash,
		Name:         nameEnv,
		Department:   deptEnv,
		PasswordHash: passwordHash,
		Role:         role,
		Active:       true,
		RetainUntil:  now.Add(retentionGrace),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	verifyToken, verifyHash, err := newOpaqueToken()
	if err != nil {
		return RegisterResult{}, err
	}
	verification := &VerificationToken{
		ID:        ids.New(),
		AccountID: account.ID,
		TokenHash: verifyHash,
		ExpiresAt: now.Add(s.verificationTTL),
		CreatedAt: now,
	}

	if err := s.store.Accounts(ctx).Create(ctx, account, verification); err != nil {
		if errors.Is(err, ErrDuplicateAccount) {
			s.record(ctx, "auth.register", "", in.TenantID, audit.OutcomeFailure, in.Client, map[string]any{"reason": "duplicate"})
			return RegisterResult{}, ErrDuplicateAccount
		}
		return RegisterResult{}, err
	}

	s.record(ctx, "auth.register", account.ID, in.TenantID, audit.OutcomeSuccess, in.Client, nil)
	return RegisterResult{
		AccountID:             account.ID,
		VerificationToken:     verifyToken,
		VerificationExpiresAt: verification.ExpiresAt,
		Rate:                  rate,
	}, nil
}

// VerifyEmail consumes a verification token and marks the account verified.
func (s *Service) VerifyEmail(ctx context.Context, token string, client ClientInfo) error {
	now := s.now().UTC()
	record, err := s.store.VerificationTokens(ctx).Consume(ctx, hashOpaqueToken(token), now)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.record(ctx, "auth.email_verify", "", "", audit.OutcomeFailure, client, map[string]any{"reason": "invalid_token"})
			return ErrInvalidToken
		}
		return err
	}
	if err := s.store.Accounts(ctx).SetEmailVerified(ctx, record.AccountID, now); err != nil {
		return err
	}
	s.record(ctx, "auth.email_verify", record.AccountID, "", audit.OutcomeSuccess, client, nil)
	return nil
}

// LoginInput carries the submitted credentials.
type LoginInput struct {
	TenantID         string
	Email            string
	Password         string
	SecondFactorCode string
	RememberMe       bool
	Client           ClientInfo
}

// LoginResult reports the outcome. On lockout or failure the counters are
// populated so the caller can inform well-behaved clients.
type LoginResult struct {
	AccountID            string
	SessionID            string
	AccessToken          string
	AccessExpiresAt      time.Time
	RefreshToken         string
	RefreshExpiresAt     time.Time
	RemainingAttempts    int
	LockedUntil          time.Time
	SecondFactorRequired bool
	Rate                 ratelimit.Decision
}

// Login authenticates credentials and opens a session. Failed attempts are
// counted atomically; reaching the threshold locks the account.
func (s *Service) Login(ctx context.Context, in LoginInput) (LoginResult, error) {
	now := s.now().UTC()
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if email == "" || in.Password == "" {
		return LoginResult{}, fmt.Errorf("%w: email and password are required", ErrInvalidInput)
	}

	emailHash, err := s.vault.HashIdentifier(email)
	if err != nil {
		return LoginResult{}, err
	}

	rate := s.limiter.Check(ctx, "login:"+in.Client.IPAddress+":"+emailHash, defaultLoginMax, defaultLoginWindow)
	if !rate.Allowed {
		obs.ObserveLogin("rate_limited")
		s.record(ctx, "auth.login", "", in.TenantID, audit.OutcomeFailure, in.Client, map[string]any{"reason": "rate_limited"})
		return LoginResult{Rate: rate}, ratelimit.ErrRateLimited
	}

	account, err := s.store.Accounts(ctx).FindByEmailHash(ctx, in.TenantID, emailHash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.ObserveLogin("unknown_account")
			s.record(ctx, "auth.login", "", in.TenantID, audit.OutcomeFailure, in.Client, map[string]any{"reason": "unknown_account"})
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if !account.Active {
		obs.ObserveLogin("inactive")
		s.record(ctx, "auth.login", account.ID, account.TenantID, audit.OutcomeFailure, in.Client, map[string]any{"reason": "inactive"})
		return LoginResult{}, ErrAccountInactive
	}

	if account.Locked(now) {
		obs.ObserveLogin("locked")
		s.record(ctx, "auth.login", account.ID, account.TenantID, audit.OutcomeFailure, in.Client, map[string]any{
			"reason":       "locked",
			"locked_until": account.LockedUntil.Format(time.RFC3339),
		})
		return LoginResult{LockedUntil: account.LockedUntil}, ErrAccountLocked
	}

	if err := VerifyPassword(account.PasswordHash, in.Password); err != nil {
		return s.failLogin(ctx, account, in.Client, now)
	}

	if !account.EmailVerified {
		obs.ObserveLogin("unverified")
		s.record(ctx, "auth.login", account.ID, account.TenantID, audit.OutcomeFailure, in.Client, map[string]any{"reason": "email_not_verified"})
		return LoginResult{}, ErrEmailNotVerified
	}

	if s.second != nil && s.second.Required(ctx, account) {
		if in.SecondFactorCode == "" {
			s.record(ctx, "auth.login", account.ID, account.TenantID, audit.OutcomeFailure, in.Client, map[string]any{"reason": "second_factor_required"})
			return LoginResult{AccountID: account.ID, SecondFactorRequired: true}, ErrSecondFactorRequired
		}
		if err := s.second.Verify(ctx, account, in.SecondFactorCode); err != nil {
			return s.failLogin(ctx, account, in.Client, now)
		}
	}

	if err := s.store.Accounts(ctx).ResetLoginFailures(ctx, account.ID, now); err != nil {
		return LoginResult{}, err
	}

	sessionTTL := s.sessionTTL
	if in.RememberMe {
		sessionTTL = s.rememberedSessionTTL
	}
	session := &Session{
		ID:        ids.New(),
		AccountID: account.ID,
		TenantID:  account.TenantID,
		IssuedAt:  now,
		ExpiresAt: now.Add(sessionTTL),
		IPAddress: in.Client.IPAddress,
		UserAgent: in.Client.UserAgent,
		Active:    true,
	}
	refreshToken, refreshHash, err := newRefreshToken(session.ID)
	if err != nil {
		return LoginResult{}, err
	}
	session.RefreshTokenHash = refreshHash
	if err := s.store.Sessions(ctx).Create(ctx, session); err != nil {
		return LoginResult{}, err
	}

	accessToken, _, accessExp, err := signBearerToken(s.tokenSecret, session, account.Role, s.issuer, s.audience, s.accessTTL, now)
	if err != nil {
		return LoginResult{}, err
	}

	obs.ObserveLogin("success")
	s.record(ctx, "auth.login", account.ID, account.TenantID, audit.OutcomeSuccess, in.Client, map[string]any{"session_id": session.ID})
	return LoginResult{
		AccountID:         account.ID,
		SessionID:         session.ID,
		AccessToken:       accessToken,
		AccessExpiresAt:   accessExp,
		RefreshToken:      refreshToken,
		RefreshExpiresAt:  session.ExpiresAt,
		RemainingAttempts: s.maxLoginAttempts,
		Rate:              rate,
	}, nil
}

// failLogin counts the failure atomically and reports lockout when the
// threshold is reached.
func (s *Service) failLogin(ctx context.Context, account *Account, client ClientInfo, now time.Time) (LoginResult, error) {
	failed, locked, err := s.store.Accounts(ctx).RecordLoginFailure(
		ctx, account.ID, s.maxLoginAttempts, now.Add(s.lockoutDuration), now)
	if err != nil {
		return LoginResult{}, err
	}

	remaining := s.maxLoginAttempts - failed
	if remaining < 0 {
		remaining = 0
	}

	if locked.After(now) {
		obs.ObserveLogin("failure")
		obs.ObserveLockout()
		s.record(ctx, "security.account_lockout", account.ID, account.TenantID, audit.OutcomeFailure, client, map[string]any{
			"failed_attempts": failed,
			"locked_until":    locked.Format(time.RFC3339),
		})
		return LoginResult{RemainingAttempts: remaining, LockedUntil: locked}, ErrAccountLocked
	}

	obs.ObserveLogin("failure")
	s.record(ctx, "auth.login", account.ID, account.TenantID, audit.OutcomeFailure, client, map[string]any{
		"reason":             "bad_credentials",
		"failed_attempts":    failed,
		"remaining_attempts": remaining,
	})
	return LoginResult{RemainingAttempts: remaining}, ErrInvalidCredentials
}

// TokenPair is the result of a successful refresh.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// Refresh rotates the session's refresh token and reissues a bearer token.
// Of two concurrent calls with the same token exactly one succeeds; the
// loser observes the rotated hash and fails.
func (s *Service) Refresh(ctx context.Context, refreshToken string, client ClientInfo) (TokenPair, error) {
	now := s.now().UTC()

	if !s.refreshGuard.Allow(ctx, "refresh:"+client.IPAddress) {
		s.record(ctx, "auth.refresh", "", "", audit.OutcomeFailure, client, map[string]any{"reason": "rate_limited"})
		return TokenPair{}, ratelimit.ErrRateLimited
	}

	sessionID, secret, err := splitRefreshToken(refreshToken)
	if err != nil {
		return TokenPair{}, ErrInvalidToken
	}

	sessions := s.store.Sessions(ctx)
	session, err := sessions.Find(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, ErrInvalidToken
		}
		return TokenPair{}, err
	}
	if !session.Active {
		s.record(ctx, "auth.refresh", session.AccountID, session.TenantID, audit.OutcomeFailure, client, map[string]any{"reason": "session_revoked"})
		return TokenPair{}, ErrSessionRevoked
	}
	if now.After(session.ExpiresAt) {
		s.record(ctx, "auth.refresh", session.AccountID, session.TenantID, audit.OutcomeFailure, client, map[string]any{"reason": "session_expired"})
		return TokenPair{}, ErrInvalidToken
	}

	account, err := s.store.Accounts(ctx).Find(ctx, session.AccountID)
	if err != nil {
		return TokenPair{}, err
	}
	if !account.Active {
		return TokenPair{}, ErrAccountInactive
	}

	newToken, newHash, err := newRefreshToken(session.ID)
	if err != nil {
		return TokenPair{}, err
	}
	if err := sessions.RotateRefreshToken(ctx, session.ID, hashRefreshSecret(secret), newHash); err != nil {
		if errors.Is(err, ErrNotFound) {
			// Stale token presented after rotation: possible replay.
			s.record(ctx, "security.refresh_token_reuse", session.AccountID, session.TenantID, audit.OutcomeFailure, client, map[string]any{"session_id": session.ID})
			return TokenPair{}, ErrInvalidToken
		}
		return TokenPair{}, err
	}

	accessToken, _, accessExp, err := signBearerToken(s.tokenSecret, session, account.Role, s.issuer, s.audience, s.accessTTL, now)
	if err != nil {
		return TokenPair{}, err
	}

	s.record(ctx, "auth.refresh", session.AccountID, session.TenantID, audit.OutcomeSuccess, client, map[string]any{"session_id": session.ID})
	return TokenPair{
		AccessToken:      accessToken,
		AccessExpiresAt:  accessExp,
		RefreshToken:     newToken,
		RefreshExpiresAt: session.ExpiresAt,
	}, nil
}

// Logout terminates the session and blacklists the presented bearer token
// for its remaining lifetime so it cannot be replayed.
func (s *Service) Logout(ctx context.Context, sessionID, rawBearer string, client ClientInfo) error {
	session, err := s.store.Sessions(ctx).Find(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidToken
		}
		return err
	}
	if err := s.store.Sessions(ctx).Deactivate(ctx, sessionID); err != nil {
		return err
	}
	if claims, perr := parseBearerToken(s.tokenSecret, rawBearer, s.issuer, s.audience, s.now); perr == nil {
		s.blacklist.Add(claims.ID, claims.ExpiresAt.Time)
	}
	s.record(ctx, "auth.logout", session.AccountID, session.TenantID, audit.OutcomeSuccess, client, map[string]any{"session_id": sessionID})
	return nil
}

// RequestPasswordReset issues a single-use, short-lived reset token. For an
// unknown identifier it reports success without a token, so callers cannot
// probe which identifiers exist.
func (s *Service) RequestPasswordReset(ctx context.Context, tenantID, email string, client ClientInfo) (token string, expiresAt time.Time, err error) {
	now := s.now().UTC()

	if !s.limiter.Allow(ctx, "pwreset:"+client.IPAddress, defaultRegisterMax, defaultRegisterWindow) {
		s.record(ctx, "auth.password_reset.request", "", tenantID, audit.OutcomeFailure, client, map[string]any{"reason": "rate_limited"})
		return "", time.Time{}, ratelimit.ErrRateLimited
	}

	emailHash, err := s.vault.HashIdentifier(email)
	if err != nil {
		return "", time.Time{}, err
	}
	account, err := s.store.Accounts(ctx).FindByEmailHash(ctx, tenantID, emailHash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.record(ctx, "auth.password_reset.request", "", tenantID, audit.OutcomeFailure, client, map[string]any{"reason": "unknown_account"})
			return "", time.Time{}, nil
		}
		return "", time.Time{}, err
	}

	token, tokenHash, err := newOpaqueToken()
	if err != nil {
		return "", time.Time{}, err
	}
	reset := &ResetToken{
		ID:        ids.New(),
		AccountID: account.ID,
		TokenHash: tokenHash,
		ExpiresAt: now.Add(s.resetTokenTTL),
		CreatedAt: now,
	}
	if err := s.store.ResetTokens(ctx).Create(ctx, reset); err != nil {
		return "", time.Time{}, err
	}

	s.record(ctx, "auth.password_reset.request", account.ID, account.TenantID, audit.OutcomeSuccess, client, nil)
	return token, reset.ExpiresAt, nil
}

// ConfirmPasswordReset consumes the reset token, requires the new secret to
// differ from the current one, updates the hash and terminates every other
// active session for the account.
func (s *Service) ConfirmPasswordReset(ctx context.Context, token, newPassword string, client ClientInfo) error {
	now := s.now().UTC()

	if err := ValidatePasswordStrength(newPassword); err != nil {
		return err
	}

	reset, err := s.store.ResetTokens(ctx).Consume(ctx, hashOpaqueToken(token), now)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.record(ctx, "auth.password_reset.confirm", "", "", audit.OutcomeFailure, client, map[string]any{"reason": "invalid_token"})
			return ErrInvalidToken
		}
		return err
	}

	account, err := s.store.Accounts(ctx).Find(ctx, reset.AccountID)
	if err != nil {
		return err
	}
	if VerifyPassword(account.PasswordHash, newPassword) == nil {
		return fmt.Errorf("%w: new password must differ from the current one", ErrInvalidInput)
	}

	passwordHash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.store.Accounts(ctx).UpdatePassword(ctx, account.ID, passwordHash, now); err != nil {
		return err
	}
	if err := s.store.Accounts(ctx).ResetLoginFailures(ctx, account.ID, now); err != nil {
		return err
	}
	revoked, err := s.store.Sessions(ctx).DeactivateByAccount(ctx, account.ID)
	if err != nil {
		return err
	}

	s.record(ctx, "security.password_reset", account.ID, account.TenantID, audit.OutcomeSuccess, client, map[string]any{
		"sessions_revoked": revoked,
	})
	return nil
}

// ResetLockout clears the failure counter and lock, for administrative use.
func (s *Service) ResetLockout(ctx context.Context, accountID string, client ClientInfo) error {
	now := s.now().UTC()
	if err := s.store.Accounts(ctx).ResetLoginFailures(ctx, accountID, now); err != nil {
		return err
	}
	s.record(ctx, "security.lockout_reset", accountID, "", audit.OutcomeSuccess, client, nil)
	return nil
}

// ValidateToken verifies the bearer token's signature and expiry, then
// cross-checks the session it references and the revocation blacklist. Each
// failure mode yields its own error.
func (s *Service) ValidateToken(ctx context.Context, raw string) (Principal, error) {
	now := s.now().UTC()

	claims, err := parseBearerToken(s.tokenSecret, raw, s.issuer, s.audience, s.now)
	if err != nil {
		return Principal{}, err
	}
	if s.blacklist.Contains(claims.ID, now) {
		return Principal{}, ErrTokenRevoked
	}

	session, err := s.store.Sessions(ctx).Find(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrSessionRevoked
		}
		return Principal{}, err
	}
	if !session.Active {
		return Principal{}, ErrSessionRevoked
	}
	if now.After(session.ExpiresAt) {
		return Principal{}, ErrTokenExpired
	}

	return Principal{
		AccountID: claims.Subject,
		SessionID: claims.SessionID,
		TenantID:  claims.TenantID,
		Role:      claims.Role,
	}, nil
}

// SweepExpired removes expired sessions and single-use tokens, and prunes
// the blacklist. Invoked by the retention sweeper, not the request path.
func (s *Service) SweepExpired(ctx context.Context) error {
	now := s.now().UTC()
	if _, err := s.store.Sessions(ctx).DeleteExpiredBefore(ctx, now); err != nil {
		return err
	}
	if _, err := s.store.ResetTokens(ctx).DeleteExpiredBefore(ctx, now); err != nil {
		return err
	}
	if _, err := s.store.VerificationTokens(ctx).DeleteExpiredBefore(ctx, now); err != nil {
		return err
	}
	s.blacklist.Sweep(now)
	return nil
}

func (s *Service) record(ctx context.Context, action, actorID, tenantID, outcome string, client ClientInfo, details map[string]any) {
	if s.recorder == nil {
		return
	}
	_ = s.recorder.Record(ctx, audit.Event{
		Action:     action,
		ActorID:    actorID,
		TenantID:   tenantID,
		TargetType: "account",
		TargetID:   actorID,
		Outcome:    outcome,
		IPAddress:  client.IPAddress,
		UserAgent:  client.UserAgent,
		Details:    details,
		Tags:       []string{"authentication"},
	})
}
