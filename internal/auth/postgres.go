package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const pgUniqueViolation = "23505"

// PGStore persists accounts, sessions and single-use tokens in Postgres.
// Every counter and rotation mutation is a single conditional statement so
// concurrent requests never lose updates.
type PGStore struct {
	db *sql.DB
}

var _ Store = (*PGStore)(nil)

func NewPGStore(db *sql.DB) *PGStore { return &PGStore{db: db} }

func (s *PGStore) Accounts(context.Context) AccountStore { return &pgAccounts{db: s.db} }
func (s *PGStore) Sessions(context.Context) SessionStore { return &pgSessions{db: s.db} }
func (s *PGStore) ResetTokens(context.Context) ResetTokenStore {
	return &pgResetTokens{pgTokens{db: s.db, table: "reset_tokens"}}
}
func (s *PGStore) VerificationTokens(context.Context) VerificationTokenStore {
	return &pgVerificationTokens{pgTokens{db: s.db, table: "verification_tokens"}}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

type pgAccounts struct {
	db *sql.DB
}

const accountColumns = `id, tenant_id, email_hash, name_ciphertext, name_nonce, name_tag,
	dept_ciphertext, dept_nonce, dept_tag, password_hash, role, active, email_verified,
	failed_attempts, locked_until, retain_until, created_at, updated_at`

func (s *pgAccounts) Create(ctx context.Context, account *Account, verification *VerificationToken) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into accounts(`+accountColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`,
		account.ID, account.TenantID, account.EmailHash,
		account.Name.Ciphertext, account.Name.Nonce, account.Name.Tag,
		account.Department.Ciphertext, account.Department.Nonce, account.Department.Tag,
		account.PasswordHash, account.Role, account.Active, account.EmailVerified,
		account.FailedAttempts, account.LockedUntil, account.RetainUntil,
		account.CreatedAt, account.UpdatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateAccount
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into verification_tokens(id, account_id, token_hash, expires_at, used, created_at)
		values ($1,$2,$3,$4,false,$5)
	`, verification.ID, verification.AccountID, verification.TokenHash,
		verification.ExpiresAt, verification.CreatedAt,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func scanAccount(row *sql.Row) (*Account, error) {
	var a Account
	err := row.Scan(
		&a.ID, &a.TenantID, &a.EmailHash,
		&a.Name.Ciphertext, &a.Name.Nonce, &a.Name.Tag,
		&a.Department.Ciphertext, &a.Department.Nonce, &a.Department.Tag,
		&a.PasswordHash, &a.Role, &a.Active, &a.EmailVerified,
		&a.FailedAttempts, &a.LockedUntil, &a.RetainUntil,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *pgAccounts) Find(ctx context.Context, id string) (*Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from accounts where id=$1`, id))
}

func (s *pgAccounts) FindByEmailHash(ctx context.Context, tenantID, emailHash string) (*Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from accounts where tenant_id=$1 and email_hash=$2`,
		tenantID, emailHash))
}

func (s *pgAccounts) RecordLoginFailure(ctx context.Context, id string, threshold int, lockedUntil time.Time, now time.Time) (int, time.Time, error) {
	var failed int
	var locked time.Time
	err := s.db.QueryRowContext(ctx, `
		update accounts set
			failed_attempts = failed_attempts + 1,
			locked_until = case when failed_attempts + 1 >= $2
				then greatest(locked_until, $3)
				else locked_until end,
			updated_at = $4
		where id = $1
		returning failed_attempts, locked_until
	`, id, threshold, lockedUntil, now).Scan(&failed, &locked)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, time.Time{}, ErrNotFound
	}
	if err != nil {
		return 0, time.Time{}, err
	}
	return failed, locked, nil
}

func (s *pgAccounts) ResetLoginFailures(ctx context.Context, id string, now time.Time) error {
	return execExpectingRow(ctx, s.db, `
		update accounts set failed_attempts = 0, locked_until = 'epoch', updated_at = $2
		where id = $1
	`, id, now)
}

func (s *pgAccounts) UpdatePassword(ctx context.Context, id, passwordHash string, now time.Time) error {
	return execExpectingRow(ctx, s.db, `
		update accounts set password_hash = $2, updated_at = $3 where id = $1
	`, id, passwordHash, now)
}

func (s *pgAccounts) SetEmailVerified(ctx context.Context, id string, now time.Time) error {
	return execExpectingRow(ctx, s.db, `
		update accounts set email_verified = true, updated_at = $2 where id = $1
	`, id, now)
}

func (s *pgAccounts) Deactivate(ctx context.Context, id string, retainUntil time.Time) error {
	return execExpectingRow(ctx, s.db, `
		update accounts set active = false, retain_until = $2, updated_at = now() where id = $1
	`, id, retainUntil)
}

type pgSessions struct {
	db *sql.DB
}

func (s *pgSessions) Create(ctx context.Context, session *Session) error {
	_, err := s.db.ExecContext(ctx, `
		insert into sessions(id, account_id, tenant_id, issued_at, expires_at,
			ip_address, user_agent, active, refresh_token_hash)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, session.ID, session.AccountID, session.TenantID, session.IssuedAt,
		session.ExpiresAt, session.IPAddress, session.UserAgent,
		session.Active, session.RefreshTokenHash)
	return err
}

func (s *pgSessions) Find(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		select id, account_id, tenant_id, issued_at, expires_at,
			ip_address, user_agent, active, refresh_token_hash
		from sessions where id=$1
	`, id).Scan(&sess.ID, &sess.AccountID, &sess.TenantID, &sess.IssuedAt,
		&sess.ExpiresAt, &sess.IPAddress, &sess.UserAgent,
		&sess.Active, &sess.RefreshTokenHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *pgSessions) RotateRefreshToken(ctx context.Context, sessionID, oldHash, newHash string) error {
	// The where clause on the old hash makes the swap a compare-and-set;
	// the losing concurrent caller matches zero rows.
	res, err := s.db.ExecContext(ctx, `
		update sessions set refresh_token_hash = $3
		where id = $1 and refresh_token_hash = $2 and active
	`, sessionID, oldHash, newHash)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgSessions) Deactivate(ctx context.Context, id string) error {
	return execExpectingRow(ctx, s.db, `update sessions set active = false where id = $1`, id)
}

func (s *pgSessions) DeactivateByAccount(ctx context.Context, accountID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`update sessions set active = false where account_id = $1 and active`, accountID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *pgSessions) DeleteExpiredBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from sessions where expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// pgTokens holds what the two single-use token tables share; they have the
// same shape.
type pgTokens struct {
	db    *sql.DB
	table string
}

func (s *pgTokens) create(ctx context.Context, id, accountID, tokenHash string, expiresAt, createdAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		insert into `+s.table+`(id, account_id, token_hash, expires_at, used, created_at)
		values ($1,$2,$3,$4,false,$5)
	`, id, accountID, tokenHash, expiresAt, createdAt)
	return err
}

// consume marks the token used in the same statement that checks it, which
// keeps consumption single-winner under concurrency.
func (s *pgTokens) consume(ctx context.Context, tokenHash string, now time.Time) (id, accountID string, expiresAt, createdAt time.Time, err error) {
	var used bool
	err = s.db.QueryRowContext(ctx, `
		update `+s.table+` set used = true
		where token_hash = $1 and not used and expires_at > $2
		returning id, account_id, expires_at, used, created_at
	`, tokenHash, now).Scan(&id, &accountID, &expiresAt, &used, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNotFound
	}
	return id, accountID, expiresAt, createdAt, err
}

func (s *pgTokens) DeleteExpiredBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from `+s.table+` where expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type pgResetTokens struct {
	pgTokens
}

func (s *pgResetTokens) Create(ctx context.Context, token *ResetToken) error {
	return s.create(ctx, token.ID, token.AccountID, token.TokenHash, token.ExpiresAt, token.CreatedAt)
}

func (s *pgResetTokens) Consume(ctx context.Context, tokenHash string, now time.Time) (*ResetToken, error) {
	id, accountID, expiresAt, createdAt, err := s.consume(ctx, tokenHash, now)
	if err != nil {
		return nil, err
	}
	return &ResetToken{ID: id, AccountID: accountID, TokenHash: tokenHash, ExpiresAt: expiresAt, Used: true, CreatedAt: createdAt}, nil
}

type pgVerificationTokens struct {
	pgTokens
}

func (s *pgVerificationTokens) Create(ctx context.Context, token *VerificationToken) error {
	return s.create(ctx, token.ID, token.AccountID, token.TokenHash, token.ExpiresAt, token.CreatedAt)
}

func (s *pgVerificationTokens) Consume(ctx context.Context, tokenHash string, now time.Time) (*VerificationToken, error) {
	id, accountID, expiresAt, createdAt, err := s.consume(ctx, tokenHash, now)
	if err != nil {
		return nil, err
	}
	return &VerificationToken{ID: id, AccountID: accountID, TokenHash: tokenHash, ExpiresAt: expiresAt, Used: true, CreatedAt: createdAt}, nil
}

func execExpectingRow(ctx context.Context, db *sql.DB, query string, args ...any) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
