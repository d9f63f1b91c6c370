package csrf

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var _ Store = (*PGStore)(nil)

// PGStore keeps one live token per key in the csrf_tokens table.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Upsert(ctx context.Context, token Token) error {
	_, err := s.db.ExecContext(ctx, `
		insert into csrf_tokens(key, value, issued_at)
		values ($1, $2, $3)
		on conflict (key) do update set value = excluded.value, issued_at = excluded.issued_at
	`, token.Key, token.Value, token.IssuedAt)
	return err
}

func (s *PGStore) Find(ctx context.Context, key string) (Token, error) {
	var token Token
	err := s.db.QueryRowContext(ctx,
		`select key, value, issued_at from csrf_tokens where key = $1`, key,
	).Scan(&token.Key, &token.Value, &token.IssuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, ErrNotFound
	}
	if err != nil {
		return Token{}, err
	}
	return token, nil
}

func (s *PGStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `delete from csrf_tokens where key = $1`, key)
	return err
}

func (s *PGStore) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from csrf_tokens where issued_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
