package ratelimit

import (
	"context"
	"database/sql"
	"time"
)

var _ Store = (*PGStore)(nil)

// PGStore keeps counters in the rate_limits table so limits are shared across
// server processes. The window reset and the increment happen inside one
// upsert statement, keeping concurrent callers from losing updates.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Increment(ctx context.Context, id string, window time.Duration, now time.Time) (Counter, error) {
	var c Counter
	var blocked sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		insert into rate_limits(id, request_count, window_start)
		values ($1, 1, $2)
		on conflict (id) do update set
			request_count = case
				when $2::timestamptz - rate_limits.window_start >= make_interval(secs => $3)
				then 1
				else rate_limits.request_count + 1
			end,
			window_start = case
				when $2::timestamptz - rate_limits.window_start >= make_interval(secs => $3)
				then $2::timestamptz
				else rate_limits.window_start
			end
		returning request_count, window_start, blocked_until
	`, id, now, window.Seconds()).Scan(&c.Count, &c.WindowStart, &blocked)
	if err != nil {
		return Counter{}, err
	}
	if blocked.Valid {
		c.BlockedUntil = blocked.Time
	}
	return c, nil
}

func (s *PGStore) Block(ctx context.Context, id string, until time.Time) error {
	// greatest() keeps blocked_until monotonic within an episode.
	_, err := s.db.ExecContext(ctx, `
		update rate_limits
		set blocked_until = greatest(coalesce(blocked_until, 'epoch'::timestamptz), $2)
		where id = $1
	`, id, until)
	return err
}

func (s *PGStore) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		delete from rate_limits
		where window_start < $1 and coalesce(blocked_until, 'epoch'::timestamptz) < $1
	`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
