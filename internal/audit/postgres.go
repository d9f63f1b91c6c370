package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"
)

var _ Store = (*PGStore)(nil)

// PGStore persists audit events in the audit_events table.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Append writes the batch in a single transaction so a partial batch is never
// observable.
func (s *PGStore) Append(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range events {
		details, _ := json.Marshal(e.Details)
		_, err := tx.ExecContext(ctx,
			`insert into audit_events(id, occurred_at, action, actor_id, tenant_id, target_type, target_id, outcome, ip_address, user_agent, details, tags)
			 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			e.ID, e.OccurredAt, e.Action, e.ActorID, e.TenantID,
			e.TargetType, e.TargetID, e.Outcome, e.IPAddress, e.UserAgent,
			details, strings.Join(e.Tags, ","),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteOlderThan removes events past the retention horizon.
func (s *PGStore) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from audit_events where occurred_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
