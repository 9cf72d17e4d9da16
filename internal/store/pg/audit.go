package pg

import (
	"context"
	"database/sql"
	"encoding/json"

	"opsdeck.io/internal/audit"
	"opsdeck.io/internal/ids"
)

// AuditLog implements audit.Recorder as an append-only table.
type AuditLog struct {
	db *sql.DB
}

var _ audit.Recorder = (*AuditLog)(nil)

func (s *AuditLog) Record(ctx context.Context, e audit.Event) error {
	if e.ID == "" {
		e.ID = ids.New()
	}
	var metadata []byte
	if len(e.Metadata) > 0 {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return err
		}
		metadata = raw
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_log (id, occurred_at, type, actor_user_id, company_id, session_id, ip, metadata)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.OccurredAt, e.Type, nullableString(e.ActorUserID), nullableString(e.CompanyID),
		nullableString(e.SessionID), nullableString(e.IP), metadata)
	return err
}
