package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"opsdeck.io/internal/session"
)

// Sessions implements session.Store.
type Sessions struct {
	db *sql.DB
}

var _ session.Store = (*Sessions)(nil)

const sessionColumns = `
	id, user_id, company_id, active_company_id, source_user_id,
	source, ip, user_agent, mfa_verified, created_at, last_activity_at,
	expires_at, absolute_expires_at, revoked_at`

func scanSession(row interface{ Scan(...any) error }) (*session.Session, error) {
	var s session.Session
	err := row.Scan(
		&s.ID, &s.UserID, &s.CompanyID, &s.ActiveCompanyID, &s.SourceUserID,
		&s.Source, &s.IP, &s.UserAgent, &s.MfaVerified, &s.CreatedAt, &s.LastActivityAt,
		&s.ExpiresAt, &s.AbsoluteExpiresAt, &s.RevokedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Sessions) Create(ctx context.Context, sess *session.Session) error {
	_, err := s.db.ExecContext(ctx, `
		insert into sessions (id, source, ip, user_agent, created_at, last_activity_at)
		values ($1, $2, $3, $4, $5, $6)
	`, sess.ID, sess.Source, sess.IP, sess.UserAgent, sess.CreatedAt, sess.LastActivityAt)
	return err
}

func (s *Sessions) Find(ctx context.Context, id string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx, `select`+sessionColumns+` from sessions where id = $1`, id)
	return scanSession(row)
}

// Bind attaches the user inside one transaction: the user's active sessions
// are read under lock, the limit strategy picks a victim if the roster is
// full, the victim is revoked, and the pending session is filled in. Two
// concurrent logins for the same user serialize on the row locks.
func (s *Sessions) Bind(ctx context.Context, p session.BindParams) (*session.Session, *session.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		select`+sessionColumns+`
		from sessions
		where user_id = $1 and source = $2 and revoked_at is null
		  and (expires_at is null or expires_at > $3)
		  and (absolute_expires_at is null or absolute_expires_at > $3)
		order by created_at
		for update
	`, p.UserID, p.Source, p.Now)
	if err != nil {
		return nil, nil, err
	}
	var active []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, nil, err
		}
		active = append(active, sess)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var evicted *session.Session
	if p.Limit > 0 && len(active) >= p.Limit {
		victim, err := session.PickVictim(p.Strategy, active, p.EvictSessionID)
		if err != nil {
			return nil, nil, err
		}
		if _, err := tx.ExecContext(ctx, `
			update sessions set revoked_at = $2 where id = $1
		`, victim.ID, p.Now); err != nil {
			return nil, nil, err
		}
		at := p.Now
		victim.RevokedAt = &at
		evicted = victim
	}

	row := tx.QueryRowContext(ctx, `
		update sessions
		set user_id = $2, company_id = $3, active_company_id = $3,
		    mfa_verified = $4, last_activity_at = $5,
		    expires_at = $6, absolute_expires_at = $7
		where id = $1 and user_id is null
		returning `+sessionColumns+`
	`, p.SessionID, p.UserID, p.CompanyID, p.MfaVerified, p.Now, p.ExpiresAt, p.AbsoluteExpiresAt)
	bound, err := scanSession(row)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return bound, evicted, nil
}

func (s *Sessions) Touch(ctx context.Context, id string, expiresAt, lastActivity time.Time) error {
	return execOne(ctx, s.db, `
		update sessions set expires_at = $2, last_activity_at = $3
		where id = $1 and revoked_at is null
	`, []any{id, expiresAt, lastActivity}, session.ErrNotFound)
}

func (s *Sessions) SetMFAVerified(ctx context.Context, id string, at time.Time) error {
	return execOne(ctx, s.db, `
		update sessions set mfa_verified = true, last_activity_at = $2
		where id = $1 and revoked_at is null
	`, []any{id, at}, session.ErrNotFound)
}

func (s *Sessions) SetActingUser(ctx context.Context, id string, userID string, sourceUserID *string) error {
	return execOne(ctx, s.db, `
		update sessions set user_id = $2, source_user_id = $3
		where id = $1 and revoked_at is null
	`, []any{id, userID, nullableStringPtr(sourceUserID)}, session.ErrNotFound)
}

func (s *Sessions) Revoke(ctx context.Context, id string, at time.Time) error {
	return execOne(ctx, s.db, `
		update sessions set revoked_at = $2 where id = $1 and revoked_at is null
	`, []any{id, at}, session.ErrNotFound)
}

func (s *Sessions) RevokeAllForUser(ctx context.Context, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update sessions set revoked_at = $2 where user_id = $1 and revoked_at is null
	`, userID, at)
	return err
}

func (s *Sessions) ListActive(ctx context.Context, userID, source string, now time.Time) ([]*session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		select`+sessionColumns+`
		from sessions
		where user_id = $1 and source = $2 and revoked_at is null
		  and (expires_at is null or expires_at > $3)
		  and (absolute_expires_at is null or absolute_expires_at > $3)
		order by created_at
	`, userID, source, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}
