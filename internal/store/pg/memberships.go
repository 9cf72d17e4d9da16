package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"opsdeck.io/internal/ids"
	"opsdeck.io/internal/membership"
)

// Memberships implements membership.Store.
type Memberships struct {
	db *sql.DB
}

var _ membership.Store = (*Memberships)(nil)

const membershipColumns = `
	id, user_id, company_id, is_active, is_pinned, last_accessed_at,
	deactivated_at, deactivated_by, created_at`

func scanMembership(row interface{ Scan(...any) error }) (*membership.UserCompany, error) {
	var uc membership.UserCompany
	err := row.Scan(
		&uc.ID, &uc.UserID, &uc.CompanyID, &uc.IsActive, &uc.IsPinned, &uc.LastAccessedAt,
		&uc.DeactivatedAt, &uc.DeactivatedBy, &uc.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, membership.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &uc, nil
}

func (s *Memberships) Memberships(ctx context.Context, userID string) ([]*membership.UserCompany, error) {
	rows, err := s.db.QueryContext(ctx, `
		select`+membershipColumns+`
		from user_companies
		where user_id = $1
		order by created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*membership.UserCompany
	for rows.Next() {
		uc, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, uc)
	}
	return result, rows.Err()
}

func (s *Memberships) FindMembership(ctx context.Context, userID, companyID string) (*membership.UserCompany, error) {
	row := s.db.QueryRowContext(ctx, `
		select`+membershipColumns+`
		from user_companies
		where user_id = $1 and company_id = $2
	`, userID, companyID)
	return scanMembership(row)
}

func (s *Memberships) CreateMembership(ctx context.Context, uc *membership.UserCompany) error {
	_, err := s.db.ExecContext(ctx, `
		insert into user_companies (id, user_id, company_id, is_active, is_pinned, created_at)
		values ($1, $2, $3, $4, $5, $6)
	`, uc.ID, uc.UserID, uc.CompanyID, uc.IsActive, uc.IsPinned, uc.CreatedAt)
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return membership.ErrConflict
		case pgErrForeignKeyViolation:
			return membership.ErrNotFound
		}
	}
	return err
}

func (s *Memberships) SetPinned(ctx context.Context, userID, companyID string, pinned bool) error {
	return execOne(ctx, s.db, `
		update user_companies set is_pinned = $3
		where user_id = $1 and company_id = $2
	`, []any{userID, companyID, pinned}, membership.ErrNotFound)
}

// Deactivate stamps the row exactly once; a second call matches zero rows.
func (s *Memberships) Deactivate(ctx context.Context, userID, companyID, byUserID string, at time.Time) error {
	return execOne(ctx, s.db, `
		update user_companies
		set is_active = false, deactivated_at = $3, deactivated_by = $4
		where user_id = $1 and company_id = $2 and is_active
	`, []any{userID, companyID, at, byUserID}, membership.ErrDeactivated)
}

// SwitchCompany updates the session and stamps the membership in one
// transaction. The stamp runs first and requires an active row, so it both
// guards and locks the membership: a deactivation racing this switch
// serializes on the row lock and one of the two loses.
func (s *Memberships) SwitchCompany(ctx context.Context, sessionID, userID, companyID string, internal bool, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if !internal {
		res, err := tx.ExecContext(ctx, `
			update user_companies set last_accessed_at = $3
			where user_id = $1 and company_id = $2 and is_active
		`, userID, companyID, at)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return membership.ErrNoMembership
		}
	}

	res, err := tx.ExecContext(ctx, `
		update sessions set active_company_id = $2, last_activity_at = $3
		where id = $1 and revoked_at is null
	`, sessionID, companyID, at)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return membership.ErrNotFound
	}
	return tx.Commit()
}

func (s *Memberships) InternalGrants(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select company_id
		from internal_user_companies
		where user_id = $1
		order by created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		result = append(result, id)
	}
	return result, rows.Err()
}

func (s *Memberships) AddInternalGrant(ctx context.Context, userID, companyID, byUserID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		insert into internal_user_companies (id, user_id, company_id, granted_by, created_at)
		values ($1, $2, $3, $4, $5)
		on conflict (user_id, company_id) do nothing
	`, ids.New(), userID, companyID, byUserID, at)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return membership.ErrNotFound
	}
	return err
}

func (s *Memberships) RemoveInternalGrant(ctx context.Context, userID, companyID string) error {
	return execOne(ctx, s.db, `
		delete from internal_user_companies where user_id = $1 and company_id = $2
	`, []any{userID, companyID}, membership.ErrNotFound)
}
