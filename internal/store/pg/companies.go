package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"opsdeck.io/internal/identity"
)

// Companies implements identity.CompanyStore.
type Companies struct {
	db *sql.DB
}

var _ identity.CompanyStore = (*Companies)(nil)

const companyColumns = `
	id, name, is_active, max_sessions_per_user, coalesce(session_limit_strategy, ''),
	password_policy, mfa_required, lockout_threshold, lockout_window_seconds,
	lockout_duration_seconds, created_at, updated_at`

func scanCompany(row interface{ Scan(...any) error }) (*identity.Company, error) {
	var co identity.Company
	var strategy string
	var policy []byte
	var windowSec, durationSec int64
	err := row.Scan(
		&co.ID, &co.Name, &co.IsActive, &co.MaxSessionsPerUser, &strategy,
		&policy, &co.MfaRequired, &co.LockoutThreshold, &windowSec,
		&durationSec, &co.CreatedAt, &co.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	co.SessionLimitStrategy = identity.SessionLimitStrategy(strategy)
	co.LockoutWindow = time.Duration(windowSec) * time.Second
	co.LockoutDuration = time.Duration(durationSec) * time.Second
	if len(policy) > 0 {
		if err := json.Unmarshal(policy, &co.PasswordPolicy); err != nil {
			return nil, fmt.Errorf("decode password policy: %w", err)
		}
	}
	return &co, nil
}

// Create inserts a tenant. Used by provisioning tools, not the engine itself.
func (s *Companies) Create(ctx context.Context, co *identity.Company) error {
	policy, err := json.Marshal(co.PasswordPolicy)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into companies (
			id, name, is_active, max_sessions_per_user, session_limit_strategy,
			password_policy, mfa_required, lockout_threshold, lockout_window_seconds,
			lockout_duration_seconds, created_at, updated_at
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
	`, co.ID, co.Name, co.IsActive, co.MaxSessionsPerUser,
		nullableString(string(co.SessionLimitStrategy)), policy, co.MfaRequired,
		co.LockoutThreshold, int64(co.LockoutWindow.Seconds()), int64(co.LockoutDuration.Seconds()))
	return err
}

func (s *Companies) Find(ctx context.Context, id string) (*identity.Company, error) {
	row := s.db.QueryRowContext(ctx, `select`+companyColumns+` from companies where id = $1`, id)
	return scanCompany(row)
}

func (s *Companies) List(ctx context.Context, search string) ([]*identity.Company, error) {
	rows, err := s.db.QueryContext(ctx, `
		select`+companyColumns+`
		from companies
		where ($1 = '' or name ilike '%' || $1 || '%')
		order by name
	`, strings.TrimSpace(search))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCompanies(rows)
}

func (s *Companies) FindMany(ctx context.Context, ids []string) ([]*identity.Company, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		select`+companyColumns+`
		from companies
		where id = any($1)
		order by name
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCompanies(rows)
}

func collectCompanies(rows *sql.Rows) ([]*identity.Company, error) {
	var result []*identity.Company
	for rows.Next() {
		co, err := scanCompany(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, co)
	}
	return result, rows.Err()
}
