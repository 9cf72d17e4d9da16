package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"opsdeck.io/internal/identity"
)

// Users implements identity.UserStore.
type Users struct {
	db *sql.DB
}

var _ identity.UserStore = (*Users)(nil)

const userColumns = `
	id, email, first_name, last_name, password_hash, coalesce(company_id, ''),
	is_internal, is_active, email_verified_at, mfa_enabled, totp_secret,
	failed_login_attempts, last_failed_login_at, locked_until,
	force_logout_at, max_sessions, password_changed_at, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*identity.User, error) {
	var u identity.User
	var passwordChanged sql.NullTime
	err := row.Scan(
		&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.PasswordHash, &u.CompanyID,
		&u.IsInternal, &u.IsActive, &u.EmailVerifiedAt, &u.MfaEnabled, &u.TOTPSecret,
		&u.FailedLoginAttempts, &u.LastFailedLoginAt, &u.LockedUntil,
		&u.ForceLogoutAt, &u.MaxSessions, &passwordChanged, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if passwordChanged.Valid {
		u.PasswordChangedAt = passwordChanged.Time
	}
	return &u, nil
}

func (s *Users) Find(ctx context.Context, id string) (*identity.User, error) {
	row := s.db.QueryRowContext(ctx, `select`+userColumns+` from users where id = $1`, id)
	return scanUser(row)
}

func (s *Users) FindByEmail(ctx context.Context, email string) (*identity.User, error) {
	row := s.db.QueryRowContext(ctx,
		`select`+userColumns+` from users where lower(email) = lower($1)`, email)
	return scanUser(row)
}

func (s *Users) Create(ctx context.Context, u *identity.User) error {
	_, err := s.db.ExecContext(ctx, `
		insert into users (
			id, email, first_name, last_name, password_hash, company_id,
			is_internal, is_active, email_verified_at, mfa_enabled, totp_secret,
			max_sessions, password_changed_at, created_at, updated_at
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
	`, u.ID, u.Email, u.FirstName, u.LastName, u.PasswordHash, nullableString(u.CompanyID),
		u.IsInternal, u.IsActive, u.EmailVerifiedAt, u.MfaEnabled, u.TOTPSecret,
		u.MaxSessions, u.PasswordChangedAt, u.CreatedAt)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return identity.ErrConflict
	}
	return err
}

// RecordLoginFailure bumps the failure counter under a row lock so
// concurrent failures never lose increments, and locks the account when the
// threshold is crossed inside the window.
func (s *Users) RecordLoginFailure(ctx context.Context, userID string, at time.Time, threshold int, window, lockFor time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var attempts int
	var lastFailed sql.NullTime
	err = tx.QueryRowContext(ctx, `
		select failed_login_attempts, last_failed_login_at
		from users where id = $1 for update
	`, userID).Scan(&attempts, &lastFailed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, identity.ErrNotFound
	}
	if err != nil {
		return false, err
	}

	// Failures outside the window restart the count.
	if lastFailed.Valid && at.Sub(lastFailed.Time) > window {
		attempts = 0
	}
	attempts++

	locked := threshold > 0 && attempts >= threshold
	var lockedUntil any
	if locked {
		lockedUntil = at.Add(lockFor)
	}
	if _, err := tx.ExecContext(ctx, `
		update users
		set failed_login_attempts = $2, last_failed_login_at = $3,
		    locked_until = $4, updated_at = $3
		where id = $1
	`, userID, attempts, at, lockedUntil); err != nil {
		return false, err
	}
	return locked, tx.Commit()
}

func (s *Users) ClearLockout(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		update users
		set failed_login_attempts = 0, last_failed_login_at = null,
		    locked_until = null, updated_at = now()
		where id = $1
	`, userID)
	return err
}

func (s *Users) UpdatePassword(ctx context.Context, userID, hash string, changedAt time.Time) error {
	return execOne(ctx, s.db, `
		update users set password_hash = $2, password_changed_at = $3, updated_at = $3
		where id = $1
	`, []any{userID, hash, changedAt}, identity.ErrNotFound)
}

func (s *Users) SetForceLogout(ctx context.Context, userID string, at time.Time) error {
	return execOne(ctx, s.db, `
		update users set force_logout_at = $2, updated_at = $2 where id = $1
	`, []any{userID, at}, identity.ErrNotFound)
}

func (s *Users) SetTOTP(ctx context.Context, userID, secret string, enabled bool) error {
	return execOne(ctx, s.db, `
		update users set totp_secret = $2, mfa_enabled = $3, updated_at = now()
		where id = $1
	`, []any{userID, secret, enabled}, identity.ErrNotFound)
}

func (s *Users) MarkEmailVerified(ctx context.Context, userID string, at time.Time) error {
	return execOne(ctx, s.db, `
		update users set email_verified_at = $2, updated_at = $2 where id = $1
	`, []any{userID, at}, identity.ErrNotFound)
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
