package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"opsdeck.io/internal/mfa"
)

// MFA implements mfa.Store.
type MFA struct {
	db *sql.DB
}

var _ mfa.Store = (*MFA)(nil)

func (s *MFA) CreateEmailCode(ctx context.Context, c *mfa.EmailCode) error {
	_, err := s.db.ExecContext(ctx, `
		insert into mfa_email_codes (id, user_id, code_hash, expires_at, created_at)
		values ($1, $2, $3, $4, $5)
	`, c.ID, c.UserID, c.CodeHash, c.ExpiresAt, c.CreatedAt)
	return err
}

func (s *MFA) ConsumeEmailCode(ctx context.Context, userID, codeHash string, at time.Time) error {
	return execOne(ctx, s.db, `
		update mfa_email_codes
		set used_at = $3
		where user_id = $1 and code_hash = $2 and used_at is null and expires_at > $3
	`, []any{userID, codeHash, at}, mfa.ErrInvalidCode)
}

func (s *MFA) ReplaceRecoveryCodes(ctx context.Context, userID string, codes []*mfa.RecoveryCode) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		delete from mfa_recovery_codes where user_id = $1
	`, userID); err != nil {
		return err
	}
	for _, c := range codes {
		if _, err := tx.ExecContext(ctx, `
			insert into mfa_recovery_codes (id, user_id, code_hash, created_at)
			values ($1, $2, $3, $4)
		`, c.ID, c.UserID, c.CodeHash, c.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *MFA) ConsumeRecoveryCode(ctx context.Context, userID, codeHash string, at time.Time) error {
	return execOne(ctx, s.db, `
		update mfa_recovery_codes
		set used_at = $3
		where user_id = $1 and code_hash = $2 and used_at is null
	`, []any{userID, codeHash, at}, mfa.ErrInvalidCode)
}

func (s *MFA) CreateTrustedDevice(ctx context.Context, d *mfa.TrustedDevice) error {
	_, err := s.db.ExecContext(ctx, `
		insert into trusted_devices (id, user_id, fingerprint_hash, user_agent, expires_at, last_seen_at, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)
		on conflict (user_id, fingerprint_hash) do update
		set expires_at = excluded.expires_at, last_seen_at = excluded.last_seen_at
	`, d.ID, d.UserID, d.FingerprintHash, d.UserAgent, d.ExpiresAt, d.LastSeenAt, d.CreatedAt)
	return err
}

func (s *MFA) FindTrustedDevice(ctx context.Context, userID, fingerprintHash string) (*mfa.TrustedDevice, error) {
	var d mfa.TrustedDevice
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, fingerprint_hash, user_agent, expires_at, last_seen_at, created_at
		from trusted_devices
		where user_id = $1 and fingerprint_hash = $2
	`, userID, fingerprintHash).Scan(
		&d.ID, &d.UserID, &d.FingerprintHash, &d.UserAgent, &d.ExpiresAt, &d.LastSeenAt, &d.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mfa.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *MFA) TouchTrustedDevice(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update trusted_devices set last_seen_at = $2 where id = $1
	`, id, at)
	return err
}

func (s *MFA) DeleteTrustedDevices(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		delete from trusted_devices where user_id = $1
	`, userID)
	return err
}
