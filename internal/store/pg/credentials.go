package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"opsdeck.io/internal/credential"
	"opsdeck.io/internal/ids"
)

// Credentials implements credential.Store.
type Credentials struct {
	db *sql.DB
}

var _ credential.Store = (*Credentials)(nil)

func (s *Credentials) AppendAttempt(ctx context.Context, a credential.LoginAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		insert into login_attempts (id, email, ip, user_agent, success, reason, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, a.ID, a.Email, a.IP, a.UserAgent, a.Success, a.Reason, a.CreatedAt)
	return err
}

func (s *Credentials) AppendEvent(ctx context.Context, e credential.LoginEvent) error {
	_, err := s.db.ExecContext(ctx, `
		insert into login_events (id, user_id, type, ip, created_at)
		values ($1, $2, $3, $4, $5)
	`, e.ID, e.UserID, e.Type, e.IP, e.CreatedAt)
	return err
}

func (s *Credentials) PasswordHistory(ctx context.Context, userID string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select password_hash
		from password_history
		where user_id = $1
		order by created_at desc
		limit $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// SavePassword rotates the hash: the user row is updated, the old hash goes
// into history, and history is trimmed to keep rows, all in one transaction.
func (s *Credentials) SavePassword(ctx context.Context, userID, newHash, previousHash string, keep int, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		update users set password_hash = $2, password_changed_at = $3, updated_at = $3
		where id = $1
	`, userID, newHash, at); err != nil {
		return err
	}
	if previousHash != "" {
		if _, err := tx.ExecContext(ctx, `
			insert into password_history (id, user_id, password_hash, created_at)
			values ($1, $2, $3, $4)
		`, ids.New(), userID, previousHash, at); err != nil {
			return err
		}
	}
	if keep > 0 {
		if _, err := tx.ExecContext(ctx, `
			delete from password_history
			where user_id = $1 and id not in (
				select id from password_history
				where user_id = $1
				order by created_at desc
				limit $2
			)
		`, userID, keep); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Credentials) CreateResetToken(ctx context.Context, t credential.ResetToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into password_reset_tokens (id, user_id, token_hash, expires_at, created_at)
		values ($1, $2, $3, $4, $5)
	`, t.ID, t.UserID, t.TokenHash, t.ExpiresAt, t.CreatedAt)
	return err
}

// ConsumeResetToken claims the token with a conditional update so two
// concurrent resets cannot both succeed.
func (s *Credentials) ConsumeResetToken(ctx context.Context, tokenHash string, at time.Time) (*credential.ResetToken, error) {
	var t credential.ResetToken
	err := s.db.QueryRowContext(ctx, `
		update password_reset_tokens
		set used_at = $2
		where token_hash = $1 and used_at is null
		returning id, user_id, token_hash, expires_at, used_at, created_at
	`, tokenHash, at).Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.UsedAt, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Either unknown or already claimed; look again to tell the two apart.
		var exists bool
		if lookupErr := s.db.QueryRowContext(ctx, `
			select true from password_reset_tokens where token_hash = $1
		`, tokenHash).Scan(&exists); lookupErr == nil {
			return nil, credential.ErrTokenAlreadyUsed
		}
		return nil, credential.ErrTokenExpired
	}
	if err != nil {
		return nil, err
	}
	if at.After(t.ExpiresAt) {
		return nil, credential.ErrTokenExpired
	}
	return &t, nil
}

func (s *Credentials) CreateRememberToken(ctx context.Context, t credential.RememberMeToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into remember_me_tokens (id, user_id, token_hash, expires_at, created_at)
		values ($1, $2, $3, $4, $5)
	`, t.ID, t.UserID, t.TokenHash, t.ExpiresAt, t.CreatedAt)
	return err
}

// ConsumeRememberToken claims the token with the same conditional update as
// ConsumeResetToken: one winner, everyone else learns it was already used.
func (s *Credentials) ConsumeRememberToken(ctx context.Context, tokenHash string, at time.Time) (*credential.RememberMeToken, error) {
	var t credential.RememberMeToken
	err := s.db.QueryRowContext(ctx, `
		update remember_me_tokens
		set used_at = $2
		where token_hash = $1 and used_at is null and revoked_at is null
		returning id, user_id, token_hash, expires_at, used_at, revoked_at, created_at
	`, tokenHash, at).Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.UsedAt, &t.RevokedAt, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if lookupErr := s.db.QueryRowContext(ctx, `
			select true from remember_me_tokens where token_hash = $1
		`, tokenHash).Scan(&exists); lookupErr == nil {
			return nil, credential.ErrTokenAlreadyUsed
		}
		return nil, credential.ErrTokenExpired
	}
	if err != nil {
		return nil, err
	}
	if at.After(t.ExpiresAt) {
		return nil, credential.ErrTokenExpired
	}
	return &t, nil
}

func (s *Credentials) RevokeRememberTokens(ctx context.Context, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update remember_me_tokens set revoked_at = $2
		where user_id = $1 and used_at is null and revoked_at is null
	`, userID, at)
	return err
}

func (s *Credentials) CreateVerificationToken(ctx context.Context, t credential.VerificationToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into email_verification_tokens (id, user_id, token_hash, expires_at, created_at)
		values ($1, $2, $3, $4, $5)
	`, t.ID, t.UserID, t.TokenHash, t.ExpiresAt, t.CreatedAt)
	return err
}

func (s *Credentials) ConsumeVerificationToken(ctx context.Context, tokenHash string, at time.Time) (*credential.VerificationToken, error) {
	var t credential.VerificationToken
	err := s.db.QueryRowContext(ctx, `
		update email_verification_tokens
		set used_at = $2
		where token_hash = $1 and used_at is null
		returning id, user_id, token_hash, expires_at, used_at, created_at
	`, tokenHash, at).Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.UsedAt, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if lookupErr := s.db.QueryRowContext(ctx, `
			select true from email_verification_tokens where token_hash = $1
		`, tokenHash).Scan(&exists); lookupErr == nil {
			return nil, credential.ErrTokenAlreadyUsed
		}
		return nil, credential.ErrTokenExpired
	}
	if err != nil {
		return nil, err
	}
	if at.After(t.ExpiresAt) {
		return nil, credential.ErrTokenExpired
	}
	return &t, nil
}

const apiKeyColumns = `
	id, user_id, name, key_hash, prefix, expires_at, revoked_at, last_used_at, created_at`

func scanAPIKey(row interface{ Scan(...any) error }) (*credential.APIKey, error) {
	var k credential.APIKey
	err := row.Scan(
		&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.Prefix,
		&k.ExpiresAt, &k.RevokedAt, &k.LastUsedAt, &k.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credential.ErrInvalidAPIKey
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *Credentials) CreateAPIKey(ctx context.Context, k *credential.APIKey) error {
	_, err := s.db.ExecContext(ctx, `
		insert into api_keys (id, user_id, name, key_hash, prefix, expires_at, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, k.ID, k.UserID, k.Name, k.KeyHash, k.Prefix, k.ExpiresAt, k.CreatedAt)
	return err
}

func (s *Credentials) FindAPIKeyByHash(ctx context.Context, keyHash string) (*credential.APIKey, error) {
	row := s.db.QueryRowContext(ctx,
		`select`+apiKeyColumns+` from api_keys where key_hash = $1`, keyHash)
	return scanAPIKey(row)
}

func (s *Credentials) ListAPIKeys(ctx context.Context, userID string) ([]*credential.APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		select`+apiKeyColumns+`
		from api_keys
		where user_id = $1
		order by created_at desc
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*credential.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Credentials) RevokeAPIKey(ctx context.Context, id, userID string, at time.Time) error {
	return execOne(ctx, s.db, `
		update api_keys set revoked_at = $3
		where id = $1 and user_id = $2 and revoked_at is null
	`, []any{id, userID, at}, credential.ErrInvalidAPIKey)
}

func (s *Credentials) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update api_keys set last_used_at = $2 where id = $1
	`, id, at)
	return err
}
