package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"opsdeck.io/internal/oauth"
)

// OAuth implements oauth.Store.
type OAuth struct {
	db *sql.DB
}

var _ oauth.Store = (*OAuth)(nil)

func (s *OAuth) FindClient(ctx context.Context, id string) (*oauth.Client, error) {
	var c oauth.Client
	var redirects, scopes []byte
	err := s.db.QueryRowContext(ctx, `
		select id, name, type, coalesce(secret_hash, ''), redirect_uris, scopes, is_active, created_at
		from oauth_clients
		where id = $1
	`, id).Scan(&c.ID, &c.Name, &c.Type, &c.SecretHash, &redirects, &scopes, &c.IsActive, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, oauth.ErrInvalidClient
	}
	if err != nil {
		return nil, err
	}
	if len(redirects) > 0 {
		if err := json.Unmarshal(redirects, &c.RedirectURIs); err != nil {
			return nil, fmt.Errorf("decode redirect uris: %w", err)
		}
	}
	if len(scopes) > 0 {
		if err := json.Unmarshal(scopes, &c.Scopes); err != nil {
			return nil, fmt.Errorf("decode scopes: %w", err)
		}
	}
	return &c, nil
}

func (s *OAuth) CreateClient(ctx context.Context, c *oauth.Client) error {
	redirects, err := encodeList(c.RedirectURIs)
	if err != nil {
		return err
	}
	scopes, err := encodeList(c.Scopes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into oauth_clients (id, name, type, secret_hash, redirect_uris, scopes, is_active, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, c.ID, c.Name, c.Type, nullableString(c.SecretHash), redirects, scopes, c.IsActive, c.CreatedAt)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return oauth.ErrInvalidClient
	}
	return err
}

func (s *OAuth) CreateCode(ctx context.Context, code *oauth.AuthorizationCode) error {
	_, err := s.db.ExecContext(ctx, `
		insert into oauth_authorization_codes (
			id, code_hash, client_id, user_id, company_id, redirect_uri, scope, state,
			code_challenge, code_challenge_method, expires_at, created_at
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, code.ID, code.CodeHash, code.ClientID, code.UserID, nullableString(code.CompanyID),
		code.RedirectURI, code.Scope, code.State, code.CodeChallenge, code.CodeChallengeMethod,
		code.ExpiresAt, code.CreatedAt)
	return err
}

// ConsumeCode claims the row with a conditional update: exactly one caller
// wins under concurrent redemption.
func (s *OAuth) ConsumeCode(ctx context.Context, codeHash string, at time.Time) (*oauth.AuthorizationCode, error) {
	var code oauth.AuthorizationCode
	var companyID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		update oauth_authorization_codes
		set used_at = $2
		where code_hash = $1 and used_at is null
		returning id, code_hash, client_id, user_id, company_id, redirect_uri, scope, state,
		          code_challenge, code_challenge_method, expires_at, used_at, created_at
	`, codeHash, at).Scan(
		&code.ID, &code.CodeHash, &code.ClientID, &code.UserID, &companyID,
		&code.RedirectURI, &code.Scope, &code.State, &code.CodeChallenge, &code.CodeChallengeMethod,
		&code.ExpiresAt, &code.UsedAt, &code.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if lookupErr := s.db.QueryRowContext(ctx, `
			select true from oauth_authorization_codes where code_hash = $1
		`, codeHash).Scan(&exists); lookupErr == nil {
			return nil, oauth.ErrTokenAlreadyUsed
		}
		return nil, oauth.ErrInvalidGrant
	}
	if err != nil {
		return nil, err
	}
	code.CompanyID = companyID.String
	return &code, nil
}

const tokenColumns = `
	id, client_id, user_id, coalesce(company_id, ''), refresh_hash, refresh_prefix,
	family, scope, expires_at, revoked_at, coalesce(revoked_reason, ''),
	replaced_by_token_id, created_at`

func scanToken(row interface{ Scan(...any) error }) (*oauth.Token, error) {
	var t oauth.Token
	err := row.Scan(
		&t.ID, &t.ClientID, &t.UserID, &t.CompanyID, &t.RefreshHash, &t.RefreshPrefix,
		&t.Family, &t.Scope, &t.ExpiresAt, &t.RevokedAt, &t.RevokedReason,
		&t.ReplacedByTokenID, &t.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, oauth.ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *OAuth) CreateToken(ctx context.Context, t *oauth.Token) error {
	_, err := s.db.ExecContext(ctx, `
		insert into oauth_tokens (
			id, client_id, user_id, company_id, refresh_hash, refresh_prefix,
			family, scope, expires_at, created_at
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, t.ID, t.ClientID, t.UserID, nullableString(t.CompanyID), t.RefreshHash,
		t.RefreshPrefix, t.Family, t.Scope, t.ExpiresAt, t.CreatedAt)
	return err
}

func (s *OAuth) FindTokenByHash(ctx context.Context, refreshHash string) (*oauth.Token, error) {
	row := s.db.QueryRowContext(ctx,
		`select`+tokenColumns+` from oauth_tokens where refresh_hash = $1`, refreshHash)
	return scanToken(row)
}

// Rotate revokes the old row and inserts the successor in one transaction.
// The conditional update is the rotation race arbiter: whoever matches the
// unrevoked row wins, everyone else sees ErrAlreadyRevoked.
func (s *OAuth) Rotate(ctx context.Context, oldID string, successor *oauth.Token, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update oauth_tokens
		set revoked_at = $2, revoked_reason = $3, replaced_by_token_id = $4
		where id = $1 and revoked_at is null
	`, oldID, at, oauth.ReasonRotation, successor.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return oauth.ErrAlreadyRevoked
	}

	if _, err := tx.ExecContext(ctx, `
		insert into oauth_tokens (
			id, client_id, user_id, company_id, refresh_hash, refresh_prefix,
			family, scope, expires_at, created_at
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, successor.ID, successor.ClientID, successor.UserID, nullableString(successor.CompanyID),
		successor.RefreshHash, successor.RefreshPrefix, successor.Family, successor.Scope,
		successor.ExpiresAt, successor.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *OAuth) RevokeToken(ctx context.Context, id string, reason oauth.RevokedReason, at time.Time) error {
	return execOne(ctx, s.db, `
		update oauth_tokens set revoked_at = $2, revoked_reason = $3
		where id = $1 and revoked_at is null
	`, []any{id, at, reason}, oauth.ErrInvalidToken)
}

func (s *OAuth) RevokeFamily(ctx context.Context, family string, reason oauth.RevokedReason, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update oauth_tokens set revoked_at = $2, revoked_reason = $3
		where family = $1 and revoked_at is null
	`, family, at, reason)
	return err
}
