package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"opsdeck.io/internal/ids"
	"opsdeck.io/internal/invite"
)

// Invites implements invite.Store.
type Invites struct {
	db *sql.DB
}

var _ invite.Store = (*Invites)(nil)

func (s *Invites) Create(ctx context.Context, i *invite.Invite) error {
	roleIDs, err := encodeList(i.RoleIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into user_invites (
			id, company_id, email, token_hash, role_ids, invited_by,
			is_existing_user_invite, existing_user_id, expires_at, created_at
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, i.ID, i.CompanyID, i.Email, i.TokenHash, roleIDs, i.InvitedBy,
		i.IsExistingUserInvite, nullableStringPtr(i.ExistingUserID), i.ExpiresAt, i.CreatedAt)
	return err
}

func (s *Invites) FindByTokenHash(ctx context.Context, tokenHash string) (*invite.Invite, error) {
	var i invite.Invite
	var roleIDs []byte
	err := s.db.QueryRowContext(ctx, `
		select id, company_id, email, token_hash, role_ids, invited_by,
		       is_existing_user_invite, existing_user_id, expires_at, accepted_at, created_at
		from user_invites
		where token_hash = $1
	`, tokenHash).Scan(
		&i.ID, &i.CompanyID, &i.Email, &i.TokenHash, &roleIDs, &i.InvitedBy,
		&i.IsExistingUserInvite, &i.ExistingUserID, &i.ExpiresAt, &i.AcceptedAt, &i.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, invite.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(roleIDs) > 0 {
		if err := json.Unmarshal(roleIDs, &i.RoleIDs); err != nil {
			return nil, fmt.Errorf("decode role ids: %w", err)
		}
	}
	return &i, nil
}

// Accept redeems the invite in one transaction: claim the invite row, create
// the account for a new-user invite, create the membership, assign roles.
func (s *Invites) Accept(ctx context.Context, p invite.AcceptParams) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update user_invites set accepted_at = $2
		where id = $1 and accepted_at is null
	`, p.Invite.ID, p.At)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return invite.ErrAlreadyAccepted
	}

	if u := p.NewUser; u != nil {
		if _, err := tx.ExecContext(ctx, `
			insert into users (
				id, email, first_name, last_name, password_hash, company_id,
				is_internal, is_active, email_verified_at, mfa_enabled, totp_secret,
				max_sessions, password_changed_at, created_at, updated_at
			) values ($1, $2, $3, $4, $5, $6, false, true, $7, false, '', 0, $8, $8, $8)
		`, u.ID, u.Email, u.FirstName, u.LastName, u.PasswordHash,
			nullableString(u.CompanyID), u.EmailVerifiedAt, p.At); err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
				return invite.ErrAlreadyMember
			}
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		insert into user_companies (id, user_id, company_id, is_active, is_pinned, created_at)
		values ($1, $2, $3, true, false, $4)
		on conflict (user_id, company_id) do update
		set is_active = true, deactivated_at = null, deactivated_by = null
	`, ids.New(), p.UserID, p.Invite.CompanyID, p.At); err != nil {
		return err
	}

	for _, roleID := range p.RoleIDs {
		if _, err := tx.ExecContext(ctx, `
			insert into user_roles (id, user_id, role_id, company_id, created_at)
			values ($1, $2, $3, $4, $5)
			on conflict (user_id, role_id) do nothing
		`, ids.New(), p.UserID, roleID, p.Invite.CompanyID, p.At); err != nil {
			return err
		}
	}
	return tx.Commit()
}
