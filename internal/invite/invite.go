package invite

import (
	"errors"
	"time"
)

var (
	ErrNotFound                 = errors.New("invite: not found")
	ErrExpired                  = errors.New("invite: expired")
	ErrAlreadyAccepted          = errors.New("invite: already accepted")
	ErrAlreadyMember            = errors.New("invite: user already has an active membership")
	ErrInternalUserNotInvitable = errors.New("invite: internal users cannot be invited to companies")
	ErrPasswordRequired         = errors.New("invite: password required for new user")
)

// Invite asks someone to join a company. Existing-user invites attach a
// membership to a known account; new-user invites create the account on
// acceptance. The token travels in the email link and is stored hashed.
type Invite struct {
	ID        string `json:"id"`
	CompanyID string `json:"company_id"`
	Email     string `json:"email"`
	TokenHash string `json:"-"`

	RoleIDs   []string `json:"role_ids"`
	InvitedBy string   `json:"invited_by"`

	IsExistingUserInvite bool    `json:"is_existing_user_invite"`
	ExistingUserID       *string `json:"existing_user_id,omitempty"`

	ExpiresAt  time.Time  `json:"expires_at"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Accepted reports whether the invite has already been redeemed.
func (i *Invite) Accepted() bool { return i.AcceptedAt != nil }
