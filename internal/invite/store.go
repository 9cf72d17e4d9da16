package invite

import (
	"context"
	"time"

	"opsdeck.io/internal/identity"
)

// AcceptParams is everything the store writes when an invite is redeemed.
// NewUser is nil for existing-user invites.
type AcceptParams struct {
	Invite  *Invite
	NewUser *identity.User
	UserID  string
	RoleIDs []string
	At      time.Time
}

// Store persists invites. Accept is a single transaction: stamp the invite,
// create the user when needed, create the membership, assign roles.
type Store interface {
	Create(ctx context.Context, i *Invite) error
	FindByTokenHash(ctx context.Context, tokenHash string) (*Invite, error)
	Accept(ctx context.Context, p AcceptParams) error
}
