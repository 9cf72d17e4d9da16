package membership

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoMembership is the access refusal: the caller learns nothing about
	// whether the company exists.
	ErrNoMembership    = errors.New("membership: no active membership")
	ErrNotFound        = errors.New("membership: not found")
	ErrCompanyNotFound = errors.New("membership: company not found")
	ErrDeactivated     = errors.New("membership: already deactivated")
	ErrConflict        = errors.New("membership: already exists")
)

// Store persists tenant memberships and internal allow-list grants.
type Store interface {
	Memberships(ctx context.Context, userID string) ([]*UserCompany, error)
	FindMembership(ctx context.Context, userID, companyID string) (*UserCompany, error)
	CreateMembership(ctx context.Context, uc *UserCompany) error

	SetPinned(ctx context.Context, userID, companyID string, pinned bool) error

	// Deactivate soft-deletes an active membership exactly once.
	Deactivate(ctx context.Context, userID, companyID, byUserID string, at time.Time) error

	// SwitchCompany updates the session's active company and stamps the
	// membership's last_accessed_at in one transaction. The stamp doubles as
	// the membership guard: a membership revoked since the caller's check
	// matches zero rows and the whole switch fails with ErrNoMembership.
	// Internal users carry no membership row; internal=true skips the guard.
	SwitchCompany(ctx context.Context, sessionID, userID, companyID string, internal bool, at time.Time) error

	InternalGrants(ctx context.Context, userID string) ([]string, error)
	AddInternalGrant(ctx context.Context, userID, companyID, byUserID string, at time.Time) error
	RemoveInternalGrant(ctx context.Context, userID, companyID string) error
}
