package session

import (
	"context"
	"time"

	"opsdeck.io/internal/identity"
)

// BindParams carries everything a store needs to complete a login bind in
// one transaction: the limit decision and the eviction must not race a
// concurrent login for the same user.
type BindParams struct {
	SessionID string
	UserID    string
	CompanyID string
	Source    string

	Limit          int
	Strategy       identity.SessionLimitStrategy
	EvictSessionID string

	MfaVerified bool

	Now               time.Time
	ExpiresAt         time.Time
	AbsoluteExpiresAt time.Time
}

// Store persists sessions. Bind and Touch are atomic read-modify-write
// operations; everything else is a plain row op.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Find(ctx context.Context, id string) (*Session, error)

	// Bind fills user/company on a pending session, enforcing the limit
	// strategy. It returns the bound session and any session it evicted.
	Bind(ctx context.Context, p BindParams) (*Session, *Session, error)

	Touch(ctx context.Context, id string, expiresAt, lastActivity time.Time) error
	SetMFAVerified(ctx context.Context, id string, at time.Time) error
	SetActingUser(ctx context.Context, id string, userID string, sourceUserID *string) error

	Revoke(ctx context.Context, id string, at time.Time) error
	RevokeAllForUser(ctx context.Context, userID string, at time.Time) error

	// ListActive returns the user's unexpired, unrevoked sessions for one
	// source scope, oldest first.
	ListActive(ctx context.Context, userID, source string, now time.Time) ([]*Session, error)
}
