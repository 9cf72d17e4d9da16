package identity

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("identity: not found")
	ErrConflict = errors.New("identity: already exists")
)

// UserStore manages user rows. Mutations touching lockout counters are
// atomic read-modify-write operations implemented by the store.
type UserStore interface {
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	Create(ctx context.Context, u *User) error

	// RecordLoginFailure increments the failure counter and, when the
	// threshold is crossed inside the window, sets locked_until. Returns
	// whether this failure locked the account. Single transaction.
	RecordLoginFailure(ctx context.Context, userID string, at time.Time, threshold int, window, lockFor time.Duration) (locked bool, err error)

	// ClearLockout resets failure counters after a successful login or
	// password change.
	ClearLockout(ctx context.Context, userID string) error

	UpdatePassword(ctx context.Context, userID, hash string, changedAt time.Time) error
	SetForceLogout(ctx context.Context, userID string, at time.Time) error
	SetTOTP(ctx context.Context, userID, secret string, enabled bool) error
	MarkEmailVerified(ctx context.Context, userID string, at time.Time) error
}

// CompanyStore reads tenant policy rows.
type CompanyStore interface {
	Find(ctx context.Context, id string) (*Company, error)
	List(ctx context.Context, search string) ([]*Company, error)
	FindMany(ctx context.Context, ids []string) ([]*Company, error)
}
