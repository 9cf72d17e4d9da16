package credential

import (
	"context"
	"time"
)

// LoginAttempt is appended for every verification, success or failure.
// Email may reference no existing user.
type LoginAttempt struct {
	ID        string
	Email     string
	IP        string
	UserAgent string
	Success   bool
	Reason    string
	CreatedAt time.Time
}

// LoginEvent records a lifecycle event for a known user.
type LoginEvent struct {
	ID        string
	UserID    string
	Type      string
	IP        string
	CreatedAt time.Time
}

// ResetToken is a single-use hashed password-reset secret.
type ResetToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// RememberMeToken keeps a browser signed in past its session. Single use:
// every redemption rotates it.
type RememberMeToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	UsedAt    *time.Time
	RevokedAt *time.Time
	CreatedAt time.Time
}

// VerificationToken proves mailbox control for a new address.
type VerificationToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// APIKey is a long-lived programmatic credential. Only the hash is stored;
// Prefix keeps keys recognizable in listings.
type APIKey struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	Prefix     string     `json:"prefix"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Store persists credential bookkeeping beyond the user row itself.
type Store interface {
	AppendAttempt(ctx context.Context, a LoginAttempt) error
	AppendEvent(ctx context.Context, e LoginEvent) error

	// PasswordHistory returns up to limit prior hashes, newest first.
	PasswordHistory(ctx context.Context, userID string, limit int) ([]string, error)

	// SavePassword updates the user's hash, appends the previous hash to
	// history, and trims history to keep. Single transaction.
	SavePassword(ctx context.Context, userID, newHash, previousHash string, keep int, at time.Time) error

	CreateResetToken(ctx context.Context, t ResetToken) error

	// ConsumeResetToken claims the token by hash exactly once; a second
	// claim returns ErrTokenAlreadyUsed even under concurrent use.
	ConsumeResetToken(ctx context.Context, tokenHash string, at time.Time) (*ResetToken, error)

	CreateRememberToken(ctx context.Context, t RememberMeToken) error

	// ConsumeRememberToken claims a live token exactly once, same contract
	// as ConsumeResetToken.
	ConsumeRememberToken(ctx context.Context, tokenHash string, at time.Time) (*RememberMeToken, error)

	// RevokeRememberTokens invalidates every outstanding token for the user.
	RevokeRememberTokens(ctx context.Context, userID string, at time.Time) error

	CreateVerificationToken(ctx context.Context, t VerificationToken) error
	ConsumeVerificationToken(ctx context.Context, tokenHash string, at time.Time) (*VerificationToken, error)

	CreateAPIKey(ctx context.Context, k *APIKey) error
	FindAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error)
	ListAPIKeys(ctx context.Context, userID string) ([]*APIKey, error)
	RevokeAPIKey(ctx context.Context, id, userID string, at time.Time) error
	TouchAPIKey(ctx context.Context, id string, at time.Time) error
}
