package oauth

import (
	"context"
	"time"
)

// Store persists clients, authorization codes, and refresh token rows.
// ConsumeCode and Rotate are the race-sensitive operations: both must claim
// their row with a conditional update inside one transaction.
type Store interface {
	FindClient(ctx context.Context, id string) (*Client, error)
	CreateClient(ctx context.Context, c *Client) error

	CreateCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeCode claims the code by hash: the row is returned and stamped
	// used in one step. A second claim returns ErrTokenAlreadyUsed.
	ConsumeCode(ctx context.Context, codeHash string, at time.Time) (*AuthorizationCode, error)

	CreateToken(ctx context.Context, t *Token) error
	FindTokenByHash(ctx context.Context, refreshHash string) (*Token, error)

	// Rotate revokes the old row (reason rotation, replaced_by set) and
	// inserts the successor in one transaction. If the old row is already
	// revoked the rotation lost a race and ErrAlreadyRevoked is returned
	// with nothing written.
	Rotate(ctx context.Context, oldID string, successor *Token, at time.Time) error

	RevokeToken(ctx context.Context, id string, reason RevokedReason, at time.Time) error
	RevokeFamily(ctx context.Context, family string, reason RevokedReason, at time.Time) error
}
