package mfa

import (
	"context"
	"time"
)

// Store persists the out-of-band factors. Consume operations are single-use
// claims: the row is matched, checked unexpired, and stamped used atomically.
type Store interface {
	CreateEmailCode(ctx context.Context, c *EmailCode) error
	ConsumeEmailCode(ctx context.Context, userID, codeHash string, at time.Time) error

	// ReplaceRecoveryCodes deletes the outstanding set and inserts the new
	// one in a single transaction.
	ReplaceRecoveryCodes(ctx context.Context, userID string, codes []*RecoveryCode) error
	ConsumeRecoveryCode(ctx context.Context, userID, codeHash string, at time.Time) error

	CreateTrustedDevice(ctx context.Context, d *TrustedDevice) error
	FindTrustedDevice(ctx context.Context, userID, fingerprintHash string) (*TrustedDevice, error)
	TouchTrustedDevice(ctx context.Context, id string, at time.Time) error
	DeleteTrustedDevices(ctx context.Context, userID string) error
}
