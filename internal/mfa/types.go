package mfa

import (
	"errors"
	"time"
)

var (
	ErrInvalidCode    = errors.New("mfa: invalid code")
	ErrNotEnabled     = errors.New("mfa: not enabled for user")
	ErrAlreadyEnabled = errors.New("mfa: already enabled")
	ErrNotFound       = errors.New("mfa: not found")
)

// Method names which factor satisfied a verification.
type Method string

const (
	MethodTOTP     Method = "totp"
	MethodEmail    Method = "email"
	MethodRecovery Method = "recovery"
)

// EmailCode is a short-lived one-time code delivered out of band.
type EmailCode struct {
	ID        string
	UserID    string
	CodeHash  string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// RecoveryCode is a single-use fallback credential. Only the hash is stored.
type RecoveryCode struct {
	ID        string
	UserID    string
	CodeHash  string
	UsedAt    *time.Time
	CreatedAt time.Time
}

// TrustedDevice lets a previously verified browser skip the second factor
// until the trust expires.
type TrustedDevice struct {
	ID              string
	UserID          string
	FingerprintHash string
	UserAgent       string
	ExpiresAt       time.Time
	LastSeenAt      time.Time
	CreatedAt       time.Time
}
