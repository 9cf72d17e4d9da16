package oauth

import "errors"

var (
	ErrInvalidClient      = errors.New("oauth: unknown or inactive client")
	ErrInvalidRedirectURI = errors.New("oauth: redirect uri not registered")
	ErrPKCERequired       = errors.New("oauth: public clients must send a code challenge")
	ErrPKCEMismatch       = errors.New("oauth: code verifier does not match challenge")
	ErrInvalidGrant       = errors.New("oauth: invalid grant")
	ErrTokenExpired       = errors.New("oauth: token expired")
	ErrTokenAlreadyUsed   = errors.New("oauth: authorization code already used")
	ErrReuseDetected      = errors.New("oauth: refresh token reuse detected")
	ErrInvalidToken       = errors.New("oauth: invalid token")

	// ErrAlreadyRevoked is the store's signal that a rotation lost the race:
	// the row was revoked between lookup and update.
	ErrAlreadyRevoked = errors.New("oauth: token already revoked")
)
