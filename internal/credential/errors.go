package credential

import "errors"

var (
	// ErrInvalidCredentials covers both unknown email and wrong password;
	// the two must stay indistinguishable to callers.
	ErrInvalidCredentials = errors.New("credential: invalid credentials")
	ErrAccountLocked      = errors.New("credential: account locked")
	ErrAccountInactive    = errors.New("credential: account inactive")
	ErrEmailNotVerified   = errors.New("credential: email not verified")
	ErrPasswordExpired    = errors.New("credential: password expired")
	ErrPolicyViolation    = errors.New("credential: password policy violation")
	ErrPasswordReuse      = errors.New("credential: password was used recently")
	ErrTokenExpired       = errors.New("credential: token expired")
	ErrTokenAlreadyUsed   = errors.New("credential: token already used")
	ErrInvalidAPIKey      = errors.New("credential: invalid api key")
)
