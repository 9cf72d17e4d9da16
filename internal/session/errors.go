package session

import "errors"

var (
	ErrNotFound      = errors.New("session: not found")
	ErrExpired       = errors.New("session: expired")
	ErrNotBound      = errors.New("session: login not completed")
	ErrLimitExceeded = errors.New("session: concurrent session limit exceeded")
	ErrBadEviction   = errors.New("session: eviction target is not evictable")
)

// LimitPromptError is returned for the prompt_user strategy: the caller must
// choose which of the listed sessions to revoke and re-invoke the bind.
type LimitPromptError struct {
	Sessions []*Session
}

func (e *LimitPromptError) Error() string {
	return "session: limit reached, eviction choice required"
}
