package session

import (
	"opsdeck.io/internal/identity"
)

// EffectiveLimit resolves the session cap for a login: the stricter of the
// user and company limits. Zero means unlimited.
func EffectiveLimit(userMax, companyMax int) int {
	switch {
	case userMax <= 0:
		return companyMax
	case companyMax <= 0:
		return userMax
	case userMax < companyMax:
		return userMax
	default:
		return companyMax
	}
}

// PickVictim selects which active session a capacity-exceeding login evicts.
// The choice is shared by every store implementation so the strategies stay
// consistent between Postgres and test doubles.
//
// For prompt_user, evictID names the caller's explicit choice; an empty
// evictID yields a LimitPromptError listing the candidates.
func PickVictim(strategy identity.SessionLimitStrategy, candidates []*Session, evictID string) (*Session, error) {
	switch strategy {
	case identity.LimitBlockNew:
		return nil, ErrLimitExceeded
	case identity.LimitRevokeOldest, "":
		return oldestBy(candidates, func(s *Session) int64 { return s.CreatedAt.UnixNano() }), nil
	case identity.LimitRevokeLRU:
		return oldestBy(candidates, func(s *Session) int64 { return s.LastActivityAt.UnixNano() }), nil
	case identity.LimitPromptUser:
		if evictID == "" {
			return nil, &LimitPromptError{Sessions: candidates}
		}
		for _, c := range candidates {
			if c.ID == evictID {
				return c, nil
			}
		}
		return nil, ErrBadEviction
	default:
		return nil, ErrLimitExceeded
	}
}

func oldestBy(sessions []*Session, key func(*Session) int64) *Session {
	var victim *Session
	for _, s := range sessions {
		if victim == nil || key(s) < key(victim) {
			victim = s
		}
	}
	return victim
}
