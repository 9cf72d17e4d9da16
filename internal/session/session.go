package session

import (
	"time"
)

// Session is one browser/API session. The identifier is an opaque bounded
// string, never parsed. A row exists from the moment transport middleware
// sees the request, before login completes, so user/company fields are
// pointers that stay nil while the session is pending.
type Session struct {
	ID string `json:"id"`

	UserID          *string `json:"user_id,omitempty"`
	CompanyID       *string `json:"company_id,omitempty"`
	ActiveCompanyID *string `json:"active_company_id,omitempty"`

	// SourceUserID is set while masquerading: the acting user differs from
	// the origin user.
	SourceUserID *string `json:"source_user_id,omitempty"`

	Source    string `json:"source"`
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent"`

	MfaVerified bool `json:"mfa_verified"`

	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`

	// ExpiresAt slides forward on activity; AbsoluteExpiresAt never moves.
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	AbsoluteExpiresAt *time.Time `json:"absolute_expires_at,omitempty"`

	RevokedAt *time.Time `json:"-"`
}

// Bound reports whether login has completed for this session.
func (s *Session) Bound() bool {
	return s.UserID != nil
}

// Expired evaluates both expirations against the snapshot. forceLogoutAt is
// the acting user's force-logout instant (zero when unset): sessions created
// before it are dead without their rows being deleted.
func (s *Session) Expired(now, forceLogoutAt time.Time) bool {
	if s.RevokedAt != nil {
		return true
	}
	if s.ExpiresAt != nil && now.After(*s.ExpiresAt) {
		return true
	}
	if s.AbsoluteExpiresAt != nil && now.After(*s.AbsoluteExpiresAt) {
		return true
	}
	if !forceLogoutAt.IsZero() && forceLogoutAt.After(s.CreatedAt) {
		return true
	}
	return false
}

// NextExpiry computes the slid expiry for a touch: now+sliding, capped at the
// absolute ceiling so expires_at <= absolute_expires_at always holds.
func (s *Session) NextExpiry(now time.Time, sliding time.Duration) time.Time {
	next := now.Add(sliding)
	if s.AbsoluteExpiresAt != nil && next.After(*s.AbsoluteExpiresAt) {
		next = *s.AbsoluteExpiresAt
	}
	return next
}
