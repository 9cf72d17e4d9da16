package identity

import "time"

// SessionLimitStrategy selects what happens when a login would exceed the
// concurrent-session limit.
type SessionLimitStrategy string

const (
	LimitBlockNew     SessionLimitStrategy = "block_new"
	LimitRevokeOldest SessionLimitStrategy = "revoke_oldest"
	LimitRevokeLRU    SessionLimitStrategy = "revoke_lru"
	LimitPromptUser   SessionLimitStrategy = "prompt_user"
)

// PasswordPolicy is enforced per company at password-change time, never cached.
type PasswordPolicy struct {
	MinLength     int  `json:"min_length"`
	RequireUpper  bool `json:"require_upper"`
	RequireLower  bool `json:"require_lower"`
	RequireDigit  bool `json:"require_digit"`
	RequireSymbol bool `json:"require_symbol"`
	HistoryCount  int  `json:"history_count"`
	MaxAgeDays    int  `json:"max_age_days"`
}

// Company is the tenant boundary. Session and password policy fields are read
// at enforcement time by the session and credential services.
type Company struct {
	ID                   string               `json:"id"`
	Name                 string               `json:"name"`
	IsActive             bool                 `json:"is_active"`
	MaxSessionsPerUser   int                  `json:"max_sessions_per_user"`
	SessionLimitStrategy SessionLimitStrategy `json:"session_limit_strategy"`
	PasswordPolicy       PasswordPolicy       `json:"password_policy"`
	MfaRequired          bool                 `json:"mfa_required"`
	LockoutThreshold     int                  `json:"lockout_threshold"`
	LockoutWindow        time.Duration        `json:"-"`
	LockoutDuration      time.Duration        `json:"-"`
	CreatedAt            time.Time            `json:"created_at"`
	UpdatedAt            time.Time            `json:"updated_at"`
}

// User is an account. Users are soft-deactivated via IsActive, never deleted.
// IsInternal marks platform staff not tied to a single tenant.
type User struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	PasswordHash string `json:"-"`
	CompanyID    string `json:"company_id"`
	IsInternal   bool   `json:"is_internal"`
	IsActive     bool   `json:"is_active"`

	EmailVerifiedAt *time.Time `json:"email_verified_at,omitempty"`

	MfaEnabled bool   `json:"mfa_enabled"`
	TOTPSecret string `json:"-"`

	FailedLoginAttempts int        `json:"-"`
	LastFailedLoginAt   *time.Time `json:"-"`
	LockedUntil         *time.Time `json:"-"`

	ForceLogoutAt     *time.Time `json:"-"`
	MaxSessions       int        `json:"-"`
	PasswordChangedAt time.Time  `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Locked reports whether the account is locked at the given instant.
// Lock state is a pure function of the snapshot, not of wall-clock reads
// scattered across call sites.
func (u *User) Locked(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// EmailVerified reports whether the account completed email verification.
func (u *User) EmailVerified() bool {
	return u.EmailVerifiedAt != nil
}

// PasswordExpired reports whether the company policy forces a password change.
func (u *User) PasswordExpired(policy PasswordPolicy, now time.Time) bool {
	if policy.MaxAgeDays <= 0 || u.PasswordChangedAt.IsZero() {
		return false
	}
	return now.After(u.PasswordChangedAt.AddDate(0, 0, policy.MaxAgeDays))
}
