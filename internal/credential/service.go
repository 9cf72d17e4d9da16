package credential

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"opsdeck.io/internal/audit"
	"opsdeck.io/internal/identity"
	"opsdeck.io/internal/ids"
	"opsdeck.io/internal/notify"
	"opsdeck.io/internal/obs"
)

const (
	defaultLockoutThreshold = 5
	defaultLockoutWindow    = 15 * time.Minute
	defaultLockoutDuration  = 15 * time.Minute
	defaultHistoryCount     = 5

	eventLoginSucceeded   = "login_succeeded"
	eventLoginFailed      = "login_failed"
	eventAccountLocked    = "account_locked"
	eventPasswordChange   = "password_changed"
	eventPasswordReset    = "password_reset"
	eventRememberRedeemed = "remember_me_redeemed"
	eventEmailVerified    = "email_verified"
)

// dummyHash absorbs a bcrypt comparison when the email resolves to no user,
// so unknown-email and wrong-password responses take comparable time.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Service implements credential verification, lockout, password policy and
// history, and the password-reset flow.
type Service struct {
	users       identity.UserStore
	companies   identity.CompanyStore
	store       Store
	audit       *audit.Log
	notifier    *notify.Async
	resetTTL    time.Duration
	rememberTTL time.Duration
	verifyTTL   time.Duration
	now         func() time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithResetTTL configures password-reset token lifetime.
func WithResetTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.resetTTL = ttl
		}
	}
}

// WithRememberTTL configures remember-me token lifetime.
func WithRememberTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.rememberTTL = ttl
		}
	}
}

// WithVerifyTTL configures email-verification token lifetime.
func WithVerifyTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.verifyTTL = ttl
		}
	}
}

// NewService constructs the credential service.
func NewService(users identity.UserStore, companies identity.CompanyStore, store Store, auditLog *audit.Log, notifier *notify.Async, opts ...Option) *Service {
	s := &Service{
		users:       users,
		companies:   companies,
		store:       store,
		audit:       auditLog,
		notifier:    notifier,
		resetTTL:    time.Hour,
		rememberTTL: 30 * 24 * time.Hour,
		verifyTTL:   24 * time.Hour,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// VerifyInput carries the request metadata recorded with every attempt.
type VerifyInput struct {
	Email     string
	Password  string
	IP        string
	UserAgent string
	Source    string
}

// Verify authenticates the credentials. The lockout check precedes hash
// comparison so a locked account fails fast without touching the hash.
func (s *Service) Verify(ctx context.Context, in VerifyInput) (*identity.User, *identity.Company, error) {
	email := strings.TrimSpace(strings.ToLower(in.Email))
	now := s.now().UTC()

	if email == "" || in.Password == "" {
		return nil, nil, ErrInvalidCredentials
	}

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			_ = VerifyHash(dummyHash, in.Password)
			s.recordAttempt(ctx, in, email, false, "unknown_email", now)
			obs.ObserveLogin("invalid")
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, err
	}

	company, err := s.companies.Find(ctx, user.CompanyID)
	if err != nil && !errors.Is(err, identity.ErrNotFound) {
		return nil, nil, err
	}

	if user.Locked(now) {
		s.recordAttempt(ctx, in, email, false, "account_locked", now)
		s.recordEvent(ctx, user.ID, eventLoginFailed, in.IP, now)
		obs.ObserveLogin("locked")
		return nil, nil, ErrAccountLocked
	}
	if !user.IsActive {
		s.recordAttempt(ctx, in, email, false, "account_inactive", now)
		s.recordEvent(ctx, user.ID, eventLoginFailed, in.IP, now)
		obs.ObserveLogin("inactive")
		return nil, nil, ErrAccountInactive
	}

	if err := VerifyHash(user.PasswordHash, in.Password); err != nil {
		locked := s.registerFailure(ctx, user, company, in, now)
		if locked {
			obs.ObserveLogin("locked")
			return nil, nil, ErrAccountLocked
		}
		obs.ObserveLogin("invalid")
		return nil, nil, ErrInvalidCredentials
	}

	if !user.EmailVerified() {
		s.recordAttempt(ctx, in, email, false, "email_not_verified", now)
		obs.ObserveLogin("unverified")
		return nil, nil, ErrEmailNotVerified
	}
	policy := identity.PasswordPolicy{}
	if company != nil {
		policy = company.PasswordPolicy
	}
	if user.PasswordExpired(policy, now) {
		s.recordAttempt(ctx, in, email, false, "password_expired", now)
		obs.ObserveLogin("expired")
		return nil, nil, ErrPasswordExpired
	}

	if user.FailedLoginAttempts > 0 || user.LockedUntil != nil {
		if err := s.users.ClearLockout(ctx, user.ID); err != nil {
			return nil, nil, err
		}
	}
	s.recordAttempt(ctx, in, email, true, "", now)
	s.recordEvent(ctx, user.ID, eventLoginSucceeded, in.IP, now)
	_ = s.audit.Record(ctx, audit.Event{
		Type:        audit.EventLoginSucceeded,
		ActorUserID: user.ID,
		CompanyID:   user.CompanyID,
		IP:          in.IP,
		Metadata:    map[string]string{"source": in.Source},
	})
	obs.ObserveLogin("success")
	return user, company, nil
}

func (s *Service) registerFailure(ctx context.Context, user *identity.User, company *identity.Company, in VerifyInput, now time.Time) bool {
	threshold := defaultLockoutThreshold
	window := defaultLockoutWindow
	lockFor := defaultLockoutDuration
	if company != nil {
		if company.LockoutThreshold > 0 {
			threshold = company.LockoutThreshold
		}
		if company.LockoutWindow > 0 {
			window = company.LockoutWindow
		}
		if company.LockoutDuration > 0 {
			lockFor = company.LockoutDuration
		}
	}

	locked, err := s.users.RecordLoginFailure(ctx, user.ID, now, threshold, window, lockFor)
	if err != nil {
		obs.LogRequest(map[string]any{"level": "error", "msg": "record login failure", "error": err.Error()})
	}
	s.recordAttempt(ctx, in, user.Email, false, "invalid_password", now)
	s.recordEvent(ctx, user.ID, eventLoginFailed, in.IP, now)
	_ = s.audit.Record(ctx, audit.Event{
		Type:        audit.EventLoginFailed,
		ActorUserID: user.ID,
		CompanyID:   user.CompanyID,
		IP:          in.IP,
	})
	if locked {
		s.recordEvent(ctx, user.ID, eventAccountLocked, in.IP, now)
		_ = s.audit.Record(ctx, audit.Event{
			Type:        audit.EventAccountLocked,
			ActorUserID: user.ID,
			CompanyID:   user.CompanyID,
			IP:          in.IP,
		})
		obs.ObserveLockout()
	}
	return locked
}

// ChangePassword validates the current password, enforces the company policy
// and history, and swaps the hash atomically.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	user, err := s.users.Find(ctx, userID)
	if err != nil {
		return err
	}
	if err := VerifyHash(user.PasswordHash, current); err != nil {
		return ErrInvalidCredentials
	}
	return s.setPassword(ctx, user, next, eventPasswordChange)
}

func (s *Service) setPassword(ctx context.Context, user *identity.User, next, event string) error {
	policy := identity.PasswordPolicy{}
	if company, err := s.companies.Find(ctx, user.CompanyID); err == nil {
		policy = company.PasswordPolicy
	}
	if err := ValidatePolicy(policy, next); err != nil {
		return err
	}

	keep := policy.HistoryCount
	if keep <= 0 {
		keep = defaultHistoryCount
	}
	prior, err := s.store.PasswordHistory(ctx, user.ID, keep)
	if err != nil {
		return err
	}
	if VerifyHash(user.PasswordHash, next) == nil {
		return ErrPasswordReuse
	}
	for _, old := range prior {
		if VerifyHash(old, next) == nil {
			return ErrPasswordReuse
		}
	}

	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if err := s.store.SavePassword(ctx, user.ID, hash, user.PasswordHash, keep, now); err != nil {
		return err
	}
	if err := s.users.ClearLockout(ctx, user.ID); err != nil {
		return err
	}
	s.recordEvent(ctx, user.ID, event, "", now)
	_ = s.audit.Record(ctx, audit.Event{
		Type:        audit.EventPasswordChanged,
		ActorUserID: user.ID,
		CompanyID:   user.CompanyID,
	})
	return nil
}

// StartReset issues a reset token when the email resolves to a user. It
// reports success either way: forgot-password must not leak existence.
func (s *Service) StartReset(ctx context.Context, email string) error {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return nil
	}
	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil
		}
		return err
	}

	secret, err := ids.NewSecret(32)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	token := ResetToken{
		ID:        ids.New(),
		UserID:    user.ID,
		TokenHash: hashToken(secret),
		ExpiresAt: now.Add(s.resetTTL),
		CreatedAt: now,
	}
	if err := s.store.CreateResetToken(ctx, token); err != nil {
		return err
	}
	s.notifier.Dispatch(notify.Message{
		To:       user.Email,
		Template: "password_reset",
		Fields:   map[string]string{"token": secret},
	})
	_ = s.audit.Record(ctx, audit.Event{
		Type:        audit.EventPasswordResetSent,
		ActorUserID: user.ID,
		CompanyID:   user.CompanyID,
	})
	return nil
}

// CompleteReset consumes a reset token and sets the new password.
func (s *Service) CompleteReset(ctx context.Context, token, next string) error {
	if strings.TrimSpace(token) == "" {
		return ErrInvalidCredentials
	}
	now := s.now().UTC()
	rec, err := s.store.ConsumeResetToken(ctx, hashToken(token), now)
	if err != nil {
		return err
	}
	user, err := s.users.Find(ctx, rec.UserID)
	if err != nil {
		return err
	}
	if err := s.setPassword(ctx, user, next, eventPasswordReset); err != nil {
		return err
	}
	// A reset proves mailbox control: invalidate sessions issued before it.
	if err := s.users.SetForceLogout(ctx, user.ID, now); err != nil {
		return fmt.Errorf("force logout after reset: %w", err)
	}
	// Remember-me cookies predate the reset and die with the old password.
	if err := s.store.RevokeRememberTokens(ctx, user.ID, now); err != nil {
		return fmt.Errorf("revoke remember tokens after reset: %w", err)
	}
	_ = s.audit.Record(ctx, audit.Event{
		Type:        audit.EventPasswordReset,
		ActorUserID: user.ID,
		CompanyID:   user.CompanyID,
	})
	return nil
}

func (s *Service) recordAttempt(ctx context.Context, in VerifyInput, email string, success bool, reason string, now time.Time) {
	err := s.store.AppendAttempt(ctx, LoginAttempt{
		ID:        ids.New(),
		Email:     email,
		IP:        in.IP,
		UserAgent: in.UserAgent,
		Success:   success,
		Reason:    reason,
		CreatedAt: now,
	})
	if err != nil {
		obs.LogRequest(map[string]any{"level": "error", "msg": "append login attempt", "error": err.Error()})
	}
}

func (s *Service) recordEvent(ctx context.Context, userID, typ, ip string, now time.Time) {
	err := s.store.AppendEvent(ctx, LoginEvent{
		ID:        ids.New(),
		UserID:    userID,
		Type:      typ,
		IP:        ip,
		CreatedAt: now,
	})
	if err != nil {
		obs.LogRequest(map[string]any{"level": "error", "msg": "append login event", "error": err.Error()})
	}
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
