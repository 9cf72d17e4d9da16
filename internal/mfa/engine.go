package mfa

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"opsdeck.io/internal/audit"
	"opsdeck.io/internal/identity"
	"opsdeck.io/internal/ids"
	"opsdeck.io/internal/notify"
	"opsdeck.io/internal/obs"
)

const (
	emailCodeTTL      = 10 * time.Minute
	recoveryCodeCount = 10
)

// SessionMarker flags a session as MFA-verified after a successful factor.
type SessionMarker interface {
	MarkMFAVerified(ctx context.Context, sessionID string) error
}

// Engine runs second-factor enrollment and verification. TOTP is the primary
// factor; email codes and recovery codes are fallbacks, and trusted devices
// bypass verification entirely.
type Engine struct {
	store    Store
	users    identity.UserStore
	sessions SessionMarker
	notifier *notify.Async
	audit    *audit.Log

	issuer     string
	trustedTTL time.Duration
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source. Test use only.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) { e.now = fn }
}

// NewEngine wires the MFA engine. issuer labels provisioned TOTP secrets in
// authenticator apps.
func NewEngine(store Store, users identity.UserStore, sessions SessionMarker, notifier *notify.Async, log *audit.Log, issuer string, trustedTTL time.Duration, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		users:      users,
		sessions:   sessions,
		notifier:   notifier,
		audit:      log,
		issuer:     issuer,
		trustedTTL: trustedTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enrollment carries the provisioning material shown once to the user.
type Enrollment struct {
	Secret string `json:"secret"`
	URL    string `json:"url"`
}

// Enroll provisions a TOTP secret. The factor stays disabled until Confirm
// proves the authenticator produces valid codes.
func (e *Engine) Enroll(ctx context.Context, user *identity.User) (*Enrollment, error) {
	if user.MfaEnabled {
		return nil, ErrAlreadyEnabled
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: user.Email,
	})
	if err != nil {
		return nil, fmt.Errorf("mfa: generate secret: %w", err)
	}
	if err := e.users.SetTOTP(ctx, user.ID, key.Secret(), false); err != nil {
		return nil, err
	}
	return &Enrollment{Secret: key.Secret(), URL: key.URL()}, nil
}

// Confirm enables the factor after the first valid code and returns a fresh
// recovery code set.
func (e *Engine) Confirm(ctx context.Context, user *identity.User, code string) ([]string, error) {
	if user.MfaEnabled {
		return nil, ErrAlreadyEnabled
	}
	if user.TOTPSecret == "" {
		return nil, ErrNotEnabled
	}
	if !e.validTOTP(user.TOTPSecret, code) {
		return nil, ErrInvalidCode
	}
	if err := e.users.SetTOTP(ctx, user.ID, user.TOTPSecret, true); err != nil {
		return nil, err
	}
	codes, err := e.GenerateRecoveryCodes(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	e.record(ctx, audit.Event{Type: audit.EventMFAEnabled, ActorUserID: user.ID})
	return codes, nil
}

// Disable turns the factor off after one last valid code and clears every
// fallback tied to it.
func (e *Engine) Disable(ctx context.Context, user *identity.User, code string) error {
	if !user.MfaEnabled {
		return ErrNotEnabled
	}
	if !e.validTOTP(user.TOTPSecret, code) {
		return ErrInvalidCode
	}
	if err := e.users.SetTOTP(ctx, user.ID, "", false); err != nil {
		return err
	}
	if err := e.store.ReplaceRecoveryCodes(ctx, user.ID, nil); err != nil {
		return err
	}
	if err := e.store.DeleteTrustedDevices(ctx, user.ID); err != nil {
		return err
	}
	e.record(ctx, audit.Event{Type: audit.EventMFADisabled, ActorUserID: user.ID})
	return nil
}

// VerifyInput is one second-factor attempt against a pending session.
type VerifyInput struct {
	User      *identity.User
	SessionID string
	Code      string

	// TrustDevice registers the fingerprint on success so this browser skips
	// the factor next time.
	TrustDevice       bool
	DeviceFingerprint string
	UserAgent         string
}

// Verify accepts a TOTP code, an email code, or a recovery code, in that
// order. On success the session is marked verified.
func (e *Engine) Verify(ctx context.Context, in VerifyInput) (Method, error) {
	if !in.User.MfaEnabled {
		return "", ErrNotEnabled
	}
	now := e.now().UTC()

	method, ok := e.matchFactor(ctx, in.User, in.Code, now)
	if !ok {
		obs.ObserveMFA("failure")
		e.record(ctx, audit.Event{Type: audit.EventMFAFailed, ActorUserID: in.User.ID, SessionID: in.SessionID})
		return "", ErrInvalidCode
	}

	if e.sessions != nil && in.SessionID != "" {
		if err := e.sessions.MarkMFAVerified(ctx, in.SessionID); err != nil {
			return "", err
		}
	}
	if in.TrustDevice && in.DeviceFingerprint != "" {
		if err := e.trustDevice(ctx, in, now); err != nil {
			return "", err
		}
	}
	obs.ObserveMFA("success")
	e.record(ctx, audit.Event{
		Type:        audit.EventMFAVerified,
		ActorUserID: in.User.ID,
		SessionID:   in.SessionID,
		Metadata:    map[string]string{"method": string(method)},
	})
	return method, nil
}

func (e *Engine) matchFactor(ctx context.Context, user *identity.User, code string, now time.Time) (Method, bool) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", false
	}
	if user.TOTPSecret != "" && e.validTOTP(user.TOTPSecret, code) {
		return MethodTOTP, true
	}
	if err := e.store.ConsumeEmailCode(ctx, user.ID, hashCode(code), now); err == nil {
		return MethodEmail, true
	}
	if err := e.store.ConsumeRecoveryCode(ctx, user.ID, hashCode(normalizeRecovery(code)), now); err == nil {
		return MethodRecovery, true
	}
	return "", false
}

// SendCode issues a fresh email code. Delivery happens off the request path.
func (e *Engine) SendCode(ctx context.Context, user *identity.User) error {
	if !user.MfaEnabled {
		return ErrNotEnabled
	}
	code, err := numericCode(6)
	if err != nil {
		return fmt.Errorf("mfa: generate code: %w", err)
	}
	now := e.now().UTC()
	row := &EmailCode{
		ID:        ids.New(),
		UserID:    user.ID,
		CodeHash:  hashCode(code),
		ExpiresAt: now.Add(emailCodeTTL),
		CreatedAt: now,
	}
	if err := e.store.CreateEmailCode(ctx, row); err != nil {
		return err
	}
	if e.notifier != nil {
		e.notifier.Dispatch(notify.Message{
			To:       user.Email,
			Template: "mfa_code",
			Fields:   map[string]string{"code": code, "expires_in": "10m"},
		})
	}
	e.record(ctx, audit.Event{Type: audit.EventMFACodeSent, ActorUserID: user.ID})
	return nil
}

// GenerateRecoveryCodes replaces the outstanding set and returns the clear
// codes, shown exactly once.
func (e *Engine) GenerateRecoveryCodes(ctx context.Context, userID string) ([]string, error) {
	now := e.now().UTC()
	plain := make([]string, 0, recoveryCodeCount)
	rows := make([]*RecoveryCode, 0, recoveryCodeCount)
	for i := 0; i < recoveryCodeCount; i++ {
		code, err := recoveryCode()
		if err != nil {
			return nil, fmt.Errorf("mfa: generate recovery code: %w", err)
		}
		plain = append(plain, code)
		rows = append(rows, &RecoveryCode{
			ID:        ids.New(),
			UserID:    userID,
			CodeHash:  hashCode(normalizeRecovery(code)),
			CreatedAt: now,
		})
	}
	if err := e.store.ReplaceRecoveryCodes(ctx, userID, rows); err != nil {
		return nil, err
	}
	return plain, nil
}

// IsTrusted reports whether the device fingerprint carries unexpired trust.
// A hit refreshes last_seen_at.
func (e *Engine) IsTrusted(ctx context.Context, userID, fingerprint string) (bool, error) {
	if fingerprint == "" {
		return false, nil
	}
	d, err := e.store.FindTrustedDevice(ctx, userID, hashCode(fingerprint))
	if err != nil {
		return false, nil
	}
	now := e.now().UTC()
	if now.After(d.ExpiresAt) {
		return false, nil
	}
	_ = e.store.TouchTrustedDevice(ctx, d.ID, now)
	return true, nil
}

// RevokeTrustedDevices forgets every trusted device for the user.
func (e *Engine) RevokeTrustedDevices(ctx context.Context, userID string) error {
	return e.store.DeleteTrustedDevices(ctx, userID)
}

func (e *Engine) trustDevice(ctx context.Context, in VerifyInput, now time.Time) error {
	return e.store.CreateTrustedDevice(ctx, &TrustedDevice{
		ID:              ids.New(),
		UserID:          in.User.ID,
		FingerprintHash: hashCode(in.DeviceFingerprint),
		UserAgent:       in.UserAgent,
		ExpiresAt:       now.Add(e.trustedTTL),
		LastSeenAt:      now,
		CreatedAt:       now,
	})
}

func (e *Engine) validTOTP(secret, code string) bool {
	ok, err := totp.ValidateCustom(code, secret, e.now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

func (e *Engine) record(ctx context.Context, ev audit.Event) {
	if e.audit == nil {
		return
	}
	_ = e.audit.Record(ctx, ev)
}

func hashCode(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}

func normalizeRecovery(code string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(code), "-", ""))
}

func numericCode(digits int) (string, error) {
	max := big.NewInt(1)
	for i := 0; i < digits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}

func recoveryCode() (string, error) {
	const alphabet = "abcdefghjkmnpqrstuvwxyz23456789"
	buf := make([]byte, 8)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			return "", err
		}
		buf[i] = alphabet[n.Int64()]
	}
	return string(buf[:4]) + "-" + string(buf[4:]), nil
}
