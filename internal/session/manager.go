package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"opsdeck.io/internal/audit"
	"opsdeck.io/internal/identity"
	"opsdeck.io/internal/ids"
	"opsdeck.io/internal/obs"
)

// Manager owns the session lifecycle: anonymous creation, the login bind with
// concurrency-limit enforcement, sliding-expiry resolution, masquerading and
// revocation. Storage atomicity lives in the Store; policy lives here.
type Manager struct {
	store Store
	users identity.UserStore
	audit *audit.Log

	sliding  time.Duration
	absolute time.Duration
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source. Test use only.
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) { m.now = fn }
}

// NewManager wires a Manager. sliding is the inactivity window, absolute the
// hard lifetime ceiling counted from login.
func NewManager(store Store, users identity.UserStore, log *audit.Log, sliding, absolute time.Duration, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		users:    users,
		audit:    log,
		sliding:  sliding,
		absolute: absolute,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create opens a pending session before any authentication has happened.
// Expirations stay unset until login binds the session.
func (m *Manager) Create(ctx context.Context, source, ip, userAgent string) (*Session, error) {
	id, err := ids.NewSecret(32)
	if err != nil {
		return nil, fmt.Errorf("session: generate id: %w", err)
	}
	now := m.now().UTC()
	s := &Session{
		ID:             id,
		Source:         source,
		IP:             ip,
		UserAgent:      userAgent,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := m.store.Create(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// BindInput describes a completed credential check being attached to a
// pending session.
type BindInput struct {
	SessionID string
	User      *identity.User
	Company   *identity.Company

	// EvictSessionID is the caller's choice under the prompt_user strategy,
	// empty on the first attempt.
	EvictSessionID string

	MfaVerified bool
}

// Bind attaches an authenticated user to a pending session, enforcing the
// effective concurrent-session limit. Under prompt_user a full roster returns
// a *LimitPromptError carrying the candidates; the caller re-invokes with an
// explicit EvictSessionID.
func (m *Manager) Bind(ctx context.Context, in BindInput) (*Session, error) {
	if in.User == nil || in.Company == nil {
		return nil, ErrNotFound
	}
	now := m.now().UTC()

	cur, err := m.store.Find(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}
	if cur.Bound() {
		return nil, fmt.Errorf("session: %s already bound", cur.ID)
	}

	strategy := in.Company.SessionLimitStrategy
	if strategy == "" {
		strategy = identity.LimitRevokeOldest
	}

	bound, evicted, err := m.store.Bind(ctx, BindParams{
		SessionID:         in.SessionID,
		UserID:            in.User.ID,
		CompanyID:         in.Company.ID,
		Source:            cur.Source,
		Limit:             EffectiveLimit(in.User.MaxSessions, in.Company.MaxSessionsPerUser),
		Strategy:          strategy,
		EvictSessionID:    in.EvictSessionID,
		MfaVerified:       in.MfaVerified,
		Now:               now,
		ExpiresAt:         now.Add(m.sliding),
		AbsoluteExpiresAt: now.Add(m.absolute),
	})
	if err != nil {
		return nil, err
	}
	if evicted != nil {
		obs.ObserveEviction(string(strategy))
		m.record(ctx, audit.Event{
			Type:        audit.EventSessionEvicted,
			ActorUserID: in.User.ID,
			CompanyID:   in.Company.ID,
			SessionID:   evicted.ID,
			Metadata:    map[string]string{"strategy": string(strategy), "replaced_by": bound.ID},
		})
	}
	return bound, nil
}

// Resolve loads and validates a session for a request. touch slides the
// inactivity expiry; resolution paths that must not extend the session (token
// introspection, admin listings) pass touch=false.
//
// Expiry is evaluated against the acting user's force-logout instant so a
// password reset kills stale sessions without a table sweep.
func (m *Manager) Resolve(ctx context.Context, id string, touch bool) (*Session, *identity.User, error) {
	s, err := m.store.Find(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	now := m.now().UTC()

	if !s.Bound() {
		if s.Expired(now, time.Time{}) {
			return nil, nil, ErrExpired
		}
		return s, nil, nil
	}

	user, err := m.users.Find(ctx, *s.UserID)
	if err != nil {
		return nil, nil, err
	}
	var forcedAt time.Time
	if user.ForceLogoutAt != nil {
		forcedAt = *user.ForceLogoutAt
	}
	if s.Expired(now, forcedAt) || !user.IsActive {
		return nil, nil, ErrExpired
	}

	if touch {
		next := s.NextExpiry(now, m.sliding)
		if err := m.store.Touch(ctx, s.ID, next, now); err != nil {
			return nil, nil, err
		}
		s.ExpiresAt = &next
		s.LastActivityAt = now
	}
	return s, user, nil
}

// MarkMFAVerified flags the session after a successful second factor.
func (m *Manager) MarkMFAVerified(ctx context.Context, id string) error {
	return m.store.SetMFAVerified(ctx, id, m.now().UTC())
}

// Revoke ends one session.
func (m *Manager) Revoke(ctx context.Context, id string) error {
	if err := m.store.Revoke(ctx, id, m.now().UTC()); err != nil {
		return err
	}
	m.record(ctx, audit.Event{Type: audit.EventLogout, SessionID: id})
	return nil
}

// RevokeAllForUser ends every session belonging to a user, such as after a
// deactivation or a credential compromise.
func (m *Manager) RevokeAllForUser(ctx context.Context, userID string) error {
	return m.store.RevokeAllForUser(ctx, userID, m.now().UTC())
}

// ListActive returns a user's live sessions for one source scope.
func (m *Manager) ListActive(ctx context.Context, userID, source string) ([]*Session, error) {
	return m.store.ListActive(ctx, userID, source, m.now().UTC())
}

// Masquerade switches the session's acting user to target while remembering
// the operator as the source user. Only internal operators may masquerade,
// and never into another internal account.
func (m *Manager) Masquerade(ctx context.Context, sessionID string, operator, target *identity.User) (*Session, error) {
	if !operator.IsInternal {
		return nil, errors.New("session: masquerade requires an internal operator")
	}
	if target.IsInternal {
		return nil, errors.New("session: cannot masquerade as an internal user")
	}
	s, err := m.store.Find(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !s.Bound() || *s.UserID != operator.ID {
		return nil, ErrNotBound
	}
	if s.SourceUserID != nil {
		return nil, errors.New("session: already masquerading")
	}
	src := operator.ID
	if err := m.store.SetActingUser(ctx, s.ID, target.ID, &src); err != nil {
		return nil, err
	}
	s.UserID = &target.ID
	s.SourceUserID = &src
	return s, nil
}

// EndMasquerade restores the session to its origin user.
func (m *Manager) EndMasquerade(ctx context.Context, sessionID string) (*Session, error) {
	s, err := m.store.Find(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.SourceUserID == nil {
		return nil, errors.New("session: not masquerading")
	}
	origin := *s.SourceUserID
	if err := m.store.SetActingUser(ctx, s.ID, origin, nil); err != nil {
		return nil, err
	}
	s.UserID = &origin
	s.SourceUserID = nil
	return s, nil
}

func (m *Manager) record(ctx context.Context, e audit.Event) {
	if m.audit == nil {
		return
	}
	_ = m.audit.Record(ctx, e)
}
