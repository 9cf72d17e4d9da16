package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"opsdeck.io/internal/identity"
)

type memStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]*Session)}
}

func (s *memStore) Create(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *memStore) Find(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *memStore) Bind(_ context.Context, p BindParams) (*Session, *Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[p.SessionID]
	if !ok {
		return nil, nil, ErrNotFound
	}

	var active []*Session
	for _, other := range s.sessions {
		if other.ID == p.SessionID || !other.Bound() || *other.UserID != p.UserID {
			continue
		}
		if other.Source == p.Source && !other.Expired(p.Now, time.Time{}) {
			active = append(active, other)
		}
	}

	var evicted *Session
	if p.Limit > 0 && len(active) >= p.Limit {
		victim, err := PickVictim(p.Strategy, active, p.EvictSessionID)
		if err != nil {
			return nil, nil, err
		}
		at := p.Now
		victim.RevokedAt = &at
		cp := *victim
		evicted = &cp
	}

	sess.UserID = &p.UserID
	sess.CompanyID = &p.CompanyID
	sess.ActiveCompanyID = &p.CompanyID
	sess.MfaVerified = p.MfaVerified
	sess.LastActivityAt = p.Now
	exp, abs := p.ExpiresAt, p.AbsoluteExpiresAt
	sess.ExpiresAt = &exp
	sess.AbsoluteExpiresAt = &abs

	cp := *sess
	return &cp, evicted, nil
}

func (s *memStore) Touch(_ context.Context, id string, expiresAt, lastActivity time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.ExpiresAt = &expiresAt
	sess.LastActivityAt = lastActivity
	return nil
}

func (s *memStore) SetMFAVerified(_ context.Context, id string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.MfaVerified = true
	return nil
}

func (s *memStore) SetActingUser(_ context.Context, id string, userID string, sourceUserID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.UserID = &userID
	sess.SourceUserID = sourceUserID
	return nil
}

func (s *memStore) Revoke(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.RevokedAt = &at
	return nil
}

func (s *memStore) RevokeAllForUser(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.Bound() && *sess.UserID == userID && sess.RevokedAt == nil {
			t := at
			sess.RevokedAt = &t
		}
	}
	return nil
}

func (s *memStore) ListActive(_ context.Context, userID, source string, now time.Time) ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Session
	for _, sess := range s.sessions {
		if sess.Bound() && *sess.UserID == userID && sess.Source == source && !sess.Expired(now, time.Time{}) {
			cp := *sess
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memUsers struct {
	mu    sync.Mutex
	users map[string]*identity.User
}

func (f *memUsers) Find(_ context.Context, id string) (*identity.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *memUsers) FindByEmail(context.Context, string) (*identity.User, error) {
	return nil, identity.ErrNotFound
}
func (f *memUsers) Create(context.Context, *identity.User) error { return nil }
func (f *memUsers) RecordLoginFailure(context.Context, string, time.Time, int, time.Duration, time.Duration) (bool, error) {
	return false, nil
}
func (f *memUsers) ClearLockout(context.Context, string) error { return nil }
func (f *memUsers) UpdatePassword(context.Context, string, string, time.Time) error {
	return nil
}
func (f *memUsers) SetForceLogout(_ context.Context, userID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[userID]; ok {
		t := at
		u.ForceLogoutAt = &t
	}
	return nil
}
func (f *memUsers) SetTOTP(context.Context, string, string, bool) error        { return nil }
func (f *memUsers) MarkEmailVerified(context.Context, string, time.Time) error { return nil }

func newTestManager(t *testing.T, strategy identity.SessionLimitStrategy, userMax, companyMax int) (*Manager, *memStore, *identity.User, *identity.Company, *time.Time) {
	t.Helper()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	now := base

	user := &identity.User{ID: "u1", CompanyID: "c1", IsActive: true, MaxSessions: userMax}
	company := &identity.Company{ID: "c1", IsActive: true, MaxSessionsPerUser: companyMax, SessionLimitStrategy: strategy}

	store := newMemStore()
	users := &memUsers{users: map[string]*identity.User{user.ID: user}}
	m := NewManager(store, users, nil, 30*time.Minute, 12*time.Hour,
		WithClock(func() time.Time { return now }))
	return m, store, user, company, &now
}

func bindFresh(t *testing.T, m *Manager, user *identity.User, company *identity.Company, evict string) (*Session, error) {
	t.Helper()
	ctx := context.Background()
	s, err := m.Create(ctx, "web", "10.0.0.1", "test-agent")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return m.Bind(ctx, BindInput{SessionID: s.ID, User: user, Company: company, EvictSessionID: evict})
}

func TestBindRespectsEffectiveLimit(t *testing.T) {
	m, store, user, company, now := newTestManager(t, identity.LimitRevokeOldest, 5, 2)
	ctx := context.Background()

	var bound []*Session
	for i := 0; i < 3; i++ {
		*now = now.Add(time.Minute)
		s, err := bindFresh(t, m, user, company, "")
		if err != nil {
			t.Fatalf("bind %d: %v", i, err)
		}
		bound = append(bound, s)
	}

	active, err := store.ListActive(ctx, user.ID, "web", *now)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active sessions under company limit, got %d", len(active))
	}
	// The oldest bind must be the one revoked.
	victim, err := store.Find(ctx, bound[0].ID)
	if err != nil {
		t.Fatalf("find victim: %v", err)
	}
	if victim.RevokedAt == nil {
		t.Fatal("expected oldest session to be revoked")
	}
}

func TestBindBlockNew(t *testing.T) {
	m, _, user, company, now := newTestManager(t, identity.LimitBlockNew, 0, 1)

	if _, err := bindFresh(t, m, user, company, ""); err != nil {
		t.Fatalf("first bind: %v", err)
	}
	*now = now.Add(time.Minute)
	if _, err := bindFresh(t, m, user, company, ""); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}
}

func TestBindRevokeLRU(t *testing.T) {
	m, store, user, company, now := newTestManager(t, identity.LimitRevokeLRU, 0, 2)
	ctx := context.Background()

	first, err := bindFresh(t, m, user, company, "")
	if err != nil {
		t.Fatalf("first bind: %v", err)
	}
	*now = now.Add(time.Minute)
	second, err := bindFresh(t, m, user, company, "")
	if err != nil {
		t.Fatalf("second bind: %v", err)
	}

	// Activity on the first makes the second the least recently used.
	*now = now.Add(time.Minute)
	if _, _, err := m.Resolve(ctx, first.ID, true); err != nil {
		t.Fatalf("resolve first: %v", err)
	}

	*now = now.Add(time.Minute)
	if _, err := bindFresh(t, m, user, company, ""); err != nil {
		t.Fatalf("third bind: %v", err)
	}

	got, err := store.Find(ctx, second.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.RevokedAt == nil {
		t.Fatal("expected least recently used session to be revoked")
	}
	kept, err := store.Find(ctx, first.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if kept.RevokedAt != nil {
		t.Fatal("recently active session must survive")
	}
}

func TestBindPromptUser(t *testing.T) {
	m, store, user, company, now := newTestManager(t, identity.LimitPromptUser, 0, 1)
	ctx := context.Background()

	existing, err := bindFresh(t, m, user, company, "")
	if err != nil {
		t.Fatalf("first bind: %v", err)
	}

	*now = now.Add(time.Minute)
	_, err = bindFresh(t, m, user, company, "")
	var prompt *LimitPromptError
	if !errors.As(err, &prompt) {
		t.Fatalf("expected LimitPromptError, got %v", err)
	}
	if len(prompt.Sessions) != 1 || prompt.Sessions[0].ID != existing.ID {
		t.Fatalf("prompt must list the conflicting session, got %+v", prompt.Sessions)
	}

	// Re-invoking with the explicit choice succeeds and revokes it.
	*now = now.Add(time.Minute)
	if _, err := bindFresh(t, m, user, company, existing.ID); err != nil {
		t.Fatalf("bind with eviction choice: %v", err)
	}
	got, err := store.Find(ctx, existing.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.RevokedAt == nil {
		t.Fatal("expected chosen session to be revoked")
	}

	// A bogus choice is rejected.
	*now = now.Add(time.Minute)
	if _, err := bindFresh(t, m, user, company, "no-such-session"); !errors.Is(err, ErrBadEviction) {
		t.Fatalf("expected ErrBadEviction, got %v", err)
	}
}

func TestConcurrentBindsNeverExceedLimit(t *testing.T) {
	m, store, user, company, _ := newTestManager(t, identity.LimitRevokeOldest, 0, 3)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Create(ctx, "web", "10.0.0.1", "agent")
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			if _, err := m.Bind(ctx, BindInput{SessionID: s.ID, User: user, Company: company}); err != nil {
				t.Errorf("bind: %v", err)
			}
		}()
	}
	wg.Wait()

	active, err := store.ListActive(ctx, user.ID, "web", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) > 3 {
		t.Fatalf("limit breached: %d active sessions", len(active))
	}
}

func TestResolveSlidesWithinAbsoluteCeiling(t *testing.T) {
	m, _, user, company, now := newTestManager(t, "", 0, 0)
	ctx := context.Background()

	s, err := bindFresh(t, m, user, company, "")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	abs := *s.AbsoluteExpiresAt

	// Repeated touches slide expires_at but never past the absolute ceiling.
	for i := 0; i < 30; i++ {
		*now = now.Add(25 * time.Minute)
		got, _, err := m.Resolve(ctx, s.ID, true)
		if err != nil {
			if errors.Is(err, ErrExpired) {
				return
			}
			t.Fatalf("resolve: %v", err)
		}
		if got.ExpiresAt.After(abs) {
			t.Fatalf("expires_at %v exceeds absolute ceiling %v", got.ExpiresAt, abs)
		}
	}
	t.Fatal("session survived past its absolute lifetime")
}

func TestResolveExpiresAfterInactivity(t *testing.T) {
	m, _, user, company, now := newTestManager(t, "", 0, 0)
	ctx := context.Background()

	s, err := bindFresh(t, m, user, company, "")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	*now = now.Add(31 * time.Minute)
	if _, _, err := m.Resolve(ctx, s.ID, true); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestResolveHonorsForceLogout(t *testing.T) {
	m, _, user, company, now := newTestManager(t, "", 0, 0)
	ctx := context.Background()

	s, err := bindFresh(t, m, user, company, "")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}

	*now = now.Add(time.Minute)
	if err := m.users.SetForceLogout(ctx, user.ID, *now); err != nil {
		t.Fatalf("force logout: %v", err)
	}
	if _, _, err := m.Resolve(ctx, s.ID, false); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired after force logout, got %v", err)
	}

	// A session created after the force-logout instant is unaffected.
	*now = now.Add(time.Minute)
	fresh, err := bindFresh(t, m, user, company, "")
	if err != nil {
		t.Fatalf("bind fresh: %v", err)
	}
	if _, _, err := m.Resolve(ctx, fresh.ID, false); err != nil {
		t.Fatalf("fresh session must survive: %v", err)
	}
}

func TestMasqueradeLifecycle(t *testing.T) {
	m, store, operator, company, _ := newTestManager(t, "", 0, 0)
	ctx := context.Background()
	operator.IsInternal = true

	target := &identity.User{ID: "u2", CompanyID: "c1", IsActive: true}
	if users, ok := m.users.(*memUsers); ok {
		users.users[target.ID] = target
	}

	s, err := bindFresh(t, m, operator, company, "")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}

	masked, err := m.Masquerade(ctx, s.ID, operator, target)
	if err != nil {
		t.Fatalf("masquerade: %v", err)
	}
	if *masked.UserID != target.ID || masked.SourceUserID == nil || *masked.SourceUserID != operator.ID {
		t.Fatalf("unexpected masquerade state: %+v", masked)
	}

	// Masquerading into another internal user is refused.
	internal := &identity.User{ID: "u3", IsInternal: true, IsActive: true}
	if _, err := m.Masquerade(ctx, s.ID, operator, internal); err == nil {
		t.Fatal("expected refusal to masquerade as internal user")
	}

	restored, err := m.EndMasquerade(ctx, s.ID)
	if err != nil {
		t.Fatalf("end masquerade: %v", err)
	}
	if *restored.UserID != operator.ID || restored.SourceUserID != nil {
		t.Fatalf("unexpected restored state: %+v", restored)
	}

	got, err := store.Find(ctx, s.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if *got.UserID != operator.ID {
		t.Fatal("store must reflect restored acting user")
	}
}

func TestMasqueradeRequiresInternalOperator(t *testing.T) {
	m, _, user, company, _ := newTestManager(t, "", 0, 0)
	ctx := context.Background()

	s, err := bindFresh(t, m, user, company, "")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	target := &identity.User{ID: "u2", IsActive: true}
	if _, err := m.Masquerade(ctx, s.ID, user, target); err == nil {
		t.Fatal("expected refusal for non-internal operator")
	}
}

func TestRevokeAllForUser(t *testing.T) {
	m, _, user, company, now := newTestManager(t, "", 0, 0)
	ctx := context.Background()

	var sessions []*Session
	for i := 0; i < 3; i++ {
		*now = now.Add(time.Second)
		s, err := bindFresh(t, m, user, company, "")
		if err != nil {
			t.Fatalf("bind: %v", err)
		}
		sessions = append(sessions, s)
	}
	if err := m.RevokeAllForUser(ctx, user.ID); err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	for _, s := range sessions {
		if _, _, err := m.Resolve(ctx, s.ID, false); !errors.Is(err, ErrExpired) {
			t.Fatalf("expected revoked session to resolve as expired, got %v", err)
		}
	}
}
