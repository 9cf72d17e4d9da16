package invite

import (
	"context"
	"errors"
	"testing"
	"time"

	"opsdeck.io/internal/credential"
	"opsdeck.io/internal/identity"
	"opsdeck.io/internal/membership"
)

type fakeUsers struct {
	byID    map[string]*identity.User
	byEmail map[string]*identity.User
	created []*identity.User
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{byID: make(map[string]*identity.User), byEmail: make(map[string]*identity.User)}
}

func (f *fakeUsers) add(u *identity.User) {
	f.byID[u.ID] = u
	f.byEmail[u.Email] = u
}

func (f *fakeUsers) Find(_ context.Context, id string) (*identity.User, error) {
	u, ok := f.byID[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return u, nil
}

func (f *fakeUsers) FindByEmail(_ context.Context, email string) (*identity.User, error) {
	u, ok := f.byEmail[email]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return u, nil
}

func (f *fakeUsers) Create(_ context.Context, u *identity.User) error {
	f.created = append(f.created, u)
	f.add(u)
	return nil
}

func (f *fakeUsers) RecordLoginFailure(context.Context, string, time.Time, int, time.Duration, time.Duration) (bool, error) {
	return false, nil
}
func (f *fakeUsers) ClearLockout(context.Context, string) error                      { return nil }
func (f *fakeUsers) UpdatePassword(context.Context, string, string, time.Time) error { return nil }
func (f *fakeUsers) SetForceLogout(context.Context, string, time.Time) error         { return nil }
func (f *fakeUsers) SetTOTP(context.Context, string, string, bool) error             { return nil }
func (f *fakeUsers) MarkEmailVerified(context.Context, string, time.Time) error      { return nil }

type fakeCompanies struct {
	companies map[string]*identity.Company
}

func (f *fakeCompanies) Find(_ context.Context, id string) (*identity.Company, error) {
	co, ok := f.companies[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return co, nil
}
func (f *fakeCompanies) List(context.Context, string) ([]*identity.Company, error) { return nil, nil }
func (f *fakeCompanies) FindMany(context.Context, []string) ([]*identity.Company, error) {
	return nil, nil
}

type fakeMemberships struct {
	rows map[string]*membership.UserCompany
}

func newFakeMemberships() *fakeMemberships {
	return &fakeMemberships{rows: make(map[string]*membership.UserCompany)}
}

func (f *fakeMemberships) FindMembership(_ context.Context, userID, companyID string) (*membership.UserCompany, error) {
	uc, ok := f.rows[userID+"/"+companyID]
	if !ok {
		return nil, membership.ErrNotFound
	}
	return uc, nil
}

func (f *fakeMemberships) Memberships(context.Context, string) ([]*membership.UserCompany, error) {
	return nil, nil
}
func (f *fakeMemberships) CreateMembership(_ context.Context, uc *membership.UserCompany) error {
	f.rows[uc.UserID+"/"+uc.CompanyID] = uc
	return nil
}
func (f *fakeMemberships) SetPinned(context.Context, string, string, bool) error { return nil }
func (f *fakeMemberships) Deactivate(context.Context, string, string, string, time.Time) error {
	return nil
}
func (f *fakeMemberships) SwitchCompany(context.Context, string, string, string, bool, time.Time) error {
	return nil
}
func (f *fakeMemberships) InternalGrants(context.Context, string) ([]string, error) { return nil, nil }
func (f *fakeMemberships) AddInternalGrant(context.Context, string, string, string, time.Time) error {
	return nil
}
func (f *fakeMemberships) RemoveInternalGrant(context.Context, string, string) error { return nil }

type fakeInviteStore struct {
	users       *fakeUsers
	memberships *fakeMemberships
	byHash      map[string]*Invite
	accepted    []AcceptParams
}

func (f *fakeInviteStore) Create(_ context.Context, i *Invite) error {
	f.byHash[i.TokenHash] = i
	return nil
}

func (f *fakeInviteStore) FindByTokenHash(_ context.Context, hash string) (*Invite, error) {
	i, ok := f.byHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return i, nil
}

func (f *fakeInviteStore) Accept(_ context.Context, p AcceptParams) error {
	t := p.At
	p.Invite.AcceptedAt = &t
	if p.NewUser != nil {
		f.users.add(p.NewUser)
	}
	return f.memberships.CreateMembership(context.Background(), &membership.UserCompany{
		UserID: p.UserID, CompanyID: p.Invite.CompanyID, IsActive: true, CreatedAt: p.At,
	})
}

func newTestService(t *testing.T) (*Service, *fakeUsers, *fakeMemberships, *time.Time) {
	t.Helper()
	users := newFakeUsers()
	memberships := newFakeMemberships()
	store := &fakeInviteStore{users: users, memberships: memberships, byHash: make(map[string]*Invite)}
	companies := &fakeCompanies{companies: map[string]*identity.Company{
		"acme": {ID: "acme", Name: "Acme Corp", IsActive: true, PasswordPolicy: identity.PasswordPolicy{MinLength: 8}},
	}}
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc := NewService(store, users, companies, memberships, nil, nil, 7*24*time.Hour,
		WithClock(func() time.Time { return now }))
	return svc, users, memberships, &now
}

func TestNewUserInviteFullFlow(t *testing.T) {
	svc, users, memberships, _ := newTestService(t)
	ctx := context.Background()

	inv, token, err := svc.Create(ctx, CreateInput{
		InviterID: "admin1", CompanyID: "acme", Email: "New.Hire@Example.com", RoleIDs: []string{"r1"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if inv.IsExistingUserInvite {
		t.Fatal("unknown email must produce a new-user invite")
	}
	if inv.Email != "new.hire@example.com" {
		t.Fatalf("email must be normalized, got %q", inv.Email)
	}

	got, err := svc.Validate(ctx, token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got.ID != inv.ID {
		t.Fatal("validate must resolve the created invite")
	}

	user, err := svc.Accept(ctx, AcceptInput{Token: token, Password: "longenough", FirstName: "New", LastName: "Hire"})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if user.Email != "new.hire@example.com" || !user.IsActive {
		t.Fatalf("unexpected user: %+v", user)
	}
	if _, ok := users.byID[user.ID]; !ok {
		t.Fatal("accept must create the account")
	}
	uc, err := memberships.FindMembership(ctx, user.ID, "acme")
	if err != nil || !uc.IsActive {
		t.Fatalf("accept must create an active membership: %v", err)
	}
}

func TestNewUserInviteEnforcesPasswordPolicy(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	_, token, err := svc.Create(ctx, CreateInput{InviterID: "admin1", CompanyID: "acme", Email: "x@example.com"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Accept(ctx, AcceptInput{Token: token, Password: "short"}); !errors.Is(err, credential.ErrPolicyViolation) {
		t.Fatalf("expected policy violation, got %v", err)
	}
	if _, err := svc.Accept(ctx, AcceptInput{Token: token}); !errors.Is(err, ErrPasswordRequired) {
		t.Fatalf("expected ErrPasswordRequired, got %v", err)
	}
}

func TestExistingUserInvite(t *testing.T) {
	svc, users, memberships, _ := newTestService(t)
	ctx := context.Background()
	users.add(&identity.User{ID: "u1", Email: "known@example.com", IsActive: true})

	inv, token, err := svc.Create(ctx, CreateInput{InviterID: "admin1", CompanyID: "acme", Email: "known@example.com"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !inv.IsExistingUserInvite || inv.ExistingUserID == nil || *inv.ExistingUserID != "u1" {
		t.Fatalf("expected existing-user invite for u1: %+v", inv)
	}

	user, err := svc.Accept(ctx, AcceptInput{Token: token})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if user.ID != "u1" {
		t.Fatalf("accept must attach to the existing account, got %s", user.ID)
	}
	if _, err := memberships.FindMembership(ctx, "u1", "acme"); err != nil {
		t.Fatalf("membership must exist: %v", err)
	}
	if len(users.created) != 0 {
		t.Fatal("no account may be created for an existing-user invite")
	}
}

func TestInternalUserNotInvitable(t *testing.T) {
	svc, users, _, _ := newTestService(t)
	users.add(&identity.User{ID: "staff1", Email: "staff@opsdeck.io", IsInternal: true, IsActive: true})

	_, _, err := svc.Create(context.Background(), CreateInput{InviterID: "admin1", CompanyID: "acme", Email: "staff@opsdeck.io"})
	if !errors.Is(err, ErrInternalUserNotInvitable) {
		t.Fatalf("expected ErrInternalUserNotInvitable, got %v", err)
	}
}

func TestActiveMemberNotInvitable(t *testing.T) {
	svc, users, memberships, _ := newTestService(t)
	ctx := context.Background()
	users.add(&identity.User{ID: "u1", Email: "member@example.com", IsActive: true})
	_ = memberships.CreateMembership(ctx, &membership.UserCompany{UserID: "u1", CompanyID: "acme", IsActive: true})

	_, _, err := svc.Create(ctx, CreateInput{InviterID: "admin1", CompanyID: "acme", Email: "member@example.com"})
	if !errors.Is(err, ErrAlreadyMember) {
		t.Fatalf("expected ErrAlreadyMember, got %v", err)
	}
}

func TestDeactivatedMemberIsInvitableAgain(t *testing.T) {
	svc, users, memberships, _ := newTestService(t)
	ctx := context.Background()
	users.add(&identity.User{ID: "u1", Email: "former@example.com", IsActive: true})
	_ = memberships.CreateMembership(ctx, &membership.UserCompany{UserID: "u1", CompanyID: "acme", IsActive: false})

	if _, _, err := svc.Create(ctx, CreateInput{InviterID: "admin1", CompanyID: "acme", Email: "former@example.com"}); err != nil {
		t.Fatalf("deactivated member must be re-invitable: %v", err)
	}
}

func TestInviteExpiry(t *testing.T) {
	svc, _, _, now := newTestService(t)
	ctx := context.Background()

	_, token, err := svc.Create(ctx, CreateInput{InviterID: "admin1", CompanyID: "acme", Email: "x@example.com"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	*now = now.Add(8 * 24 * time.Hour)

	if _, err := svc.Validate(ctx, token); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestInviteSingleAcceptance(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	_, token, err := svc.Create(ctx, CreateInput{InviterID: "admin1", CompanyID: "acme", Email: "x@example.com"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Accept(ctx, AcceptInput{Token: token, Password: "longenough"}); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if _, err := svc.Accept(ctx, AcceptInput{Token: token, Password: "longenough"}); !errors.Is(err, ErrAlreadyAccepted) {
		t.Fatalf("expected ErrAlreadyAccepted, got %v", err)
	}
	if _, err := svc.Validate(ctx, "never-issued"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
