package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"opsdeck.io/internal/credential"
	"opsdeck.io/internal/identity"
	"opsdeck.io/internal/invite"
	"opsdeck.io/internal/membership"
	"opsdeck.io/internal/mfa"
	"opsdeck.io/internal/oauth"
	"opsdeck.io/internal/permission"
	"opsdeck.io/internal/session"
)

type fakeCreds struct {
	verify         func(credential.VerifyInput) (*identity.User, *identity.Company, error)
	startReset     func(string) error
	completeReset  func(token, next string) error
	redeemRemember func(token string) (*identity.User, string, error)
	confirmEmail   func(token string) (*identity.User, error)
	dropped        []string
}

func (f *fakeCreds) Verify(_ context.Context, in credential.VerifyInput) (*identity.User, *identity.Company, error) {
	return f.verify(in)
}
func (f *fakeCreds) ChangePassword(context.Context, string, string, string) error { return nil }
func (f *fakeCreds) StartReset(_ context.Context, email string) error {
	if f.startReset != nil {
		return f.startReset(email)
	}
	return nil
}
func (f *fakeCreds) CompleteReset(_ context.Context, token, next string) error {
	if f.completeReset != nil {
		return f.completeReset(token, next)
	}
	return nil
}
func (f *fakeCreds) IssueRememberMe(context.Context, *identity.User) (string, error) {
	return "remember-1", nil
}
func (f *fakeCreds) RedeemRememberMe(_ context.Context, token string) (*identity.User, string, error) {
	if f.redeemRemember == nil {
		return nil, "", credential.ErrTokenExpired
	}
	return f.redeemRemember(token)
}
func (f *fakeCreds) DropRememberMe(_ context.Context, token string) error {
	f.dropped = append(f.dropped, token)
	return nil
}
func (f *fakeCreds) StartEmailVerification(context.Context, string) error { return nil }
func (f *fakeCreds) ConfirmEmail(_ context.Context, token string) (*identity.User, error) {
	if f.confirmEmail == nil {
		return nil, credential.ErrTokenExpired
	}
	return f.confirmEmail(token)
}

type fakeAPIKeys struct {
	resolve func(raw string) (*identity.User, error)
	revoked []string
}

func (f *fakeAPIKeys) IssueAPIKey(_ context.Context, userID, name string, _ time.Duration) (*credential.APIKey, string, error) {
	return &credential.APIKey{ID: "key-1", UserID: userID, Name: name, Prefix: "odk_abcd1234"}, "odk_raw-secret", nil
}
func (f *fakeAPIKeys) ListAPIKeys(context.Context, string) ([]*credential.APIKey, error) {
	return nil, nil
}
func (f *fakeAPIKeys) RevokeAPIKey(_ context.Context, id, _ string) error {
	f.revoked = append(f.revoked, id)
	return nil
}
func (f *fakeAPIKeys) ResolveAPIKey(_ context.Context, raw string) (*identity.User, error) {
	if f.resolve == nil {
		return nil, credential.ErrInvalidAPIKey
	}
	return f.resolve(raw)
}

type fakeSessions struct {
	bind    func(session.BindInput) (*session.Session, error)
	resolve func(id string, touch bool) (*session.Session, *identity.User, error)
	revoked []string
}

func (f *fakeSessions) Create(_ context.Context, source, ip, ua string) (*session.Session, error) {
	now := time.Now().UTC()
	return &session.Session{ID: "pending-1", Source: source, IP: ip, UserAgent: ua, CreatedAt: now, LastActivityAt: now}, nil
}
func (f *fakeSessions) Bind(_ context.Context, in session.BindInput) (*session.Session, error) {
	return f.bind(in)
}
func (f *fakeSessions) Resolve(_ context.Context, id string, touch bool) (*session.Session, *identity.User, error) {
	if f.resolve == nil {
		return nil, nil, session.ErrNotFound
	}
	return f.resolve(id, touch)
}
func (f *fakeSessions) Revoke(_ context.Context, id string) error {
	f.revoked = append(f.revoked, id)
	return nil
}
func (f *fakeSessions) RevokeAllForUser(context.Context, string) error { return nil }
func (f *fakeSessions) ListActive(context.Context, string, string) ([]*session.Session, error) {
	return nil, nil
}
func (f *fakeSessions) Masquerade(context.Context, string, *identity.User, *identity.User) (*session.Session, error) {
	return nil, session.ErrNotFound
}
func (f *fakeSessions) EndMasquerade(context.Context, string) (*session.Session, error) {
	return nil, session.ErrNotFound
}

type fakeMFA struct {
	verify  func(mfa.VerifyInput) (mfa.Method, error)
	trusted bool
}

func (f *fakeMFA) Enroll(context.Context, *identity.User) (*mfa.Enrollment, error) {
	return &mfa.Enrollment{Secret: "secret", URL: "otpauth://totp/x"}, nil
}
func (f *fakeMFA) Confirm(context.Context, *identity.User, string) ([]string, error) {
	return nil, mfa.ErrInvalidCode
}
func (f *fakeMFA) Disable(context.Context, *identity.User, string) error { return nil }
func (f *fakeMFA) Verify(_ context.Context, in mfa.VerifyInput) (mfa.Method, error) {
	if f.verify == nil {
		return "", mfa.ErrInvalidCode
	}
	return f.verify(in)
}
func (f *fakeMFA) SendCode(context.Context, *identity.User) error { return nil }
func (f *fakeMFA) GenerateRecoveryCodes(context.Context, string) ([]string, error) {
	return []string{"aaaa-bbbb"}, nil
}
func (f *fakeMFA) IsTrusted(context.Context, string, string) (bool, error) { return f.trusted, nil }
func (f *fakeMFA) RevokeTrustedDevices(context.Context, string) error      { return nil }

type fakeMemberships struct {
	switchFn func(sessionID string, user *identity.User, companyID string) (*identity.Company, error)
}

func (f *fakeMemberships) Companies(context.Context, *identity.User, string) (*membership.CompanyList, error) {
	return &membership.CompanyList{}, nil
}
func (f *fakeMemberships) CanSwitch(context.Context, *identity.User) (bool, error) { return true, nil }
func (f *fakeMemberships) Switch(_ context.Context, sessionID string, user *identity.User, companyID string) (*identity.Company, error) {
	if f.switchFn == nil {
		return nil, membership.ErrNoMembership
	}
	return f.switchFn(sessionID, user, companyID)
}
func (f *fakeMemberships) Pin(context.Context, string, string, bool) error { return nil }
func (f *fakeMemberships) Restriction(context.Context, *identity.User) (membership.Restriction, error) {
	return membership.Unrestricted(), nil
}
func (f *fakeMemberships) GrantInternal(context.Context, *identity.User, string, string) error {
	return nil
}
func (f *fakeMemberships) RevokeInternal(context.Context, *identity.User, string, string) error {
	return nil
}
func (f *fakeMemberships) Deactivate(context.Context, string, string, string) error { return nil }

type fakeTokens struct {
	refresh   func(string) (*oauth.TokenPair, error)
	authorize func(oauth.AuthorizeInput) (string, error)
}

func (f *fakeTokens) Authorize(_ context.Context, in oauth.AuthorizeInput) (string, error) {
	if f.authorize == nil {
		return "code-1", nil
	}
	return f.authorize(in)
}
func (f *fakeTokens) Exchange(context.Context, oauth.ExchangeInput) (*oauth.TokenPair, error) {
	return nil, oauth.ErrInvalidGrant
}
func (f *fakeTokens) Refresh(_ context.Context, token string) (*oauth.TokenPair, error) {
	if f.refresh == nil {
		return nil, oauth.ErrInvalidToken
	}
	return f.refresh(token)
}
func (f *fakeTokens) Revoke(context.Context, string) error { return nil }
func (f *fakeTokens) ValidateAccess(context.Context, string) (*oauth.AccessClaims, error) {
	return nil, oauth.ErrInvalidToken
}

type fakeInvites struct{}

func (fakeInvites) Create(context.Context, invite.CreateInput) (*invite.Invite, string, error) {
	return &invite.Invite{ID: "inv1"}, "token", nil
}
func (fakeInvites) Validate(context.Context, string) (*invite.Invite, error) {
	return nil, invite.ErrNotFound
}
func (fakeInvites) Accept(context.Context, invite.AcceptInput) (*identity.User, error) {
	return nil, invite.ErrNotFound
}

type fakePermissions struct {
	effective permission.Set
}

func (f *fakePermissions) Effective(context.Context, string, string) (permission.Set, error) {
	if f.effective == nil {
		return permission.NewSet(), nil
	}
	return f.effective, nil
}
func (f *fakePermissions) Platform(context.Context, string) (permission.Set, error) {
	return permission.NewSet(), nil
}
func (f *fakePermissions) CreateRole(context.Context, *permission.Role) error { return nil }
func (f *fakePermissions) UpdateRole(context.Context, *permission.Role) error { return nil }
func (f *fakePermissions) DeleteRole(context.Context, string) error           { return nil }
func (f *fakePermissions) Assign(context.Context, string, string, string) error {
	return nil
}
func (f *fakePermissions) Unassign(context.Context, string, string) error { return nil }

type fakeRoles struct{}

func (fakeRoles) FindRole(context.Context, string) (*permission.Role, error) {
	return nil, permission.ErrNotFound
}
func (fakeRoles) ListRoles(context.Context, string) ([]*permission.Role, error) { return nil, nil }

type fakeUserStore struct {
	users map[string]*identity.User
}

func (f *fakeUserStore) Find(_ context.Context, id string) (*identity.User, error) {
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return nil, identity.ErrNotFound
}
func (f *fakeUserStore) FindByEmail(context.Context, string) (*identity.User, error) {
	return nil, identity.ErrNotFound
}
func (f *fakeUserStore) Create(context.Context, *identity.User) error { return nil }
func (f *fakeUserStore) RecordLoginFailure(context.Context, string, time.Time, int, time.Duration, time.Duration) (bool, error) {
	return false, nil
}
func (f *fakeUserStore) ClearLockout(context.Context, string) error { return nil }
func (f *fakeUserStore) UpdatePassword(context.Context, string, string, time.Time) error {
	return nil
}
func (f *fakeUserStore) SetForceLogout(context.Context, string, time.Time) error { return nil }
func (f *fakeUserStore) SetTOTP(context.Context, string, string, bool) error     { return nil }
func (f *fakeUserStore) MarkEmailVerified(context.Context, string, time.Time) error {
	return nil
}

type fakeCompanies struct {
	companies map[string]*identity.Company
}

func (f *fakeCompanies) Find(_ context.Context, id string) (*identity.Company, error) {
	if co, ok := f.companies[id]; ok {
		return co, nil
	}
	return nil, identity.ErrNotFound
}
func (f *fakeCompanies) List(context.Context, string) ([]*identity.Company, error) {
	return nil, nil
}
func (f *fakeCompanies) FindMany(context.Context, []string) ([]*identity.Company, error) {
	return nil, nil
}

func testUser() *identity.User {
	return &identity.User{ID: "u1", Email: "kim@acme.test", CompanyID: "c1", IsActive: true}
}

func testCompany() *identity.Company {
	return &identity.Company{ID: "c1", Name: "Acme", IsActive: true}
}

func boundSession(user *identity.User, mfaVerified bool) *session.Session {
	now := time.Now().UTC()
	exp := now.Add(30 * time.Minute)
	abs := now.Add(12 * time.Hour)
	cid := user.CompanyID
	return &session.Session{
		ID: "sess-1", UserID: &user.ID, CompanyID: &cid, ActiveCompanyID: &cid,
		Source: sourceWeb, MfaVerified: mfaVerified,
		CreatedAt: now, LastActivityAt: now, ExpiresAt: &exp, AbsoluteExpiresAt: &abs,
	}
}

func newTestAPI(deps Deps) http.Handler {
	if deps.Credentials == nil {
		deps.Credentials = &fakeCreds{}
	}
	if deps.APIKeys == nil {
		deps.APIKeys = &fakeAPIKeys{}
	}
	if deps.Sessions == nil {
		deps.Sessions = &fakeSessions{}
	}
	if deps.MFA == nil {
		deps.MFA = &fakeMFA{}
	}
	if deps.Memberships == nil {
		deps.Memberships = &fakeMemberships{}
	}
	if deps.Tokens == nil {
		deps.Tokens = &fakeTokens{}
	}
	if deps.Invites == nil {
		deps.Invites = fakeInvites{}
	}
	if deps.Permissions == nil {
		deps.Permissions = &fakePermissions{}
	}
	if deps.Roles == nil {
		deps.Roles = fakeRoles{}
	}
	if deps.Users == nil {
		deps.Users = &fakeUserStore{}
	}
	if deps.Companies == nil {
		deps.Companies = &fakeCompanies{}
	}
	return New(deps).Handler()
}

func postJSON(t *testing.T, h http.Handler, path, body string, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rec.Body.String())
	}
	return body.Code
}

func TestLoginSetsCookieAndBinds(t *testing.T) {
	user, company := testUser(), testCompany()
	var bindIn session.BindInput
	sessions := &fakeSessions{bind: func(in session.BindInput) (*session.Session, error) {
		bindIn = in
		return boundSession(user, in.MfaVerified), nil
	}}
	h := newTestAPI(Deps{
		Credentials: &fakeCreds{verify: func(credential.VerifyInput) (*identity.User, *identity.Company, error) {
			return user, company, nil
		}},
		Sessions: sessions,
	})

	rec := postJSON(t, h, "/v1/auth/login", `{"email":"kim@acme.test","password":"pw"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if !bindIn.MfaVerified {
		t.Fatal("a user without MFA must bind fully verified")
	}

	var found bool
	for _, c := range rec.Result().Cookies() {
		if c.Name == "odk_session" && c.Value == "sess-1" && c.HttpOnly {
			found = true
		}
	}
	if !found {
		t.Fatal("expected HttpOnly session cookie")
	}

	var resp loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.MfaRequired {
		t.Fatal("mfa_required should be false")
	}
	if !resp.CanSwitchCompanies {
		t.Fatal("can_switch_companies must reflect the membership answer")
	}
}

func TestLoginLockedAccount(t *testing.T) {
	h := newTestAPI(Deps{
		Credentials: &fakeCreds{verify: func(credential.VerifyInput) (*identity.User, *identity.Company, error) {
			return nil, nil, credential.ErrAccountLocked
		}},
	})
	rec := postJSON(t, h, "/v1/auth/login", `{"email":"kim@acme.test","password":"pw"}`, nil)
	if rec.Code != http.StatusLocked {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := errCode(t, rec); code != "account_locked" {
		t.Fatalf("code = %s", code)
	}
}

func TestLoginSessionLimitPrompt(t *testing.T) {
	user, company := testUser(), testCompany()
	existing := boundSession(user, true)
	h := newTestAPI(Deps{
		Credentials: &fakeCreds{verify: func(credential.VerifyInput) (*identity.User, *identity.Company, error) {
			return user, company, nil
		}},
		Sessions: &fakeSessions{bind: func(in session.BindInput) (*session.Session, error) {
			if in.EvictSessionID == "" {
				return nil, &session.LimitPromptError{Sessions: []*session.Session{existing}}
			}
			return boundSession(user, true), nil
		}},
	})

	rec := postJSON(t, h, "/v1/auth/login", `{"email":"kim@acme.test","password":"pw"}`, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != "session_limit_prompt" || len(body.Sessions) != 1 {
		t.Fatalf("unexpected prompt body: %+v", body)
	}

	retry := postJSON(t, h, "/v1/auth/login",
		`{"email":"kim@acme.test","password":"pw","evict_session_id":"`+existing.ID+`"}`, nil)
	if retry.Code != http.StatusOK {
		t.Fatalf("retry status = %d, body %s", retry.Code, retry.Body.String())
	}
}

func TestMFAGateBlocksUntilVerified(t *testing.T) {
	user := testUser()
	user.MfaEnabled = true
	pending := boundSession(user, false)
	sessions := &fakeSessions{resolve: func(id string, _ bool) (*session.Session, *identity.User, error) {
		if id != pending.ID {
			return nil, nil, session.ErrNotFound
		}
		return pending, user, nil
	}}
	verified := false
	h := newTestAPI(Deps{
		Sessions: sessions,
		MFA: &fakeMFA{verify: func(in mfa.VerifyInput) (mfa.Method, error) {
			if in.Code != "123456" {
				return "", mfa.ErrInvalidCode
			}
			verified = true
			pending.MfaVerified = true
			return mfa.MethodTOTP, nil
		}},
	})
	cookie := &http.Cookie{Name: "odk_session", Value: pending.ID}

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/sessions", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := errCode(t, rec); code != "mfa_required" {
		t.Fatalf("code = %s", code)
	}

	bad := postJSON(t, h, "/v1/auth/mfa/verify", `{"code":"000000"}`, cookie)
	if bad.Code != http.StatusUnauthorized || errCode(t, bad) != "mfa_invalid_code" {
		t.Fatalf("bad code: status %d code %s", bad.Code, errCode(t, bad))
	}

	good := postJSON(t, h, "/v1/auth/mfa/verify", `{"code":"123456"}`, cookie)
	if good.Code != http.StatusOK {
		t.Fatalf("verify status = %d", good.Code)
	}
	if !verified {
		t.Fatal("engine was not called")
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/auth/sessions", nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("post-verify status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestMeReportsPendingSecondFactor(t *testing.T) {
	user := testUser()
	user.MfaEnabled = true
	pending := boundSession(user, false)
	h := newTestAPI(Deps{
		Sessions: &fakeSessions{resolve: func(string, bool) (*session.Session, *identity.User, error) {
			return pending, user, nil
		}},
	})
	cookie := &http.Cookie{Name: "odk_session", Value: pending.ID}

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var body struct {
		RequiresMfa bool            `json:"requires_mfa"`
		Permissions json.RawMessage `json:"permissions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.RequiresMfa {
		t.Fatal("pending session must report requires_mfa")
	}
	if len(body.Permissions) != 0 {
		t.Fatal("pending session must not see permissions")
	}

	pending.MfaVerified = true
	req = httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("verified status = %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.RequiresMfa {
		t.Fatal("verified session must not report requires_mfa")
	}
}

func TestForgotPasswordAlwaysAccepted(t *testing.T) {
	h := newTestAPI(Deps{})
	for _, email := range []string{"known@acme.test", "ghost@nowhere.test"} {
		rec := postJSON(t, h, "/v1/auth/password/forgot", `{"email":"`+email+`"}`, nil)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("status for %s = %d", email, rec.Code)
		}
	}
}

func TestSwitchCompanyDenied(t *testing.T) {
	user := testUser()
	s := boundSession(user, true)
	h := newTestAPI(Deps{
		Sessions: &fakeSessions{resolve: func(string, bool) (*session.Session, *identity.User, error) {
			return s, user, nil
		}},
	})
	cookie := &http.Cookie{Name: "odk_session", Value: s.ID}
	rec := postJSON(t, h, "/v1/users/me/switch-company", `{"company_id":"c9"}`, cookie)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := errCode(t, rec); code != "no_active_membership" {
		t.Fatalf("code = %s", code)
	}
}

func TestRefreshReuseDetected(t *testing.T) {
	h := newTestAPI(Deps{
		Tokens: &fakeTokens{refresh: func(string) (*oauth.TokenPair, error) {
			return nil, oauth.ErrReuseDetected
		}},
	})
	form := url.Values{"grant_type": {"refresh_token"}, "refresh_token": {"stolen"}}
	req := httptest.NewRequest(http.MethodPost, "/v1/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := errCode(t, rec); code != "refresh_token_reuse_detected" {
		t.Fatalf("code = %s", code)
	}
}

func TestUnsupportedGrantType(t *testing.T) {
	h := newTestAPI(Deps{})
	form := url.Values{"grant_type": {"password"}}
	req := httptest.NewRequest(http.MethodPost, "/v1/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRoleCreateRequiresPermission(t *testing.T) {
	user := testUser()
	s := boundSession(user, true)
	resolve := func(string, bool) (*session.Session, *identity.User, error) { return s, user, nil }

	denied := newTestAPI(Deps{Sessions: &fakeSessions{resolve: resolve}})
	cookie := &http.Cookie{Name: "odk_session", Value: s.ID}
	rec := postJSON(t, denied, "/v1/roles", `{"name":"ops","permissions":["reports:read"]}`, cookie)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}

	allowed := newTestAPI(Deps{
		Sessions:    &fakeSessions{resolve: resolve},
		Permissions: &fakePermissions{effective: permission.NewSet("roles:manage")},
	})
	rec = postJSON(t, allowed, "/v1/roles", `{"name":"ops","permissions":["reports:read"]}`, cookie)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestRateLimit(t *testing.T) {
	h := newTestAPI(Deps{RateLimitPerSecond: 1, RateLimitBurst: 2})
	var last int
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "10.1.2.3:4455"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", last)
	}
}

func TestUnauthenticatedRequest(t *testing.T) {
	h := newTestAPI(Deps{})
	req := httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestLoginRememberMeSetsPersistentCookie(t *testing.T) {
	user, company := testUser(), testCompany()
	h := newTestAPI(Deps{
		Credentials: &fakeCreds{verify: func(credential.VerifyInput) (*identity.User, *identity.Company, error) {
			return user, company, nil
		}},
		Sessions: &fakeSessions{bind: func(in session.BindInput) (*session.Session, error) {
			return boundSession(user, in.MfaVerified), nil
		}},
	})

	rec := postJSON(t, h, "/v1/auth/login", `{"email":"kim@acme.test","password":"pw","remember_me":true}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var found bool
	for _, c := range rec.Result().Cookies() {
		if c.Name == "odk_remember" && c.Value == "remember-1" && c.HttpOnly && c.MaxAge > 0 {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a persistent remember-me cookie")
	}
}

func TestRememberMeRevivesSession(t *testing.T) {
	user := testUser()
	creds := &fakeCreds{redeemRemember: func(token string) (*identity.User, string, error) {
		if token != "tok-1" {
			return nil, "", credential.ErrTokenExpired
		}
		return user, "tok-2", nil
	}}
	var bindIn session.BindInput
	h := newTestAPI(Deps{
		Credentials: creds,
		Sessions: &fakeSessions{bind: func(in session.BindInput) (*session.Session, error) {
			bindIn = in
			return boundSession(user, in.MfaVerified), nil
		}},
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
	req.AddCookie(&http.Cookie{Name: "odk_remember", Value: "tok-1"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if bindIn.User != user || !bindIn.MfaVerified {
		t.Fatalf("unexpected bind input: %+v", bindIn)
	}

	var gotSession, gotRotated bool
	for _, c := range rec.Result().Cookies() {
		switch {
		case c.Name == "odk_session" && c.Value == "sess-1":
			gotSession = true
		case c.Name == "odk_remember" && c.Value == "tok-2":
			gotRotated = true
		}
	}
	if !gotSession || !gotRotated {
		t.Fatalf("expected fresh session and rotated remember cookies, got %v", rec.Result().Cookies())
	}
}

func TestRememberMeDeadTokenClearsCookie(t *testing.T) {
	h := newTestAPI(Deps{Credentials: &fakeCreds{
		verify: func(credential.VerifyInput) (*identity.User, *identity.Company, error) {
			return nil, nil, credential.ErrInvalidCredentials
		},
	}})

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
	req.AddCookie(&http.Cookie{Name: "odk_remember", Value: "long-dead"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	var cleared bool
	for _, c := range rec.Result().Cookies() {
		if c.Name == "odk_remember" && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Fatal("dead remember cookie must be cleared")
	}
}

func TestLogoutDropsRememberToken(t *testing.T) {
	user := testUser()
	s := boundSession(user, true)
	creds := &fakeCreds{}
	h := newTestAPI(Deps{
		Credentials: creds,
		Sessions: &fakeSessions{resolve: func(string, bool) (*session.Session, *identity.User, error) {
			return s, user, nil
		}},
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: "odk_session", Value: s.ID})
	req.AddCookie(&http.Cookie{Name: "odk_remember", Value: "tok-9"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(creds.dropped) != 1 || creds.dropped[0] != "tok-9" {
		t.Fatalf("remember token not dropped: %v", creds.dropped)
	}
	var cleared bool
	for _, c := range rec.Result().Cookies() {
		if c.Name == "odk_remember" && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Fatal("remember cookie must be cleared on logout")
	}
}

func TestAPIKeyBearerAuthenticates(t *testing.T) {
	user := testUser()
	h := newTestAPI(Deps{APIKeys: &fakeAPIKeys{resolve: func(raw string) (*identity.User, error) {
		if raw != "odk_valid-key" {
			return nil, credential.ErrInvalidAPIKey
		}
		return user, nil
	}}})

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
	req.Header.Set("Authorization", "Bearer odk_valid-key")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
	req.Header.Set("Authorization", "Bearer odk_revoked-key")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := errCode(t, rec); code != "invalid_api_key" {
		t.Fatalf("code = %s", code)
	}
}

func TestAuthorizeEchoesState(t *testing.T) {
	user := testUser()
	s := boundSession(user, true)
	var got oauth.AuthorizeInput
	h := newTestAPI(Deps{
		Sessions: &fakeSessions{resolve: func(string, bool) (*session.Session, *identity.User, error) {
			return s, user, nil
		}},
		Tokens: &fakeTokens{authorize: func(in oauth.AuthorizeInput) (string, error) {
			got = in
			return "code-7", nil
		}},
	})
	cookie := &http.Cookie{Name: "odk_session", Value: s.ID}

	rec := postJSON(t, h, "/v1/oauth/authorize",
		`{"client_id":"web","redirect_uri":"https://app.example.com/cb","state":"xyzzy"}`, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got.State != "xyzzy" {
		t.Fatalf("state not forwarded to the grant: %+v", got)
	}
	var body struct {
		Code  string `json:"code"`
		State string `json:"state"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != "code-7" || body.State != "xyzzy" {
		t.Fatalf("unexpected authorize body: %+v", body)
	}
}
