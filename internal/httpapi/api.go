package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"opsdeck.io/internal/credential"
	"opsdeck.io/internal/identity"
	"opsdeck.io/internal/invite"
	"opsdeck.io/internal/membership"
	"opsdeck.io/internal/mfa"
	"opsdeck.io/internal/oauth"
	"opsdeck.io/internal/obs"
	"opsdeck.io/internal/permission"
	"opsdeck.io/internal/session"
)

// CredentialService verifies logins and manages passwords and the hashed
// single-use token flows tied to them.
type CredentialService interface {
	Verify(ctx context.Context, in credential.VerifyInput) (*identity.User, *identity.Company, error)
	ChangePassword(ctx context.Context, userID, current, next string) error
	StartReset(ctx context.Context, email string) error
	CompleteReset(ctx context.Context, token, next string) error

	IssueRememberMe(ctx context.Context, user *identity.User) (string, error)
	RedeemRememberMe(ctx context.Context, token string) (*identity.User, string, error)
	DropRememberMe(ctx context.Context, token string) error

	StartEmailVerification(ctx context.Context, email string) error
	ConfirmEmail(ctx context.Context, token string) (*identity.User, error)
}

// APIKeyService manages programmatic keys and authenticates them.
type APIKeyService interface {
	IssueAPIKey(ctx context.Context, userID, name string, ttl time.Duration) (*credential.APIKey, string, error)
	ListAPIKeys(ctx context.Context, userID string) ([]*credential.APIKey, error)
	RevokeAPIKey(ctx context.Context, id, userID string) error
	ResolveAPIKey(ctx context.Context, raw string) (*identity.User, error)
}

// SessionService owns the session lifecycle.
type SessionService interface {
	Create(ctx context.Context, source, ip, userAgent string) (*session.Session, error)
	Bind(ctx context.Context, in session.BindInput) (*session.Session, error)
	Resolve(ctx context.Context, id string, touch bool) (*session.Session, *identity.User, error)
	Revoke(ctx context.Context, id string) error
	RevokeAllForUser(ctx context.Context, userID string) error
	ListActive(ctx context.Context, userID, source string) ([]*session.Session, error)
	Masquerade(ctx context.Context, sessionID string, operator, target *identity.User) (*session.Session, error)
	EndMasquerade(ctx context.Context, sessionID string) (*session.Session, error)
}

// MFAService runs second-factor enrollment and verification.
type MFAService interface {
	Enroll(ctx context.Context, user *identity.User) (*mfa.Enrollment, error)
	Confirm(ctx context.Context, user *identity.User, code string) ([]string, error)
	Disable(ctx context.Context, user *identity.User, code string) error
	Verify(ctx context.Context, in mfa.VerifyInput) (mfa.Method, error)
	SendCode(ctx context.Context, user *identity.User) error
	GenerateRecoveryCodes(ctx context.Context, userID string) ([]string, error)
	IsTrusted(ctx context.Context, userID, fingerprint string) (bool, error)
	RevokeTrustedDevices(ctx context.Context, userID string) error
}

// MembershipService answers company access questions and performs switches.
type MembershipService interface {
	Companies(ctx context.Context, user *identity.User, search string) (*membership.CompanyList, error)
	CanSwitch(ctx context.Context, user *identity.User) (bool, error)
	Switch(ctx context.Context, sessionID string, user *identity.User, companyID string) (*identity.Company, error)
	Pin(ctx context.Context, userID, companyID string, pinned bool) error
	Restriction(ctx context.Context, user *identity.User) (membership.Restriction, error)
	GrantInternal(ctx context.Context, internalUser *identity.User, companyID, byUserID string) error
	RevokeInternal(ctx context.Context, internalUser *identity.User, companyID, byUserID string) error
	Deactivate(ctx context.Context, userID, companyID, byUserID string) error
}

// TokenService is the OAuth2 surface.
type TokenService interface {
	Authorize(ctx context.Context, in oauth.AuthorizeInput) (string, error)
	Exchange(ctx context.Context, in oauth.ExchangeInput) (*oauth.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (*oauth.TokenPair, error)
	Revoke(ctx context.Context, refreshToken string) error
	ValidateAccess(ctx context.Context, bearer string) (*oauth.AccessClaims, error)
}

// InviteService issues and redeems company invites.
type InviteService interface {
	Create(ctx context.Context, in invite.CreateInput) (*invite.Invite, string, error)
	Validate(ctx context.Context, token string) (*invite.Invite, error)
	Accept(ctx context.Context, in invite.AcceptInput) (*identity.User, error)
}

// PermissionService resolves effective permission sets and guards roles.
type PermissionService interface {
	Effective(ctx context.Context, userID, companyID string) (permission.Set, error)
	Platform(ctx context.Context, userID string) (permission.Set, error)
	CreateRole(ctx context.Context, role *permission.Role) error
	UpdateRole(ctx context.Context, role *permission.Role) error
	DeleteRole(ctx context.Context, id string) error
	Assign(ctx context.Context, userID, roleID, companyID string) error
	Unassign(ctx context.Context, userID, roleID string) error
}

// RoleReader lists roles for the console.
type RoleReader interface {
	FindRole(ctx context.Context, id string) (*permission.Role, error)
	ListRoles(ctx context.Context, companyID string) ([]*permission.Role, error)
}

// Deps bundles everything the HTTP layer needs.
type Deps struct {
	Credentials CredentialService
	APIKeys     APIKeyService
	Sessions    SessionService
	MFA         MFAService
	Memberships MembershipService
	Tokens      TokenService
	Invites     InviteService
	Permissions PermissionService
	Roles       RoleReader
	Users       identity.UserStore
	Companies   identity.CompanyStore

	CookieName         string
	RememberCookieName string
	RememberTTL        time.Duration
	CookieSecure       bool

	// DB backs the readiness probe; nil means always ready.
	DB *sql.DB

	RateLimitPerSecond int
	RateLimitBurst     int
	Version            string
}

// API is the HTTP layer.
type API struct {
	deps Deps
	mux  chi.Router
}

// New builds the router. Public endpoints sit outside the authn group; the
// MFA gate applies to everything except the verification endpoints themselves.
func New(deps Deps) *API {
	if deps.CookieName == "" {
		deps.CookieName = "odk_session"
	}
	if deps.RememberCookieName == "" {
		deps.RememberCookieName = "odk_remember"
	}
	if deps.RememberTTL <= 0 {
		deps.RememberTTL = 30 * 24 * time.Hour
	}
	a := &API{deps: deps}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logging)
	r.Use(SecurityHeaders)
	r.Use(maxBodyBytes(1 << 20))
	if deps.RateLimitPerSecond > 0 {
		r.Use(rateLimit(deps.RateLimitPerSecond, deps.RateLimitBurst))
	}

	r.Get("/healthz", a.handleHealthz)
	r.Get("/readyz", a.handleReadyz)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/auth/login", a.handleLogin)
		r.Post("/auth/password/forgot", a.handleForgotPassword)
		r.Post("/auth/password/reset", a.handleResetPassword)
		r.Post("/auth/email/verify", a.handleVerifyEmail)
		r.Post("/auth/email/resend", a.handleResendVerification)
		r.Post("/oauth/token", a.handleToken)
		r.Post("/oauth/revoke", a.handleTokenRevoke)
		r.Get("/invites/validate", a.handleValidateInvite)
		r.Post("/invites/accept", a.handleAcceptInvite)

		// Reachable before the second factor clears. handleMe reports the
		// pending factor in its body instead of refusing outright.
		r.Group(func(r chi.Router) {
			r.Use(a.withAuth)
			r.Get("/auth/me", a.handleMe)
			r.Post("/auth/mfa/verify", a.handleMFAVerify)
			r.Post("/auth/mfa/send", a.handleMFASend)
			r.Post("/auth/logout", a.handleLogout)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.withAuth)
			r.Use(a.requireMFA)

			r.Get("/auth/sessions", a.handleListSessions)
			r.Delete("/auth/sessions/{id}", a.handleRevokeSession)
			r.Delete("/auth/sessions", a.handleRevokeAllSessions)

			r.Post("/auth/mfa/enroll", a.handleMFAEnroll)
			r.Post("/auth/mfa/confirm", a.handleMFAConfirm)
			r.Post("/auth/mfa/disable", a.handleMFADisable)
			r.Post("/auth/mfa/recovery-codes", a.handleMFARecoveryCodes)
			r.Delete("/auth/mfa/trusted-devices", a.handleMFARevokeTrusted)

			r.Post("/auth/password/change", a.handleChangePassword)

			r.Post("/users/me/api-keys", a.handleCreateAPIKey)
			r.Get("/users/me/api-keys", a.handleListAPIKeys)
			r.Delete("/users/me/api-keys/{id}", a.handleRevokeAPIKey)

			r.Get("/users/me/companies", a.handleListCompanies)
			r.Get("/users/me/active-company", a.handleActiveCompany)
			r.Post("/users/me/switch-company", a.handleSwitchCompany)
			r.Patch("/users/me/companies/{companyID}", a.handlePinCompany)

			r.Post("/masquerade", a.handleStartMasquerade)
			r.Delete("/masquerade", a.handleEndMasquerade)

			r.Get("/roles", a.handleListRoles)
			r.Post("/roles", a.handleCreateRole)
			r.Put("/roles/{id}", a.handleUpdateRole)
			r.Delete("/roles/{id}", a.handleDeleteRole)
			r.Post("/roles/{id}/assign", a.handleAssignRole)
			r.Delete("/roles/{id}/assign/{userID}", a.handleUnassignRole)

			r.Post("/users/invites", a.handleCreateInvite)

			r.Get("/internal-users/{userID}/companies", a.handleListInternalGrants)
			r.Post("/internal-users/{userID}/companies", a.handleGrantInternal)
			r.Delete("/internal-users/{userID}/companies/{companyID}", a.handleRevokeInternal)
			r.Delete("/companies/{companyID}/members/{userID}", a.handleDeactivateMember)

			r.Post("/oauth/authorize", a.handleAuthorize)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "no such endpoint")
	})

	a.mux = r
	return a
}

// Handler returns the instrumented root handler.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.mux)
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "opsdeck-auth",
		"version": a.deps.Version,
	})
}

func (a *API) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if a.deps.DB != nil {
		if err := a.deps.DB.PingContext(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
