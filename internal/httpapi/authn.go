package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"opsdeck.io/internal/credential"
	"opsdeck.io/internal/identity"
	"opsdeck.io/internal/session"
)

const bearerPrefix = "Bearer "

// Principal is the authenticated caller. Session is nil for bearer-token
// requests; ActiveCompanyID always reflects the scope claims or the session.
type Principal struct {
	User            *identity.User
	Session         *session.Session
	ActiveCompanyID string
}

// Masquerading reports whether the session acts as someone else.
func (p *Principal) Masquerading() bool {
	return p.Session != nil && p.Session.SourceUserID != nil
}

func principalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKeyPrincipal).(*Principal)
	return p, ok
}

// withAuth resolves the caller from the session cookie or a bearer access
// token. The cookie wins when both are present. A dead session falls back to
// the remember-me cookie before the request is refused.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := a.authenticate(r)
		if p == nil {
			if revived := a.reviveRememberedSession(w, r); revived != nil {
				p, err = revived, nil
			}
		}
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		if p == nil {
			writeError(w, r, http.StatusUnauthorized, "unauthenticated", "authentication required")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyPrincipal, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// reviveRememberedSession trades a remember-me cookie for a fresh session.
// The token is single use, so a failed redemption clears the cookie rather
// than retrying. MFA state starts over: the cookie is not a second factor.
func (a *API) reviveRememberedSession(w http.ResponseWriter, r *http.Request) *Principal {
	c, err := r.Cookie(a.deps.RememberCookieName)
	if err != nil || c.Value == "" {
		return nil
	}
	user, rotated, err := a.deps.Credentials.RedeemRememberMe(r.Context(), c.Value)
	if err != nil {
		a.clearRememberCookie(w)
		return nil
	}
	company := &identity.Company{}
	if user.CompanyID != "" {
		if co, err := a.deps.Companies.Find(r.Context(), user.CompanyID); err == nil {
			company = co
		}
	}
	s, err := a.deps.Sessions.Create(r.Context(), sourceWeb, clientIP(r), r.UserAgent())
	if err != nil {
		return nil
	}
	bound, err := a.deps.Sessions.Bind(r.Context(), session.BindInput{
		SessionID:   s.ID,
		User:        user,
		Company:     company,
		MfaVerified: !user.MfaEnabled,
	})
	if err != nil {
		return nil
	}
	a.setSessionCookie(w, bound.ID)
	a.setRememberCookie(w, rotated)
	p := &Principal{User: user, Session: bound}
	if bound.ActiveCompanyID != nil {
		p.ActiveCompanyID = *bound.ActiveCompanyID
	}
	return p
}

func (a *API) authenticate(r *http.Request) (*Principal, error) {
	if c, err := r.Cookie(a.deps.CookieName); err == nil && c.Value != "" {
		s, user, err := a.deps.Sessions.Resolve(r.Context(), c.Value, true)
		if err != nil {
			return nil, err
		}
		if user == nil {
			return nil, session.ErrNotBound
		}
		p := &Principal{User: user, Session: s}
		if s.ActiveCompanyID != nil {
			p.ActiveCompanyID = *s.ActiveCompanyID
		}
		return p, nil
	}

	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return nil, nil
	}
	if !strings.HasPrefix(header, bearerPrefix) {
		return nil, nil
	}
	bearer := strings.TrimSpace(header[len(bearerPrefix):])

	// Programmatic keys share the Authorization header with JWTs; the odk_
	// prefix tells them apart. Keys act in the user's home company.
	if strings.HasPrefix(bearer, credential.APIKeyPrefix) && a.deps.APIKeys != nil {
		user, err := a.deps.APIKeys.ResolveAPIKey(r.Context(), bearer)
		if err != nil {
			return nil, err
		}
		return &Principal{User: user, ActiveCompanyID: user.CompanyID}, nil
	}

	claims, err := a.deps.Tokens.ValidateAccess(r.Context(), bearer)
	if err != nil {
		return nil, err
	}
	user, err := a.deps.Users.Find(r.Context(), claims.UserID())
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, session.ErrExpired
	}
	return &Principal{User: user, ActiveCompanyID: claims.CompanyID}, nil
}

// requireMFA blocks session callers whose second factor is still pending.
// Bearer tokens are only minted after a fully verified login, so they pass.
func (a *API) requireMFA(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := principalFrom(r.Context())
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "unauthenticated", "authentication required")
			return
		}
		if p.Session != nil && p.User.MfaEnabled && !p.Session.MfaVerified {
			writeError(w, r, http.StatusUnauthorized, "mfa_required", "second factor required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requirePermission checks one permission against the caller's effective set
// in their active company.
func (a *API) requirePermission(w http.ResponseWriter, r *http.Request, p *Principal, perm string) bool {
	set, err := a.deps.Permissions.Effective(r.Context(), p.User.ID, p.ActiveCompanyID)
	if err != nil {
		writeDomainError(w, r, err)
		return false
	}
	if !set.Has(perm) {
		writeError(w, r, http.StatusForbidden, "permission_denied", "missing permission "+perm)
		return false
	}
	return true
}

// requirePlatformPermission checks the internal console permission set.
func (a *API) requirePlatformPermission(w http.ResponseWriter, r *http.Request, p *Principal, perm string) bool {
	if !p.User.IsInternal {
		writeError(w, r, http.StatusForbidden, "permission_denied", "internal users only")
		return false
	}
	set, err := a.deps.Permissions.Platform(r.Context(), p.User.ID)
	if err != nil {
		writeDomainError(w, r, err)
		return false
	}
	if !set.Has(perm) {
		writeError(w, r, http.StatusForbidden, "permission_denied", "missing permission "+perm)
		return false
	}
	return true
}

func (a *API) setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.deps.CookieName,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   a.deps.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *API) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.deps.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.deps.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *API) setRememberCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.deps.RememberCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(a.deps.RememberTTL / time.Second),
		HttpOnly: true,
		Secure:   a.deps.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *API) clearRememberCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.deps.RememberCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.deps.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
