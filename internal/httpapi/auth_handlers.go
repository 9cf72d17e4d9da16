package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"opsdeck.io/internal/credential"
	"opsdeck.io/internal/identity"
	"opsdeck.io/internal/mfa"
	"opsdeck.io/internal/session"
)

const sourceWeb = "web"

type loginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember_me,omitempty"`

	// EvictSessionID is the retry choice after a session_limit_prompt.
	EvictSessionID    string `json:"evict_session_id,omitempty"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
}

type loginResponse struct {
	User    *identity.User    `json:"user"`
	Company *identity.Company `json:"company,omitempty"`
	Session *session.Session  `json:"session"`

	MfaRequired bool `json:"mfa_required"`

	// MfaEnrollmentRequired flags a tenant-mandated factor the user has not
	// set up yet.
	MfaEnrollmentRequired bool `json:"mfa_enrollment_required,omitempty"`

	// CanSwitchCompanies tells the console whether to render the switcher.
	CanSwitchCompanies bool `json:"can_switch_companies"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	user, company, err := a.deps.Credentials.Verify(r.Context(), credential.VerifyInput{
		Email:     req.Email,
		Password:  req.Password,
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		Source:    sourceWeb,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	mfaPending := user.MfaEnabled
	if mfaPending && req.DeviceFingerprint != "" {
		trusted, err := a.deps.MFA.IsTrusted(r.Context(), user.ID, req.DeviceFingerprint)
		if err == nil && trusted {
			mfaPending = false
		}
	}

	s, err := a.deps.Sessions.Create(r.Context(), sourceWeb, clientIP(r), r.UserAgent())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	co := company
	if co == nil {
		// Internal users have no home company; the session binds without one.
		co = &identity.Company{}
	}
	bound, err := a.deps.Sessions.Bind(r.Context(), session.BindInput{
		SessionID:      s.ID,
		User:           user,
		Company:        co,
		EvictSessionID: req.EvictSessionID,
		MfaVerified:    !mfaPending,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	canSwitch, err := a.deps.Memberships.CanSwitch(r.Context(), user)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	a.setSessionCookie(w, bound.ID)
	if req.RememberMe {
		token, err := a.deps.Credentials.IssueRememberMe(r.Context(), user)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		a.setRememberCookie(w, token)
	}
	writeJSON(w, http.StatusOK, loginResponse{
		User:                  user,
		Company:               company,
		Session:               bound,
		MfaRequired:           mfaPending,
		MfaEnrollmentRequired: company != nil && company.MfaRequired && !user.MfaEnabled,
		CanSwitchCompanies:    canSwitch,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	if p.Session != nil {
		if err := a.deps.Sessions.Revoke(r.Context(), p.Session.ID); err != nil {
			writeDomainError(w, r, err)
			return
		}
	}
	// The remember-me token dies with the logout so the cookie cannot be
	// replayed into a fresh session.
	if c, err := r.Cookie(a.deps.RememberCookieName); err == nil && c.Value != "" {
		_ = a.deps.Credentials.DropRememberMe(r.Context(), c.Value)
	}
	a.clearRememberCookie(w)
	a.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())

	// A session awaiting its second factor sees itself but nothing that
	// depends on full authentication. The console reads requires_mfa and
	// routes to the challenge screen.
	if p.Session != nil && p.User.MfaEnabled && !p.Session.MfaVerified {
		writeJSON(w, http.StatusOK, map[string]any{
			"user":         p.User,
			"requires_mfa": true,
		})
		return
	}

	perms, err := a.deps.Permissions.Effective(r.Context(), p.User.ID, p.ActiveCompanyID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	canSwitch, err := a.deps.Memberships.CanSwitch(r.Context(), p.User)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	resp := map[string]any{
		"user":              p.User,
		"active_company_id": p.ActiveCompanyID,
		"permissions":       perms.List(),
		"can_switch":        canSwitch,
		"requires_mfa":      false,
	}
	if p.Masquerading() {
		resp["masquerading"] = true
		resp["source_user_id"] = *p.Session.SourceUserID
	}
	writeJSON(w, http.StatusOK, resp)
}

type emailTokenRequest struct {
	Token string `json:"token"`
}

func (a *API) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req emailTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	user, err := a.deps.Credentials.ConfirmEmail(r.Context(), req.Token)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "verified", "user": user})
}

type resendVerificationRequest struct {
	Email string `json:"email"`
}

func (a *API) handleResendVerification(w http.ResponseWriter, r *http.Request) {
	var req resendVerificationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := a.deps.Credentials.StartEmailVerification(r.Context(), req.Email); err != nil {
		writeDomainError(w, r, err)
		return
	}
	// Always 202: the endpoint must not confirm whether the address exists.
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "sent"})
}

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	sessions, err := a.deps.Sessions.ListActive(r.Context(), p.User.ID, sourceWeb)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (a *API) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	id := chi.URLParam(r, "id")

	sessions, err := a.deps.Sessions.ListActive(r.Context(), p.User.ID, sourceWeb)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	var owned bool
	for _, s := range sessions {
		if s.ID == id {
			owned = true
			break
		}
	}
	if !owned {
		writeError(w, r, http.StatusNotFound, "not_found", "no such session")
		return
	}
	if err := a.deps.Sessions.Revoke(r.Context(), id); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
}

func (a *API) handleRevokeAllSessions(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	if err := a.deps.Sessions.RevokeAllForUser(r.Context(), p.User.ID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	a.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
}

type mfaVerifyRequest struct {
	Code              string `json:"code"`
	TrustDevice       bool   `json:"trust_device,omitempty"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
}

func (a *API) handleMFAVerify(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	var req mfaVerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var sessionID string
	if p.Session != nil {
		sessionID = p.Session.ID
	}
	method, err := a.deps.MFA.Verify(r.Context(), mfa.VerifyInput{
		User:              p.User,
		SessionID:         sessionID,
		Code:              req.Code,
		TrustDevice:       req.TrustDevice,
		DeviceFingerprint: req.DeviceFingerprint,
		UserAgent:         r.UserAgent(),
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "verified", "method": method})
}

func (a *API) handleMFASend(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	if err := a.deps.MFA.SendCode(r.Context(), p.User); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "sent"})
}

func (a *API) handleMFAEnroll(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	enrollment, err := a.deps.MFA.Enroll(r.Context(), p.User)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, enrollment)
}

type mfaCodeRequest struct {
	Code string `json:"code"`
}

func (a *API) handleMFAConfirm(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	var req mfaCodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	codes, err := a.deps.MFA.Confirm(r.Context(), p.User, req.Code)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "enabled", "recovery_codes": codes})
}

func (a *API) handleMFADisable(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	var req mfaCodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := a.deps.MFA.Disable(r.Context(), p.User, req.Code); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "disabled"})
}

func (a *API) handleMFARecoveryCodes(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	if !p.User.MfaEnabled {
		writeDomainError(w, r, mfa.ErrNotEnabled)
		return
	}
	codes, err := a.deps.MFA.GenerateRecoveryCodes(r.Context(), p.User.ID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recovery_codes": codes})
}

func (a *API) handleMFARevokeTrusted(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	if err := a.deps.MFA.RevokeTrustedDevices(r.Context(), p.User.ID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
}

type masqueradeRequest struct {
	UserID string `json:"user_id"`
}

func (a *API) handleStartMasquerade(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	if p.Session == nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "masquerade requires a session")
		return
	}
	if !a.requirePlatformPermission(w, r, p, "platform:masquerade") {
		return
	}
	var req masqueradeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	target, err := a.deps.Users.Find(r.Context(), req.UserID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	s, err := a.deps.Sessions.Masquerade(r.Context(), p.Session.ID, p.User, target)
	if err != nil {
		writeError(w, r, http.StatusForbidden, "masquerade_denied", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": s, "user": target})
}

func (a *API) handleEndMasquerade(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	if p.Session == nil || !p.Masquerading() {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "not masquerading")
		return
	}
	s, err := a.deps.Sessions.EndMasquerade(r.Context(), p.Session.ID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": s})
}
