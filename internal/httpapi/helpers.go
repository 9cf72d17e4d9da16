package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"opsdeck.io/internal/credential"
	"opsdeck.io/internal/identity"
	"opsdeck.io/internal/invite"
	"opsdeck.io/internal/membership"
	"opsdeck.io/internal/mfa"
	"opsdeck.io/internal/oauth"
	"opsdeck.io/internal/permission"
	"opsdeck.io/internal/session"
)

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`

	// Sessions carries eviction candidates for session_limit_prompt.
	Sessions []*session.Session `json:"sessions,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code, RequestID: requestID(r)})
}

// decodeJSON reads one strict JSON object from the body.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("body must contain a single JSON object")
	}
	return nil
}

// writeDomainError maps a service error to its HTTP status and machine code.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var prompt *session.LimitPromptError
	if errors.As(err, &prompt) {
		writeJSON(w, http.StatusConflict, errorBody{
			Error:     "session limit reached, pick a session to end",
			Code:      "session_limit_prompt",
			RequestID: requestID(r),
			Sessions:  prompt.Sessions,
		})
		return
	}

	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, credential.ErrInvalidCredentials):
		status, code = http.StatusUnauthorized, "invalid_credentials"
	case errors.Is(err, credential.ErrAccountLocked):
		status, code = http.StatusLocked, "account_locked"
	case errors.Is(err, credential.ErrAccountInactive):
		status, code = http.StatusForbidden, "account_inactive"
	case errors.Is(err, credential.ErrEmailNotVerified):
		status, code = http.StatusForbidden, "email_not_verified"
	case errors.Is(err, credential.ErrPasswordExpired):
		status, code = http.StatusForbidden, "password_expired"
	case errors.Is(err, credential.ErrPolicyViolation):
		status, code = http.StatusBadRequest, "password_policy_violation"
	case errors.Is(err, credential.ErrPasswordReuse):
		status, code = http.StatusBadRequest, "password_reuse"
	case errors.Is(err, credential.ErrTokenExpired), errors.Is(err, oauth.ErrTokenExpired):
		status, code = http.StatusBadRequest, "token_expired"
	case errors.Is(err, credential.ErrTokenAlreadyUsed), errors.Is(err, oauth.ErrTokenAlreadyUsed):
		status, code = http.StatusBadRequest, "token_already_used"
	case errors.Is(err, credential.ErrInvalidAPIKey):
		status, code = http.StatusUnauthorized, "invalid_api_key"

	case errors.Is(err, session.ErrLimitExceeded):
		status, code = http.StatusConflict, "session_limit_exceeded"
	case errors.Is(err, session.ErrBadEviction):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, session.ErrExpired), errors.Is(err, session.ErrNotFound):
		status, code = http.StatusUnauthorized, "session_expired"

	case errors.Is(err, membership.ErrNoMembership):
		status, code = http.StatusForbidden, "no_active_membership"
	case errors.Is(err, membership.ErrDeactivated):
		status, code = http.StatusConflict, "membership_deactivated"
	case errors.Is(err, membership.ErrCompanyNotFound):
		status, code = http.StatusNotFound, "company_not_found"
	case errors.Is(err, membership.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, identity.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, identity.ErrConflict):
		status, code = http.StatusConflict, "conflict"

	case errors.Is(err, permission.ErrSystemRoleProtected):
		status, code = http.StatusForbidden, "system_role_protected"
	case errors.Is(err, permission.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, permission.ErrConflict):
		status, code = http.StatusConflict, "conflict"

	case errors.Is(err, mfa.ErrInvalidCode):
		status, code = http.StatusUnauthorized, "mfa_invalid_code"
	case errors.Is(err, mfa.ErrNotEnabled):
		status, code = http.StatusBadRequest, "mfa_not_enabled"
	case errors.Is(err, mfa.ErrAlreadyEnabled):
		status, code = http.StatusConflict, "mfa_already_enabled"

	case errors.Is(err, oauth.ErrReuseDetected):
		status, code = http.StatusUnauthorized, "refresh_token_reuse_detected"
	case errors.Is(err, oauth.ErrInvalidClient):
		status, code = http.StatusUnauthorized, "invalid_client"
	case errors.Is(err, oauth.ErrInvalidRedirectURI):
		status, code = http.StatusBadRequest, "invalid_redirect_uri"
	case errors.Is(err, oauth.ErrPKCERequired):
		status, code = http.StatusBadRequest, "pkce_required"
	case errors.Is(err, oauth.ErrPKCEMismatch):
		status, code = http.StatusBadRequest, "pkce_mismatch"
	case errors.Is(err, oauth.ErrInvalidGrant):
		status, code = http.StatusBadRequest, "invalid_grant"
	case errors.Is(err, oauth.ErrInvalidToken):
		status, code = http.StatusUnauthorized, "invalid_token"

	case errors.Is(err, invite.ErrNotFound):
		status, code = http.StatusNotFound, "invite_not_found"
	case errors.Is(err, invite.ErrExpired):
		status, code = http.StatusGone, "invite_expired"
	case errors.Is(err, invite.ErrAlreadyAccepted):
		status, code = http.StatusConflict, "invite_already_accepted"
	case errors.Is(err, invite.ErrAlreadyMember):
		status, code = http.StatusConflict, "already_member"
	case errors.Is(err, invite.ErrInternalUserNotInvitable):
		status, code = http.StatusConflict, "internal_user_not_invitable"
	case errors.Is(err, invite.ErrPasswordRequired):
		status, code = http.StatusBadRequest, "password_required"
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, r, status, code, msg)
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
