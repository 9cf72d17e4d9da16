package httpapi

import (
	"net/http"

	"opsdeck.io/internal/oauth"
)

type authorizeRequest struct {
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope,omitempty"`
	State               string `json:"state,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
}

// handleAuthorize mints an authorization code for the already-authenticated
// session user. Consent UI happens upstream in the console.
func (a *API) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	var req authorizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	code, err := a.deps.Tokens.Authorize(r.Context(), oauth.AuthorizeInput{
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		UserID:              p.User.ID,
		CompanyID:           p.ActiveCompanyID,
		Scope:               req.Scope,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	// The state echoes back unmodified so the console can bind the response
	// to the request it issued.
	writeJSON(w, http.StatusOK, map[string]any{"code": code, "state": req.State})
}

// handleToken implements the token endpoint as application/x-www-form-urlencoded
// per RFC 6749.
func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	var (
		pair *oauth.TokenPair
		err  error
	)
	switch grant := r.PostFormValue("grant_type"); grant {
	case "authorization_code":
		pair, err = a.deps.Tokens.Exchange(r.Context(), oauth.ExchangeInput{
			ClientID:     r.PostFormValue("client_id"),
			ClientSecret: r.PostFormValue("client_secret"),
			Code:         r.PostFormValue("code"),
			RedirectURI:  r.PostFormValue("redirect_uri"),
			CodeVerifier: r.PostFormValue("code_verifier"),
		})
	case "refresh_token":
		pair, err = a.deps.Tokens.Refresh(r.Context(), r.PostFormValue("refresh_token"))
	default:
		writeError(w, r, http.StatusBadRequest, "unsupported_grant_type", "unsupported grant_type "+grant)
		return
	}
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleTokenRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	if err := a.deps.Tokens.Revoke(r.Context(), r.PostFormValue("token")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	// RFC 7009: 200 regardless of whether the token existed.
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
