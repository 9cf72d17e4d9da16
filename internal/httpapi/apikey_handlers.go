package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

type createAPIKeyRequest struct {
	Name string `json:"name"`

	// ExpiresIn is a Go duration string ("720h"). Empty means no expiry.
	ExpiresIn string `json:"expires_in,omitempty"`
}

func (a *API) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	var req createAPIKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "name is required")
		return
	}
	var ttl time.Duration
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || d <= 0 {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "expires_in must be a positive duration")
			return
		}
		ttl = d
	}
	key, raw, err := a.deps.APIKeys.IssueAPIKey(r.Context(), p.User.ID, strings.TrimSpace(req.Name), ttl)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	// The clear key leaves the server exactly once.
	writeJSON(w, http.StatusCreated, map[string]any{"api_key": key, "key": raw})
}

func (a *API) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	keys, err := a.deps.APIKeys.ListAPIKeys(r.Context(), p.User.ID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"api_keys": keys})
}

func (a *API) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	if err := a.deps.APIKeys.RevokeAPIKey(r.Context(), chi.URLParam(r, "id"), p.User.ID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
}
