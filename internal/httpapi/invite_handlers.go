package httpapi

import (
	"net/http"

	"opsdeck.io/internal/invite"
)

type createInviteRequest struct {
	Email   string   `json:"email"`
	RoleIDs []string `json:"role_ids,omitempty"`
}

func (a *API) handleCreateInvite(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	if p.ActiveCompanyID == "" {
		writeError(w, r, http.StatusForbidden, "no_active_membership", "no active company")
		return
	}
	if !a.requirePermission(w, r, p, "members:invite") {
		return
	}
	var req createInviteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	inv, _, err := a.deps.Invites.Create(r.Context(), invite.CreateInput{
		InviterID: p.User.ID,
		CompanyID: p.ActiveCompanyID,
		Email:     req.Email,
		RoleIDs:   req.RoleIDs,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	// The clear token travels only in the email, never in this response.
	writeJSON(w, http.StatusCreated, inv)
}

func (a *API) handleValidateInvite(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}
	inv, err := a.deps.Invites.Validate(r.Context(), token)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"email":                   inv.Email,
		"company_id":              inv.CompanyID,
		"is_existing_user_invite": inv.IsExistingUserInvite,
		"expires_at":              inv.ExpiresAt,
	})
}

type acceptInviteRequest struct {
	Token     string `json:"token"`
	Password  string `json:"password,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

func (a *API) handleAcceptInvite(w http.ResponseWriter, r *http.Request) {
	var req acceptInviteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	user, err := a.deps.Invites.Accept(r.Context(), invite.AcceptInput{
		Token:     req.Token,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}
