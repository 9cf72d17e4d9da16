package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (a *API) handleListCompanies(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	list, err := a.deps.Memberships.Companies(r.Context(), p.User, r.URL.Query().Get("search"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleActiveCompany(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	if p.ActiveCompanyID == "" {
		writeJSON(w, http.StatusOK, map[string]any{"active_company": nil})
		return
	}
	company, err := a.deps.Companies.Find(r.Context(), p.ActiveCompanyID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active_company": company})
}

type switchCompanyRequest struct {
	CompanyID string `json:"company_id"`
}

func (a *API) handleSwitchCompany(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	if p.Session == nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "switching requires a session")
		return
	}
	var req switchCompanyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	company, err := a.deps.Memberships.Switch(r.Context(), p.Session.ID, p.User, req.CompanyID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active_company": company})
}

type pinRequest struct {
	Pinned bool `json:"is_pinned"`
}

func (a *API) handlePinCompany(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	var req pinRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := a.deps.Memberships.Pin(r.Context(), p.User.ID, chi.URLParam(r, "companyID"), req.Pinned); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *API) handleListInternalGrants(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	if !a.requirePlatformPermission(w, r, p, "platform:internal_users:manage") {
		return
	}
	target, err := a.deps.Users.Find(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	restriction, err := a.deps.Memberships.Restriction(r.Context(), target)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"restricted":  restriction.IsRestricted(),
		"company_ids": restriction.Companies(),
	})
}

type grantRequest struct {
	CompanyID string `json:"company_id"`
}

func (a *API) handleGrantInternal(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	if !a.requirePlatformPermission(w, r, p, "platform:internal_users:manage") {
		return
	}
	var req grantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	target, err := a.deps.Users.Find(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if err := a.deps.Memberships.GrantInternal(r.Context(), target, req.CompanyID, p.User.ID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"status": "granted"})
}

func (a *API) handleRevokeInternal(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	if !a.requirePlatformPermission(w, r, p, "platform:internal_users:manage") {
		return
	}
	target, err := a.deps.Users.Find(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if err := a.deps.Memberships.RevokeInternal(r.Context(), target, chi.URLParam(r, "companyID"), p.User.ID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
}

func (a *API) handleDeactivateMember(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	companyID := chi.URLParam(r, "companyID")
	if companyID != p.ActiveCompanyID {
		writeError(w, r, http.StatusForbidden, "no_active_membership", "not acting in this company")
		return
	}
	if !a.requirePermission(w, r, p, "members:deactivate") {
		return
	}
	userID := chi.URLParam(r, "userID")
	if err := a.deps.Memberships.Deactivate(r.Context(), userID, companyID, p.User.ID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	// A deactivated member must not keep riding existing sessions.
	if err := a.deps.Sessions.RevokeAllForUser(r.Context(), userID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deactivated"})
}
