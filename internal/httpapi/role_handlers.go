package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"opsdeck.io/internal/ids"
	"opsdeck.io/internal/permission"
)

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	if !a.requirePermission(w, r, p, "roles:read") {
		return
	}
	roles, err := a.deps.Roles.ListRoles(r.Context(), p.ActiveCompanyID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

type roleRequest struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	if !a.requirePermission(w, r, p, "roles:manage") {
		return
	}
	var req roleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "name is required")
		return
	}
	role := &permission.Role{
		ID:          ids.New(),
		CompanyID:   p.ActiveCompanyID,
		Name:        strings.TrimSpace(req.Name),
		Type:        permission.RoleCompany,
		Permissions: req.Permissions,
	}
	if err := a.deps.Permissions.CreateRole(r.Context(), role); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	if !a.requirePermission(w, r, p, "roles:manage") {
		return
	}
	var req roleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	existing, err := a.deps.Roles.FindRole(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if existing.Type == permission.RoleCompany && existing.CompanyID != p.ActiveCompanyID {
		writeError(w, r, http.StatusNotFound, "not_found", "no such role")
		return
	}
	existing.Name = strings.TrimSpace(req.Name)
	existing.Permissions = req.Permissions
	if err := a.deps.Permissions.UpdateRole(r.Context(), existing); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

func (a *API) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	if !a.requirePermission(w, r, p, "roles:manage") {
		return
	}
	existing, err := a.deps.Roles.FindRole(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if existing.Type == permission.RoleCompany && existing.CompanyID != p.ActiveCompanyID {
		writeError(w, r, http.StatusNotFound, "not_found", "no such role")
		return
	}
	if err := a.deps.Permissions.DeleteRole(r.Context(), existing.ID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

type assignRoleRequest struct {
	UserID string `json:"user_id"`
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	if !a.requirePermission(w, r, p, "roles:manage") {
		return
	}
	var req assignRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := a.deps.Permissions.Assign(r.Context(), req.UserID, chi.URLParam(r, "id"), p.ActiveCompanyID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"status": "assigned"})
}

func (a *API) handleUnassignRole(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	if !a.requirePermission(w, r, p, "roles:manage") {
		return
	}
	if err := a.deps.Permissions.Unassign(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "unassigned"})
}
