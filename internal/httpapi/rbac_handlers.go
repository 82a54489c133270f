package httpapi

import (
	"errors"
	"net/http"
	"time"

	"krepost.org/internal/audit"
	"krepost.org/internal/authz"
)

type roleResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Active      bool   `json:"active"`
	System      bool   `json:"system"`
	CreatedAt   string `json:"created_at"`
}

func toRoleResponse(role *authz.Role) roleResponse {
	return roleResponse{
		ID:          role.ID,
		Name:        role.Name,
		Description: role.Description,
		Active:      role.Active,
		System:      role.System,
		CreatedAt:   role.CreatedAt.UTC().Format(timeLayout),
	}
}

type permissionResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
	Active   bool   `json:"active"`
	System   bool   `json:"system"`
}

func toPermissionResponse(p *authz.Permission) permissionResponse {
	return permissionResponse{
		ID:       p.ID,
		Name:     p.Name,
		Resource: p.Resource,
		Action:   p.Action,
		Active:   p.Active,
		System:   p.System,
	}
}

type createRoleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	if !a.requirePermission(w, r, "role", "write") {
		return
	}
	var req createRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	role, err := a.perms.CreateRole(r.Context(), req.Name, req.Description)
	if err != nil {
		a.handleRBACError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.created", map[string]any{"role_id": role.ID, "name": role.Name})
	w.Header().Set("Location", "/v1/roles/"+role.ID)
	writeJSON(w, http.StatusCreated, toRoleResponse(role))
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	if !a.requirePermission(w, r, "role", "read") {
		return
	}
	roles, err := a.perms.ListRoles(r.Context())
	if err != nil {
		a.handleRBACError(w, r, err)
		return
	}
	out := make([]roleResponse, 0, len(roles))
	for _, role := range roles {
		out = append(out, toRoleResponse(role))
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": out})
}

func (a *API) handleGetRole(w http.ResponseWriter, r *http.Request) {
	if !a.requirePermission(w, r, "role", "read") {
		return
	}
	role, err := a.perms.GetRole(r.Context(), r.PathValue("id"))
	if err != nil {
		a.handleRBACError(w, r, err)
		return
	}
	perms, err := a.perms.RolePermissions(r.Context(), role.ID)
	if err != nil {
		a.handleRBACError(w, r, err)
		return
	}
	permsOut := make([]permissionResponse, 0, len(perms))
	for _, p := range perms {
		permsOut = append(permsOut, toPermissionResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"role":        toRoleResponse(role),
		"permissions": permsOut,
	})
}

type updateRoleRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Active      *bool   `json:"active,omitempty"`
}

func (a *API) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	if !a.requirePermission(w, r, "role", "write") {
		return
	}
	var req updateRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	role, err := a.perms.UpdateRole(r.Context(), r.PathValue("id"), authz.RoleUpdate{
		Name:        req.Name,
		Description: req.Description,
		Active:      req.Active,
	})
	if err != nil {
		a.handleRBACError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.updated", map[string]any{"role_id": role.ID})
	writeJSON(w, http.StatusOK, toRoleResponse(role))
}

func (a *API) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	if !a.requirePermission(w, r, "role", "write") {
		return
	}
	if err := a.perms.DeleteRole(r.Context(), r.PathValue("id")); err != nil {
		a.handleRBACError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.deleted", map[string]any{"role_id": r.PathValue("id")})
	w.WriteHeader(http.StatusNoContent)
}

type setRolePermissionsRequest struct {
	PermissionIDs []string `json:"permission_ids"`
}

func (a *API) handleSetRolePermissions(w http.ResponseWriter, r *http.Request) {
	if !a.requirePermission(w, r, "role", "write") {
		return
	}
	var req setRolePermissionsRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if err := a.perms.SetRolePermissions(r.Context(), r.PathValue("id"), req.PermissionIDs); err != nil {
		a.handleRBACError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.permissions_set", map[string]any{"role_id": r.PathValue("id"), "count": len(req.PermissionIDs)})
	writeJSON(w, http.StatusOK, map[string]any{"status": "updated"})
}

type addRolePermissionRequest struct {
	PermissionID string `json:"permission_id"`
}

func (a *API) handleAddRolePermission(w http.ResponseWriter, r *http.Request) {
	if !a.requirePermission(w, r, "role", "write") {
		return
	}
	var req addRolePermissionRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if req.PermissionID == "" {
		badRequest(w, r, "permission_id is required")
		return
	}
	if err := a.perms.AddPermissionToRole(r.Context(), r.PathValue("id"), req.PermissionID); err != nil {
		a.handleRBACError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.permission_added", map[string]any{"role_id": r.PathValue("id"), "permission_id": req.PermissionID})
	writeJSON(w, http.StatusOK, map[string]any{"status": "added"})
}

func (a *API) handleRemoveRolePermission(w http.ResponseWriter, r *http.Request) {
	if !a.requirePermission(w, r, "role", "write") {
		return
	}
	err := a.perms.RemovePermissionFromRole(r.Context(), r.PathValue("id"), r.PathValue("permID"))
	if err != nil {
		a.handleRBACError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.permission_removed", map[string]any{"role_id": r.PathValue("id"), "permission_id": r.PathValue("permID")})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	if !a.requirePermission(w, r, "role", "read") {
		return
	}
	perms, err := a.perms.ListPermissions(r.Context())
	if err != nil {
		a.handleRBACError(w, r, err)
		return
	}
	out := make([]permissionResponse, 0, len(perms))
	for _, p := range perms {
		out = append(out, toPermissionResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": out})
}

type createPermissionRequest struct {
	Name     string `json:"name"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

func (a *API) handleCreatePermission(w http.ResponseWriter, r *http.Request) {
	if !a.requirePermission(w, r, "role", "write") {
		return
	}
	var req createPermissionRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	perm, err := a.perms.CreatePermission(r.Context(), req.Name, req.Resource, req.Action)
	if err != nil {
		a.handleRBACError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.permission.created", map[string]any{"permission_id": perm.ID, "authority": perm.Resource + ":" + perm.Action})
	writeJSON(w, http.StatusCreated, toPermissionResponse(perm))
}

type assignmentResponse struct {
	UserID    string `json:"user_id"`
	RoleID    string `json:"role_id"`
	GrantedBy string `json:"granted_by,omitempty"`
	ExpiresAt string `json:"expires_at,omitempty"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at"`
}

func toAssignmentResponse(g authz.Assignment) assignmentResponse {
	resp := assignmentResponse{
		UserID:    g.UserID,
		RoleID:    g.RoleID,
		GrantedBy: g.GrantedBy,
		Active:    g.Active,
		CreatedAt: g.CreatedAt.UTC().Format(timeLayout),
	}
	if g.ExpiresAt != nil {
		resp.ExpiresAt = g.ExpiresAt.UTC().Format(timeLayout)
	}
	return resp
}

func (a *API) handleListUserRoles(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !a.requirePermissionOrSelf(w, r, "role", "read", id) {
		return
	}
	grants, err := a.perms.ListAssignments(r.Context(), id)
	if err != nil {
		a.handleRBACError(w, r, err)
		return
	}
	out := make([]assignmentResponse, 0, len(grants))
	for _, g := range grants {
		out = append(out, toAssignmentResponse(g))
	}
	writeJSON(w, http.StatusOK, map[string]any{"assignments": out})
}

type assignRoleRequest struct {
	RoleID    string     `json:"role_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	if !a.requirePermission(w, r, "role", "write") {
		return
	}
	var req assignRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if req.RoleID == "" {
		badRequest(w, r, "role_id is required")
		return
	}
	grantedBy := ""
	if p, ok := authz.PrincipalFromContext(r.Context()); ok {
		grantedBy = p.SubjectID
	}
	grant, err := a.perms.AssignRole(r.Context(), r.PathValue("id"), req.RoleID, grantedBy, req.ExpiresAt)
	if err != nil {
		a.handleRBACError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.assigned", map[string]any{"user_id": grant.UserID, "role_id": grant.RoleID})
	writeJSON(w, http.StatusCreated, toAssignmentResponse(grant))
}

func (a *API) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	if !a.requirePermission(w, r, "role", "write") {
		return
	}
	if err := a.perms.RevokeRole(r.Context(), r.PathValue("id"), r.PathValue("roleID")); err != nil {
		a.handleRBACError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.revoked", map[string]any{"user_id": r.PathValue("id"), "role_id": r.PathValue("roleID")})
	w.WriteHeader(http.StatusNoContent)
}

// handleRBACError maps authorization domain errors onto stable wire codes.
func (a *API) handleRBACError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, authz.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, authz.ErrConflict):
		writeError(w, r, http.StatusConflict, "conflict", "name already in use")
	case errors.Is(err, authz.ErrRoleInUse):
		writeError(w, r, http.StatusConflict, "role_in_use", "role has active assignments")
	case errors.Is(err, authz.ErrImmutable):
		writeError(w, r, http.StatusForbidden, "immutable", "system roles and permissions cannot be modified")
	case errors.Is(err, authz.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
