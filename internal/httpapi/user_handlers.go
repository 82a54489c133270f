package httpapi

import (
	"errors"
	"net/http"

	"krepost.org/internal/audit"
	"krepost.org/internal/authn"
	"krepost.org/internal/ids"
	"krepost.org/internal/session"
)

type userResponse struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	Email        string `json:"email"`
	Active       bool   `json:"active"`
	Verified     bool   `json:"verified"`
	Locked       bool   `json:"locked"`
	FailedLogins int    `json:"failed_logins"`
	LastLoginAt  string `json:"last_login_at,omitempty"`
	CreatedAt    string `json:"created_at"`
}

func toUserResponse(u *authn.User) userResponse {
	resp := userResponse{
		ID:           u.ID,
		Username:     u.Username,
		Email:        u.Email,
		Active:       u.Active,
		Verified:     u.Verified,
		Locked:       u.Locked,
		FailedLogins: u.FailedLogins,
		CreatedAt:    u.CreatedAt.UTC().Format(timeLayout),
	}
	if u.LastLoginAt != nil {
		resp.LastLoginAt = u.LastLoginAt.UTC().Format(timeLayout)
	}
	return resp
}

type createUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if !a.requirePermission(w, r, "user", "write") {
		return
	}
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	user, err := a.auth.Register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		a.handleUserError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "user.created", map[string]any{"user_id": user.ID, "username": user.Username})
	w.Header().Set("Location", "/v1/users/"+user.ID)
	writeJSON(w, http.StatusCreated, toUserResponse(user))
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if !a.requirePermission(w, r, "user", "read") {
		return
	}
	users, err := a.auth.ListUsers(r.Context())
	if err != nil {
		a.handleUserError(w, r, err)
		return
	}
	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		out = append(out, toUserResponse(u))
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": out})
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !a.requirePermissionOrSelf(w, r, "user", "read", id) {
		return
	}
	if !ids.IsValid(id) {
		badRequest(w, r, "invalid user id")
		return
	}
	user, err := a.auth.GetUser(r.Context(), id)
	if err != nil {
		a.handleUserError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

type updateUserRequest struct {
	Username *string `json:"username,omitempty"`
	Email    *string `json:"email,omitempty"`
	Active   *bool   `json:"active,omitempty"`
	Verified *bool   `json:"verified,omitempty"`
	Locked   *bool   `json:"locked,omitempty"`
}

func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !a.requirePermission(w, r, "user", "write") {
		return
	}
	var req updateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	user, err := a.auth.UpdateUser(r.Context(), id, authn.UserUpdate{
		Username: req.Username,
		Email:    req.Email,
		Active:   req.Active,
		Verified: req.Verified,
		Locked:   req.Locked,
	})
	if err != nil {
		a.handleUserError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "user.updated", map[string]any{"user_id": user.ID})
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

func (a *API) handleUnlockUser(w http.ResponseWriter, r *http.Request) {
	if !a.requirePermission(w, r, "user", "write") {
		return
	}
	user, err := a.auth.Unlock(r.Context(), r.PathValue("id"))
	if err != nil {
		a.handleUserError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "user.unlocked", map[string]any{"user_id": user.ID})
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

type sessionResponse struct {
	ID             string `json:"id"`
	SubjectID      string `json:"subject_id"`
	IP             string `json:"ip,omitempty"`
	UserAgent      string `json:"user_agent,omitempty"`
	Active         bool   `json:"active"`
	CreatedAt      string `json:"created_at"`
	LastAccessedAt string `json:"last_accessed_at"`
	ExpiresAt      string `json:"expires_at"`
}

func toSessionResponse(s *session.Session) sessionResponse {
	return sessionResponse{
		ID:             s.ID,
		SubjectID:      s.SubjectID,
		IP:             s.IP,
		UserAgent:      s.UserAgent,
		Active:         s.Active,
		CreatedAt:      s.CreatedAt.UTC().Format(timeLayout),
		LastAccessedAt: s.LastAccessedAt.UTC().Format(timeLayout),
		ExpiresAt:      s.ExpiresAt.UTC().Format(timeLayout),
	}
}

func (a *API) handleListUserSessions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !a.requirePermissionOrSelf(w, r, "session", "read", id) {
		return
	}
	sessions, err := a.sessions.ListForSubject(r.Context(), id)
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toSessionResponse(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (a *API) handleRevokeUserSessions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !a.requirePermissionOrSelf(w, r, "session", "revoke", id) {
		return
	}
	revoked, err := a.auth.LogoutAll(r.Context(), id)
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "session.revoked_all", map[string]any{"user_id": id, "count": revoked})
	writeJSON(w, http.StatusOK, map[string]any{"sessions_revoked": revoked})
}

func (a *API) handleUserError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case err == nil:
		return
	case errors.Is(err, authn.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "user not found")
	case errors.Is(err, authn.ErrConflict):
		writeError(w, r, http.StatusConflict, "conflict", "username or email already in use")
	case errors.Is(err, authn.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
