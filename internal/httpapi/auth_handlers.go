package httpapi

import (
	"errors"
	"net/http"

	"krepost.org/internal/audit"
	"krepost.org/internal/authn"
	"krepost.org/internal/authz"
	"krepost.org/internal/session"
	"krepost.org/internal/token"
)

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if req.Identifier == "" || req.Password == "" {
		badRequest(w, r, "identifier and password are required")
		return
	}

	res, err := a.auth.Login(r.Context(), req.Identifier, req.Password, clientIP(r), r.UserAgent())
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if req.RefreshToken == "" {
		badRequest(w, r, "refresh_token is required")
		return
	}

	res, err := a.auth.Refresh(r.Context(), req.RefreshToken, clientIP(r))
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	p, ok := authz.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "token_missing", "authentication required")
		return
	}
	if err := a.auth.Logout(r.Context(), p.SessionID); err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	p, ok := authz.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "token_missing", "authentication required")
		return
	}
	revoked, err := a.auth.LogoutAll(r.Context(), p.SubjectID)
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "logged_out",
		"sessions_revoked": revoked,
	})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	p, ok := authz.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "token_missing", "authentication required")
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if req.CurrentPassword == "" || req.NewPassword == "" {
		badRequest(w, r, "current_password and new_password are required")
		return
	}
	err := a.auth.ChangePassword(r.Context(), p.SubjectID, req.CurrentPassword, req.NewPassword, p.SessionID)
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "password_changed"})
}

type resetRequestRequest struct {
	Email string `json:"email"`
}

func (a *API) handleResetRequest(w http.ResponseWriter, r *http.Request) {
	var req resetRequestRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if req.Email == "" {
		badRequest(w, r, "email is required")
		return
	}

	resetToken, expiresAt, err := a.auth.RequestPasswordReset(r.Context(), req.Email)
	if err != nil {
		// Do not disclose whether the account exists.
		if errors.Is(err, authn.ErrNotFound) || errors.Is(err, authn.ErrAccountUnavailable) {
			writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
			return
		}
		a.handleAuthError(w, r, err)
		return
	}
	// Delivered out of band in production; returned here for operators
	// until a mail integration lands.
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":      "accepted",
		"reset_token": resetToken,
		"expires_at":  expiresAt,
	})
}

type resetConfirmRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

func (a *API) handleResetConfirm(w http.ResponseWriter, r *http.Request) {
	var req resetConfirmRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if req.Token == "" || req.NewPassword == "" {
		badRequest(w, r, "token and new_password are required")
		return
	}
	if err := a.auth.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "password_reset"})
}

func (a *API) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	if !a.requirePermission(w, r, "session", "revoke") {
		return
	}
	id := r.PathValue("id")
	if err := a.sessions.Revoke(r.Context(), id); err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "session.revoked", map[string]any{"session_id": id})
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
}

// handleAuthError maps authentication domain errors onto stable wire codes.
func (a *API) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, authn.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "invalid_credentials", "invalid identifier or password")
	case errors.Is(err, authn.ErrAccountUnavailable):
		writeError(w, r, http.StatusForbidden, "account_unavailable", "account is locked, disabled or unverified")
	case errors.Is(err, authn.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, authn.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, session.ErrRevoked):
		writeError(w, r, http.StatusUnauthorized, "session_revoked", "session is no longer active")
	case errors.Is(err, session.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "session not found")
	case errors.Is(err, token.ErrExpired):
		writeError(w, r, http.StatusUnauthorized, "token_expired", "token expired")
	case errors.Is(err, token.ErrWrongType):
		writeError(w, r, http.StatusUnauthorized, "token_wrong_type", "wrong token type")
	case errors.Is(err, token.ErrMalformed):
		writeError(w, r, http.StatusUnauthorized, "token_malformed", "invalid token")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
