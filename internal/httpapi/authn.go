package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"krepost.org/internal/authz"
	"krepost.org/internal/session"
	"krepost.org/internal/token"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/login",
	"/v1/auth/refresh",
	"/v1/auth/password-reset/request",
	"/v1/auth/password-reset/confirm",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
}

// withAuth validates the bearer access token on protected paths and
// stashes the resulting principal in the request context. Permission
// checks happen per handler.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		raw, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "token_missing", err.Error())
			return
		}

		claims, err := a.tokens.ValidateKind(raw, token.KindAccess)
		if err != nil {
			switch {
			case errors.Is(err, token.ErrExpired):
				writeError(w, r, http.StatusUnauthorized, "token_expired", "access token expired")
			case errors.Is(err, token.ErrWrongType):
				writeError(w, r, http.StatusUnauthorized, "token_wrong_type", "not an access token")
			default:
				writeError(w, r, http.StatusUnauthorized, "token_malformed", "invalid access token")
			}
			return
		}

		// A revoked session invalidates its access tokens immediately.
		if _, err := a.sessions.Live(r.Context(), claims.SessionID); err != nil {
			if errors.Is(err, session.ErrRevoked) || errors.Is(err, session.ErrNotFound) {
				writeError(w, r, http.StatusUnauthorized, "session_revoked", "session is no longer active")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "internal_error", "authentication error")
			return
		}

		principal := authz.Principal{
			SubjectID:   claims.Subject,
			SessionID:   claims.SessionID,
			Username:    claims.Username,
			Authorities: claims.Authorities,
		}
		next.ServeHTTP(w, r.WithContext(authz.ContextWithPrincipal(r.Context(), principal)))
	})
}

// requirePermission denies unless the caller holds resource:action.
// Returns false after writing the error response.
func (a *API) requirePermission(w http.ResponseWriter, r *http.Request, resource, action string) bool {
	p, ok := authz.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "token_missing", "authentication required")
		return false
	}
	if !p.Satisfies(resource, action) {
		writeError(w, r, http.StatusForbidden, "insufficient_permission", "permission denied")
		return false
	}
	return true
}

// requirePermissionOrSelf additionally admits callers holding the
// "-self" variant when subjectID is their own.
func (a *API) requirePermissionOrSelf(w http.ResponseWriter, r *http.Request, resource, action, subjectID string) bool {
	p, ok := authz.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "token_missing", "authentication required")
		return false
	}
	if p.Satisfies(resource, action) {
		return true
	}
	if p.SubjectID == subjectID && p.Satisfies(resource, action+"-self") {
		return true
	}
	writeError(w, r, http.StatusForbidden, "insufficient_permission", "permission denied")
	return false
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	raw := strings.TrimSpace(header[len(bearer):])
	if raw == "" {
		return "", errors.New("missing bearer token")
	}
	return raw, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
