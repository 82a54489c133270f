// Package httpapi exposes the control-plane HTTP surface: login and
// token lifecycle, user administration, RBAC administration and
// endpoint-rule administration. Enforcement for the backend fleet lives
// in the edge binary; this API protects itself with the same token and
// permission machinery.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"krepost.org/internal/authn"
	"krepost.org/internal/authz"
	"krepost.org/internal/endpoint"
	"krepost.org/internal/obs"
	"krepost.org/internal/session"
	"krepost.org/internal/stream"
	"krepost.org/internal/token"
)

// ReadyProbe checks readiness dependencies (database ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the control-plane HTTP layer.
type API struct {
	mux        *http.ServeMux
	auth       *authn.Service
	perms      *authz.Service
	sessions   *session.Service
	tokens     *token.Service
	registry   *endpoint.Registry
	events     *stream.Stream
	readyProbe ReadyProbe
	version    string

	rateBurst     int
	ratePerSecond int
}

// Config wires the API's collaborators.
type Config struct {
	Auth     *authn.Service
	Perms    *authz.Service
	Sessions *session.Service
	Tokens   *token.Service
	Registry *endpoint.Registry
	Events   *stream.Stream
	Ready    ReadyProbe
	Version  string

	// Per-IP surface protection for the API itself.
	RateBurst     int
	RatePerSecond int
}

// New constructs the API and registers all routes.
func New(cfg Config) *API {
	a := &API{
		mux:           http.NewServeMux(),
		auth:          cfg.Auth,
		perms:         cfg.Perms,
		sessions:      cfg.Sessions,
		tokens:        cfg.Tokens,
		registry:      cfg.Registry,
		events:        cfg.Events,
		readyProbe:    cfg.Ready,
		version:       cfg.Version,
		rateBurst:     cfg.RateBurst,
		ratePerSecond: cfg.RatePerSecond,
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 50
	}
	if a.ratePerSecond <= 0 {
		a.ratePerSecond = 25
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("POST /v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("POST /v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("POST /v1/auth/logout-all", a.handleLogoutAll)
	a.mux.HandleFunc("POST /v1/auth/password", a.handleChangePassword)
	a.mux.HandleFunc("POST /v1/auth/password-reset/request", a.handleResetRequest)
	a.mux.HandleFunc("POST /v1/auth/password-reset/confirm", a.handleResetConfirm)

	a.mux.HandleFunc("POST /v1/users", a.handleCreateUser)
	a.mux.HandleFunc("GET /v1/users", a.handleListUsers)
	a.mux.HandleFunc("GET /v1/users/{id}", a.handleGetUser)
	a.mux.HandleFunc("PATCH /v1/users/{id}", a.handleUpdateUser)
	a.mux.HandleFunc("POST /v1/users/{id}/unlock", a.handleUnlockUser)
	a.mux.HandleFunc("GET /v1/users/{id}/roles", a.handleListUserRoles)
	a.mux.HandleFunc("POST /v1/users/{id}/roles", a.handleAssignRole)
	a.mux.HandleFunc("DELETE /v1/users/{id}/roles/{roleID}", a.handleRevokeRole)
	a.mux.HandleFunc("GET /v1/users/{id}/sessions", a.handleListUserSessions)
	a.mux.HandleFunc("DELETE /v1/users/{id}/sessions", a.handleRevokeUserSessions)

	a.mux.HandleFunc("POST /v1/roles", a.handleCreateRole)
	a.mux.HandleFunc("GET /v1/roles", a.handleListRoles)
	a.mux.HandleFunc("GET /v1/roles/{id}", a.handleGetRole)
	a.mux.HandleFunc("PATCH /v1/roles/{id}", a.handleUpdateRole)
	a.mux.HandleFunc("DELETE /v1/roles/{id}", a.handleDeleteRole)
	a.mux.HandleFunc("PUT /v1/roles/{id}/permissions", a.handleSetRolePermissions)
	a.mux.HandleFunc("POST /v1/roles/{id}/permissions", a.handleAddRolePermission)
	a.mux.HandleFunc("DELETE /v1/roles/{id}/permissions/{permID}", a.handleRemoveRolePermission)

	a.mux.HandleFunc("GET /v1/permissions", a.handleListPermissions)
	a.mux.HandleFunc("POST /v1/permissions", a.handleCreatePermission)

	a.mux.HandleFunc("POST /v1/endpoint-rules", a.handleCreateRule)
	a.mux.HandleFunc("GET /v1/endpoint-rules", a.handleListRules)
	a.mux.HandleFunc("PATCH /v1/endpoint-rules/{id}", a.handleUpdateRule)
	a.mux.HandleFunc("DELETE /v1/endpoint-rules/{id}", a.handleDeleteRule)

	a.mux.HandleFunc("DELETE /v1/sessions/{id}", a.handleRevokeSession)
	a.mux.HandleFunc("GET /v1/events", a.handleEvents)

	return a
}

// Handler returns the API wrapped in its middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = RateLimit(h, a.rateBurst, a.ratePerSecond)
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h)
	h = CORS(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- health/info handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "krepost-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "krepost-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
