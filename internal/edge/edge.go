// Package edge implements the enforcement pipeline that fronts the
// backend fleet: every inbound request passes an ordered filter chain
// (correlation, authentication, authorization, rate limiting, circuit
// breaking) before being proxied to its target service. Downstream
// services trust the injected identity headers only because the edge is
// the sole network entry point.
package edge

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
)

// Headers injected into proxied requests after successful
// authentication and authorization.
const (
	HeaderUserID    = "X-User-Id"
	HeaderUserRoles = "X-User-Roles"
	HeaderRequestID = "X-Request-Id"
	HeaderTraceID   = "X-Trace-Id"
)

// Stable machine-readable error codes on the edge surface.
const (
	CodeTokenMissing           = "token_missing"
	CodeTokenExpired           = "token_expired"
	CodeTokenMalformed         = "token_malformed"
	CodeTokenWrongType         = "token_wrong_type"
	CodeSessionRevoked         = "session_revoked"
	CodeInsufficientPermission = "insufficient_permission"
	CodeRuleNotFound           = "rule_not_found"
	CodeRateLimited            = "rate_limited"
	CodeUpstreamUnavailable    = "upstream_unavailable"
)

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// writeError emits the uniform edge error envelope. Messages stay
// generic; the code is the contract.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{
		Code:      code,
		Message:   message,
		RequestID: RequestIDFromContext(r.Context()),
	})
}

// clientIP extracts the originating address, preferring the first
// X-Forwarded-For entry.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
