package edge

import (
	"errors"
	"net/http"
	"strings"

	"krepost.org/internal/authz"
	"krepost.org/internal/endpoint"
	"krepost.org/internal/obs"
)

// selfSuffix marks the scoped variant of an action: a caller holding
// resource:action-self satisfies resource:action only on paths that
// embed their own subject id.
const selfSuffix = "-self"

// Authorizer resolves the required permission for the current request
// and checks the caller's authority snapshot against it. No matching
// rule means deny.
type Authorizer struct {
	registry    *endpoint.Registry
	serviceName func(r *http.Request) string
}

// NewAuthorizer constructs the authorization filter. serviceName maps a
// request to the logical backend service used for rule lookup.
func NewAuthorizer(registry *endpoint.Registry, serviceName func(r *http.Request) string) *Authorizer {
	return &Authorizer{registry: registry, serviceName: serviceName}
}

// Filter is the third pipeline stage. Anonymous requests reaching this
// point (public paths) skip authorization entirely.
func (a *Authorizer) Filter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, authenticated := authz.PrincipalFromContext(r.Context())
		if !authenticated {
			next.ServeHTTP(w, r)
			return
		}

		rule, err := a.registry.RequiredPermission(a.serviceName(r), r.Method, r.URL.Path)
		if err != nil {
			if errors.Is(err, endpoint.ErrNoRule) {
				// Default-deny: an unregistered endpoint is not reachable
				// through the edge.
				obs.AuthzDecisions.WithLabelValues("no_rule").Inc()
				writeError(w, r, http.StatusForbidden, CodeRuleNotFound, "no access rule for this endpoint")
				return
			}
			writeError(w, r, http.StatusInternalServerError, CodeRuleNotFound, "authorization error")
			return
		}

		if !a.permits(principal, rule, r.URL.Path) {
			obs.AuthzDecisions.WithLabelValues("deny").Inc()
			writeError(w, r, http.StatusForbidden, CodeInsufficientPermission, "insufficient permission")
			return
		}
		obs.AuthzDecisions.WithLabelValues("allow").Inc()
		next.ServeHTTP(w, r)
	})
}

func (a *Authorizer) permits(principal authz.Principal, rule endpoint.Rule, path string) bool {
	if principal.Satisfies(rule.Resource, rule.Action) {
		return true
	}
	// Self-scope allowance: the caller may act on their own records.
	if principal.Satisfies(rule.Resource, rule.Action+selfSuffix) && pathEmbedsSubject(path, principal.SubjectID) {
		return true
	}
	return false
}

// pathEmbedsSubject reports whether any path segment equals the subject
// id exactly.
func pathEmbedsSubject(path, subjectID string) bool {
	if subjectID == "" {
		return false
	}
	for _, segment := range strings.Split(strings.Trim(path, "/"), "/") {
		if segment == subjectID {
			return true
		}
	}
	return false
}
