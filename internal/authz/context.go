package authz

import "context"

// Principal is the authenticated caller identity populated by the
// authentication filter: subject id plus the effective-authority snapshot
// taken when the access token was issued.
type Principal struct {
	SubjectID   string
	SessionID   string
	Username    string
	Authorities []string
}

// Satisfies reports whether the principal's authorities cover the
// (resource, action) requirement.
func (p Principal) Satisfies(resource, action string) bool {
	return AuthoritiesSatisfy(p.Authorities, resource, action)
}

type principalContextKey struct{}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &principal)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return Principal{}, false
	}
	return *v, true
}

// SubjectIDFromContext returns the authenticated subject id if present.
func SubjectIDFromContext(ctx context.Context) (string, bool) {
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.SubjectID == "" {
		return "", false
	}
	return p.SubjectID, true
}
