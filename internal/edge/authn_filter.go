package edge

import (
	"errors"
	"net/http"
	"strings"

	"krepost.org/internal/authz"
	"krepost.org/internal/obs"
	"krepost.org/internal/token"
)

const (
	authHeader   = "Authorization"
	bearerPrefix = "Bearer "
)

// Authenticator validates bearer tokens and populates caller identity
// for the downstream filters. Only access tokens authenticate requests;
// paths on the public allow-list pass through anonymously.
type Authenticator struct {
	tokens         *token.Service
	publicPaths    map[string]struct{}
	publicPrefixes []string
}

// NewAuthenticator constructs the authentication filter. Entries ending
// in "/" are treated as prefixes.
func NewAuthenticator(tokens *token.Service, public []string) *Authenticator {
	a := &Authenticator{
		tokens:      tokens,
		publicPaths: make(map[string]struct{}, len(public)),
	}
	for _, p := range public {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.HasSuffix(p, "/") && p != "/" {
			a.publicPrefixes = append(a.publicPrefixes, p)
			continue
		}
		a.publicPaths[p] = struct{}{}
	}
	return a
}

// Filter is the second pipeline stage.
func (a *Authenticator) Filter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPreflight(r) || a.isPublic(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		raw, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			obs.TokenValidations.WithLabelValues("missing").Inc()
			writeError(w, r, http.StatusUnauthorized, CodeTokenMissing, "authentication required")
			return
		}

		claims, err := a.tokens.ValidateKind(raw, token.KindAccess)
		if err != nil {
			switch {
			case errors.Is(err, token.ErrExpired):
				obs.TokenValidations.WithLabelValues("expired").Inc()
				writeError(w, r, http.StatusUnauthorized, CodeTokenExpired, "token expired")
			case errors.Is(err, token.ErrWrongType):
				obs.TokenValidations.WithLabelValues("wrong_type").Inc()
				writeError(w, r, http.StatusUnauthorized, CodeTokenWrongType, "access token required")
			default:
				obs.TokenValidations.WithLabelValues("malformed").Inc()
				writeError(w, r, http.StatusUnauthorized, CodeTokenMalformed, "invalid token")
			}
			return
		}
		obs.TokenValidations.WithLabelValues("ok").Inc()

		principal := authz.Principal{
			SubjectID:   claims.Subject,
			SessionID:   claims.SessionID,
			Username:    claims.Username,
			Authorities: claims.Authorities,
		}
		next.ServeHTTP(w, r.WithContext(authz.ContextWithPrincipal(r.Context(), principal)))
	})
}

// isPreflight reports whether the request is a CORS preflight. Plain
// OPTIONS requests without the preflight marker header still
// authenticate like any other method.
func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
}

func (a *Authenticator) isPublic(path string) bool {
	if _, ok := a.publicPaths[path]; ok {
		return true
	}
	for _, prefix := range a.publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearerPrefix)) {
		return "", errors.New("invalid authorization scheme")
	}
	tok := strings.TrimSpace(header[len(bearerPrefix):])
	if tok == "" {
		return "", errors.New("missing bearer token")
	}
	return tok, nil
}
