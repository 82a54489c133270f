package edge_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"krepost.org/internal/edge"
	"krepost.org/internal/endpoint"
	"krepost.org/internal/store/memory"
	"krepost.org/internal/token"
)

var testSigningKey = []byte("0123456789abcdef0123456789abcdef")

type pipelineFixture struct {
	tokens   *token.Service
	handler  http.Handler
	backend  *httptest.Server
	hits     *atomic.Int64
	lastUser atomic.Value
}

// newPipelineFixture assembles the full chain in front of a stub
// backend that records the identity headers it receives.
func newPipelineFixture(t *testing.T, rules []endpoint.Rule, cfg edge.ProxyConfig, backendStatus int) *pipelineFixture {
	t.Helper()

	f := &pipelineFixture{hits: &atomic.Int64{}}
	f.backend = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		f.lastUser.Store(r.Header.Get(edge.HeaderUserID) + "|" + r.Header.Get(edge.HeaderUserRoles))
		w.WriteHeader(backendStatus)
	}))
	t.Cleanup(f.backend.Close)

	tokens, err := token.NewService(testSigningKey)
	require.NoError(t, err)
	f.tokens = tokens

	store := memory.New()
	registry, err := endpoint.NewRegistry(context.Background(), store)
	require.NoError(t, err)
	for _, rule := range rules {
		_, err := registry.CreateRule(context.Background(), rule)
		require.NoError(t, err)
	}

	target, err := url.Parse(f.backend.URL)
	require.NoError(t, err)

	pipeline := edge.NewPipeline(edge.PipelineConfig{
		Tokens:   tokens,
		Registry: registry,
		Limiter:  edge.NewLocalLimiter(1000, 1000),
		Routes: []edge.Route{
			{Name: "ledger", Prefix: "/api", Target: target},
		},
		PublicPaths: []string{"/api/public"},
		Proxy:       cfg,
	})
	f.handler = pipeline.Handler()
	return f
}

func (f *pipelineFixture) accessToken(t *testing.T, subjectID string, authorities []string) string {
	t.Helper()
	tok, _, err := f.tokens.IssueAccess(token.Subject{ID: subjectID, Username: subjectID}, authorities, "sess-1", "", time.Minute)
	require.NoError(t, err)
	return tok
}

func (f *pipelineFixture) do(method, path, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Code
}

func defaultRules() []endpoint.Rule {
	return []endpoint.Rule{
		{ServiceName: "ledger", Method: "GET", Pattern: "/api/accounts/**", Resource: "account", Action: "read"},
		{ServiceName: "ledger", Method: "GET", Pattern: "/api/users/*", Resource: "user", Action: "read"},
	}
}

func TestPipelineRejectsMissingToken(t *testing.T) {
	f := newPipelineFixture(t, defaultRules(), edge.ProxyConfig{}, http.StatusOK)

	rec := f.do("GET", "/api/accounts/1", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, edge.CodeTokenMissing, errorCode(t, rec))
	require.EqualValues(t, 0, f.hits.Load())
}

func TestPipelineRejectsExpiredToken(t *testing.T) {
	f := newPipelineFixture(t, defaultRules(), edge.ProxyConfig{}, http.StatusOK)

	past := time.Now().Add(-time.Hour)
	stale, err := token.NewService(testSigningKey, token.WithClock(func() time.Time { return past }))
	require.NoError(t, err)
	expired, _, err := stale.IssueAccess(token.Subject{ID: "u1"}, nil, "sess-1", "", time.Minute)
	require.NoError(t, err)

	rec := f.do("GET", "/api/accounts/1", expired)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, edge.CodeTokenExpired, errorCode(t, rec))
}

func TestPipelineRejectsRefreshToken(t *testing.T) {
	f := newPipelineFixture(t, defaultRules(), edge.ProxyConfig{}, http.StatusOK)

	refresh, _, err := f.tokens.IssueRefresh("u1", "sess-1", time.Hour)
	require.NoError(t, err)

	rec := f.do("GET", "/api/accounts/1", refresh)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, edge.CodeTokenWrongType, errorCode(t, rec))
}

func TestPipelineForwardsWithIdentityHeaders(t *testing.T) {
	f := newPipelineFixture(t, defaultRules(), edge.ProxyConfig{}, http.StatusOK)

	tok := f.accessToken(t, "u1", []string{"account:read", "user:read-self"})
	rec := f.do("GET", "/api/accounts/1", tok)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 1, f.hits.Load())
	require.Equal(t, "u1|account:read,user:read-self", f.lastUser.Load())
	require.NotEmpty(t, rec.Header().Get(edge.HeaderRequestID))
	require.NotEmpty(t, rec.Header().Get(edge.HeaderTraceID))
}

func TestPipelineDeniesInsufficientPermission(t *testing.T) {
	f := newPipelineFixture(t, defaultRules(), edge.ProxyConfig{}, http.StatusOK)

	tok := f.accessToken(t, "u1", []string{"user:read"})
	rec := f.do("GET", "/api/accounts/1", tok)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, edge.CodeInsufficientPermission, errorCode(t, rec))
	require.EqualValues(t, 0, f.hits.Load())
}

func TestPipelineDefaultDenyWithoutRule(t *testing.T) {
	f := newPipelineFixture(t, defaultRules(), edge.ProxyConfig{}, http.StatusOK)

	tok := f.accessToken(t, "u1", []string{"*:*"})
	rec := f.do("POST", "/api/accounts/1", tok)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, edge.CodeRuleNotFound, errorCode(t, rec))
}

func TestPipelineSelfScope(t *testing.T) {
	f := newPipelineFixture(t, defaultRules(), edge.ProxyConfig{}, http.StatusOK)

	tok := f.accessToken(t, "u1", []string{"user:read-self"})

	rec := f.do("GET", "/api/users/u1", tok)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do("GET", "/api/users/u2", tok)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, edge.CodeInsufficientPermission, errorCode(t, rec))
}

func TestPipelinePublicPathBypassesAuth(t *testing.T) {
	rules := append(defaultRules(), endpoint.Rule{
		ServiceName: "ledger", Method: "GET", Pattern: "/api/public", Resource: "public", Action: "read",
	})
	f := newPipelineFixture(t, rules, edge.ProxyConfig{}, http.StatusOK)

	rec := f.do("GET", "/api/public", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 1, f.hits.Load())
	require.Equal(t, "|", f.lastUser.Load(), "no identity headers for anonymous requests")
}

func TestPipelineOptionsRequiresPreflightMarker(t *testing.T) {
	f := newPipelineFixture(t, defaultRules(), edge.ProxyConfig{}, http.StatusOK)

	// A bare OPTIONS request authenticates like any other method.
	rec := f.do("OPTIONS", "/api/accounts/1", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "token_missing", errorCode(t, rec))
	require.EqualValues(t, 0, f.hits.Load())

	// A CORS preflight carries Access-Control-Request-Method and passes
	// through anonymously.
	req := httptest.NewRequest("OPTIONS", "/api/accounts/1", nil)
	req.Header.Set("Access-Control-Request-Method", "GET")
	resp := httptest.NewRecorder()
	f.handler.ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)
	require.EqualValues(t, 1, f.hits.Load())
}

func TestPipelineBreakerOpensOnBackendFailures(t *testing.T) {
	f := newPipelineFixture(t, defaultRules(), edge.ProxyConfig{BreakerThreshold: 2, BreakerCooldown: time.Minute}, http.StatusInternalServerError)

	tok := f.accessToken(t, "u1", []string{"account:read"})
	for i := 0; i < 2; i++ {
		rec := f.do("GET", "/api/accounts/1", tok)
		require.Equal(t, http.StatusInternalServerError, rec.Code)
	}
	require.EqualValues(t, 2, f.hits.Load())

	rec := f.do("GET", "/api/accounts/1", tok)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, edge.CodeUpstreamUnavailable, errorCode(t, rec))
	require.EqualValues(t, 2, f.hits.Load(), "open breaker must not reach the backend")
}

func TestPipelineRateLimited(t *testing.T) {
	f := newPipelineFixture(t, defaultRules(), edge.ProxyConfig{}, http.StatusOK)

	// Swap in a tight limiter by rebuilding the chain.
	target, err := url.Parse(f.backend.URL)
	require.NoError(t, err)
	store := memory.New()
	registry, err := endpoint.NewRegistry(context.Background(), store)
	require.NoError(t, err)
	for _, rule := range defaultRules() {
		_, err := registry.CreateRule(context.Background(), rule)
		require.NoError(t, err)
	}
	pipeline := edge.NewPipeline(edge.PipelineConfig{
		Tokens:   f.tokens,
		Registry: registry,
		Limiter:  edge.NewLocalLimiter(0, 2),
		Routes:   []edge.Route{{Name: "ledger", Prefix: "/api", Target: target}},
	})
	f.handler = pipeline.Handler()

	tok := f.accessToken(t, "u1", []string{"account:read"})
	for i := 0; i < 2; i++ {
		rec := f.do("GET", "/api/accounts/1", tok)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := f.do("GET", "/api/accounts/1", tok)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, edge.CodeRateLimited, errorCode(t, rec))
	require.Equal(t, "1", rec.Header().Get("Retry-After"))
}
