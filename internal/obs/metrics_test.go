package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                            "/",
		"/metrics":                    "/metrics",
		"/v1/users/abc":               "/v1/users/:id",
		"/v1/users/abc/roles":         "/v1/users/:id/roles",
		"/v1/roles/r1/permissions":    "/v1/roles/:id/permissions",
		"/v1/sessions/s1":             "/v1/sessions/:id",
		"/v1/endpoint-rules/e9":       "/v1/endpoint-rules/:id",
		"/v1/auth/login":              "/v1/auth/login",
		"/v1/auth/login?redirect=yes": "/v1/auth/login",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
