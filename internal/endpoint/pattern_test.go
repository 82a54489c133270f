package endpoint

import (
	"errors"
	"testing"
)

func TestPatternMatch(t *testing.T) {
	cases := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"/api/v1/users/*", "/api/v1/users/42", true},
		{"/api/v1/users/*", "/api/v1/users/42/roles", false},
		{"/api/v1/users/*", "/api/v1/users", false},
		{"/api/v1/users/**", "/api/v1/users/42", true},
		{"/api/v1/users/**", "/api/v1/users/42/roles", true},
		{"/api/v1/users/**", "/api/v2/users/42", false},
		{"**", "/anything/at/all", true},
		{"**", "/", true},
		{"**/health", "/internal/deep/health", true},
		{"**/health", "/health/live", false},
		{"/api/**/export", "/api/reports/daily/export", true},
		{"/api/**/export", "/api/export", true},
		{"/api/**/export", "/other/reports/export", false},
		{"/api/v?/users", "/api/v1/users", true},
		{"/api/v?/users", "/api/v12/users", false},
		{"/exact/path", "/exact/path", true},
		{"/exact/path", "/exact/other", false},
	}
	for _, tc := range cases {
		p, err := Compile(tc.pattern)
		if err != nil {
			t.Fatalf("Compile(%q): %v", tc.pattern, err)
		}
		if got := p.Match(tc.path); got != tc.want {
			t.Errorf("%q.Match(%q) = %v, want %v", tc.pattern, tc.path, got, tc.want)
		}
	}
}

func TestCompileRejectsMalformedPatterns(t *testing.T) {
	for _, raw := range []string{
		"",
		"   ",
		"/a/**/b/**/c",
		"/a/x**y/b",
		"/api/[bad",
	} {
		if _, err := Compile(raw); !errors.Is(err, ErrInvalidPattern) {
			t.Errorf("Compile(%q): expected ErrInvalidPattern, got %v", raw, err)
		}
	}
}
