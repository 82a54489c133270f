package config

import (
	"testing"
	"time"
)

func TestLoadRequiresSigningKey(t *testing.T) {
	t.Setenv("KREPOST_TOKEN_KEY", "short")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for short signing key")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("KREPOST_TOKEN_KEY", "0123456789abcdef0123456789abcdef")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.APIAddr != ":8080" {
		t.Fatalf("unexpected api addr: %s", cfg.APIAddr)
	}
	if cfg.AccessTTL != 15*time.Minute {
		t.Fatalf("unexpected access ttl: %s", cfg.AccessTTL)
	}
	if cfg.MaxSessions != 5 {
		t.Fatalf("unexpected max sessions: %d", cfg.MaxSessions)
	}
	if cfg.LockoutThreshold != 5 {
		t.Fatalf("unexpected lockout threshold: %d", cfg.LockoutThreshold)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KREPOST_TOKEN_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("KREPOST_ACCESS_TTL", "5m")
	t.Setenv("KREPOST_MAX_SESSIONS", "3")
	t.Setenv("KREPOST_ROUTES", "ledger=/ledger/=http://ledger:8080,reports=/reports/=http://reports:8080")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.AccessTTL != 5*time.Minute {
		t.Fatalf("unexpected access ttl: %s", cfg.AccessTTL)
	}
	if cfg.MaxSessions != 3 {
		t.Fatalf("unexpected max sessions: %d", cfg.MaxSessions)
	}
	if len(cfg.UpstreamRoutes) != 2 {
		t.Fatalf("unexpected routes: %+v", cfg.UpstreamRoutes)
	}
	if cfg.UpstreamRoutes[0].Name != "ledger" || cfg.UpstreamRoutes[0].Target != "http://ledger:8080" {
		t.Fatalf("unexpected first route: %+v", cfg.UpstreamRoutes[0])
	}
}

func TestLoadPublicPaths(t *testing.T) {
	t.Setenv("KREPOST_TOKEN_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("KREPOST_PUBLIC_PATHS", "/api/public, /healthz ,,/docs/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := []string{"/api/public", "/healthz", "/docs/"}
	if len(cfg.PublicPaths) != len(want) {
		t.Fatalf("unexpected public paths: %+v", cfg.PublicPaths)
	}
	for i, p := range want {
		if cfg.PublicPaths[i] != p {
			t.Fatalf("public path %d: got %q, want %q", i, cfg.PublicPaths[i], p)
		}
	}
}

func TestParseRoutesRejectsMalformed(t *testing.T) {
	if _, err := parseRoutes("just-a-name"); err == nil {
		t.Fatal("expected error for malformed route")
	}
}
