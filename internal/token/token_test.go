package token

import (
	"errors"
	"testing"
	"time"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	svc, err := NewService(testKey, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestNewServiceRejectsShortKey(t *testing.T) {
	if _, err := NewService([]byte("too-short")); !errors.Is(err, ErrKeyTooShort) {
		t.Fatalf("expected ErrKeyTooShort, got %v", err)
	}
}

func TestIssueAndValidateAccess(t *testing.T) {
	svc := newTestService(t)
	subject := Subject{ID: "u1", Username: "alice", Email: "alice@example.com"}

	signed, exp, err := svc.IssueAccess(subject, []string{"user:read-self"}, "s1", "10.0.0.1", 15*time.Minute)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Fatalf("expected future expiry, got %v", exp)
	}

	claims, err := svc.ValidateKind(signed, KindAccess)
	if err != nil {
		t.Fatalf("ValidateKind: %v", err)
	}
	if claims.Subject != "u1" || claims.SessionID != "s1" || claims.Username != "alice" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if len(claims.Authorities) != 1 || claims.Authorities[0] != "user:read-self" {
		t.Fatalf("authorities not preserved: %v", claims.Authorities)
	}
}

func TestValidateRejectsWrongKind(t *testing.T) {
	svc := newTestService(t)
	signed, _, err := svc.IssueRefresh("u1", "s1", time.Hour)
	if err != nil {
		t.Fatalf("IssueRefresh: %v", err)
	}
	if _, err := svc.ValidateKind(signed, KindAccess); !errors.Is(err, ErrWrongType) {
		t.Fatalf("expected ErrWrongType, got %v", err)
	}
	if !svc.IsRefreshable(signed) {
		t.Fatal("expected refresh token to be refreshable")
	}
}

func TestValidateDetectsExpiry(t *testing.T) {
	issuedAt := time.Now().UTC()
	clock := issuedAt
	svc := newTestService(t, WithClock(func() time.Time { return clock }))

	signed, _, err := svc.IssueAccess(Subject{ID: "u1"}, nil, "s1", "", time.Minute)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}

	clock = issuedAt.Add(2 * time.Minute)
	if _, err := svc.Validate(signed); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestValidateRejectsTamperedToken(t *testing.T) {
	svc := newTestService(t)
	signed, _, err := svc.IssueAccess(Subject{ID: "u1"}, nil, "s1", "", time.Minute)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	tampered := signed + "x"
	if _, err := svc.Validate(tampered); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if _, err := svc.Validate("not-a-token"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestValidateRejectsForeignKey(t *testing.T) {
	svc := newTestService(t)
	other, err := NewService([]byte("ffffffffffffffffffffffffffffffff"))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	signed, _, err := other.IssueAccess(Subject{ID: "u1"}, nil, "s1", "", time.Minute)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	if _, err := svc.Validate(signed); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestIssueResetNormalizesEmail(t *testing.T) {
	svc := newTestService(t)
	signed, _, err := svc.IssueReset("u1", "Alice@Example.COM", time.Hour)
	if err != nil {
		t.Fatalf("IssueReset: %v", err)
	}
	claims, err := svc.ValidateKind(signed, KindReset)
	if err != nil {
		t.Fatalf("ValidateKind: %v", err)
	}
	if claims.Email != "alice@example.com" {
		t.Fatalf("email not normalized: %s", claims.Email)
	}
}
