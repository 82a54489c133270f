package authn_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"krepost.org/internal/authn"
	"krepost.org/internal/authz"
	"krepost.org/internal/session"
	"krepost.org/internal/store/memory"
	"krepost.org/internal/token"
)

type fixture struct {
	store    *memory.Store
	auth     *authn.Service
	sessions *session.Service
	perms    *authz.Service
	tokens   *token.Service
}

func newFixture(t *testing.T, opts ...authn.Option) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()

	tokens, err := token.NewService([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("token.NewService: %v", err)
	}
	sessions, err := session.NewService(store)
	if err != nil {
		t.Fatalf("session.NewService: %v", err)
	}
	perms, err := authz.NewService(store)
	if err != nil {
		t.Fatalf("authz.NewService: %v", err)
	}
	if err := perms.EnsureBuiltins(ctx); err != nil {
		t.Fatalf("EnsureBuiltins: %v", err)
	}
	auth, err := authn.NewService(store, sessions, tokens, perms, opts...)
	if err != nil {
		t.Fatalf("authn.NewService: %v", err)
	}
	return &fixture{store: store, auth: auth, sessions: sessions, perms: perms, tokens: tokens}
}

// registerVerified creates an account and flips it to verified, the
// state a user reaches after completing email confirmation.
func (f *fixture) registerVerified(t *testing.T, username, email, password string) *authn.User {
	t.Helper()
	ctx := context.Background()
	user, err := f.auth.Register(ctx, username, email, password)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	verified := true
	user, err = f.auth.UpdateUser(ctx, user.ID, authn.UserUpdate{Verified: &verified})
	if err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	return user
}

func TestLoginSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.registerVerified(t, "alice", "alice@example.com", "s3cret-pass")

	userRole := mustRole(t, f.perms, "user")
	if _, err := f.perms.AssignRole(ctx, user.ID, userRole.ID, "", nil); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}

	result, err := f.auth.Login(ctx, "alice", "s3cret-pass", "10.0.0.1", "cli")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if result.AccessToken == "" || result.RefreshToken == "" || result.SessionID == "" {
		t.Fatalf("incomplete result: %+v", result)
	}
	if result.TokenType != "Bearer" {
		t.Fatalf("unexpected token type %q", result.TokenType)
	}
	if len(result.Authorities) != 2 {
		t.Fatalf("expected the user role authorities, got %v", result.Authorities)
	}

	claims, err := f.tokens.ValidateKind(result.AccessToken, token.KindAccess)
	if err != nil {
		t.Fatalf("ValidateKind: %v", err)
	}
	if claims.Subject != user.ID || claims.SessionID != result.SessionID {
		t.Fatalf("claims not bound to user/session: %+v", claims)
	}

	// Login by email works too.
	if _, err := f.auth.Login(ctx, "Alice@Example.com", "s3cret-pass", "", ""); err != nil {
		t.Fatalf("login by email: %v", err)
	}
}

func TestLoginUnknownIdentifier(t *testing.T) {
	f := newFixture(t)
	if _, err := f.auth.Login(context.Background(), "nobody", "whatever-pass", "", ""); !errors.Is(err, authn.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestLoginUnverifiedAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.auth.Register(ctx, "bob", "bob@example.com", "s3cret-pass"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := f.auth.Login(ctx, "bob", "s3cret-pass", "", ""); !errors.Is(err, authn.ErrAccountUnavailable) {
		t.Fatalf("unverified account must not log in, got %v", err)
	}
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	var events []string
	hook := func(kind, subjectID, sessionID string, detail map[string]any) {
		events = append(events, kind)
	}
	f := newFixture(t, authn.WithLockoutThreshold(3), authn.WithEventHook(hook))
	ctx := context.Background()
	user := f.registerVerified(t, "carol", "carol@example.com", "s3cret-pass")

	for i := 0; i < 3; i++ {
		if _, err := f.auth.Login(ctx, "carol", "wrong-pass", "", ""); !errors.Is(err, authn.ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i+1, err)
		}
	}

	// Locked now; even the correct password is refused.
	if _, err := f.auth.Login(ctx, "carol", "s3cret-pass", "", ""); !errors.Is(err, authn.ErrAccountUnavailable) {
		t.Fatalf("locked account must be unavailable, got %v", err)
	}

	locked := 0
	for _, kind := range events {
		if kind == "account_locked" {
			locked++
		}
	}
	if locked != 1 {
		t.Fatalf("expected one account_locked event, got %d (%v)", locked, events)
	}

	if _, err := f.auth.Unlock(ctx, user.ID); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if _, err := f.auth.Login(ctx, "carol", "s3cret-pass", "", ""); err != nil {
		t.Fatalf("login after unlock: %v", err)
	}
}

func TestFailureCounterIncrementsInStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.registerVerified(t, "erin", "erin@example.com", "s3cret-pass")

	// The store owns the counter; callers never supply a value that a
	// concurrent failure could have made stale.
	for want := 1; want <= 2; want++ {
		failed, locked, err := f.store.RecordLoginFailure(ctx, user.ID, 3)
		if err != nil {
			t.Fatalf("RecordLoginFailure: %v", err)
		}
		if failed != want || locked {
			t.Fatalf("expected (%d, false), got (%d, %v)", want, failed, locked)
		}
	}
	failed, locked, err := f.store.RecordLoginFailure(ctx, user.ID, 3)
	if err != nil {
		t.Fatalf("RecordLoginFailure: %v", err)
	}
	if failed != 3 || !locked {
		t.Fatalf("expected (3, true), got (%d, %v)", failed, locked)
	}
}

func TestFailureCounterResetsOnSuccess(t *testing.T) {
	f := newFixture(t, authn.WithLockoutThreshold(3))
	ctx := context.Background()
	f.registerVerified(t, "dave", "dave@example.com", "s3cret-pass")

	for i := 0; i < 2; i++ {
		if _, err := f.auth.Login(ctx, "dave", "wrong-pass", "", ""); !errors.Is(err, authn.ErrInvalidCredentials) {
			t.Fatalf("expected ErrInvalidCredentials, got %v", err)
		}
	}
	if _, err := f.auth.Login(ctx, "dave", "s3cret-pass", "", ""); err != nil {
		t.Fatalf("Login: %v", err)
	}
	// The counter restarted; two more failures must not lock.
	for i := 0; i < 2; i++ {
		if _, err := f.auth.Login(ctx, "dave", "wrong-pass", "", ""); !errors.Is(err, authn.ErrInvalidCredentials) {
			t.Fatalf("expected ErrInvalidCredentials, got %v", err)
		}
	}
	if _, err := f.auth.Login(ctx, "dave", "s3cret-pass", "", ""); err != nil {
		t.Fatalf("account must not be locked yet: %v", err)
	}
}

func TestRefreshRotationAndReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerVerified(t, "erin", "erin@example.com", "s3cret-pass")

	first, err := f.auth.Login(ctx, "erin", "s3cret-pass", "", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	second, err := f.auth.Refresh(ctx, first.RefreshToken, "")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatal("refresh token must rotate")
	}
	if second.SessionID != first.SessionID {
		t.Fatal("refresh must stay on the same session")
	}

	// Replaying the superseded token kills the session entirely.
	if _, err := f.auth.Refresh(ctx, first.RefreshToken, ""); !errors.Is(err, session.ErrRevoked) {
		t.Fatalf("expected ErrRevoked on replay, got %v", err)
	}
	if _, err := f.auth.Refresh(ctx, second.RefreshToken, ""); !errors.Is(err, session.ErrRevoked) {
		t.Fatalf("the current token must die with the session, got %v", err)
	}
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerVerified(t, "frank", "frank@example.com", "s3cret-pass")

	result, err := f.auth.Login(ctx, "frank", "s3cret-pass", "", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := f.auth.Refresh(ctx, result.AccessToken, ""); !errors.Is(err, token.ErrWrongType) {
		t.Fatalf("expected ErrWrongType, got %v", err)
	}
}

func TestRefreshPicksUpRoleChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.registerVerified(t, "grace", "grace@example.com", "s3cret-pass")

	first, err := f.auth.Login(ctx, "grace", "s3cret-pass", "", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if len(first.Authorities) != 0 {
		t.Fatalf("expected no authorities before assignment, got %v", first.Authorities)
	}

	userRole := mustRole(t, f.perms, "user")
	if _, err := f.perms.AssignRole(ctx, user.ID, userRole.ID, "", nil); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}

	second, err := f.auth.Refresh(ctx, first.RefreshToken, "")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(second.Authorities) != 2 {
		t.Fatalf("refresh must pick up the new role, got %v", second.Authorities)
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerVerified(t, "heidi", "heidi@example.com", "s3cret-pass")

	result, err := f.auth.Login(ctx, "heidi", "s3cret-pass", "", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := f.auth.Logout(ctx, result.SessionID); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := f.auth.Refresh(ctx, result.RefreshToken, ""); !errors.Is(err, session.ErrRevoked) {
		t.Fatalf("expected ErrRevoked after logout, got %v", err)
	}
}

func TestChangePasswordKeepsCurrentSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.registerVerified(t, "ivan", "ivan@example.com", "old-pass-123")

	first, err := f.auth.Login(ctx, "ivan", "old-pass-123", "", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	other, err := f.auth.Login(ctx, "ivan", "old-pass-123", "", "")
	if err != nil {
		t.Fatalf("second Login: %v", err)
	}

	if err := f.auth.ChangePassword(ctx, user.ID, "wrong-pass", "new-pass-123", first.SessionID); !errors.Is(err, authn.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := f.auth.ChangePassword(ctx, user.ID, "old-pass-123", "new-pass-123", first.SessionID); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}

	if _, err := f.sessions.Live(ctx, first.SessionID); err != nil {
		t.Fatalf("current session must survive: %v", err)
	}
	if _, err := f.sessions.Live(ctx, other.SessionID); !errors.Is(err, session.ErrRevoked) {
		t.Fatalf("other sessions must be revoked, got %v", err)
	}
	if _, err := f.auth.Login(ctx, "ivan", "new-pass-123", "", ""); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
}

func TestPasswordResetFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerVerified(t, "judy", "judy@example.com", "old-pass-123")

	open, err := f.auth.Login(ctx, "judy", "old-pass-123", "", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	resetToken, expiresAt, err := f.auth.RequestPasswordReset(ctx, "judy@example.com")
	if err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	if resetToken == "" || !expiresAt.After(time.Now()) {
		t.Fatalf("unusable reset token: %q expires %v", resetToken, expiresAt)
	}

	if err := f.auth.ResetPassword(ctx, resetToken, "new-pass-123"); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}
	if _, err := f.sessions.Live(ctx, open.SessionID); !errors.Is(err, session.ErrRevoked) {
		t.Fatalf("reset must revoke existing sessions, got %v", err)
	}
	if _, err := f.auth.Login(ctx, "judy", "old-pass-123", "", ""); !errors.Is(err, authn.ErrInvalidCredentials) {
		t.Fatalf("old password must stop working, got %v", err)
	}
	if _, err := f.auth.Login(ctx, "judy", "new-pass-123", "", ""); err != nil {
		t.Fatalf("login with new password: %v", err)
	}

	// Access tokens never work as reset tokens.
	fresh, err := f.auth.Login(ctx, "judy", "new-pass-123", "", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := f.auth.ResetPassword(ctx, fresh.AccessToken, "whatever-123"); !errors.Is(err, token.ErrWrongType) {
		t.Fatalf("expected ErrWrongType, got %v", err)
	}
}

func TestRequestPasswordResetUnknownEmail(t *testing.T) {
	f := newFixture(t)
	if _, _, err := f.auth.RequestPasswordReset(context.Background(), "ghost@example.com"); !errors.Is(err, authn.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.auth.Register(ctx, "", "a@example.com", "s3cret-pass"); !errors.Is(err, authn.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty username, got %v", err)
	}
	if _, err := f.auth.Register(ctx, "kim", "not-an-email", "s3cret-pass"); !errors.Is(err, authn.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for bad email, got %v", err)
	}
	if _, err := f.auth.Register(ctx, "kim", "kim@example.com", ""); !errors.Is(err, authn.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty password, got %v", err)
	}

	if _, err := f.auth.Register(ctx, "kim", "kim@example.com", "s3cret-pass"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := f.auth.Register(ctx, "kim", "kim2@example.com", "s3cret-pass"); !errors.Is(err, authn.ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate username, got %v", err)
	}
}

func mustRole(t *testing.T, perms *authz.Service, name string) *authz.Role {
	t.Helper()
	roles, err := perms.ListRoles(context.Background())
	if err != nil {
		t.Fatalf("ListRoles: %v", err)
	}
	for _, r := range roles {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("role %q not found", name)
	return nil
}
