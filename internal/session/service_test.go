package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"krepost.org/internal/session"
	"krepost.org/internal/store/memory"
)

func newTestService(t *testing.T, opts ...session.Option) *session.Service {
	t.Helper()
	svc, err := session.NewService(memory.New(), opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestCreateEvictsLeastRecentlyAccessed(t *testing.T) {
	clock := time.Now().UTC()
	svc := newTestService(t,
		session.WithMaxPerSubject(3),
		session.WithClock(func() time.Time { return clock }),
	)
	ctx := context.Background()

	var all []*session.Session
	for i := 0; i < 3; i++ {
		sess, err := svc.Create(ctx, "u1", "10.0.0.1", "cli")
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		all = append(all, sess)
		clock = clock.Add(time.Minute)
	}

	// Touch the oldest so the second one becomes least recently accessed.
	if err := svc.Touch(ctx, all[0].ID); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	clock = clock.Add(time.Minute)

	extra, err := svc.Create(ctx, "u1", "10.0.0.1", "cli")
	if err != nil {
		t.Fatalf("Create at cap: %v", err)
	}

	if _, err := svc.Live(ctx, all[1].ID); !errors.Is(err, session.ErrRevoked) {
		t.Fatalf("expected the least recently accessed session evicted, got %v", err)
	}
	for _, id := range []string{all[0].ID, all[2].ID, extra.ID} {
		if _, err := svc.Live(ctx, id); err != nil {
			t.Fatalf("session %s should survive: %v", id, err)
		}
	}

	sessions, err := svc.ListForSubject(ctx, "u1")
	if err != nil {
		t.Fatalf("ListForSubject: %v", err)
	}
	live := 0
	for _, sess := range sessions {
		if sess.Live(clock) {
			live++
		}
	}
	if live != 3 {
		t.Fatalf("expected exactly 3 live sessions, got %d", live)
	}
}

func TestCreateCapDoesNotAffectOtherSubjects(t *testing.T) {
	svc := newTestService(t, session.WithMaxPerSubject(1))
	ctx := context.Background()

	a, err := svc.Create(ctx, "u1", "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Create(ctx, "u2", "", ""); err != nil {
		t.Fatalf("Create u2: %v", err)
	}
	if _, err := svc.Live(ctx, a.ID); err != nil {
		t.Fatalf("another subject's login must not evict u1's session: %v", err)
	}
}

func TestRefreshTokenRotation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Create(ctx, "u1", "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := svc.RotateRefreshToken(ctx, sess.ID, "first-token"); err != nil {
		t.Fatalf("RotateRefreshToken: %v", err)
	}

	sess, err = svc.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !svc.MatchesRefreshToken(sess, "first-token") {
		t.Fatal("current token must match")
	}
	if svc.MatchesRefreshToken(sess, "other-token") {
		t.Fatal("foreign token must not match")
	}

	if err := svc.RotateRefreshToken(ctx, sess.ID, "second-token"); err != nil {
		t.Fatalf("RotateRefreshToken: %v", err)
	}
	sess, err = svc.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if svc.MatchesRefreshToken(sess, "first-token") {
		t.Fatal("superseded token must stop matching")
	}
	if !svc.MatchesRefreshToken(sess, "second-token") {
		t.Fatal("rotated token must match")
	}
}

func TestRevokeAndLive(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Create(ctx, "u1", "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := svc.Revoke(ctx, sess.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := svc.Live(ctx, sess.ID); !errors.Is(err, session.ErrRevoked) {
		t.Fatalf("expected ErrRevoked, got %v", err)
	}
	if err := svc.Revoke(ctx, sess.ID); err != nil {
		t.Fatalf("second Revoke must be a no-op, got %v", err)
	}
	if err := svc.Revoke(ctx, "missing"); err != nil {
		t.Fatalf("revoking a missing session must be a no-op, got %v", err)
	}
}

func TestLiveRejectsExpiredRefreshWindow(t *testing.T) {
	clock := time.Now().UTC()
	svc := newTestService(t,
		session.WithRefreshTTL(time.Hour),
		session.WithClock(func() time.Time { return clock }),
	)
	ctx := context.Background()

	sess, err := svc.Create(ctx, "u1", "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	clock = clock.Add(2 * time.Hour)
	if _, err := svc.Live(ctx, sess.ID); !errors.Is(err, session.ErrRevoked) {
		t.Fatalf("expected ErrRevoked after refresh window, got %v", err)
	}
}

func TestRevokeAllExceptKeepsOne(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	keep, err := svc.Create(ctx, "u1", "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := svc.Create(ctx, "u1", "", ""); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	n, err := svc.RevokeAllExcept(ctx, "u1", keep.ID)
	if err != nil {
		t.Fatalf("RevokeAllExcept: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 revocations, got %d", n)
	}
	if _, err := svc.Live(ctx, keep.ID); err != nil {
		t.Fatalf("kept session must stay live: %v", err)
	}
}

func TestSweepExpired(t *testing.T) {
	clock := time.Now().UTC()
	svc := newTestService(t,
		session.WithRefreshTTL(time.Hour),
		session.WithClock(func() time.Time { return clock }),
	)
	ctx := context.Background()

	stale, err := svc.Create(ctx, "u1", "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	clock = clock.Add(30 * time.Minute)
	fresh, err := svc.Create(ctx, "u1", "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	clock = clock.Add(45 * time.Minute)
	n, err := svc.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted session, got %d", n)
	}
	if _, err := svc.Get(ctx, stale.ID); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("stale session must be gone, got %v", err)
	}
	if _, err := svc.Get(ctx, fresh.ID); err != nil {
		t.Fatalf("fresh session must remain: %v", err)
	}
}

func TestHashTokenStable(t *testing.T) {
	if session.HashToken("abc") != session.HashToken("abc") {
		t.Fatal("hash must be deterministic")
	}
	if session.HashToken("abc") == session.HashToken("abd") {
		t.Fatal("distinct tokens must hash differently")
	}
}
