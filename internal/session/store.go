package session

import (
	"context"
	"time"
)

// Store persists sessions. Implementations must make Create's
// count-evict-insert sequence atomic per subject: the pg store uses a
// transaction with the subject's rows locked, the memory store a single
// mutex. All revocation operations are idempotent.
type Store interface {
	// CreateCapped inserts the session after evicting, within the same
	// atomic unit, the least-recently-accessed live session of the
	// subject whenever the subject already holds maxPerSubject live
	// sessions. Returns the number of evicted sessions (0 or 1).
	CreateCapped(ctx context.Context, s *Session, maxPerSubject int, now time.Time) (int, error)

	GetSession(ctx context.Context, id string) (*Session, error)
	ListForSubject(ctx context.Context, subjectID string) ([]*Session, error)

	TouchSession(ctx context.Context, id string, at time.Time) error
	SetRefreshToken(ctx context.Context, id, tokenHash string, refreshExpiresAt time.Time) error

	RevokeSession(ctx context.Context, id string) error
	RevokeAllForSubject(ctx context.Context, subjectID string) (int, error)
	RevokeAllExcept(ctx context.Context, subjectID, keepID string) (int, error)
	DeleteExpired(ctx context.Context, cutoff time.Time) (int, error)
}
