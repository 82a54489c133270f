package session

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"krepost.org/internal/ids"
	"krepost.org/internal/obs"
)

const (
	// DefaultMaxPerSubject is the session concurrency cap.
	DefaultMaxPerSubject = 5

	defaultSessionTTL = 30 * time.Minute
	defaultRefreshTTL = 14 * 24 * time.Hour
)

// Service manages session lifecycle on top of a Store.
type Service struct {
	store         Store
	now           func() time.Time
	maxPerSubject int
	sessionTTL    time.Duration
	refreshTTL    time.Duration
}

// Option configures Service behavior.
type Option func(*Service)

// WithMaxPerSubject overrides the concurrency cap.
func WithMaxPerSubject(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxPerSubject = n
		}
	}
}

// WithSessionTTL overrides the access-session lifetime.
func WithSessionTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.sessionTTL = ttl
		}
	}
}

// WithRefreshTTL overrides the refresh window lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs a Service.
func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("session: store is required")
	}
	s := &Service{
		store:         store,
		now:           time.Now,
		maxPerSubject: DefaultMaxPerSubject,
		sessionTTL:    defaultSessionTTL,
		refreshTTL:    defaultRefreshTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Create opens a new session for the subject. When the subject already
// holds the cap number of live sessions the least-recently-accessed one
// is evicted in the same atomic store operation.
func (s *Service) Create(ctx context.Context, subjectID, ip, userAgent string) (*Session, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, fmt.Errorf("%w: subject id is required", ErrInvalidInput)
	}
	now := s.now().UTC()
	sess := &Session{
		ID:               ids.New(),
		SubjectID:        subjectID,
		ExpiresAt:        now.Add(s.sessionTTL),
		RefreshExpiresAt: now.Add(s.refreshTTL),
		LastAccessedAt:   now,
		IP:               strings.TrimSpace(ip),
		UserAgent:        strings.TrimSpace(userAgent),
		Active:           true,
		CreatedAt:        now,
	}
	evicted, err := s.store.CreateCapped(ctx, sess, s.maxPerSubject, now)
	if err != nil {
		return nil, err
	}
	if evicted > 0 {
		obs.SessionsEvicted.Add(float64(evicted))
	}
	return sess, nil
}

// Get returns the session by id.
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	return s.store.GetSession(ctx, id)
}

// Live returns the session only if it is still active and unexpired.
func (s *Service) Live(ctx context.Context, id string) (*Session, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sess.Live(s.now().UTC()) {
		return nil, ErrRevoked
	}
	return sess, nil
}

// Touch updates the session's last-accessed timestamp.
func (s *Service) Touch(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	return s.store.TouchSession(ctx, id, s.now().UTC())
}

// RotateRefreshToken replaces the stored refresh token hash and extends
// the refresh window. The previous token value stops resolving to this
// session immediately, regardless of its embedded expiry.
func (s *Service) RotateRefreshToken(ctx context.Context, id, refreshToken string) error {
	id = strings.TrimSpace(id)
	if id == "" || refreshToken == "" {
		return fmt.Errorf("%w: session id and refresh token are required", ErrInvalidInput)
	}
	return s.store.SetRefreshToken(ctx, id, HashToken(refreshToken), s.now().UTC().Add(s.refreshTTL))
}

// MatchesRefreshToken reports whether the presented refresh token is the
// one currently bound to the session.
func (s *Service) MatchesRefreshToken(sess *Session, refreshToken string) bool {
	if sess == nil || sess.RefreshTokenHash == "" {
		return false
	}
	presented := HashToken(refreshToken)
	return subtle.ConstantTimeCompare([]byte(sess.RefreshTokenHash), []byte(presented)) == 1
}

// Revoke deactivates one session. Idempotent.
func (s *Service) Revoke(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	err := s.store.RevokeSession(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// RevokeAllForSubject deactivates every session of the subject.
func (s *Service) RevokeAllForSubject(ctx context.Context, subjectID string) (int, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return 0, fmt.Errorf("%w: subject id is required", ErrInvalidInput)
	}
	return s.store.RevokeAllForSubject(ctx, subjectID)
}

// RevokeAllExcept deactivates every session of the subject except one,
// typically the session performing a password change.
func (s *Service) RevokeAllExcept(ctx context.Context, subjectID, keepID string) (int, error) {
	subjectID = strings.TrimSpace(subjectID)
	keepID = strings.TrimSpace(keepID)
	if subjectID == "" || keepID == "" {
		return 0, fmt.Errorf("%w: subject id and keep id are required", ErrInvalidInput)
	}
	return s.store.RevokeAllExcept(ctx, subjectID, keepID)
}

// ListForSubject returns all sessions of the subject, live or not.
func (s *Service) ListForSubject(ctx context.Context, subjectID string) ([]*Session, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, fmt.Errorf("%w: subject id is required", ErrInvalidInput)
	}
	return s.store.ListForSubject(ctx, subjectID)
}

// SweepExpired deletes sessions whose refresh window has passed.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	return s.store.DeleteExpired(ctx, s.now().UTC())
}

// HashToken returns the storage form of a refresh token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
