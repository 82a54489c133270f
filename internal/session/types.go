package session

import (
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("session: not found")
	ErrInvalidInput = errors.New("session: invalid input")

	// ErrRevoked is returned when an operation targets a session that
	// is no longer active or has expired.
	ErrRevoked = errors.New("session: revoked or expired")
)

// Session tracks one live login. The refresh token is stored as a
// SHA-256 hash; the cleartext value exists only in the client's hands.
// Invariants: LastAccessedAt >= CreatedAt, ExpiresAt > CreatedAt.
type Session struct {
	ID               string    `json:"id"`
	SubjectID        string    `json:"subject_id"`
	RefreshTokenHash string    `json:"-"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	LastAccessedAt   time.Time `json:"last_accessed_at"`
	IP               string    `json:"ip,omitempty"`
	UserAgent        string    `json:"user_agent,omitempty"`
	Active           bool      `json:"active"`
	CreatedAt        time.Time `json:"created_at"`
}

// Live reports whether the session can still authenticate requests.
func (s Session) Live(now time.Time) bool {
	return s.Active && s.RefreshExpiresAt.After(now)
}
