package authn

import (
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("authn: not found")
	ErrConflict     = errors.New("authn: already exists")
	ErrInvalidInput = errors.New("authn: invalid input")

	// ErrInvalidCredentials covers unknown identifiers and wrong
	// passwords without distinguishing the two.
	ErrInvalidCredentials = errors.New("authn: invalid credentials")

	// ErrAccountUnavailable covers locked, disabled and unverified
	// accounts. Intentionally undifferentiated so responses never leak
	// which condition applies.
	ErrAccountUnavailable = errors.New("authn: account unavailable")
)

// User is a credential subject. Locked accounts stay locked until an
// administrator unlocks them; there is no timer-based unlock.
type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Active       bool       `json:"active"`
	Verified     bool       `json:"verified"`
	Locked       bool       `json:"locked"`
	FailedLogins int        `json:"-"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Available reports whether the account may authenticate at all.
func (u User) Available() bool {
	return u.Active && u.Verified && !u.Locked
}
