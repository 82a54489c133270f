package authn

import (
	"context"
	"time"
)

// UserStore persists credential subjects. Counter and flag updates are
// single atomic writes so a cancelled request never leaves a partial
// transition applied.
type UserStore interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	// FindByIdentifier resolves a username or email address.
	FindByIdentifier(ctx context.Context, identifier string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)

	// RecordLoginFailure atomically increments the failed-login counter
	// and locks the account once the counter reaches threshold. It
	// returns the post-increment counter and lock state so concurrent
	// failures never lose an increment.
	RecordLoginFailure(ctx context.Context, id string, threshold int) (failed int, locked bool, err error)
	// RecordLoginSuccess resets the failed counter and stamps last login.
	RecordLoginSuccess(ctx context.Context, id string, at time.Time) error

	SetPassword(ctx context.Context, id, passwordHash string) error
	UpdateUser(ctx context.Context, id string, upd UserUpdate) (*User, error)
}

// UserUpdate carries optional administrative user mutations.
type UserUpdate struct {
	Email    *string
	Username *string
	Active   *bool
	Verified *bool
	// Locked=false also resets the failed-login counter.
	Locked *bool
}
