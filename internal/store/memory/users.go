package memory

import (
	"context"
	"time"

	"krepost.org/internal/authn"
)

type userRow struct{ user authn.User }

var _ authn.UserStore = (*Store)(nil)

func (s *Store) CreateUser(_ context.Context, u *authn.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.users {
		if normalize(row.user.Username) == normalize(u.Username) ||
			normalize(row.user.Email) == normalize(u.Email) {
			return authn.ErrConflict
		}
	}
	s.users[u.ID] = userRow{user: *u}
	return nil
}

func (s *Store) GetUser(_ context.Context, id string) (*authn.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.users[id]
	if !ok {
		return nil, authn.ErrNotFound
	}
	user := row.user
	return &user, nil
}

func (s *Store) FindByIdentifier(_ context.Context, identifier string) (*authn.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	identifier = normalize(identifier)
	for _, row := range s.users {
		if normalize(row.user.Username) == identifier || normalize(row.user.Email) == identifier {
			user := row.user
			return &user, nil
		}
	}
	return nil, authn.ErrNotFound
}

func (s *Store) ListUsers(_ context.Context) ([]*authn.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*authn.User, 0, len(s.users))
	for _, id := range sortedKeys(s.users) {
		user := s.users[id].user
		out = append(out, &user)
	}
	return out, nil
}

func (s *Store) RecordLoginFailure(_ context.Context, id string, threshold int) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.users[id]
	if !ok {
		return 0, false, authn.ErrNotFound
	}
	row.user.FailedLogins++
	if row.user.FailedLogins >= threshold {
		row.user.Locked = true
	}
	row.user.UpdatedAt = time.Now().UTC()
	s.users[id] = row
	return row.user.FailedLogins, row.user.Locked, nil
}

func (s *Store) RecordLoginSuccess(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.users[id]
	if !ok {
		return authn.ErrNotFound
	}
	row.user.FailedLogins = 0
	row.user.LastLoginAt = &at
	row.user.UpdatedAt = at
	s.users[id] = row
	return nil
}

func (s *Store) SetPassword(_ context.Context, id, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.users[id]
	if !ok {
		return authn.ErrNotFound
	}
	row.user.PasswordHash = passwordHash
	row.user.UpdatedAt = time.Now().UTC()
	s.users[id] = row
	return nil
}

func (s *Store) UpdateUser(_ context.Context, id string, upd authn.UserUpdate) (*authn.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.users[id]
	if !ok {
		return nil, authn.ErrNotFound
	}
	if upd.Email != nil {
		row.user.Email = *upd.Email
	}
	if upd.Username != nil {
		row.user.Username = *upd.Username
	}
	if upd.Active != nil {
		row.user.Active = *upd.Active
	}
	if upd.Verified != nil {
		row.user.Verified = *upd.Verified
	}
	if upd.Locked != nil {
		row.user.Locked = *upd.Locked
		if !*upd.Locked {
			row.user.FailedLogins = 0
		}
	}
	row.user.UpdatedAt = time.Now().UTC()
	s.users[id] = row
	user := row.user
	return &user, nil
}
