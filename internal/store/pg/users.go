package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"krepost.org/internal/authn"
)

var _ authn.UserStore = (*Store)(nil)

const userColumns = `id, username, email, password_hash, active, verified, locked, failed_logins, last_login_at, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*authn.User, error) {
	var (
		u         authn.User
		lastLogin sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash,
		&u.Active, &u.Verified, &u.Locked, &u.FailedLogins,
		&lastLogin, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authn.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, u *authn.User) error {
	_, err := s.db.ExecContext(ctx, `
		insert into users (id, username, email, password_hash, active, verified, locked, failed_logins, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, u.ID, u.Username, u.Email, u.PasswordHash, u.Active, u.Verified, u.Locked, u.FailedLogins, u.CreatedAt, u.UpdatedAt)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return authn.ErrConflict
	}
	return err
}

func (s *Store) GetUser(ctx context.Context, id string) (*authn.User, error) {
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id)
	return scanUser(row)
}

func (s *Store) FindByIdentifier(ctx context.Context, identifier string) (*authn.User, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+userColumns+` from users
		where username = $1 or lower(email) = lower($1)
	`, identifier)
	return scanUser(row)
}

func (s *Store) ListUsers(ctx context.Context) ([]*authn.User, error) {
	rows, err := s.db.QueryContext(ctx, `select `+userColumns+` from users order by username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*authn.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) RecordLoginFailure(ctx context.Context, id string, threshold int) (int, bool, error) {
	var (
		failed int
		locked bool
	)
	err := s.db.QueryRowContext(ctx, `
		update users
		set failed_logins = failed_logins + 1,
		    locked = locked or failed_logins + 1 >= $2,
		    updated_at = now()
		where id = $1
		returning failed_logins, locked
	`, id, threshold).Scan(&failed, &locked)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, authn.ErrNotFound
	}
	return failed, locked, err
}

func (s *Store) RecordLoginSuccess(ctx context.Context, id string, at time.Time) error {
	return s.execUser(ctx, `
		update users set failed_logins = 0, last_login_at = $2, updated_at = now()
		where id = $1
	`, id, at)
}

func (s *Store) SetPassword(ctx context.Context, id, passwordHash string) error {
	return s.execUser(ctx, `
		update users set password_hash = $2, updated_at = now()
		where id = $1
	`, id, passwordHash)
}

func (s *Store) UpdateUser(ctx context.Context, id string, upd authn.UserUpdate) (*authn.User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if upd.Username != nil {
		if _, err := tx.ExecContext(ctx, `update users set username = $2 where id = $1`, id, *upd.Username); err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
				return nil, authn.ErrConflict
			}
			return nil, err
		}
	}
	if upd.Email != nil {
		if _, err := tx.ExecContext(ctx, `update users set email = $2 where id = $1`, id, *upd.Email); err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
				return nil, authn.ErrConflict
			}
			return nil, err
		}
	}
	if upd.Active != nil {
		if _, err := tx.ExecContext(ctx, `update users set active = $2 where id = $1`, id, *upd.Active); err != nil {
			return nil, err
		}
	}
	if upd.Verified != nil {
		if _, err := tx.ExecContext(ctx, `update users set verified = $2 where id = $1`, id, *upd.Verified); err != nil {
			return nil, err
		}
	}
	if upd.Locked != nil {
		query := `update users set locked = $2 where id = $1`
		if !*upd.Locked {
			query = `update users set locked = $2, failed_logins = 0 where id = $1`
		}
		if _, err := tx.ExecContext(ctx, query, id, *upd.Locked); err != nil {
			return nil, err
		}
	}
	if _, err := tx.ExecContext(ctx, `update users set updated_at = now() where id = $1`, id); err != nil {
		return nil, err
	}

	row := tx.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id)
	u, err := scanUser(row)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Store) execUser(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return authn.ErrNotFound
	}
	return nil
}
