package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"krepost.org/internal/session"
)

var _ session.Store = (*Store)(nil)

const sessionColumns = `id, subject_id, refresh_token_hash, expires_at, refresh_expires_at, last_accessed_at, ip, user_agent, active, created_at`

func scanSession(row interface{ Scan(...any) error }) (*session.Session, error) {
	var (
		sess      session.Session
		tokenHash sql.NullString
		ip        sql.NullString
		userAgent sql.NullString
	)
	err := row.Scan(&sess.ID, &sess.SubjectID, &tokenHash, &sess.ExpiresAt,
		&sess.RefreshExpiresAt, &sess.LastAccessedAt, &ip, &userAgent,
		&sess.Active, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.RefreshTokenHash = tokenHash.String
	sess.IP = ip.String
	sess.UserAgent = userAgent.String
	return &sess, nil
}

// CreateCapped inserts the session, evicting the least-recently-accessed
// live session of the subject when the cap is reached. The subject's
// rows are locked for the duration so two concurrent logins cannot both
// observe the pre-eviction count.
func (s *Store) CreateCapped(ctx context.Context, sess *session.Session, maxPerSubject int, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		select id from sessions
		where subject_id = $1 and active and refresh_expires_at > $2
		order by last_accessed_at
		for update
	`, sess.SubjectID, now)
	if err != nil {
		return 0, err
	}
	var live []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		live = append(live, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	evicted := 0
	if maxPerSubject > 0 && len(live) >= maxPerSubject {
		// Oldest first; one slot is enough since logins arrive one at a time.
		if _, err := tx.ExecContext(ctx, `update sessions set active = false where id = $1`, live[0]); err != nil {
			return 0, err
		}
		evicted = 1
	}

	if _, err := tx.ExecContext(ctx, `
		insert into sessions (id, subject_id, refresh_token_hash, expires_at, refresh_expires_at, last_accessed_at, ip, user_agent, active, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, sess.ID, sess.SubjectID, nullIfEmpty(sess.RefreshTokenHash), sess.ExpiresAt,
		sess.RefreshExpiresAt, sess.LastAccessedAt, nullIfEmpty(sess.IP),
		nullIfEmpty(sess.UserAgent), sess.Active, sess.CreatedAt); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return evicted, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	return scanSession(s.db.QueryRowContext(ctx, `select `+sessionColumns+` from sessions where id = $1`, id))
}

func (s *Store) ListForSubject(ctx context.Context, subjectID string) ([]*session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+sessionColumns+` from sessions
		where subject_id = $1
		order by created_at desc
	`, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	return s.execSession(ctx, `update sessions set last_accessed_at = $2 where id = $1`, id, at)
}

func (s *Store) SetRefreshToken(ctx context.Context, id, tokenHash string, refreshExpiresAt time.Time) error {
	return s.execSession(ctx, `
		update sessions set refresh_token_hash = $2, refresh_expires_at = $3
		where id = $1
	`, id, tokenHash, refreshExpiresAt)
}

func (s *Store) RevokeSession(ctx context.Context, id string) error {
	// Idempotent: revoking an already-inactive session succeeds.
	res, err := s.db.ExecContext(ctx, `update sessions set active = false where id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res, session.ErrNotFound)
}

func (s *Store) RevokeAllForSubject(ctx context.Context, subjectID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		update sessions set active = false
		where subject_id = $1 and active
	`, subjectID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) RevokeAllExcept(ctx context.Context, subjectID, keepID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		update sessions set active = false
		where subject_id = $1 and active and id <> $2
	`, subjectID, keepID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		delete from sessions
		where refresh_expires_at < $1 or (not active and last_accessed_at < $1)
	`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) execSession(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return requireRow(res, session.ErrNotFound)
}
