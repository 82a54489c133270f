package memory

import (
	"context"
	"time"

	"krepost.org/internal/session"
)

type sessionRow struct{ sess session.Session }

var _ session.Store = (*Store)(nil)

func (s *Store) CreateCapped(_ context.Context, sess *session.Session, maxPerSubject int, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The mutex makes count, evict and insert a single atomic step, so
	// concurrent logins cannot transiently exceed the cap.
	var live []session.Session
	for _, row := range s.sessions {
		if row.sess.SubjectID == sess.SubjectID && row.sess.Live(now) {
			live = append(live, row.sess)
		}
	}
	evicted := 0
	if maxPerSubject > 0 && len(live) >= maxPerSubject {
		oldest := live[0]
		for _, candidate := range live[1:] {
			if candidate.LastAccessedAt.Before(oldest.LastAccessedAt) {
				oldest = candidate
			}
		}
		row := s.sessions[oldest.ID]
		row.sess.Active = false
		s.sessions[oldest.ID] = row
		evicted = 1
	}
	s.sessions[sess.ID] = sessionRow{sess: *sess}
	return evicted, nil
}

func (s *Store) GetSession(_ context.Context, id string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	sess := row.sess
	return &sess, nil
}

func (s *Store) ListForSubject(_ context.Context, subjectID string) ([]*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*session.Session
	for _, id := range sortedKeys(s.sessions) {
		if s.sessions[id].sess.SubjectID == subjectID {
			sess := s.sessions[id].sess
			out = append(out, &sess)
		}
	}
	return out, nil
}

func (s *Store) TouchSession(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.sessions[id]
	if !ok {
		return session.ErrNotFound
	}
	if at.After(row.sess.LastAccessedAt) {
		row.sess.LastAccessedAt = at
		s.sessions[id] = row
	}
	return nil
}

func (s *Store) SetRefreshToken(_ context.Context, id, tokenHash string, refreshExpiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.sessions[id]
	if !ok {
		return session.ErrNotFound
	}
	row.sess.RefreshTokenHash = tokenHash
	row.sess.RefreshExpiresAt = refreshExpiresAt
	s.sessions[id] = row
	return nil
}

func (s *Store) RevokeSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.sessions[id]
	if !ok {
		return session.ErrNotFound
	}
	row.sess.Active = false
	s.sessions[id] = row
	return nil
}

func (s *Store) RevokeAllForSubject(_ context.Context, subjectID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, row := range s.sessions {
		if row.sess.SubjectID == subjectID && row.sess.Active {
			row.sess.Active = false
			s.sessions[id] = row
			n++
		}
	}
	return n, nil
}

func (s *Store) RevokeAllExcept(_ context.Context, subjectID, keepID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, row := range s.sessions {
		if row.sess.SubjectID == subjectID && row.sess.Active && id != keepID {
			row.sess.Active = false
			s.sessions[id] = row
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteExpired(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, row := range s.sessions {
		if !row.sess.RefreshExpiresAt.After(cutoff) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}
