package memstore

import (
	"context"
	"slices"
	"sync"
	"time"

	"go-plm/internal/model"
	"go-plm/internal/repository"
)

var _ repository.SessionStore = (*SessionStore)(nil)

// SessionStore holds one lock across all sessions, which makes
// CreateCapped's evict-then-insert a single critical section.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]model.Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: map[string]model.Session{}}
}

func cloneSession(s model.Session) model.Session {
	if s.RevokedAt != nil {
		t := *s.RevokedAt
		s.RevokedAt = &t
	}
	return s
}

func (s *SessionStore) CreateCapped(_ context.Context, ns model.NewSession, max int, now time.Time) (model.Session, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[ns.ID]; exists {
		return model.Session{}, nil, model.ErrInvalidInput
	}

	active := make([]model.Session, 0)
	for _, sess := range s.sessions {
		if sess.UserID == ns.UserID && sess.Active(now) {
			active = append(active, sess)
		}
	}
	slices.SortFunc(active, func(a, b model.Session) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		return 1
	})

	var evicted []string
	if max > 0 && len(active) >= max {
		for _, sess := range active[:len(active)-max+1] {
			revokedAt := now
			sess.RevokedAt = &revokedAt
			s.sessions[sess.ID] = sess
			evicted = append(evicted, sess.ID)
		}
	}

	created := model.Session{
		ID:               ns.ID,
		UserID:           ns.UserID,
		RefreshTokenHash: ns.RefreshTokenHash,
		Device:           ns.Device,
		IP:               ns.IP,
		CreatedAt:        now,
		LastActiveAt:     now,
		ExpiresAt:        ns.ExpiresAt,
	}
	s.sessions[created.ID] = created
	return created, evicted, nil
}

func (s *SessionStore) FindByID(_ context.Context, id string) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return model.Session{}, model.ErrSessionNotFound
	}
	return cloneSession(sess), nil
}

func (s *SessionStore) Rotate(_ context.Context, id string, oldHash string, newHash string, now time.Time, expiresAt time.Time) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return model.Session{}, model.ErrSessionNotFound
	}
	if !sess.Active(now) {
		return model.Session{}, model.ErrSessionInactive
	}
	if sess.RefreshTokenHash != oldHash {
		return model.Session{}, model.ErrSessionMismatch
	}

	sess.RefreshTokenHash = newHash
	sess.LastActiveAt = now
	sess.ExpiresAt = expiresAt
	s.sessions[id] = sess
	return cloneSession(sess), nil
}

func (s *SessionStore) Touch(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if ok && sess.RevokedAt == nil && sess.LastActiveAt.Before(now) {
		sess.LastActiveAt = now
		s.sessions[id] = sess
	}
	return nil
}

func (s *SessionStore) Revoke(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return model.ErrSessionNotFound
	}
	if sess.RevokedAt == nil {
		sess.RevokedAt = &now
		s.sessions[id] = sess
	}
	return nil
}

func (s *SessionStore) RevokeAllForUser(_ context.Context, userID string, exceptID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for id, sess := range s.sessions {
		if sess.UserID != userID || sess.RevokedAt != nil || id == exceptID {
			continue
		}
		revokedAt := now
		sess.RevokedAt = &revokedAt
		s.sessions[id] = sess
		revoked++
	}
	return revoked, nil
}

func (s *SessionStore) ListActive(_ context.Context, userID string, now time.Time) ([]model.Session, error) {
	s.mu.Lock()
	out := make([]model.Session, 0)
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.Active(now) {
			out = append(out, cloneSession(sess))
		}
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b model.Session) int {
		if c := b.LastActiveAt.Compare(a.LastActiveAt); c != 0 {
			return c
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

func (s *SessionStore) DeleteStale(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, sess := range s.sessions {
		expired := !sess.ExpiresAt.After(before)
		revoked := sess.RevokedAt != nil && !sess.RevokedAt.After(before)
		if expired || revoked {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed, nil
}
