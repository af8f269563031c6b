package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"time"

	"go-plm/internal/event"
	"go-plm/internal/model"
	"go-plm/internal/repository"
	"go-plm/pkg/apierror"
)

const (
	DefaultMaxSessions = 5
	// touchInterval bounds how often request traffic rewrites last_active_at.
	touchInterval = time.Minute
	// staleRetention is how long dead sessions stay visible before cleanup.
	staleRetention = 24 * time.Hour
)

type SessionConfig struct {
	MaxSessions int
	RefreshTTL  time.Duration
}

// SessionService is the registry of login sessions. Each session is bound to
// exactly one live refresh token, stored only as a hash.
type SessionService struct {
	store       repository.SessionStore
	bus         event.Bus
	maxSessions int
	refreshTTL  time.Duration
	now         func() time.Time
}

func NewSessionService(store repository.SessionStore, bus event.Bus, cfg SessionConfig) *SessionService {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if bus == nil {
		bus = event.Nop{}
	}
	return &SessionService{
		store:       store,
		bus:         bus,
		maxSessions: cfg.MaxSessions,
		refreshTTL:  cfg.RefreshTTL,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *SessionService) MaxSessions() int {
	return s.maxSessions
}

// Create opens a session, evicting the user's oldest sessions when the cap
// would be exceeded.
func (s *SessionService) Create(ctx context.Context, ns model.NewSession) (model.Session, error) {
	now := s.now()
	if ns.ExpiresAt.IsZero() {
		ns.ExpiresAt = now.Add(s.refreshTTL)
	}

	created, evicted, err := s.store.CreateCapped(ctx, ns, s.maxSessions, now)
	if err != nil {
		return model.Session{}, err
	}

	for _, id := range evicted {
		s.bus.Publish(event.Event{
			Type:      event.TypeSessionEvicted,
			UserID:    ns.UserID,
			SessionID: id,
			Details:   map[string]any{"reason": "session_limit", "limit": s.maxSessions},
		})
	}
	s.bus.Publish(event.Event{
		Type:      event.TypeSessionCreated,
		UserID:    created.UserID,
		IP:        created.IP,
		SessionID: created.ID,
	})

	return created, nil
}

// Validate checks that refreshHash is the live token of an active session.
// A well-formed but superseded token means the old token was replayed, so the
// session is revoked before the mismatch is reported.
func (s *SessionService) Validate(ctx context.Context, id string, refreshHash string) (model.Session, error) {
	sess, err := s.store.FindByID(ctx, id)
	if err != nil {
		return model.Session{}, err
	}

	now := s.now()
	if !sess.Active(now) {
		return model.Session{}, model.ErrSessionInactive
	}

	if subtle.ConstantTimeCompare([]byte(sess.RefreshTokenHash), []byte(refreshHash)) != 1 {
		s.revokeForReuse(ctx, sess, now)
		return model.Session{}, model.ErrSessionMismatch
	}

	return sess, nil
}

// Rotate replaces the session's refresh hash and slides its expiry. Losing
// the compare-and-set to a concurrent rotation counts as reuse.
func (s *SessionService) Rotate(ctx context.Context, id string, oldHash string, newHash string, expiresAt time.Time) (model.Session, error) {
	now := s.now()
	if expiresAt.IsZero() {
		expiresAt = now.Add(s.refreshTTL)
	}

	rotated, err := s.store.Rotate(ctx, id, oldHash, newHash, now, expiresAt)
	if errors.Is(err, model.ErrSessionMismatch) {
		if sess, findErr := s.store.FindByID(ctx, id); findErr == nil {
			s.revokeForReuse(ctx, sess, now)
		}
	}
	if err != nil {
		return model.Session{}, err
	}
	return rotated, nil
}

func (s *SessionService) revokeForReuse(ctx context.Context, sess model.Session, now time.Time) {
	if err := s.store.Revoke(ctx, sess.ID, now); err != nil {
		slog.ErrorContext(ctx, "revoke session after refresh reuse", "session_id", sess.ID, "error", err)
	}
	s.bus.Publish(event.Event{
		Type:      event.TypeRefreshReuse,
		Status:    event.StatusFailure,
		UserID:    sess.UserID,
		SessionID: sess.ID,
	})
}

// CheckActive confirms the session belongs to userID and is live, refreshing
// its activity stamp at most once per touchInterval.
func (s *SessionService) CheckActive(ctx context.Context, id string, userID string) error {
	sess, err := s.store.FindByID(ctx, id)
	if err != nil {
		return err
	}

	now := s.now()
	if sess.UserID != userID || !sess.Active(now) {
		return model.ErrSessionInactive
	}

	if now.Sub(sess.LastActiveAt) >= touchInterval {
		if err := s.store.Touch(ctx, id, now); err != nil {
			slog.WarnContext(ctx, "touch session", "session_id", id, "error", err)
		}
	}
	return nil
}

// Revoke ends a session. Revoking an already revoked session is not an error.
func (s *SessionService) Revoke(ctx context.Context, id string) error {
	sess, err := s.store.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.Revoke(ctx, id, s.now()); err != nil {
		return err
	}

	if sess.RevokedAt == nil {
		s.bus.Publish(event.Event{Type: event.TypeSessionRevoked, UserID: sess.UserID, SessionID: id})
	}
	return nil
}

// RevokeForUser revokes a session on behalf of its owner. Sessions owned by
// anyone else are reported as missing.
func (s *SessionService) RevokeForUser(ctx context.Context, userID string, id string) error {
	sess, err := s.store.FindByID(ctx, id)
	if errors.Is(err, model.ErrSessionNotFound) || (err == nil && sess.UserID != userID) {
		return apierror.NotFound("session not found", id)
	}
	if err != nil {
		return err
	}
	return s.Revoke(ctx, id)
}

// RevokeAll revokes every live session of userID except exceptID, which may
// be empty.
func (s *SessionService) RevokeAll(ctx context.Context, userID string, exceptID string) (int, error) {
	n, err := s.store.RevokeAllForUser(ctx, userID, exceptID, s.now())
	if err != nil {
		return 0, err
	}

	if n > 0 {
		s.bus.Publish(event.Event{
			Type:      event.TypeSessionsRevoked,
			UserID:    userID,
			SessionID: exceptID,
			Details:   map[string]any{"revoked": n},
		})
	}
	return n, nil
}

// List returns the user's active sessions, most recently used first.
func (s *SessionService) List(ctx context.Context, userID string, currentID string) ([]model.SessionView, error) {
	sessions, err := s.store.ListActive(ctx, userID, s.now())
	if err != nil {
		return nil, err
	}

	views := make([]model.SessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, sess.View(currentID))
	}
	return views, nil
}

// Cleanup deletes sessions that have been dead for longer than staleRetention.
func (s *SessionService) Cleanup(ctx context.Context) (int64, error) {
	removed, err := s.store.DeleteStale(ctx, s.now().Add(-staleRetention))
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		slog.Info("removed stale sessions", "count", removed)
	}
	return removed, nil
}

// StartCleanupTicker runs Cleanup on interval until ctx is cancelled.
func (s *SessionService) StartCleanupTicker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Cleanup(ctx); err != nil && ctx.Err() == nil {
				slog.Error("session cleanup failed", "error", err)
			}
		}
	}
}
