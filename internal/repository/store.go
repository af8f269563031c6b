package repository

import (
	"context"
	"time"

	"go-plm/internal/model"
	"go-plm/internal/security/lockout"
	"go-plm/internal/security/rbac"
)

// UserStore persists user identities and their login-failure counters.
type UserStore interface {
	Create(ctx context.Context, u model.User) error
	FindByID(ctx context.Context, id string) (model.User, error)
	FindByEmail(ctx context.Context, email string) (model.User, error)
	List(ctx context.Context, filter model.UserFilter) ([]model.User, model.Meta, error)
	UpdateRoles(ctx context.Context, id string, roles []rbac.Role) (model.User, error)
	UpdateStatus(ctx context.Context, id string, status model.UserStatus) error
	MarkEmailVerified(ctx context.Context, id string, at time.Time) error
	// UpdatePassword swaps currentHash for newHash and clears any lockout. It
	// fails with model.ErrCredentialChanged when the stored hash is no longer
	// currentHash.
	UpdatePassword(ctx context.Context, id string, currentHash string, newHash string, policyVersion int, changedAt time.Time) error
	// RecordLoginFailure increments the counter and applies policy in one
	// atomic step, so concurrent failures are never lost.
	RecordLoginFailure(ctx context.Context, id string, policy lockout.Policy, now time.Time) (lockout.Decision, error)
	ResetLoginFailures(ctx context.Context, id string) error
}

// SessionStore persists sessions. Implementations serialize CreateCapped per
// user so the cap holds under concurrent logins.
type SessionStore interface {
	// CreateCapped revokes the oldest active sessions until fewer than max
	// remain, then inserts ns. It returns the new session and the ids evicted.
	CreateCapped(ctx context.Context, ns model.NewSession, max int, now time.Time) (model.Session, []string, error)
	FindByID(ctx context.Context, id string) (model.Session, error)
	// Rotate swaps the refresh hash only if oldHash is still current and the
	// session is active.
	Rotate(ctx context.Context, id string, oldHash string, newHash string, now time.Time, expiresAt time.Time) (model.Session, error)
	Touch(ctx context.Context, id string, now time.Time) error
	Revoke(ctx context.Context, id string, now time.Time) error
	RevokeAllForUser(ctx context.Context, userID string, exceptID string, now time.Time) (int, error)
	ListActive(ctx context.Context, userID string, now time.Time) ([]model.Session, error)
	DeleteStale(ctx context.Context, before time.Time) (int64, error)
}

type AuditStore interface {
	Log(ctx context.Context, entry model.AuditEntry) error
	Query(ctx context.Context, query model.AuditQuery) ([]model.AuditEntry, model.Meta, error)
}

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// NormalizePage clamps page and limit to the accepted range.
func NormalizePage(page int, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return page, limit
}

func NewMeta(page int, limit int, total int) model.Meta {
	totalPages := 0
	if total > 0 {
		totalPages = (total + limit - 1) / limit
	}
	return model.Meta{Page: page, Limit: limit, Total: total, TotalPages: totalPages}
}
