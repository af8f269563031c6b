// Package memstore provides process-local implementations of the repository
// stores. It backs tests and the single-process mode used when no database
// is configured.
package memstore

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"go-plm/internal/model"
	"go-plm/internal/repository"
	"go-plm/internal/security/lockout"
	"go-plm/internal/security/rbac"
)

var _ repository.UserStore = (*UserStore)(nil)

type UserStore struct {
	mu      sync.RWMutex
	byID    map[string]model.User
	byEmail map[string]string
	now     func() time.Time
}

func NewUserStore() *UserStore {
	return &UserStore{
		byID:    map[string]model.User{},
		byEmail: map[string]string{},
		now:     time.Now,
	}
}

func emailKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// clone detaches slices and pointers so callers cannot mutate stored state.
func cloneUser(u model.User) model.User {
	u.Roles = slices.Clone(u.Roles)
	if u.LockedUntil != nil {
		t := *u.LockedUntil
		u.LockedUntil = &t
	}
	if u.EmailVerifiedAt != nil {
		t := *u.EmailVerifiedAt
		u.EmailVerifiedAt = &t
	}
	return u
}

func (s *UserStore) Create(_ context.Context, u model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := emailKey(u.Email)
	if _, exists := s.byEmail[key]; exists {
		return model.ErrUserAlreadyExists
	}
	if _, exists := s.byID[u.ID]; exists {
		return model.ErrUserAlreadyExists
	}

	s.byID[u.ID] = cloneUser(u)
	s.byEmail[key] = u.ID
	return nil
}

func (s *UserStore) FindByID(_ context.Context, id string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.byID[id]
	if !ok {
		return model.User{}, model.ErrUserNotFound
	}
	return cloneUser(u), nil
}

func (s *UserStore) FindByEmail(_ context.Context, email string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[emailKey(email)]
	if !ok {
		return model.User{}, model.ErrUserNotFound
	}
	return cloneUser(s.byID[id]), nil
}

func (s *UserStore) List(_ context.Context, filter model.UserFilter) ([]model.User, model.Meta, error) {
	page, limit := repository.NormalizePage(filter.Page, filter.Limit)
	now := s.now()

	s.mu.RLock()
	matched := make([]model.User, 0, len(s.byID))
	for _, u := range s.byID {
		if filter.Status != "" && u.EffectiveStatus(now) != filter.Status {
			continue
		}
		matched = append(matched, cloneUser(u))
	}
	s.mu.RUnlock()

	slices.SortFunc(matched, func(a, b model.User) int {
		return strings.Compare(emailKey(a.Email), emailKey(b.Email))
	})

	total := len(matched)
	start := min((page-1)*limit, total)
	end := min(start+limit, total)
	return matched[start:end], repository.NewMeta(page, limit, total), nil
}

// update applies fn to the stored user under the write lock.
func (s *UserStore) update(id string, fn func(u *model.User)) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[id]
	if !ok {
		return model.User{}, model.ErrUserNotFound
	}
	fn(&u)
	u.UpdatedAt = s.now().UTC()
	s.byID[id] = u
	return cloneUser(u), nil
}

func (s *UserStore) UpdateRoles(_ context.Context, id string, roles []rbac.Role) (model.User, error) {
	return s.update(id, func(u *model.User) {
		u.Roles = slices.Clone(roles)
	})
}

func (s *UserStore) UpdateStatus(_ context.Context, id string, status model.UserStatus) error {
	_, err := s.update(id, func(u *model.User) {
		u.Status = status
	})
	return err
}

func (s *UserStore) MarkEmailVerified(_ context.Context, id string, at time.Time) error {
	_, err := s.update(id, func(u *model.User) {
		if u.EmailVerifiedAt == nil {
			u.EmailVerifiedAt = &at
		}
		if u.Status == model.StatusPending {
			u.Status = model.StatusActive
		}
	})
	return err
}

func (s *UserStore) UpdatePassword(_ context.Context, id string, currentHash string, newHash string, policyVersion int, changedAt time.Time) error {
	changed := false
	_, err := s.update(id, func(u *model.User) {
		if u.PasswordHash != currentHash {
			changed = true
			return
		}
		u.PasswordHash = newHash
		u.PasswordPolicyVersion = policyVersion
		u.PasswordChangedAt = changedAt
		u.FailedLoginAttempts = 0
		u.LockedUntil = nil
	})
	if err != nil {
		return err
	}
	if changed {
		return model.ErrCredentialChanged
	}
	return nil
}

func (s *UserStore) RecordLoginFailure(_ context.Context, id string, policy lockout.Policy, now time.Time) (lockout.Decision, error) {
	var decision lockout.Decision
	_, err := s.update(id, func(u *model.User) {
		decision = policy.RecordFailure(u.FailedLoginAttempts, u.LockedUntil, now)
		u.FailedLoginAttempts = decision.FailedAttempts
		u.LockedUntil = decision.LockedUntil
	})
	return decision, err
}

func (s *UserStore) ResetLoginFailures(_ context.Context, id string) error {
	_, err := s.update(id, func(u *model.User) {
		u.FailedLoginAttempts = 0
		u.LockedUntil = nil
	})
	return err
}
