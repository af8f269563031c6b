package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go-plm/internal/event"
	"go-plm/internal/model"
	"go-plm/internal/repository"
	"go-plm/internal/security/rbac"
	"go-plm/pkg/apierror"
)

// UserService holds the administrative operations on accounts.
type UserService struct {
	users    repository.UserStore
	sessions *SessionService
	bus      event.Bus
	now      func() time.Time
}

func NewUserService(users repository.UserStore, sessions *SessionService, bus event.Bus) *UserService {
	if bus == nil {
		bus = event.Nop{}
	}
	return &UserService{
		users:    users,
		sessions: sessions,
		bus:      bus,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *UserService) List(ctx context.Context, filter model.UserFilter) ([]model.AdminUser, model.Meta, error) {
	switch filter.Status {
	case "", model.StatusPending, model.StatusActive, model.StatusLocked, model.StatusDeactivated:
	default:
		return nil, model.Meta{}, apierror.Validation("unknown status filter", "status")
	}

	filter.Page, filter.Limit = repository.NormalizePage(filter.Page, filter.Limit)
	users, meta, err := s.users.List(ctx, filter)
	if err != nil {
		return nil, model.Meta{}, err
	}

	now := s.now()
	out := make([]model.AdminUser, 0, len(users))
	for _, u := range users {
		out = append(out, u.Admin(now))
	}
	return out, meta, nil
}

func (s *UserService) Get(ctx context.Context, id string) (model.AdminUser, error) {
	u, err := s.find(ctx, id)
	if err != nil {
		return model.AdminUser{}, err
	}
	return u.Admin(s.now()), nil
}

// UpdateRoles replaces the role set of a user. Administrators cannot drop
// their own admin role.
func (s *UserService) UpdateRoles(ctx context.Context, actor model.Identity, id string, names []string) (model.AdminUser, error) {
	roles, err := parseRoles(names)
	if err != nil {
		return model.AdminUser{}, err
	}
	if actor.UserID == id && slices.Contains(actor.Roles, rbac.RoleAdmin) && !slices.Contains(roles, rbac.RoleAdmin) {
		return model.AdminUser{}, apierror.Validation("you cannot remove your own admin role", "roles")
	}

	before, err := s.find(ctx, id)
	if err != nil {
		return model.AdminUser{}, err
	}

	updated, err := s.users.UpdateRoles(ctx, id, roles)
	if errors.Is(err, model.ErrUserNotFound) {
		return model.AdminUser{}, apierror.NotFound("user not found", id)
	}
	if err != nil {
		return model.AdminUser{}, fmt.Errorf("update roles: %w", err)
	}

	s.bus.Publish(event.Event{
		Type:     event.TypeRolesUpdated,
		UserID:   actor.UserID,
		Email:    actor.Email,
		Resource: "user:" + id,
		Details:  map[string]any{"before": before.Roles, "after": updated.Roles},
	})
	return updated.Admin(s.now()), nil
}

// Deactivate disables an account and ends all of its sessions.
func (s *UserService) Deactivate(ctx context.Context, actor model.Identity, id string) error {
	if actor.UserID == id {
		return apierror.Validation("you cannot deactivate your own account", "id")
	}
	if _, err := s.find(ctx, id); err != nil {
		return err
	}

	if err := s.users.UpdateStatus(ctx, id, model.StatusDeactivated); err != nil {
		return fmt.Errorf("deactivate user: %w", err)
	}
	revoked, err := s.sessions.RevokeAll(ctx, id, "")
	if err != nil {
		return fmt.Errorf("revoke sessions of deactivated user: %w", err)
	}

	s.bus.Publish(event.Event{
		Type:     event.TypeUserDeactivated,
		UserID:   actor.UserID,
		Email:    actor.Email,
		Resource: "user:" + id,
		Details:  map[string]any{"sessions_revoked": revoked},
	})
	return nil
}

// Unlock clears the failure counter and any lock in force.
func (s *UserService) Unlock(ctx context.Context, actor model.Identity, id string) error {
	u, err := s.find(ctx, id)
	if err != nil {
		return err
	}
	if err := s.users.ResetLoginFailures(ctx, id); err != nil {
		return fmt.Errorf("unlock user: %w", err)
	}

	s.bus.Publish(event.Event{
		Type:     event.TypeUserUnlocked,
		UserID:   actor.UserID,
		Email:    actor.Email,
		Resource: "user:" + id,
		Details:  map[string]any{"failed_attempts": u.FailedLoginAttempts},
	})
	return nil
}

func (s *UserService) find(ctx context.Context, id string) (model.User, error) {
	u, err := s.users.FindByID(ctx, id)
	if errors.Is(err, model.ErrUserNotFound) {
		return model.User{}, apierror.NotFound("user not found", id)
	}
	return u, err
}

func parseRoles(names []string) ([]rbac.Role, error) {
	if len(names) == 0 {
		return nil, apierror.Validation("at least one role is required", "roles")
	}

	roles := make([]rbac.Role, 0, len(names))
	for _, name := range names {
		role, err := rbac.ParseRole(name)
		if err != nil {
			return nil, apierror.Validation(err.Error(), "roles")
		}
		if !slices.Contains(roles, role) {
			roles = append(roles, role)
		}
	}
	return rbac.SortByLevel(roles), nil
}
