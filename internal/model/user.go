package model

import (
	"time"

	"go-plm/internal/security/lockout"
	"go-plm/internal/security/rbac"
)

type UserStatus string

const (
	StatusPending     UserStatus = "pending"
	StatusActive      UserStatus = "active"
	StatusLocked      UserStatus = "locked"
	StatusDeactivated UserStatus = "deactivated"
)

type User struct {
	ID                    string      `json:"id"`
	Email                 string      `json:"email"`
	DisplayName           string      `json:"display_name"`
	PasswordHash          string      `json:"-"`
	PasswordPolicyVersion int         `json:"-"`
	PasswordChangedAt     time.Time   `json:"-"`
	Roles                 []rbac.Role `json:"roles"`
	Status                UserStatus  `json:"status"`
	FailedLoginAttempts   int         `json:"failed_login_attempts"`
	LockedUntil           *time.Time  `json:"locked_until,omitempty"`
	EmailVerifiedAt       *time.Time  `json:"email_verified_at,omitempty"`
	CreatedAt             time.Time   `json:"created_at"`
	UpdatedAt             time.Time   `json:"updated_at"`
}

// EffectiveStatus reports locked while a lock is in force. Locked is never
// stored; it lapses on its own when LockedUntil passes.
func (u User) EffectiveStatus(now time.Time) UserStatus {
	if u.Status == StatusDeactivated {
		return StatusDeactivated
	}
	if lockout.IsLocked(u.LockedUntil, now) {
		return StatusLocked
	}
	return u.Status
}

func (u User) Public(now time.Time) PublicUser {
	return PublicUser{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Roles:       u.Roles,
		Status:      u.EffectiveStatus(now),
	}
}

// PublicUser is the user shape returned to clients.
type PublicUser struct {
	ID          string      `json:"id"`
	Email       string      `json:"email"`
	DisplayName string      `json:"display_name"`
	Roles       []rbac.Role `json:"roles"`
	Status      UserStatus  `json:"status"`
}

// AdminUser adds the lockout fields visible to administrators.
type AdminUser struct {
	PublicUser
	FailedLoginAttempts int        `json:"failed_login_attempts"`
	LockedUntil         *time.Time `json:"locked_until,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

func (u User) Admin(now time.Time) AdminUser {
	return AdminUser{
		PublicUser:          u.Public(now),
		FailedLoginAttempts: u.FailedLoginAttempts,
		LockedUntil:         u.LockedUntil,
		CreatedAt:           u.CreatedAt,
	}
}

// Identity is the principal attached to an authenticated request.
type Identity struct {
	UserID      string      `json:"id"`
	Email       string      `json:"email"`
	DisplayName string      `json:"display_name"`
	Roles       []rbac.Role `json:"roles"`
	Status      UserStatus  `json:"status"`
	SessionID   string      `json:"session_id"`
}

type UserFilter struct {
	Status UserStatus
	Page   int
	Limit  int
}

type UserListData struct {
	Users []AdminUser `json:"users"`
}
