package event

import "time"

type Type string

const (
	TypeUserRegistered      Type = "auth.register"
	TypeEmailVerified       Type = "auth.email_verified"
	TypeLoginSucceeded      Type = "auth.login"
	TypeLoginFailed         Type = "auth.login_failed"
	TypeLoginBlocked        Type = "auth.login_blocked"
	TypeAccountLocked       Type = "auth.account_locked"
	TypeRateLimited         Type = "auth.rate_limited"
	TypeLogout              Type = "auth.logout"
	TypeTokenRefreshed      Type = "auth.refresh"
	TypeRefreshReuse        Type = "auth.refresh_reuse"
	TypeSessionCreated      Type = "session.created"
	TypeSessionEvicted      Type = "session.evicted"
	TypeSessionRevoked      Type = "session.revoked"
	TypeSessionsRevoked     Type = "session.revoked_all"
	TypeResetRequested      Type = "password.reset_requested"
	TypePasswordReset       Type = "password.reset"
	TypePasswordChanged     Type = "password.changed"
	TypePasswordRehashed    Type = "password.rehashed"
	TypeRolesUpdated        Type = "user.roles_updated"
	TypeUserDeactivated     Type = "user.deactivated"
	TypeUserUnlocked        Type = "user.unlocked"
	TypeAuthorizationDenied Type = "authz.denied"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Event is a security-relevant occurrence. Details never carries secrets.
type Event struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Status     string         `json:"status"`
	UserID     string         `json:"user_id,omitempty"`
	Email      string         `json:"email,omitempty"`
	IP         string         `json:"ip,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	Resource   string         `json:"resource,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe() (<-chan Event, func()) // Returns channel and unsubscribe function
}
