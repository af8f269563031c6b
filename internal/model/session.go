package model

import "time"

type Session struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	RefreshTokenHash string     `json:"-"`
	Device           string     `json:"device"`
	IP               string     `json:"ip"`
	CreatedAt        time.Time  `json:"created_at"`
	LastActiveAt     time.Time  `json:"last_active_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
}

// Active is true for a session that is neither revoked nor expired.
func (s Session) Active(now time.Time) bool {
	return s.RevokedAt == nil && s.ExpiresAt.After(now)
}

func (s Session) View(currentID string) SessionView {
	return SessionView{
		ID:           s.ID,
		Device:       s.Device,
		IP:           s.IP,
		CreatedAt:    s.CreatedAt,
		LastActiveAt: s.LastActiveAt,
		ExpiresAt:    s.ExpiresAt,
		IsCurrent:    s.ID == currentID,
	}
}

type SessionView struct {
	ID           string    `json:"id"`
	Device       string    `json:"device"`
	IP           string    `json:"ip"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	IsCurrent    bool      `json:"is_current"`
}

// NewSession carries what the login flow knows when it opens a session. ID
// is chosen by the caller so the refresh token can embed it before insert.
type NewSession struct {
	ID               string
	UserID           string
	RefreshTokenHash string
	Device           string
	IP               string
	ExpiresAt        time.Time
}

// ClientInfo describes the caller of an auth operation.
type ClientInfo struct {
	IP        string
	UserAgent string
}
