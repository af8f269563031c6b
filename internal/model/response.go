package model

import "time"

type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
	Meta    *Meta     `json:"meta,omitempty"`
}

type APIError struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details string   `json:"details,omitempty"`
	Fields  []string `json:"fields,omitempty"`
}

type Meta struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// TokenPair is the result of a login or refresh. The raw refresh token also
// travels in an http-only cookie.
type TokenPair struct {
	AccessToken      string     `json:"access_token"`
	RefreshToken     string     `json:"refresh_token,omitempty"`
	TokenType        string     `json:"token_type"`
	ExpiresIn        int64      `json:"expires_in"`
	AccessExpiresAt  time.Time  `json:"-"`
	RefreshExpiresAt time.Time  `json:"-"`
	SessionID        string     `json:"-"`
	User             PublicUser `json:"user"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type RevokeAllResponse struct {
	Revoked int `json:"revoked"`
}
