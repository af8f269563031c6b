package model

import "errors"

var (
	// User related errors
	ErrUserNotFound      = errors.New("user not found")
	ErrUserAlreadyExists = errors.New("user already exists")
	ErrCredentialChanged = errors.New("password changed concurrently")

	// Session related errors
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionInactive = errors.New("session revoked or expired")
	ErrSessionMismatch = errors.New("refresh token does not match session")

	// Generic errors
	ErrInvalidInput = errors.New("invalid input")
)
