package apierror

import (
	"fmt"
	"net/http"
	"time"
)

// Stable machine-readable codes returned to API clients.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeWeakPassword       = "WEAK_PASSWORD"
	CodeUnauthenticated    = "UNAUTHENTICATED"
	CodeForbidden          = "FORBIDDEN"
	CodeAccountLocked      = "ACCOUNT_LOCKED"
	CodeTooManyRequests    = "TOO_MANY_REQUESTS"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeTokenExpired       = "TOKEN_EXPIRED"
	CodeTokenInvalid       = "TOKEN_INVALID"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeInternal           = "INTERNAL_ERROR"
	CodeUnavailable        = "SERVICE_UNAVAILABLE"
)

type APIError struct {
	Code       string   `json:"code"`
	Message    string   `json:"message"`
	Details    string   `json:"details,omitempty"`
	Fields     []string `json:"fields,omitempty"`
	HTTPStatus int      `json:"-"`

	// RateLimit is set on TOO_MANY_REQUESTS errors so the transport can emit
	// Retry-After and X-RateLimit-* headers.
	RateLimit *RateLimit `json:"-"`
}

type RateLimit struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}

	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}

	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func New(code string, message string, details string, status int) *APIError {
	return &APIError{Code: code, Message: message, Details: details, HTTPStatus: status}
}

func Validation(message string, fields ...string) *APIError {
	return &APIError{Code: CodeValidation, Message: message, Fields: fields, HTTPStatus: http.StatusBadRequest}
}

func WeakPassword(rules []string) *APIError {
	return &APIError{Code: CodeWeakPassword, Message: "password does not meet the strength policy", Fields: rules, HTTPStatus: http.StatusBadRequest}
}

func Unauthenticated(message string) *APIError {
	return New(CodeUnauthenticated, message, "", http.StatusUnauthorized)
}

func Forbidden(message string) *APIError {
	return New(CodeForbidden, message, "", http.StatusForbidden)
}

func InvalidCredentials() *APIError {
	return New(CodeInvalidCredentials, "invalid email or password", "", http.StatusUnauthorized)
}

func AccountLocked() *APIError {
	return New(CodeAccountLocked, "account is temporarily locked", "", http.StatusLocked)
}

func TooManyRequests(limit int, remaining int, resetAt time.Time) *APIError {
	return &APIError{
		Code:       CodeTooManyRequests,
		Message:    "too many requests",
		HTTPStatus: http.StatusTooManyRequests,
		RateLimit:  &RateLimit{Limit: limit, Remaining: remaining, ResetAt: resetAt},
	}
}

// TokenExpired and TokenInvalid share a message on purpose; only the code differs.
func TokenExpired() *APIError {
	return New(CodeTokenExpired, "session expired, please log in again", "", http.StatusUnauthorized)
}

func TokenInvalid() *APIError {
	return New(CodeTokenInvalid, "session expired, please log in again", "", http.StatusUnauthorized)
}

func NotFound(message string, details string) *APIError {
	return New(CodeNotFound, message, details, http.StatusNotFound)
}

func Conflict(message string, details string) *APIError {
	return New(CodeConflict, message, details, http.StatusConflict)
}

func Internal() *APIError {
	return New(CodeInternal, "unexpected server error", "", http.StatusInternalServerError)
}

func Unavailable(message string) *APIError {
	return New(CodeUnavailable, message, "", http.StatusServiceUnavailable)
}
