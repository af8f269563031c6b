// Package ratelimit implements sliding-window request counters keyed by an
// identifier such as a client IP or an email address.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrInvalidPolicy = errors.New("invalid rate limit policy")

// Policy names a limiter instance and its budget.
type Policy struct {
	Name   string
	Max    int
	Window time.Duration
}

var (
	LoginPolicy         = Policy{Name: "login", Max: 10, Window: time.Minute}
	PasswordResetPolicy = Policy{Name: "password_reset", Max: 3, Window: time.Hour}
)

func (p Policy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPolicy)
	}
	if p.Max <= 0 {
		return fmt.Errorf("%w: %s max must be positive", ErrInvalidPolicy, p.Name)
	}
	if p.Window <= 0 {
		return fmt.Errorf("%w: %s window must be positive", ErrInvalidPolicy, p.Name)
	}
	return nil
}

// Result describes one CheckLimit decision. ResetAt is when the oldest
// counted request leaves the window.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the whole number of seconds until ResetAt, never below one.
func (r Result) RetryAfter(now time.Time) int {
	wait := r.ResetAt.Sub(now)
	secs := int((wait + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// Limiter is satisfied by the in-process and Redis implementations.
type Limiter interface {
	CheckLimit(ctx context.Context, identifier string) (Result, error)
	Reset(ctx context.Context, identifier string) error
	Policy() Policy
}
