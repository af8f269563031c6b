// Package lockout derives account lock state from failed-login counters.
// It performs no I/O; the login flow persists whatever it returns.
package lockout

import "time"

const (
	DefaultThreshold = 5
	DefaultDuration  = 15 * time.Minute
)

type Policy struct {
	Threshold int
	Duration  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{Threshold: DefaultThreshold, Duration: DefaultDuration}
}

func (p Policy) withDefaults() Policy {
	if p.Threshold <= 0 {
		p.Threshold = DefaultThreshold
	}
	if p.Duration <= 0 {
		p.Duration = DefaultDuration
	}
	return p
}

// IsLocked is true iff lockedUntil is set and still in the future.
func IsLocked(lockedUntil *time.Time, now time.Time) bool {
	return lockedUntil != nil && lockedUntil.After(now)
}

// NextLockExpiry returns nil below the threshold, otherwise now+Duration.
func (p Policy) NextLockExpiry(failedAttempts int, now time.Time) *time.Time {
	p = p.withDefaults()
	if failedAttempts < p.Threshold {
		return nil
	}
	until := now.Add(p.Duration)
	return &until
}

// Decision is the state to persist after a failed password check.
type Decision struct {
	FailedAttempts int
	LockedUntil    *time.Time
	JustLocked     bool
}

// RecordFailure computes the state following one more failed attempt. An
// existing unexpired lock is never shortened.
func (p Policy) RecordFailure(failedAttempts int, lockedUntil *time.Time, now time.Time) Decision {
	attempts := failedAttempts + 1
	next := p.NextLockExpiry(attempts, now)

	if IsLocked(lockedUntil, now) {
		if next == nil || lockedUntil.After(*next) {
			next = lockedUntil
		}
		return Decision{FailedAttempts: attempts, LockedUntil: next}
	}

	return Decision{FailedAttempts: attempts, LockedUntil: next, JustLocked: next != nil}
}
