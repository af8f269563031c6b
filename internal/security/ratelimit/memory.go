package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const DefaultCleanupInterval = 5 * time.Minute

type window struct {
	mu     sync.Mutex
	stamps []time.Time
}

// prune drops timestamps at or before cutoff. Callers hold w.mu.
func (w *window) prune(cutoff time.Time) {
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

// SlidingWindow is the process-local Limiter. Each identifier owns a window
// guarded by its own mutex, so unrelated keys never serialize on each other.
type SlidingWindow struct {
	policy Policy
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

type Option func(*SlidingWindow)

func WithClock(now func() time.Time) Option {
	return func(s *SlidingWindow) {
		s.now = now
	}
}

func NewSlidingWindow(policy Policy, opts ...Option) (*SlidingWindow, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	s := &SlidingWindow{
		policy:  policy,
		now:     time.Now,
		windows: map[string]*window{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *SlidingWindow) Policy() Policy {
	return s.policy
}

// CheckLimit records the request if it fits in the window. Rejected requests
// are not recorded.
func (s *SlidingWindow) CheckLimit(_ context.Context, identifier string) (Result, error) {
	w := s.acquire(identifier)
	defer w.mu.Unlock()

	now := s.now()
	w.prune(now.Add(-s.policy.Window))

	if len(w.stamps) >= s.policy.Max {
		return Result{
			Allowed:   false,
			Limit:     s.policy.Max,
			Remaining: 0,
			ResetAt:   w.stamps[0].Add(s.policy.Window),
		}, nil
	}

	w.stamps = append(w.stamps, now)
	return Result{
		Allowed:   true,
		Limit:     s.policy.Max,
		Remaining: s.policy.Max - len(w.stamps),
		ResetAt:   w.stamps[0].Add(s.policy.Window),
	}, nil
}

// acquire returns the identifier's window with its lock held. The window is
// locked before the map lock is released so cleanup cannot evict it in
// between.
func (s *SlidingWindow) acquire(identifier string) *window {
	s.mu.Lock()
	w, ok := s.windows[identifier]
	if !ok {
		w = &window{}
		s.windows[identifier] = w
	}
	w.mu.Lock()
	s.mu.Unlock()
	return w
}

// Reset forgets the identifier. It waits for an in-flight CheckLimit on the
// same window, so a recorded request is never left in a detached window.
func (s *SlidingWindow) Reset(_ context.Context, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[identifier]
	if !ok {
		return nil
	}
	w.mu.Lock()
	w.stamps = nil
	delete(s.windows, identifier)
	w.mu.Unlock()
	return nil
}

// Cleanup evicts identifiers whose whole window has expired. Windows that an
// in-flight CheckLimit is holding are skipped until the next pass.
func (s *SlidingWindow) Cleanup() int {
	cutoff := s.now().Add(-s.policy.Window)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, w := range s.windows {
		if !w.mu.TryLock() {
			continue
		}
		w.prune(cutoff)
		if len(w.stamps) == 0 {
			delete(s.windows, id)
			removed++
		}
		w.mu.Unlock()
	}
	return removed
}

// Len reports how many identifiers are currently tracked.
func (s *SlidingWindow) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// StartCleanupTicker runs Cleanup on interval until ctx is cancelled.
func (s *SlidingWindow) StartCleanupTicker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.Cleanup(); removed > 0 {
				slog.Debug("evicted idle rate limit windows", "limiter", s.policy.Name, "count", removed)
			}
		}
	}
}
