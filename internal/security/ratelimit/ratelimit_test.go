package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *stepClock {
	return &stepClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func newMemory(t *testing.T, policy Policy, clock *stepClock) *SlidingWindow {
	t.Helper()

	limiter, err := NewSlidingWindow(policy, WithClock(clock.Now))
	require.NoError(t, err)
	return limiter
}

func newRedis(t *testing.T, policy Policy, clock *stepClock) (*RedisSlidingWindow, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter, err := NewRedisSlidingWindow(client, policy, clock.Now)
	require.NoError(t, err)
	return limiter, mr
}

// limiterCases runs the same behavioural checks against both backends.
func limiterCases(t *testing.T, run func(t *testing.T, build func(Policy, *stepClock) Limiter)) {
	t.Run("memory", func(t *testing.T) {
		run(t, func(p Policy, c *stepClock) Limiter { return newMemory(t, p, c) })
	})
	t.Run("redis", func(t *testing.T) {
		run(t, func(p Policy, c *stepClock) Limiter {
			l, _ := newRedis(t, p, c)
			return l
		})
	})
}

func TestLimiter_LoginBoundary(t *testing.T) {
	limiterCases(t, func(t *testing.T, build func(Policy, *stepClock) Limiter) {
		clock := newClock()
		limiter := build(LoginPolicy, clock)
		ctx := context.Background()
		first := clock.Now()

		for i := 1; i <= 10; i++ {
			res, err := limiter.CheckLimit(ctx, "203.0.113.7")
			require.NoError(t, err)
			require.True(t, res.Allowed, "call %d", i)
			assert.Equal(t, 10-i, res.Remaining, "call %d", i)
			assert.True(t, res.ResetAt.Equal(first.Add(time.Minute)), "call %d", i)
			clock.Advance(time.Second)
		}

		res, err := limiter.CheckLimit(ctx, "203.0.113.7")
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.Equal(t, 0, res.Remaining)
		assert.Equal(t, 10, res.Limit)
		assert.True(t, res.ResetAt.Equal(first.Add(time.Minute)))
	})
}

func TestLimiter_RejectedCallsAreNotRecorded(t *testing.T) {
	limiterCases(t, func(t *testing.T, build func(Policy, *stepClock) Limiter) {
		clock := newClock()
		limiter := build(Policy{Name: "t", Max: 2, Window: 10 * time.Second}, clock)
		ctx := context.Background()

		for range 2 {
			res, err := limiter.CheckLimit(ctx, "k")
			require.NoError(t, err)
			require.True(t, res.Allowed)
		}
		for range 5 {
			clock.Advance(time.Second)
			res, err := limiter.CheckLimit(ctx, "k")
			require.NoError(t, err)
			require.False(t, res.Allowed)
		}

		// Both recorded calls were at t0, so at t0+10s the window is empty again.
		clock.Advance(5 * time.Second)
		res, err := limiter.CheckLimit(ctx, "k")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 1, res.Remaining)
	})
}

func TestLimiter_WindowSlides(t *testing.T) {
	limiterCases(t, func(t *testing.T, build func(Policy, *stepClock) Limiter) {
		clock := newClock()
		limiter := build(PasswordResetPolicy, clock)
		ctx := context.Background()

		start := clock.Now()
		for i := range 3 {
			if i > 0 {
				clock.Advance(20 * time.Minute)
			}
			res, err := limiter.CheckLimit(ctx, "ada@example.com")
			require.NoError(t, err)
			require.True(t, res.Allowed)
		}

		clock.Advance(19 * time.Minute)
		res, err := limiter.CheckLimit(ctx, "ada@example.com")
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.True(t, res.ResetAt.Equal(start.Add(time.Hour)))

		// At resetAt the first call has left the window.
		clock.Advance(time.Minute)
		res, err = limiter.CheckLimit(ctx, "ada@example.com")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 0, res.Remaining)
		assert.True(t, res.ResetAt.Equal(start.Add(80*time.Minute)))
	})
}

func TestLimiter_KeysAreIndependentAndResettable(t *testing.T) {
	limiterCases(t, func(t *testing.T, build func(Policy, *stepClock) Limiter) {
		clock := newClock()
		limiter := build(Policy{Name: "t", Max: 1, Window: time.Minute}, clock)
		ctx := context.Background()

		res, err := limiter.CheckLimit(ctx, "a")
		require.NoError(t, err)
		require.True(t, res.Allowed)

		res, err = limiter.CheckLimit(ctx, "b")
		require.NoError(t, err)
		assert.True(t, res.Allowed)

		res, err = limiter.CheckLimit(ctx, "a")
		require.NoError(t, err)
		require.False(t, res.Allowed)

		require.NoError(t, limiter.Reset(ctx, "a"))
		require.NoError(t, limiter.Reset(ctx, "never-seen"))

		res, err = limiter.CheckLimit(ctx, "a")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	})
}

func TestSlidingWindow_ConcurrentCallsNeverExceedMax(t *testing.T) {
	t.Parallel()

	clock := newClock()
	limiter := newMemory(t, Policy{Name: "t", Max: 25, Window: time.Minute}, clock)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := limiter.CheckLimit(context.Background(), "shared")
			if err == nil && res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 25, allowed)
}

func TestSlidingWindow_CleanupEvictsExpiredWindows(t *testing.T) {
	t.Parallel()

	clock := newClock()
	limiter := newMemory(t, LoginPolicy, clock)
	ctx := context.Background()

	for i := range 5 {
		_, err := limiter.CheckLimit(ctx, fmt.Sprintf("10.0.0.%d", i))
		require.NoError(t, err)
	}
	clock.Advance(30 * time.Second)
	_, err := limiter.CheckLimit(ctx, "10.0.0.99")
	require.NoError(t, err)
	require.Equal(t, 6, limiter.Len())

	assert.Equal(t, 0, limiter.Cleanup())

	clock.Advance(31 * time.Second)
	assert.Equal(t, 5, limiter.Cleanup())
	assert.Equal(t, 1, limiter.Len())
}

func TestSlidingWindow_CleanupSkipsBusyWindows(t *testing.T) {
	t.Parallel()

	clock := newClock()
	limiter := newMemory(t, LoginPolicy, clock)

	_, err := limiter.CheckLimit(context.Background(), "busy")
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	w := limiter.acquire("busy")
	assert.Equal(t, 0, limiter.Cleanup())
	w.mu.Unlock()

	assert.Equal(t, 1, limiter.Cleanup())
}

func TestSlidingWindow_ResetWaitsForInFlightCheck(t *testing.T) {
	t.Parallel()

	clock := newClock()
	policy := Policy{Name: "reset-race", Max: 3, Window: time.Minute}
	limiter := newMemory(t, policy, clock)
	ctx := context.Background()

	_, err := limiter.CheckLimit(ctx, "ip")
	require.NoError(t, err)

	w := limiter.acquire("ip")
	done := make(chan struct{})
	go func() {
		assert.NoError(t, limiter.Reset(ctx, "ip"))
		close(done)
	}()

	assert.Never(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond, "reset must not detach a window that is in use")

	w.stamps = append(w.stamps, clock.Now())
	w.mu.Unlock()
	<-done

	assert.Nil(t, w.stamps)
	assert.Equal(t, 0, limiter.Len())
	res, err := limiter.CheckLimit(ctx, "ip")
	require.NoError(t, err)
	assert.Equal(t, policy.Max-1, res.Remaining)
}

func TestSlidingWindow_ConcurrentResetAndCheck(t *testing.T) {
	t.Parallel()

	limiter := newMemory(t, Policy{Name: "churn", Max: 1000, Window: time.Minute}, newClock())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Go(func() {
			if i%5 == 0 {
				assert.NoError(t, limiter.Reset(ctx, "shared"))
				return
			}
			_, err := limiter.CheckLimit(ctx, "shared")
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	require.NoError(t, limiter.Reset(ctx, "shared"))
	assert.Equal(t, 0, limiter.Len())
}

func TestSlidingWindow_StartCleanupTickerStopsOnCancel(t *testing.T) {
	t.Parallel()

	limiter := newMemory(t, LoginPolicy, newClock())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		limiter.StartCleanupTicker(ctx, time.Millisecond)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleanup ticker did not stop")
	}
}

func TestRedisSlidingWindow_KeyExpiresWithWindow(t *testing.T) {
	t.Parallel()

	clock := newClock()
	limiter, mr := newRedis(t, LoginPolicy, clock)

	_, err := limiter.CheckLimit(context.Background(), "198.51.100.1")
	require.NoError(t, err)

	assert.True(t, mr.Exists("rl:login:198.51.100.1"))
	assert.Equal(t, time.Minute, mr.TTL("rl:login:198.51.100.1"))

	mr.FastForward(time.Minute)
	assert.False(t, mr.Exists("rl:login:198.51.100.1"))
}

func TestRedisSlidingWindow_BackendDown(t *testing.T) {
	t.Parallel()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	limiter, err := NewRedisSlidingWindow(client, LoginPolicy, nil)
	require.NoError(t, err)
	mr.Close()

	_, err = limiter.CheckLimit(context.Background(), "x")
	require.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestPolicyValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, LoginPolicy.Validate())
	require.NoError(t, PasswordResetPolicy.Validate())
	require.ErrorIs(t, Policy{Name: "x", Max: 0, Window: time.Second}.Validate(), ErrInvalidPolicy)
	require.ErrorIs(t, Policy{Name: "x", Max: 1}.Validate(), ErrInvalidPolicy)
	require.ErrorIs(t, Policy{Max: 1, Window: time.Second}.Validate(), ErrInvalidPolicy)
}

func TestResult_RetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, 60, Result{ResetAt: now.Add(time.Minute)}.RetryAfter(now))
	assert.Equal(t, 2, Result{ResetAt: now.Add(1500 * time.Millisecond)}.RetryAfter(now))
	assert.Equal(t, 1, Result{ResetAt: now.Add(-time.Second)}.RetryAfter(now))
}
