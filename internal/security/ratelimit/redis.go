package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrBackendUnavailable = errors.New("rate limit backend unavailable")

// The window is a sorted set scored by millisecond timestamps. Pruning, the
// capacity check and the insert run as one script so concurrent processes
// never both take the last slot.
var slidingWindowLua = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)

if count >= max then
  local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
  return {0, count, tonumber(oldest[2])}
end

redis.call("ZADD", key, now, ARGV[4])
redis.call("PEXPIRE", key, window)
local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
return {1, count + 1, tonumber(oldest[2])}
`)

// RedisSlidingWindow is the shared-store Limiter for multi-process
// deployments. Windows expire on their own through PEXPIRE, so it needs no
// cleanup loop.
type RedisSlidingWindow struct {
	redis  redis.UniversalClient
	policy Policy
	prefix string
	now    func() time.Time
}

func NewRedisSlidingWindow(client redis.UniversalClient, policy Policy, now func() time.Time) (*RedisSlidingWindow, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is nil", ErrInvalidPolicy)
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}

	return &RedisSlidingWindow{
		redis:  client,
		policy: policy,
		prefix: "rl:" + policy.Name + ":",
		now:    now,
	}, nil
}

func (l *RedisSlidingWindow) Policy() Policy {
	return l.policy
}

func (l *RedisSlidingWindow) CheckLimit(ctx context.Context, identifier string) (Result, error) {
	now := l.now()
	windowMs := l.policy.Window.Milliseconds()

	vals, err := slidingWindowLua.Run(ctx, l.redis, []string{l.prefix + identifier},
		now.UnixMilli(), windowMs, l.policy.Max, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if len(vals) != 3 {
		return Result{}, fmt.Errorf("%w: unexpected script reply %v", ErrBackendUnavailable, vals)
	}

	count := int(vals[1])
	resetAt := time.UnixMilli(vals[2] + windowMs)

	if vals[0] == 0 {
		return Result{Allowed: false, Limit: l.policy.Max, Remaining: 0, ResetAt: resetAt}, nil
	}
	return Result{Allowed: true, Limit: l.policy.Max, Remaining: l.policy.Max - count, ResetAt: resetAt}, nil
}

func (l *RedisSlidingWindow) Reset(ctx context.Context, identifier string) error {
	if err := l.redis.Del(ctx, l.prefix+identifier).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}
