package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter implements the same fixed-window contract on Redis so multiple
// dispatch processes can share one budget. Each (key, window) pair maps to a
// Redis counter that expires with the window; INCR is atomic, so the Max
// bound holds across processes without extra locking.
type RedisLimiter struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		now:    time.Now,
	}
}

// Allow consumes one unit for key in the current window.
//
// A denied request still increments the window counter, but counts past Max
// carry no weight: at most Max requests are ever admitted per window, and the
// counter dies with the window's TTL.
func (l *RedisLimiter) Allow(ctx context.Context, key string, p Policy) (Decision, error) {
	if p.Max < 1 || p.Window <= 0 {
		return Decision{}, fmt.Errorf("invalid rate limit policy: max=%d window=%s", p.Max, p.Window)
	}

	now := l.now()
	windowStart := now.Truncate(p.Window)
	redisKey := fmt.Sprintf("ratelimit:%s:%d", key, windowStart.UnixMilli())

	pipe := l.client.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	// Expire a little after the window closes so a slow clock never drops a
	// live counter.
	pipe.PExpire(ctx, redisKey, p.Window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("redis rate limit check: %w", err)
	}

	count := int(incr.Val())
	if count <= p.Max {
		return Decision{
			Allowed:   true,
			Remaining: p.Max - count,
		}, nil
	}

	return Decision{
		Allowed:    false,
		Remaining:  0,
		RetryAfter: windowStart.Add(p.Window).Sub(now),
	}, nil
}
