// Package ratelimit provides a Redis-backed attempt counter (INCR, with a
// TTL that every recorded attempt resets to the full window) used to cap
// OAuth refresh attempts per instance, independent of the credential
// cache's own advisory refresh-attempt counter.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter limits refresh attempts per instance using Redis INCR + EXPIRE.
type Limiter struct {
	redis      *redis.Client
	maxAttempt int
	window     time.Duration
}

// New creates a Limiter. maxAttempt is the max refresh attempts allowed per
// instance within the given window.
func New(rdb *redis.Client, maxAttempt int, window time.Duration) *Limiter {
	return &Limiter{
		redis:      rdb,
		maxAttempt: maxAttempt,
		window:     window,
	}
}

// Result holds the result of a rate limit check.
type Result struct {
	Allowed   bool
	Remaining int
	RetryAt   time.Time
}

func key(instanceID string) string {
	return "relaygate:refresh_ratelimit:" + instanceID
}

// Check returns whether the given instance is allowed to attempt a refresh.
func (l *Limiter) Check(ctx context.Context, instanceID string) (*Result, error) {
	k := key(instanceID)

	count, err := l.redis.Get(ctx, k).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("checking refresh rate limit: %w", err)
	}

	if count >= l.maxAttempt {
		ttl, err := l.redis.TTL(ctx, k).Result()
		if err != nil {
			return nil, fmt.Errorf("getting refresh rate limit TTL: %w", err)
		}
		return &Result{
			Allowed:   false,
			Remaining: 0,
			RetryAt:   time.Now().Add(ttl),
		}, nil
	}

	return &Result{
		Allowed:   true,
		Remaining: l.maxAttempt - count,
	}, nil
}

// Record records a refresh attempt for the given instance.
func (l *Limiter) Record(ctx context.Context, instanceID string) error {
	k := key(instanceID)

	pipe := l.redis.Pipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("recording refresh attempt: %w", err)
	}

	if incr.Val() == 1 {
		l.redis.Expire(ctx, k, l.window)
	}

	return nil
}

// Reset clears the rate limit counter for an instance (on refresh success).
func (l *Limiter) Reset(ctx context.Context, instanceID string) error {
	return l.redis.Del(ctx, key(instanceID)).Err()
}
