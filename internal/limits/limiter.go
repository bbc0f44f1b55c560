// Package limits enforces per-key ingest rate limits on fixed one-minute
// windows backed by Redis, so limits hold across replicas.
package limits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrLimitExceeded = errors.New("rate limit exceeded")

// LimitConfig bounds one credential's ingest traffic.
type LimitConfig struct {
	RequestsPerMinute int
	EventsPerMinute   int
}

// RateLimiter counts requests and events per key. A nil limiter or nil
// client allows everything.
type RateLimiter struct {
	client *redis.Client
}

func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{client: client}
}

// AllowRequest checks the per-minute request budget for the key.
func (l *RateLimiter) AllowRequest(ctx context.Context, key string, cfg LimitConfig) error {
	if l == nil || l.client == nil || cfg.RequestsPerMinute <= 0 {
		return nil
	}
	return l.countCheck(ctx, fmt.Sprintf("rpm:%s", key), time.Minute, int64(cfg.RequestsPerMinute), 1)
}

// AllowEvents charges a batch of n events against the per-minute event
// budget. The batch is rejected whole when it would cross the limit; the
// charge is rolled back so a smaller batch can still pass.
func (l *RateLimiter) AllowEvents(ctx context.Context, key string, n int, cfg LimitConfig) error {
	if l == nil || l.client == nil || cfg.EventsPerMinute <= 0 || n <= 0 {
		return nil
	}
	window := time.Now().UTC().Unix() / 60
	redisKey := fmt.Sprintf("epm:%s:%d", key, window)

	used, err := l.client.IncrBy(ctx, redisKey, int64(n)).Result()
	if err != nil {
		return err
	}
	if used == int64(n) {
		l.client.Expire(ctx, redisKey, time.Minute)
	}
	if used > int64(cfg.EventsPerMinute) {
		l.client.IncrBy(ctx, redisKey, -int64(n))
		return ErrLimitExceeded
	}
	return nil
}

func (l *RateLimiter) countCheck(ctx context.Context, key string, ttl time.Duration, limit, n int64) error {
	window := time.Now().UTC().Unix() / int64(ttl.Seconds())
	redisKey := fmt.Sprintf("%s:%d", key, window)

	cnt, err := l.client.IncrBy(ctx, redisKey, n).Result()
	if err != nil {
		return err
	}
	if cnt == n {
		l.client.Expire(ctx, redisKey, ttl)
	}
	if cnt > limit {
		return ErrLimitExceeded
	}
	return nil
}
