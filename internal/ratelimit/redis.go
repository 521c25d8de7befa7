package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

//go:generate mockgen -destination=../mocks/mock_redis_client.go -package=mocks github.com/adcondev/printomat/internal/ratelimit RedisClient

// RedisClient is the subset of *redis.Client the limiter uses.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	PTTL(ctx context.Context, key string) *redis.DurationCmd
}

// RedisLimiter shares cooldown state between server instances. Each accepted
// submission sets a key that expires after the cooldown; SET NX makes the
// check-and-set atomic across instances.
//
// When Redis cannot be reached the limiter rejects untrusted submissions.
type RedisLimiter struct {
	client   RedisClient
	prefix   string
	cooldown time.Duration
	log      *zap.Logger
}

// NewRedisClient connects to addr.
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

// NewRedisLimiter creates a limiter on client. Keys are prefix + ip.
func NewRedisLimiter(client RedisClient, prefix string, cooldown time.Duration, logger *zap.Logger) *RedisLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "printomat:ratelimit:"
	}
	return &RedisLimiter{client: client, prefix: prefix, cooldown: cooldown, log: logger}
}

// ShouldAccept implements Limiter.
func (l *RedisLimiter) ShouldAccept(ctx context.Context, ip string, bypass bool) bool {
	if bypass {
		return true
	}

	ok, err := l.client.SetNX(ctx, l.prefix+ip, time.Now().UnixMilli(), l.cooldown).Result()
	if err != nil {
		l.log.Error("[RATELIMIT] redis unavailable, rejecting submission", zap.String("ip", ip), zap.Error(err))
		return false
	}
	return ok
}

// RetryAfter implements Limiter. Unknown or expired keys report zero; on
// errors the whole cooldown is reported.
func (l *RedisLimiter) RetryAfter(ctx context.Context, ip string) time.Duration {
	ttl, err := l.client.PTTL(ctx, l.prefix+ip).Result()
	if err != nil {
		l.log.Warn("[RATELIMIT] failed to read cooldown", zap.String("ip", ip), zap.Error(err))
		return l.cooldown
	}
	if ttl < 0 {
		return 0
	}
	return ttl
}
