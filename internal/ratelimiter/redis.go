package ratelimiter

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a RateCheck backed by Redis sorted sets, for deployments
// that run more than one paygate process against a shared counter. Each
// subject is a ZSET keyed "paygate:ratelimit:<subject>" whose members are
// scored by their unix-millisecond hit time; Check/Record prune entries
// older than the window before counting, matching Limiter's semantics.
//
// A hit's member carries a random suffix (google/uuid) rather than the bare
// timestamp, since two hits landing in the same millisecond would otherwise
// collide as one ZSET member.
//
// If Redis is unreachable, both Check and Record fail open: an external
// counter backend being down must not turn into a denial-of-service
// against every key the process serves.
type RedisLimiter struct {
	client *redis.Client
}

// NewRedis wraps an existing Redis client as a RateCheck.
func NewRedis(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

func (l *RedisLimiter) Check(subject string, limit int, windowMs int64) Decision {
	if limit <= 0 {
		return Decision{Allowed: true, Remaining: -1}
	}

	ctx := context.Background()
	now := nowMs()
	key := redisKey(subject)
	cutoff := now - windowMs

	if err := l.client.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		return Decision{Allowed: true, Remaining: -1}
	}

	count, err := l.client.ZCard(ctx, key).Result()
	if err != nil {
		return Decision{Allowed: true, Remaining: -1}
	}
	if count < int64(limit) {
		return Decision{Allowed: true, Remaining: int64(limit) - count - 1}
	}

	retryAfterMs := int64(0)
	if oldest, err := l.client.ZRangeWithScores(ctx, key, 0, 0).Result(); err == nil && len(oldest) > 0 {
		retryAfterMs = int64(oldest[0].Score) + windowMs - now
		if retryAfterMs < 0 {
			retryAfterMs = 0
		}
	}
	return Decision{Allowed: false, Remaining: 0, RetryAfterMs: retryAfterMs}
}

func (l *RedisLimiter) Record(subject string, windowMs int64) {
	ctx := context.Background()
	now := nowMs()
	key := redisKey(subject)
	member := strconv.FormatInt(now, 10) + ":" + uuid.NewString()

	if err := l.client.ZAdd(ctx, key, redis.Z{Score: float64(now), Member: member}).Err(); err != nil {
		return
	}
	l.client.PExpire(ctx, key, time.Duration(windowMs)*time.Millisecond)
}

func redisKey(subject string) string {
	return "paygate:ratelimit:" + subject
}
