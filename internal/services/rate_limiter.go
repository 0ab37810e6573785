package services

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RateLimiter is a fixed-window counter per action and key (an account id or
// client address) kept in Redis.
// A nil client disables limiting.
type RateLimiter struct {
	redis  *redis.Client
	limit  int64
	window time.Duration
	logger *zap.Logger
}

func NewRateLimiter(client *redis.Client, limit int, window time.Duration, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		redis:  client,
		limit:  int64(limit),
		window: window,
		logger: logger,
	}
}

// Allow counts one attempt of action by key and returns ErrRateLimited
// once the window's limit is exceeded. Redis failures let the request through.
func (l *RateLimiter) Allow(ctx context.Context, action, key string) error {
	if l == nil || l.redis == nil || l.limit <= 0 {
		return nil
	}

	redisKey := fmt.Sprintf("wallet:ratelimit:%s:%s", action, key)
	count, err := l.redis.Incr(ctx, redisKey).Result()
	if err != nil {
		l.logger.Warn("rate limiter unavailable", zap.String("key", redisKey), zap.Error(err))
		return nil
	}
	if count == 1 {
		if err := l.redis.Expire(ctx, redisKey, l.window).Err(); err != nil {
			l.logger.Warn("failed to set rate limit window", zap.String("key", redisKey), zap.Error(err))
		}
	}

	if count > l.limit {
		return ErrRateLimited
	}
	return nil
}
