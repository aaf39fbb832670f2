package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultWindow    = time.Minute
	defaultKeyPrefix = "takes:ratelimit:"
)

var (
	errMissingClient = errors.New("ratelimit: redis client required")
	errInvalidLimit  = errors.New("ratelimit: limit must be positive")
)

// Limiter decides whether another request for the key fits in the current window.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// counter is the subset of the redis client the fixed-window limiter needs.
type counter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// RedisConfig configures a RedisLimiter.
type RedisConfig struct {
	Client    counter
	Limit     int64
	Window    time.Duration
	KeyPrefix string
}

// RedisLimiter counts requests per key in fixed windows stored in redis.
type RedisLimiter struct {
	client    counter
	limit     int64
	window    time.Duration
	keyPrefix string
}

// NewRedisLimiter constructs a RedisLimiter. Window defaults to one minute.
func NewRedisLimiter(cfg RedisConfig) (*RedisLimiter, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	if cfg.Limit <= 0 {
		return nil, errInvalidLimit
	}
	window := cfg.Window
	if window <= 0 {
		window = defaultWindow
	}
	prefix := cfg.KeyPrefix
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisLimiter{client: cfg.Client, limit: cfg.Limit, window: window, keyPrefix: prefix}, nil
}

// NewRedisClient opens a client for the address.
func NewRedisClient(address string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: address})
}

// Allow increments the key's counter, starting the window on the first hit.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := l.keyPrefix + key
	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: incr %s: %w", redisKey, err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, redisKey, l.window).Err(); err != nil {
			return false, fmt.Errorf("ratelimit: expire %s: %w", redisKey, err)
		}
	}
	return count <= l.limit, nil
}
