package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/alfred-dev/gatekeep/config"
	"github.com/redis/go-redis/v9"
)

// Client wraps a redis.Client with the handful of operations the rate
// limiter and usage recorder need, so callers never import go-redis
// directly.
type Client struct {
	c *redis.Client
}

// New creates a Redis client from the provided config. Returns an error
// if the Redis URL cannot be parsed; it does not dial eagerly.
func New(cfg *config.Config) (*Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	r := redis.NewClient(opt)
	return &Client{c: r}, nil
}

func (r *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.c.Ping(ctx).Err()
}

func (r *Client) Close() error {
	return r.c.Close()
}

// ZAddNow records an occurrence at score=now (unix nanos) in the sorted
// set `key`, trims anything older than `window`, and returns the number
// of members remaining in the window. Used by ratelimit.Limiter to keep
// sliding windows consistent across gateway replicas.
func (r *Client) ZAddNow(ctx context.Context, key string, window time.Duration) (int64, error) {
	now := time.Now()
	member := fmt.Sprintf("%d", now.UnixNano())
	pipe := r.c.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", now.Add(-window).UnixNano()))
	pipe.Expire(ctx, key, window+time.Second)
	countCmd := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return countCmd.Val(), nil
}

// ZCount returns the number of members within the trailing window without
// adding a new entry — used for read-only quota previews.
func (r *Client) ZCount(ctx context.Context, key string, window time.Duration) (int64, error) {
	now := time.Now()
	return r.c.ZCount(ctx, key,
		fmt.Sprintf("%d", now.Add(-window).UnixNano()),
		fmt.Sprintf("%d", now.UnixNano()),
	).Result()
}

// GetFloat reads a float counter's current value without mutating it,
// returning 0 if the key hasn't been set yet.
func (r *Client) GetFloat(ctx context.Context, key string) (float64, error) {
	v, err := r.c.Get(ctx, key).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

// IncrByFloatWithTTL atomically adds delta to a float counter and (re)sets
// its TTL, used for token-bucket style TPM/TPD accounting.
func (r *Client) IncrByFloatWithTTL(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	pipe := r.c.TxPipeline()
	incr := pipe.IncrByFloat(ctx, key, delta)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
