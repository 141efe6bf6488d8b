package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedis creates a limiter whose counters live in Redis under prefix, so
// every replica enforces the same budget. The limiter owns the client.
func NewRedis(url, prefix string, cfg Config) (*Limiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisFromClient(redis.NewClient(opts), prefix, cfg), nil
}

// NewRedisFromClient is NewRedis with an existing client.
func NewRedisFromClient(client *redis.Client, prefix string, cfg Config) *Limiter {
	cfg = cfg.withDefaults()
	return &Limiter{
		cfg:     cfg,
		backend: &redisWindow{client: client, prefix: prefix, cfg: cfg},
		now:     time.Now,
	}
}

// redisWindow counts events in fixed windows aligned to the Unix epoch.
type redisWindow struct {
	client *redis.Client
	prefix string
	cfg    Config
}

func (r *redisWindow) take(ctx context.Context, key string, now time.Time) (Decision, error) {
	window := now.UnixNano() / int64(r.cfg.Window)
	k := r.prefix + key + ":" + strconv.FormatInt(window, 10)

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.PExpire(ctx, k, r.cfg.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("rate limit counter: %w", err)
	}

	count := int(incr.Val())
	if count > r.cfg.Limit {
		end := time.Unix(0, (window+1)*int64(r.cfg.Window))
		return Decision{RetryAfter: end.Sub(now)}, nil
	}
	return Decision{Allowed: true, Remaining: r.cfg.Limit - count}, nil
}

func (r *redisWindow) close() error {
	return r.client.Close()
}
