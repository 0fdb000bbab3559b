package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/openparish/parishd/internal/metrics"
)

// redisTier is the durable tier, shared across instances.
type redisTier struct {
	rdb *goredis.Client
}

// NewRedisClient connects to Redis, attaches the circuit breaker hook and
// verifies connectivity.
func NewRedisClient(ctx context.Context, redisURL string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := goredis.NewClient(opts)
	client.AddHook(NewCircuitBreakerHook())

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return client, nil
}

// NewRedisTier wraps a connected client as the durable storage tier.
func NewRedisTier(rdb *goredis.Client) Tier {
	return &redisTier{rdb: rdb}
}

func (r *redisTier) Name() string { return "redis" }

func (r *redisTier) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		metrics.StorageOpsTotal.WithLabelValues("redis", "get", "miss").Inc()
		return "", false, nil
	}
	if err != nil {
		metrics.StorageOpsTotal.WithLabelValues("redis", "get", "error").Inc()
		return "", false, err
	}
	metrics.StorageOpsTotal.WithLabelValues("redis", "get", "hit").Inc()
	return val, true, nil
}

func (r *redisTier) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	err := r.rdb.Set(ctx, key, value, ttl).Err()
	if err != nil {
		metrics.StorageOpsTotal.WithLabelValues("redis", "set", "error").Inc()
		return err
	}
	metrics.StorageOpsTotal.WithLabelValues("redis", "set", "ok").Inc()
	return nil
}

func (r *redisTier) Remove(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

func (r *redisTier) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, nextCursor, err := r.rdb.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		keys = append(keys, batch...)
		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}
