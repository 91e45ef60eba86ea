package storage

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"

	"mlscache/config"
)

const leaseKeyPrefix = "mlscache:lease:"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// RedisLease keeps the refresh lease in Redis so cycles on different hosts
// exclude each other.
type RedisLease struct {
	client *redis.Client
}

func NewRedisLease(ctx context.Context, cfg config.RedisConfig) (*RedisLease, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if _, err := rdb.Ping(ctx).Result(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("Redis: connected to %s", cfg.Addr)
	return &RedisLease{client: rdb}, nil
}

// AcquireLease sets the key if absent, or extends it when owner already
// holds it.
func (r *RedisLease) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	key := leaseKeyPrefix + name
	ok, err := r.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil || ok {
		return ok, err
	}
	n, err := extendScript.Run(ctx, r.client, []string{key}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisLease) ReleaseLease(ctx context.Context, name, owner string) error {
	return releaseScript.Run(ctx, r.client, []string{leaseKeyPrefix + name}, owner).Err()
}

func (r *RedisLease) Close() error {
	return r.client.Close()
}
