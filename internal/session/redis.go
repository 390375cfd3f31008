package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/olymprep/authserver/config"
	"github.com/redis/go-redis/v9"
)

// RedisBackend implements Backend on a Redis instance.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend connects to Redis and verifies the connection with a ping.
func NewRedisBackend(ctx context.Context, cfg config.RedisConfig) (*RedisBackend, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis addr is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &RedisBackend{client: client}, nil
}

func (r *RedisBackend) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (r *RedisBackend) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
