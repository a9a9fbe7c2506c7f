package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/felixgeelhaar/scribe/internal/ports"
)

// Redis persists plugin state in a Redis instance, for hosts that share
// editor state across processes.
type Redis struct {
	client *redis.Client
}

// OpenRedis connects to the given address and verifies the connection.
func OpenRedis(ctx context.Context, addr string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return &Redis{client: client}, nil
}

// Get implements ports.Storage.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read plugin state: %w", err)
	}
	return value, true, nil
}

// Set implements ports.Storage.
func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("write plugin state: %w", err)
	}
	return nil
}

// Delete implements ports.Storage.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete plugin state: %w", err)
	}
	return nil
}

// Close implements ports.Storage.
func (r *Redis) Close() error {
	return r.client.Close()
}

var _ ports.Storage = (*Redis)(nil)
