// internal/common/database/redis.go
package database

import (
	"context"
	"fmt"
	"time"

	"notify-dispatch/internal/common/config"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisClient wraps the Redis client
type RedisClient struct {
	Client *redis.Client
}

// NewRedis creates a new Redis client
func NewRedis(cfg config.RedisConfig) (*RedisClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	return &RedisClient{Client: rdb}, nil
}

// Ping tests the Redis connection
func (c *RedisClient) Ping(ctx context.Context) error {
	if err := c.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (c *RedisClient) Close() error {
	if c.Client != nil {
		return c.Client.Close()
	}
	return nil
}

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// TryLock sets key with a fresh token if it is not held. It returns the
// token to pass to Unlock, or "" when another holder has the lock.
func (c *RedisClient) TryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := c.Client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("redis lock %s: %w", key, err)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// Unlock releases key if token still owns it.
func (c *RedisClient) Unlock(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, c.Client, []string{key}, token).Err(); err != nil {
		return fmt.Errorf("redis unlock %s: %w", key, err)
	}
	return nil
}
