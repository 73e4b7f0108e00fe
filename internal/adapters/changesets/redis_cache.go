package changesets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"transitreg/internal/core"

	"github.com/avast/retry-go/v4"
	"github.com/redis/go-redis/v9"
)

// RedisStatusCache shares job statuses between processes through Redis.
type RedisStatusCache struct {
	client redis.UniversalClient
}

// NewRedisStatusCache wraps an existing client.
func NewRedisStatusCache(client redis.UniversalClient) *RedisStatusCache {
	return &RedisStatusCache{client: client}
}

// OpenRedisStatusCache connects to addr and waits until the server answers.
func OpenRedisStatusCache(ctx context.Context, addr string) (*RedisStatusCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	err := retry.Do(
		func() error { return client.Ping(ctx).Err() },
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis %s: %w", addr, err)
	}
	return NewRedisStatusCache(client), nil
}

// Close releases the client.
func (c *RedisStatusCache) Close() error {
	return c.client.Close()
}

// Reserve implements StatusCache with SET NX EX.
func (c *RedisStatusCache) Reserve(ctx context.Context, changesetID string, status core.AsyncJobStatus, ttl time.Duration) (bool, error) {
	raw, err := json.Marshal(status)
	if err != nil {
		return false, fmt.Errorf("encoding job status: %w", err)
	}
	ok, err := c.client.SetNX(ctx, CacheKey(changesetID), raw, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserving %s: %w", CacheKey(changesetID), err)
	}
	return ok, nil
}

// Get implements StatusCache.
func (c *RedisStatusCache) Get(ctx context.Context, changesetID string) (core.AsyncJobStatus, bool, error) {
	raw, err := c.client.Get(ctx, CacheKey(changesetID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return core.AsyncJobStatus{}, false, nil
	}
	if err != nil {
		return core.AsyncJobStatus{}, false, fmt.Errorf("getting %s: %w", CacheKey(changesetID), err)
	}
	var status core.AsyncJobStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return core.AsyncJobStatus{}, false, fmt.Errorf("decoding job status: %w", err)
	}
	return status, true, nil
}

// Set implements StatusCache.
func (c *RedisStatusCache) Set(ctx context.Context, changesetID string, status core.AsyncJobStatus, ttl time.Duration) error {
	raw, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encoding job status: %w", err)
	}
	if err := c.client.Set(ctx, CacheKey(changesetID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("setting %s: %w", CacheKey(changesetID), err)
	}
	return nil
}
