package sequence

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisCounter is a Counter backed by a single Redis key. INCR provides the
// atomic increment-and-return primitive; the key is initialised to 0 with
// SETNX on first boot so restarts never reset the sequence.
type RedisCounter struct {
	client *redis.Client
	key    string
}

// NewRedisCounter creates a counter on the given key.
func NewRedisCounter(client *redis.Client, key string) *RedisCounter {
	return &RedisCounter{client: client, key: key}
}

// Init creates the key with value 0 unless it already exists.
func (c *RedisCounter) Init(ctx context.Context) error {
	if err := c.client.SetNX(ctx, c.key, 0, 0).Err(); err != nil {
		return fmt.Errorf("failed to initialise counter %q: %w", c.key, err)
	}
	return nil
}

// Next atomically increments the counter and returns the new value.
func (c *RedisCounter) Next(ctx context.Context) (int64, error) {
	val, err := c.client.Incr(ctx, c.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter %q: %w", c.key, err)
	}
	return val, nil
}

// Current returns the latest value without incrementing. A missing key
// reads as 0.
func (c *RedisCounter) Current(ctx context.Context) (int64, error) {
	val, err := c.client.Get(ctx, c.key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter %q: %w", c.key, err)
	}
	return val, nil
}
