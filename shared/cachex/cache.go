// Package cachex wraps redis with JSON get/set for small lookaside caches,
// currently only workflow definitions. A nil *Client is safe to call; every
// method reports ErrUnavailable so callers degrade to the database.
package cachex

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"shipping-ndr-rto-resolution-system/shared/config"
)

var ErrUnavailable = errors.New("redis client not initialized")

type Client struct {
	redis *redis.Client
}

func New(cfg config.Config) (*Client, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("REDIS_ADDR is required")
	}
	return &Client{redis: redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})}, nil
}

func (c *Client) ready() bool {
	return c != nil && c.redis != nil
}

func (c *Client) Ping(ctx context.Context) error {
	if !c.ready() {
		return ErrUnavailable
	}
	return c.redis.Ping(ctx).Err()
}

func (c *Client) Close() error {
	if !c.ready() {
		return nil
	}
	return c.redis.Close()
}

func (c *Client) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	if !c.ready() {
		return ErrUnavailable
	}
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, key, b, ttl).Err()
}

// GetJSON reports found = false on a miss; decode failures surface as
// errors so a poisoned entry is noticed rather than served.
func (c *Client) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	if !c.ready() {
		return false, ErrUnavailable
	}
	raw, err := c.redis.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	if !c.ready() {
		return ErrUnavailable
	}
	return c.redis.Del(ctx, key).Err()
}

// Client exposes the raw connection for lockx and asynq health checks.
func (c *Client) Client() *redis.Client {
	if c == nil {
		return nil
	}
	return c.redis
}
