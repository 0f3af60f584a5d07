package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/FranksOps/prospector/internal/profile"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "prospector:profile:"

// Redis shares cached records between API replicas.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedis parses redisURL and verifies connectivity.
func NewRedis(ctx context.Context, redisURL string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: redis.ParseURL(%q): %w", redisURL, err)
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("cache: redis ping failed: %w", err)
	}

	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Redis{rdb: rdb, ttl: ttl}, nil
}

func (c *Redis) Get(ctx context.Context, id string) (*profile.Record, error) {
	data, err := c.rdb.Get(ctx, keyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache: redis get: %w", err)
	}

	var rec profile.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("cache: decode %s: %w", id, err)
	}
	return &rec, nil
}

func (c *Redis) Set(ctx context.Context, rec *profile.Record) error {
	if rec == nil || rec.ID == "" {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if err := c.rdb.Set(ctx, keyPrefix+rec.ID, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

func (c *Redis) Close() error {
	return c.rdb.Close()
}
