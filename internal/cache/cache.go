// Package cache keeps recently read profile records close to the API.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/FranksOps/prospector/internal/metrics"
	"github.com/FranksOps/prospector/internal/profile"
)

// ErrMiss is returned by Get when the record is not cached.
var ErrMiss = errors.New("cache: miss")

// Profiles caches records by ID.
type Profiles interface {
	Get(ctx context.Context, id string) (*profile.Record, error)
	Set(ctx context.Context, rec *profile.Record) error
	Close() error
}

// Config selects and sizes a cache.
type Config struct {
	// Backend is "lru", "redis" or "none".
	Backend  string        `mapstructure:"backend"`
	Size     int           `mapstructure:"size"`
	TTL      time.Duration `mapstructure:"ttl"`
	RedisURL string        `mapstructure:"redis_url"`
}

// New builds the cache cfg describes.
func New(ctx context.Context, cfg Config) (Profiles, error) {
	switch cfg.Backend {
	case "", "none":
		return Nop{}, nil
	case "lru":
		return NewLRU(cfg.Size, cfg.TTL), nil
	case "redis":
		return NewRedis(ctx, cfg.RedisURL, cfg.TTL)
	default:
		return nil, fmt.Errorf("cache: unknown backend %q", cfg.Backend)
	}
}

// Nop caches nothing.
type Nop struct{}

func (Nop) Get(context.Context, string) (*profile.Record, error) { return nil, ErrMiss }
func (Nop) Set(context.Context, *profile.Record) error           { return nil }
func (Nop) Close() error                                         { return nil }

// Lookup reads id through c, falling back to load on a miss and filling the
// cache afterwards. Cache failures are logged and never fail the lookup.
func Lookup(ctx context.Context, c Profiles, backend string, id string, load func(ctx context.Context, id string) (*profile.Record, error), logger *slog.Logger) (*profile.Record, error) {
	if logger == nil {
		logger = slog.Default()
	}

	rec, err := c.Get(ctx, id)
	switch {
	case err == nil:
		metrics.CacheLookups.WithLabelValues(backend, "hit").Inc()
		return rec, nil
	case errors.Is(err, ErrMiss):
		metrics.CacheLookups.WithLabelValues(backend, "miss").Inc()
	default:
		metrics.CacheLookups.WithLabelValues(backend, "error").Inc()
		logger.Warn("profile cache read failed", "id", id, "err", err)
	}

	rec, err = load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.Set(ctx, rec); err != nil {
		logger.Warn("profile cache write failed", "id", id, "err", err)
	}
	return rec, nil
}
