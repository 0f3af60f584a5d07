package cache

import (
	"context"
	"time"

	"github.com/FranksOps/prospector/internal/profile"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultSize = 2048
	defaultTTL  = 15 * time.Minute
)

// LRU is an in-process cache bounded by size and age.
type LRU struct {
	cache *expirable.LRU[string, profile.Record]
}

// NewLRU returns a cache of at most size records, each kept for ttl.
// Non-positive values take the defaults.
func NewLRU(size int, ttl time.Duration) *LRU {
	if size <= 0 {
		size = defaultSize
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &LRU{cache: expirable.NewLRU[string, profile.Record](size, nil, ttl)}
}

func (c *LRU) Get(_ context.Context, id string) (*profile.Record, error) {
	rec, ok := c.cache.Get(id)
	if !ok {
		return nil, ErrMiss
	}
	return &rec, nil
}

// Set stores a copy of rec, so later changes to rec do not leak in.
func (c *LRU) Set(_ context.Context, rec *profile.Record) error {
	if rec == nil || rec.ID == "" {
		return nil
	}
	c.cache.Add(rec.ID, *rec)
	return nil
}

func (c *LRU) Close() error {
	c.cache.Purge()
	return nil
}
