// Package cache keeps short-lived JSON snapshots of expensive read models
// (KPIs, dashboards) in Redis. A nil *Cache is valid and never hits.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	KeyMonitoringKPIs   = "monitoring:kpis"
	KeyApproDashboard   = "appro:dashboard"
	KeyApproSuggestions = "appro:suggestions"

	KPITTL       = 5 * time.Minute
	DashboardTTL = 3 * time.Minute
)

// StockKeys are the entries derived from stock levels. Any stock movement
// invalidates them.
var StockKeys = []string{KeyMonitoringKPIs, KeyApproDashboard, KeyApproSuggestions}

type Cache struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

func New(client *redis.Client, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{client: client, prefix: "cache:", logger: logger.With(zap.String("component", "cache"))}
}

func (c *Cache) key(k string) string {
	return c.prefix + k
}

// Get decodes the entry into dst. It reports false on a miss; Redis errors
// are logged and treated as a miss.
func (c *Cache) Get(ctx context.Context, key string, dst any) bool {
	if c == nil || c.client == nil {
		return false
	}
	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.logger.Warn("cache entry undecodable", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	if c == nil || c.client == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, c.key(key), raw, ttl).Err(); err != nil {
		c.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *Cache) Invalidate(ctx context.Context, keys ...string) {
	if c == nil || c.client == nil || len(keys) == 0 {
		return
	}
	full := make([]string, 0, len(keys))
	for _, k := range keys {
		full = append(full, c.key(k))
	}
	if err := c.client.Del(ctx, full...).Err(); err != nil {
		c.logger.Warn("cache invalidate failed", zap.Strings("keys", keys), zap.Error(err))
	}
}

// GetOrSet returns the cached value for key or computes, stores and returns
// it. The bool reports whether the value came from the cache.
func GetOrSet[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, compute func(ctx context.Context) (T, error)) (T, bool, error) {
	var cached T
	if c.Get(ctx, key, &cached) {
		return cached, true, nil
	}
	value, err := compute(ctx)
	if err != nil {
		var zero T
		return zero, false, fmt.Errorf("compute %s: %w", key, err)
	}
	c.Set(ctx, key, value, ttl)
	return value, false, nil
}
