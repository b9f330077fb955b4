package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// MemoryDeduper remembers keys for a TTL inside the process.
type MemoryDeduper struct {
	seen *InMemory[struct{}]
}

// NewMemoryDeduper creates an in-process deduper.
func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	return &MemoryDeduper{seen: New[struct{}](ttl)}
}

// FirstSeen reports true the first time key is offered within the TTL.
func (d *MemoryDeduper) FirstSeen(_ context.Context, key string) (bool, error) {
	return d.seen.SetIfAbsent(key, struct{}{}), nil
}

// Close releases the cleanup goroutine.
func (d *MemoryDeduper) Close() { d.seen.Close() }

// RedisDeduper shares seen keys across processes with SETNX. When Redis is
// unreachable it falls back to the in-process deduper so webhooks keep
// flowing.
type RedisDeduper struct {
	client   *redis.Client
	prefix   string
	ttl      time.Duration
	fallback *MemoryDeduper
	logger   *zap.Logger
}

// NewRedisDeduper wraps an existing client.
func NewRedisDeduper(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *RedisDeduper {
	return &RedisDeduper{
		client:   client,
		prefix:   prefix,
		ttl:      ttl,
		fallback: NewMemoryDeduper(ttl),
		logger:   logger,
	}
}

// FirstSeen reports true the first time key is offered within the TTL.
func (d *RedisDeduper) FirstSeen(ctx context.Context, key string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+key, 1, d.ttl).Result()
	if err != nil {
		d.logger.Warn("redis dedupe unavailable, using memory", zap.String("key", key), zap.Error(err))
		return d.fallback.FirstSeen(ctx, key)
	}
	return ok, nil
}

// Ping checks Redis connectivity for readiness probes.
func (d *RedisDeduper) Ping(ctx context.Context) error {
	if err := d.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close closes the Redis client and the fallback.
func (d *RedisDeduper) Close() error {
	d.fallback.Close()
	return d.client.Close()
}
