// Package cache implements the kernel's handler output cache (§4.5): a
// Redis-backed store keyed by (event, input fingerprint) is authoritative,
// fronted by an in-process negative cache so repeated misses for a key
// known absent within the last few hundred milliseconds skip the round
// trip entirely.
package cache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/claudebench/kernel/internal/kv"
	infracache "github.com/claudebench/kernel/infrastructure/cache"
)

// DefaultNegativeTTL matches NEG_CACHE_TTL_MS's documented default (§6.5
// extension in SPEC_FULL.md).
const DefaultNegativeTTL = 250 * time.Millisecond

// Cache is the kernel's authoritative Redis-backed cache, protected from
// repeated-miss storms by a small negative cache.
type Cache struct {
	kv       *kv.Client
	negative *infracache.Cache
}

// New builds a Cache. negativeTTL <= 0 uses DefaultNegativeTTL.
func New(client *kv.Client, negativeTTL time.Duration) *Cache {
	if negativeTTL <= 0 {
		negativeTTL = DefaultNegativeTTL
	}
	return &Cache{
		kv: client,
		negative: infracache.NewCache(infracache.CacheConfig{
			DefaultTTL:      negativeTTL,
			MaxSize:         50000,
			CleanupInterval: 2 * time.Minute,
		}),
	}
}

// Get returns the cached output for (event, fingerprint), or ok=false on
// miss (whether served from the negative cache or a genuine Redis miss).
func (c *Cache) Get(ctx context.Context, event, fingerprint string) (value []byte, ok bool, err error) {
	negKey := negativeKey(event, fingerprint)
	if _, absent := c.negative.Get(negKey); absent {
		return nil, false, nil
	}

	key := kv.Key("cache", event, fingerprint)
	raw, err := c.kv.Pub().Get(ctx, key).Bytes()
	if err == redis.Nil {
		c.negative.Set(negKey, true, 0)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

// Set writes value for (event, fingerprint) with the given TTL. A TTL of
// zero bypasses the cache entirely per §4.5.
func (c *Cache) Set(ctx context.Context, event, fingerprint string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	key := kv.Key("cache", event, fingerprint)
	if err := c.kv.Pub().Set(ctx, key, value, ttl).Err(); err != nil {
		return err
	}
	c.negative.Invalidate(negativeKey(event, fingerprint))
	return nil
}

// Invalidate removes a cached entry and its negative marker, used when a
// handler mutates state that a cached read depended on.
func (c *Cache) Invalidate(ctx context.Context, event, fingerprint string) error {
	key := kv.Key("cache", event, fingerprint)
	c.negative.Invalidate(negativeKey(event, fingerprint))
	return c.kv.Pub().Del(ctx, key).Err()
}

// Sweep scans the authoritative cb:cache:* keyspace for entries that carry
// no TTL and deletes them. Every entry is written through Set with a TTL
// (§4.5 requires CacheTTL > 0 to cache at all), so a persistent entry can
// only mean a write path bypassed Set (or a PERSIST ran against it by
// mistake); left alone it would never expire. Returns the number removed.
func (c *Cache) Sweep(ctx context.Context) (int64, error) {
	var removed int64
	err := c.kv.Scan(ctx, kv.Key("cache", "*"), 200, func(keys []string) bool {
		for _, key := range keys {
			ttl, err := c.kv.Pub().TTL(ctx, key).Result()
			if err != nil {
				continue
			}
			if ttl < 0 {
				if c.kv.Pub().Del(ctx, key).Err() == nil {
					removed++
				}
			}
		}
		return true
	})
	return removed, err
}

func negativeKey(event, fingerprint string) string {
	return event + ":" + fingerprint
}
