package enrich

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ProfileCache caches fetched author profiles in Redis across batches and
// sessions. A nil cache is a no-op, so the cache stays optional.
type ProfileCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewProfileCache connects a cache to the given Redis instance.
func NewProfileCache(addr, password string, db int, ttl time.Duration) *ProfileCache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &ProfileCache{rdb: rdb, ttl: ttl}
}

func cacheKey(actor string) string {
	return "profile:" + actor
}

// Get returns a cached profile, or nil when absent. Cache errors are treated
// as misses.
func (c *ProfileCache) Get(ctx context.Context, actor string) *Profile {
	if c == nil {
		return nil
	}
	data, err := c.rdb.Get(ctx, cacheKey(actor)).Bytes()
	if err != nil {
		return nil
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil
	}
	return &p
}

// Set stores a profile with the configured TTL, best effort.
func (c *ProfileCache) Set(ctx context.Context, actor string, p *Profile) {
	if c == nil || p == nil {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, cacheKey(actor), data, c.ttl).Err(); err != nil {
		log.Debug().Err(err).Str("actor", actor).Msg("Profile cache write failed")
	}
}

// Close releases the Redis connection.
func (c *ProfileCache) Close() error {
	if c == nil {
		return nil
	}
	return c.rdb.Close()
}
