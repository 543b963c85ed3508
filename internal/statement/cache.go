package statement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores rebuilt statements in Redis under a per-client version. A
// commit bumps the version so older entries are never read again and expire
// on their own.
type Cache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewCache instantiates the cache helper. A nil client disables caching.
func NewCache(client redis.UniversalClient, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func versionKey(clientID int64) string {
	return fmt.Sprintf("statement:%d:version", clientID)
}

func (c *Cache) enabled() bool {
	return c != nil && c.client != nil
}

// Version returns the client's cache version, initialising it when missing.
func (c *Cache) Version(ctx context.Context, clientID int64) (int64, error) {
	if !c.enabled() {
		return 0, nil
	}
	key := versionKey(clientID)
	ver, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		// SETNX keeps a concurrent bump from being overwritten.
		if err := c.client.SetNX(ctx, key, 1, 0).Err(); err != nil {
			return 0, err
		}
		ver, err = c.client.Get(ctx, key).Int64()
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// BuildKey composes the statement key with the current version.
func (c *Cache) BuildKey(ctx context.Context, clientID int64) (string, error) {
	ver, err := c.Version(ctx, clientID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("statement:%d:v%d", clientID, ver), nil
}

// FetchJSON loads a cached value or populates it using the loader. hit
// reports whether the value came from Redis.
func (c *Cache) FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) (hit bool, err error) {
	if loader == nil {
		return false, errors.New("statement cache: loader required")
	}
	if c.enabled() {
		payload, err := c.client.Get(ctx, key).Bytes()
		if err == nil {
			return true, json.Unmarshal(payload, dest)
		}
		if !errors.Is(err, redis.Nil) {
			return false, err
		}
	}
	value, err := loader(ctx)
	if err != nil {
		return false, err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	if c.enabled() {
		if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			return false, err
		}
	}
	return false, json.Unmarshal(raw, dest)
}

// Bump invalidates the client's statements by moving to a new version.
func (c *Cache) Bump(ctx context.Context, clientID int64) (int64, error) {
	if !c.enabled() {
		return 0, nil
	}
	return c.client.Incr(ctx, versionKey(clientID)).Result()
}
