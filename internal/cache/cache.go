// Package cache is the typed facade over the keyed TTL store (Redis) that
// holds every published view: blended region sets, raw snapshots, push
// buffers, the aircraft registry, and stats counters.
//
// The only write pattern is the idempotent overwrite; there are no
// transactions beyond pipelining. A full cycle's writes go through a single
// pipeline so a region set is published in one network round trip.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jeffstrout/flightTrackerCollector/pkg/config"
)

// ErrNotFound is returned by lookups for absent keys.
var ErrNotFound = errors.New("cache: key not found")

// Client wraps a Redis connection with the typed helpers the collector uses.
// It is safe for concurrent use; all region schedulers share one Client.
type Client struct {
	rdb        *redis.Client
	defaultTTL time.Duration
}

// Connect establishes a connection to the cache and verifies it with a ping.
func Connect(cfg config.CacheConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping cache at %s: %w", cfg.Addr(), err)
	}

	return &Client{rdb: rdb, defaultTTL: cfg.DefaultTTL()}, nil
}

// NewFromRedis wraps an existing Redis client. Used by tests.
func NewFromRedis(rdb *redis.Client, defaultTTL time.Duration) *Client {
	return &Client{rdb: rdb, defaultTTL: defaultTTL}
}

// Close releases the connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

// Ping verifies the cache is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// DefaultTTL is the TTL applied when a write does not specify one.
func (c *Client) DefaultTTL() time.Duration { return c.defaultTTL }

// Get returns the raw value at key, or ErrNotFound.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return data, err
}

// GetJSON unmarshals the value at key into dest. Returns ErrNotFound for
// absent keys.
func (c *Client) GetJSON(ctx context.Context, key string, dest any) error {
	data, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("cache: malformed value at %s: %w", key, err)
	}
	return nil
}

// SetJSON marshals v and stores it with the given TTL. A zero ttl applies
// the default; a negative ttl stores without expiry.
func (c *Client) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	return c.SetRaw(ctx, key, data, ttl)
}

// SetRaw stores pre-encoded bytes with the given TTL.
func (c *Client) SetRaw(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, data, c.resolveTTL(ttl)).Err()
}

// SetString stores a plain string value without expiry. Used for gauges.
func (c *Client) SetString(ctx context.Context, key, value string) error {
	return c.rdb.Set(ctx, key, value, 0).Err()
}

// GetString returns a plain string value, or ErrNotFound.
func (c *Client) GetString(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

// Del removes keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

// HSet writes hash fields at key.
func (c *Client) HSet(ctx context.Context, key string, fields map[string]string) error {
	return c.rdb.HSet(ctx, key, fields).Err()
}

// HGetAll returns all hash fields at key. An empty map means the key is
// absent; Redis does not distinguish the two.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}

// Pipeline returns a command pipeline. All commands queued on it execute in
// a single round trip on Exec.
func (c *Client) Pipeline() redis.Pipeliner {
	return c.rdb.Pipeline()
}

// PipeSetRaw queues a TTL-bounded write of pre-encoded bytes on a pipeline.
func (c *Client) PipeSetRaw(ctx context.Context, pipe redis.Pipeliner, key string, data []byte, ttl time.Duration) {
	pipe.Set(ctx, key, data, c.resolveTTL(ttl))
}

// BatchHGetAll fetches many hashes in one round trip. The result slice is
// index-aligned with keys; absent keys yield empty maps.
func (c *Client) BatchHGetAll(ctx context.Context, keys []string) ([]map[string]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := c.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HGetAll(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("cache: batch hash read: %w", err)
	}

	results := make([]map[string]string, len(keys))
	for i, cmd := range cmds {
		results[i] = cmd.Val()
	}
	return results, nil
}

// ScanKeys returns every key matching pattern. Uses SCAN, not KEYS, so a
// large keyspace does not block the server.
func (c *Client) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("cache: scan %s: %w", pattern, err)
	}
	return keys, nil
}

// MGetRaw fetches many string keys in one round trip. Absent keys yield nil
// entries.
func (c *Client) MGetRaw(ctx context.Context, keys []string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: mget: %w", err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[i] = []byte(s)
		}
	}
	return out, nil
}

// IncrBy increments a counter. Counters carry no TTL.
func (c *Client) IncrBy(ctx context.Context, key string, delta int64) error {
	return c.rdb.IncrBy(ctx, key, delta).Err()
}

func (c *Client) resolveTTL(ttl time.Duration) time.Duration {
	switch {
	case ttl == 0:
		return c.defaultTTL
	case ttl < 0:
		return 0 // no expiry
	default:
		return ttl
	}
}

// EncodeArray joins pre-encoded JSON records into one JSON array without
// re-marshaling. Each record is serialized exactly once per cycle and the
// bytes are reused for both the region set and the per-aircraft keys.
func EncodeArray(records [][]byte) []byte {
	if len(records) == 0 {
		return []byte("[]")
	}
	size := 2 + len(records) - 1
	for _, r := range records {
		size += len(r)
	}
	out := make([]byte, 0, size)
	out = append(out, '[')
	for i, r := range records {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, r...)
	}
	return append(out, ']')
}
