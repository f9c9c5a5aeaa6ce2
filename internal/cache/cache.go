// Package cache stores prediction results in Redis. Results are a pure
// function of the record and the loaded models, so entries are keyed by both.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/veil-waf/veil-anomaly/internal/features"
	"github.com/veil-waf/veil-anomaly/internal/predict"
)

// Cache is a Redis-backed result cache. A nil *Cache always misses.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// Connect parses url (redis://... or a bare host:port) and pings the server.
// fingerprint identifies the loaded models; changing models invalidates keys.
func Connect(ctx context.Context, url string, ttl time.Duration, fingerprint string) (*Cache, error) {
	opts, err := options(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return New(client, ttl, fingerprint), nil
}

// New wraps an existing client.
func New(client *redis.Client, ttl time.Duration, fingerprint string) *Cache {
	return &Cache{client: client, ttl: ttl, prefix: "predict:" + fingerprint + ":"}
}

func options(url string) (*redis.Options, error) {
	if strings.Contains(url, "://") {
		opts, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{
		Addr:         url,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}, nil
}

// Key returns the cache key for rec.
func (c *Cache) Key(rec features.Record) string {
	return c.prefix + Digest(rec)
}

// Digest is the hex SHA-256 of rec's canonical JSON encoding.
func Digest(rec features.Record) string {
	data, _ := json.Marshal(rec)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Get returns the cached result for rec. ok is false on a miss.
func (c *Cache) Get(ctx context.Context, rec features.Record) (res predict.Result, ok bool, err error) {
	if c == nil {
		return res, false, nil
	}
	val, err := c.client.Get(ctx, c.Key(rec)).Bytes()
	if errors.Is(err, redis.Nil) {
		return res, false, nil
	}
	if err != nil {
		return res, false, err
	}
	if err := json.Unmarshal(val, &res); err != nil {
		return predict.Result{}, false, fmt.Errorf("decode cached result: %w", err)
	}
	return res, true, nil
}

// Set stores res for rec with the configured TTL.
func (c *Cache) Set(ctx context.Context, rec features.Record, res predict.Result) error {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.Key(rec), data, c.ttl).Err()
}

// Health pings the server.
func (c *Cache) Health(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

// Close closes the client.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
