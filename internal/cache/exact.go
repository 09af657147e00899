package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisExactCache is the exact-match cache tier: keys are normalized
// (trim+lowercase) before hashing, entries store
// {"query": <original key>, "document": <content>} JSON with a TTL.
type RedisExactCache struct {
	client     *redis.Client
	defaultTTL time.Duration
}

// NewRedisExactCache creates a RedisExactCache.
func NewRedisExactCache(client *redis.Client, defaultTTLSeconds int) *RedisExactCache {
	if defaultTTLSeconds <= 0 {
		defaultTTLSeconds = 3600
	}
	return &RedisExactCache{client: client, defaultTTL: time.Duration(defaultTTLSeconds) * time.Second}
}

type exactEntry struct {
	Query    string `json:"query"`
	Document string `json:"document"`
}

// Lookup returns content iff the normalized keys are identical and the
// TTL has not elapsed.
func (c *RedisExactCache) Lookup(ctx context.Context, key, modelTag string) (string, bool, error) {
	raw, err := c.client.Get(ctx, exactRedisKey(key, modelTag)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache.RedisExactCache.Lookup: %w", err)
	}

	var entry exactEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return "", false, fmt.Errorf("cache.RedisExactCache.Lookup: unmarshal: %w", err)
	}
	return entry.Document, true, nil
}

// Update stores content under key/modelTag with the given TTL (falling
// back to the configured default when ttlSeconds is zero).
func (c *RedisExactCache) Update(ctx context.Context, key, content, modelTag string, ttlSeconds int) error {
	entry := exactEntry{Query: key, Document: content}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache.RedisExactCache.Update: marshal: %w", err)
	}

	ttl := c.defaultTTL
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}

	if err := c.client.SetEx(ctx, exactRedisKey(key, modelTag), raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache.RedisExactCache.Update: %w", err)
	}
	return nil
}

// Clear removes every exact-cache entry for modelTag.
func (c *RedisExactCache) Clear(ctx context.Context, modelTag string) error {
	return scanDelete(ctx, c.client, fmt.Sprintf("cache:exact:%s:*", modelTag))
}

func exactRedisKey(key, modelTag string) string {
	normalized := strings.ToLower(strings.TrimSpace(key))
	h := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("cache:exact:%s:%x", modelTag, h)
}

// scanDelete iterates keys matching pattern and deletes them in batches,
// avoiding Redis's blocking KEYS command on a large keyspace.
func scanDelete(ctx context.Context, client *redis.Client, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("cache.scanDelete: scan: %w", err)
		}
		if len(keys) > 0 {
			if err := client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("cache.scanDelete: del: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
