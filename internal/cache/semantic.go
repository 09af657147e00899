package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// Embedder embeds a single string for the semantic cache's similarity
// lookup. Satisfied by (*service.EmbedderService).AsFunc() without an
// import cycle (cache imports neither model nor service).
type Embedder func(ctx context.Context, text string) ([]float32, error)

// RedisSemanticCache is the embedding-similarity cache tier: it stores
// every entry's key vector alongside its content in a Redis hash keyed
// by model_tag, and a lookup is a hit when the nearest entry in that
// partition clears scoreThreshold.
type RedisSemanticCache struct {
	client         *redis.Client
	embed          Embedder
	defaultTTL     int
	scoreThreshold float64
}

// NewRedisSemanticCache creates a RedisSemanticCache. scoreThreshold of
// 1.0 degenerates to exact-embedding-match only.
func NewRedisSemanticCache(client *redis.Client, embed Embedder, defaultTTLSeconds int, scoreThreshold float64) *RedisSemanticCache {
	if defaultTTLSeconds <= 0 {
		defaultTTLSeconds = 3600
	}
	if scoreThreshold <= 0 {
		scoreThreshold = 0.7
	}
	return &RedisSemanticCache{
		client:         client,
		embed:          embed,
		defaultTTL:     defaultTTLSeconds,
		scoreThreshold: scoreThreshold,
	}
}

// semanticEntry is the JSON shape stored per hash field.
type semanticEntry struct {
	Embedding []float32 `json:"embedding"`
	Content   string    `json:"content"`
}

// Lookup embeds key, scans every entry in modelTag's partition, and
// returns the content of the nearest entry whose cosine similarity
// clears scoreThreshold. A clean miss is (_, false, nil), identical to
// the exact tier's contract.
func (c *RedisSemanticCache) Lookup(ctx context.Context, key, modelTag string) (string, bool, error) {
	vec, err := c.embed(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("cache.RedisSemanticCache.Lookup: embed: %w", err)
	}

	entries, err := c.client.HGetAll(ctx, semanticPartitionKey(modelTag)).Result()
	if err != nil {
		return "", false, fmt.Errorf("cache.RedisSemanticCache.Lookup: %w", err)
	}

	var bestContent string
	var bestScore = -1.0
	for _, raw := range entries {
		var entry semanticEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue // tolerate a corrupt field rather than fail the whole lookup
		}
		sim := cosineSimilarity(vec, entry.Embedding)
		if sim > bestScore {
			bestScore = sim
			bestContent = entry.Content
		}
	}

	if bestScore >= c.scoreThreshold {
		return bestContent, true, nil
	}
	return "", false, nil
}

// Update embeds key and stores {embedding, content} under a hash field
// derived from key, in modelTag's partition. The partition as a whole
// carries ttlSeconds (falling back to the configured default); Redis
// hashes don't support per-field TTL, so every Update refreshes the
// whole partition's expiry.
func (c *RedisSemanticCache) Update(ctx context.Context, key, content, modelTag string, ttlSeconds int) error {
	vec, err := c.embed(ctx, key)
	if err != nil {
		return fmt.Errorf("cache.RedisSemanticCache.Update: embed: %w", err)
	}

	entry := semanticEntry{Embedding: vec, Content: content}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache.RedisSemanticCache.Update: marshal: %w", err)
	}

	partitionKey := semanticPartitionKey(modelTag)
	if err := c.client.HSet(ctx, partitionKey, semanticFieldKey(key), raw).Err(); err != nil {
		return fmt.Errorf("cache.RedisSemanticCache.Update: %w", err)
	}

	ttl := c.defaultTTL
	if ttlSeconds > 0 {
		ttl = ttlSeconds
	}
	if err := c.client.Expire(ctx, partitionKey, time.Duration(ttl)*time.Second).Err(); err != nil {
		return fmt.Errorf("cache.RedisSemanticCache.Update: expire: %w", err)
	}
	return nil
}

// Clear removes every entry for modelTag in one call.
func (c *RedisSemanticCache) Clear(ctx context.Context, modelTag string) error {
	if err := c.client.Del(ctx, semanticPartitionKey(modelTag)).Err(); err != nil {
		return fmt.Errorf("cache.RedisSemanticCache.Clear: %w", err)
	}
	return nil
}

func semanticPartitionKey(modelTag string) string {
	return fmt.Sprintf("cache:sem:%s", modelTag)
}

func semanticFieldKey(key string) string {
	return exactRedisKey(key, "sem")
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
