package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// InMemoryCache is a process-local Cache implementation adapted from the
// teacher's QueryCache: same map-plus-mutex shape and background sweep,
// generalized from a (userID, query, privilegeMode) key to the
// (key, modelTag) contract every Cache implementation shares. Used as
// the local dev/test double in place of Redis.
type InMemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*inMemoryEntry
	ttl     time.Duration
	stopCh  chan struct{}
}

type inMemoryEntry struct {
	content   string
	expiresAt time.Time
}

// NewInMemoryCache creates an InMemoryCache with the given default TTL
// and starts its background cleanup sweep.
func NewInMemoryCache(defaultTTL time.Duration) *InMemoryCache {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	c := &InMemoryCache{
		entries: make(map[string]*inMemoryEntry),
		ttl:     defaultTTL,
		stopCh:  make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Lookup returns (content, true, nil) iff key/modelTag has a live entry.
func (c *InMemoryCache) Lookup(_ context.Context, key, modelTag string) (string, bool, error) {
	k := inMemoryKey(key, modelTag)

	c.mu.RLock()
	entry, ok := c.entries[k]
	c.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, k)
		c.mu.Unlock()
		return "", false, nil
	}
	return entry.content, true, nil
}

// Update stores content under key/modelTag with the given TTL, or the
// configured default when ttlSeconds is zero.
func (c *InMemoryCache) Update(_ context.Context, key, content, modelTag string, ttlSeconds int) error {
	ttl := c.ttl
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}
	c.mu.Lock()
	c.entries[inMemoryKey(key, modelTag)] = &inMemoryEntry{content: content, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Clear removes every entry stored under modelTag.
func (c *InMemoryCache) Clear(_ context.Context, modelTag string) error {
	prefix := modelTag + ":"
	c.mu.Lock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
	return nil
}

// Len reports the number of live entries, for tests.
func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stop halts the background cleanup goroutine.
func (c *InMemoryCache) Stop() {
	close(c.stopCh)
}

func (c *InMemoryCache) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, e := range c.entries {
				if now.After(e.expiresAt) {
					delete(c.entries, k)
				}
			}
			c.mu.Unlock()
		case <-c.stopCh:
			return
		}
	}
}

func inMemoryKey(key, modelTag string) string {
	return modelTag + ":" + strings.ToLower(strings.TrimSpace(key))
}
