package embed

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a 2-tier vector cache: L1 in-memory + optional L2 Redis.
// Embeddings are immutable per (model, text), so re-runs over an
// unchanged corpus never re-bill the provider. L1 is lost on restart;
// L2 survives it.
type Cache struct {
	l1         sync.Map      // key → *cacheEntry
	rdb        *redis.Client // nil if Redis unavailable
	ttl        time.Duration
	maxEntries int

	hits   atomic.Int64
	misses atomic.Int64
}

type cacheEntry struct {
	data      []byte
	expiresAt time.Time
}

// NewCache sets up the vector cache. redisURL can be empty to disable L2.
func NewCache(redisURL string, ttl time.Duration, maxEntries int) *Cache {
	c := &Cache{ttl: ttl, maxEntries: maxEntries}

	if redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Warn("embed cache: invalid redis URL, L2 disabled", slog.Any("error", err))
		} else {
			rdb := redis.NewClient(opts)
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := rdb.Ping(ctx).Err(); err != nil {
				slog.Warn("embed cache: redis unreachable, L2 disabled", slog.Any("error", err))
			} else {
				c.rdb = rdb
				slog.Info("embed cache: L2 redis connected", slog.String("addr", opts.Addr))
			}
		}
	}

	return c
}

// key builds a deterministic cache key from the model and input text.
func (c *Cache) key(model, text string) string {
	hash := sha256.Sum256([]byte(model + "|" + text))
	return fmt.Sprintf("emb:%x", hash[:16])
}

// Get tries L1, then L2. On L2 hit, populates L1.
func (c *Cache) Get(ctx context.Context, model, text string) ([]float32, bool) {
	if c == nil {
		return nil, false
	}
	key := c.key(model, text)

	if val, ok := c.l1.Load(key); ok {
		entry := val.(*cacheEntry)
		if time.Now().Before(entry.expiresAt) {
			var v []float32
			if json.Unmarshal(entry.data, &v) == nil {
				c.hits.Add(1)
				return v, true
			}
		}
		c.l1.Delete(key) // expired or corrupt
	}

	if c.rdb != nil {
		data, err := c.rdb.Get(ctx, key).Bytes()
		if err == nil {
			var v []float32
			if json.Unmarshal(data, &v) == nil {
				c.hits.Add(1)
				c.l1.Store(key, &cacheEntry{data: data, expiresAt: time.Now().Add(c.ttl)})
				return v, true
			}
		}
	}

	c.misses.Add(1)
	return nil, false
}

// Put stores a vector in both L1 and L2.
func (c *Cache) Put(ctx context.Context, model, text string, v []float32) {
	if c == nil || len(v) == 0 {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	key := c.key(model, text)

	c.evictIfNeeded()
	c.l1.Store(key, &cacheEntry{data: data, expiresAt: time.Now().Add(c.ttl)})

	if c.rdb != nil {
		if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
			slog.Debug("embed cache: L2 set failed", slog.Any("error", err))
		}
	}
}

// Stats returns hit/miss counters.
func (c *Cache) Stats() (hits, misses int64) {
	if c == nil {
		return 0, 0
	}
	return c.hits.Load(), c.misses.Load()
}

// evictIfNeeded removes entries when L1 exceeds maxEntries:
// expired entries first, then oldest until under the limit.
func (c *Cache) evictIfNeeded() {
	if c.maxEntries <= 0 {
		return
	}

	count := 0
	c.l1.Range(func(_, _ any) bool {
		count++
		return true
	})
	if count < c.maxEntries {
		return
	}

	now := time.Now()
	c.l1.Range(func(key, val any) bool {
		if entry, ok := val.(*cacheEntry); ok && now.After(entry.expiresAt) {
			c.l1.Delete(key)
			count--
		}
		return count >= c.maxEntries
	})
	if count < c.maxEntries {
		return
	}

	// Earlier expiry = older entry (expiry = createdAt + ttl).
	for count >= c.maxEntries {
		var oldestKey any
		oldestAt := now.Add(c.ttl + time.Hour)
		c.l1.Range(func(key, val any) bool {
			if entry, ok := val.(*cacheEntry); ok && entry.expiresAt.Before(oldestAt) {
				oldestKey = key
				oldestAt = entry.expiresAt
			}
			return true
		})
		if oldestKey == nil {
			return
		}
		c.l1.Delete(oldestKey)
		count--
	}
}
