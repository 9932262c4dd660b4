package queryrouter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-logr/logr"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// cacheKey derives the result-cache key from (canonical sql, target,
// context key).
func cacheKey(canonical, target, contextKey string) string {
	h := sha256.New()
	h.Write([]byte(canonical))
	h.Write([]byte{0})
	h.Write([]byte(target))
	h.Write([]byte{0})
	h.Write([]byte(contextKey))
	return "qr:" + hex.EncodeToString(h.Sum(nil))
}

type cachedResult struct {
	rows    []Row
	expires time.Time
}

// ResultCache is the two-level result cache: an in-process LRU
// (L1) in front of a shared Redis (L2), with per-table dependency tracking
// so a write to table T evicts every cached entry whose compiled dependency
// set contains T. Redis being unreachable degrades the cache to L1-only,
// so the router keeps serving from local state.
type ResultCache struct {
	l1    *lru.Cache[string, cachedResult]
	l1TTL time.Duration
	l2    redis.UniversalClient
	l2TTL time.Duration
	log   logr.Logger

	mu   sync.Mutex
	deps map[string]map[string]bool // table -> keys
	keys map[string][]string        // key -> tables (for eviction cleanup)
}

// NewResultCache builds a ResultCache. l2 may be nil for L1-only operation.
func NewResultCache(l1Size int, l1TTL, l2TTL time.Duration, l2 redis.UniversalClient, log logr.Logger) (*ResultCache, error) {
	l, err := lru.New[string, cachedResult](l1Size)
	if err != nil {
		return nil, err
	}
	return &ResultCache{
		l1: l, l1TTL: l1TTL, l2: l2, l2TTL: l2TTL, log: log,
		deps: make(map[string]map[string]bool),
		keys: make(map[string][]string),
	}, nil
}

// Get returns the cached rows for key, consulting L1 then L2, along with
// which level served the hit. An L2 hit is promoted into L1.
func (c *ResultCache) Get(ctx context.Context, key string) ([]Row, string, bool) {
	if v, ok := c.l1.Get(key); ok {
		if time.Now().Before(v.expires) {
			return v.rows, "l1", true
		}
		c.l1.Remove(key)
	}
	if c.l2 == nil {
		return nil, "", false
	}
	raw, err := c.l2.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.V(1).Info("result cache L2 read failed, degrading to L1", "error", err.Error())
		}
		return nil, "", false
	}
	var rows []Row
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, "", false
	}
	c.l1.Add(key, cachedResult{rows: rows, expires: time.Now().Add(c.l1TTL)})
	return rows, "l2", true
}

// Put stores rows under key and records the dependency set for later
// invalidation.
func (c *ResultCache) Put(ctx context.Context, key string, rows []Row, tables []string) {
	c.l1.Add(key, cachedResult{rows: rows, expires: time.Now().Add(c.l1TTL)})

	c.mu.Lock()
	c.keys[key] = tables
	for _, t := range tables {
		if c.deps[t] == nil {
			c.deps[t] = make(map[string]bool)
		}
		c.deps[t][key] = true
	}
	c.mu.Unlock()

	if c.l2 == nil {
		return
	}
	raw, err := json.Marshal(rows)
	if err != nil {
		return
	}
	if err := c.l2.Set(ctx, key, raw, c.l2TTL).Err(); err != nil {
		c.log.V(1).Info("result cache L2 write failed, entry is L1-only", "error", err.Error())
	}
}

// Invalidate evicts every cached entry depending on any of the given tables.
func (c *ResultCache) Invalidate(ctx context.Context, tables []string) {
	c.mu.Lock()
	var victims []string
	for _, t := range tables {
		for key := range c.deps[t] {
			victims = append(victims, key)
		}
		delete(c.deps, t)
	}
	for _, key := range victims {
		for _, t := range c.keys[key] {
			delete(c.deps[t], key)
		}
		delete(c.keys, key)
	}
	c.mu.Unlock()

	for _, key := range victims {
		c.l1.Remove(key)
	}
	if c.l2 != nil && len(victims) > 0 {
		if err := c.l2.Del(ctx, victims...).Err(); err != nil {
			c.log.V(1).Info("result cache L2 invalidation failed", "error", err.Error())
		}
	}
}
