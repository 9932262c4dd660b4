// Package fetchcache implements the fingerprint-keyed fetch/extraction
// cache: at-most-one concurrent build per key, LRU eviction
// with a size bound, and TTL enforced on read.
package fetchcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Entry is one cached value.
type Entry struct {
	Status      int
	Mime        string
	Bytes       []byte
	Text        string
	ExtractedAt time.Time
	TierUsed    string
}

type entryWithExpiry struct {
	value   Entry
	expires time.Time
}

// Stats reports hit/miss/eviction counters plus a HitRate() helper.
type Stats struct {
	Hits        int64
	Misses      int64
	Evictions   int64
	InFlight    int64
	TotalSize   int
	MaxSize     int
}

// HitRate returns the percentage of Get calls that were served from cache.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// Cache is a fingerprint-keyed, singleflight-coalesced, LRU+TTL cache of
// fetched/extracted payloads.
type Cache struct {
	lru *lru.Cache[string, entryWithExpiry]
	ttl time.Duration
	sf  singleflight.Group

	mu        sync.Mutex
	hits      int64
	misses    int64
	evictions int64
	inFlight  int64
	maxSize   int
}

// New builds a Cache bounded to maxEntries, with entries expiring ttl after
// insertion.
func New(maxEntries int, ttl time.Duration) (*Cache, error) {
	c := &Cache{ttl: ttl, maxSize: maxEntries}
	l, err := lru.NewWithEvict[string, entryWithExpiry](maxEntries, func(_ string, _ entryWithExpiry) {
		atomic.AddInt64(&c.evictions, 1)
	})
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

// Key computes the fingerprint key for (originalURL, timestamp, source,
// extractorVersion).
func Key(originalURL, timestamp, source, extractorVersion string) string {
	h := sha256.New()
	h.Write([]byte(originalURL))
	h.Write([]byte{0})
	h.Write([]byte(timestamp))
	h.Write([]byte{0})
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write([]byte(extractorVersion))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached entry for key if present and unexpired.
func (c *Cache) Get(key string) (Entry, bool) {
	v, ok := c.lru.Get(key)
	if !ok || time.Now().After(v.expires) {
		if ok {
			c.lru.Remove(key) // expired on read
		}
		atomic.AddInt64(&c.misses, 1)
		return Entry{}, false
	}
	atomic.AddInt64(&c.hits, 1)
	return v.value, true
}

// Builder produces a fresh Entry for a cache miss.
type Builder func(ctx context.Context) (Entry, error)

// GetOrBuild implements the at-most-one-concurrent-build-per-key contract:
// concurrent callers for the same key await a single in-flight builder and
// receive its result. A failed build is never cached; the next caller retries.
func (c *Cache) GetOrBuild(ctx context.Context, key string, build Builder) (Entry, bool, error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}

	atomic.AddInt64(&c.inFlight, 1)
	defer atomic.AddInt64(&c.inFlight, -1)

	v, err, _ := c.sf.Do(key, func() (any, error) {
		entry, err := build(ctx)
		if err != nil {
			return Entry{}, err
		}
		c.lru.Add(key, entryWithExpiry{value: entry, expires: time.Now().Add(c.ttl)})
		return entry, nil
	})
	if err != nil {
		return Entry{}, false, err
	}
	return v.(Entry), false, nil
}

// Forget cancels this caller's leadership of any in-flight build for key
// without affecting peer waiters beyond electing a new leader for whoever
// calls GetOrBuild next: x/sync/singleflight already promotes a new leader the
// instant the current Do call returns, so cancellation only needs to make
// sure a cancelled leader's own call returns promptly (handled by the
// caller passing a cancellable ctx into Builder) rather than blocking
// peers past that point.
func (c *Cache) Forget(key string) {
	c.sf.Forget(key)
}

// Stats reports current cache statistics.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      atomic.LoadInt64(&c.hits),
		Misses:    atomic.LoadInt64(&c.misses),
		Evictions: atomic.LoadInt64(&c.evictions),
		InFlight:  atomic.LoadInt64(&c.inFlight),
		TotalSize: c.lru.Len(),
		MaxSize:   c.maxSize,
	}
}
