package cache

import (
	"bytes"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/agentdb/agentdb/pkg/core"
)

// bucket holds every entry that currently hashes to the same 16-byte
// digest. Collisions are vanishingly rare but a hash match alone is never
// treated as a result match; every lookup still does a full byte
// comparison against Raw before calling it a hit.
type bucket []*slot

type slot struct {
	raw        []byte
	results    []core.ScoredRecord
	generation uint64
	insertedAt int64
	lastHit    int64
}

// Cache is the LRU+TTL query cache. It is keyed by
// Fingerprint and capped by both entry count (eviction via the
// hashicorp/golang-lru base layer) and per-entry TTL. It holds no
// references into the Relational Store beyond the ids embedded in its
// cached ScoredRecords.
type Cache struct {
	lru *lru.Cache[[16]byte, bucket]
	ttl time.Duration

	mu sync.Mutex // serializes writes; lru itself serializes internally too

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New builds a Cache capped at maxEntries buckets with the given TTL.
func New(maxEntries int, ttl time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	l, _ := lru.New[[16]byte, bucket](maxEntries)
	return &Cache{lru: l, ttl: ttl}
}

// Get looks up fp, returning (results, true) only if a byte-exact match
// exists whose generation is not older than currentGeneration and whose
// age is within TTL. Any other outcome is a miss: stale entries are never
// served.
func (c *Cache) Get(fp Fingerprint, currentGeneration uint64) ([]core.ScoredRecord, bool) {
	b, ok := c.lru.Get(fp.Hash) // O(1) hit promotion to MRU
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	now := time.Now().UnixMilli()
	for _, s := range b {
		if !bytes.Equal(s.raw, fp.Raw) {
			continue
		}
		if s.generation < currentGeneration {
			c.misses.Add(1)
			return nil, false
		}
		if c.ttl > 0 && now-s.insertedAt > c.ttl.Milliseconds() {
			c.misses.Add(1)
			return nil, false
		}
		s.lastHit = now
		c.hits.Add(1)
		out := make([]core.ScoredRecord, len(s.results))
		copy(out, s.results)
		return out, true
	}
	c.misses.Add(1)
	return nil, false
}

// Put inserts (or replaces) the entry for fp at the current generation.
// If capacity is exceeded the LRU base layer evicts the least-recently
// used bucket.
func (c *Cache) Put(fp Fingerprint, results []core.ScoredRecord, generation uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UnixMilli()
	cloned := make([]core.ScoredRecord, len(results))
	copy(cloned, results)
	newSlot := &slot{raw: fp.Raw, results: cloned, generation: generation, insertedAt: now, lastHit: now}

	b, ok := c.lru.Peek(fp.Hash)
	if !ok {
		c.lru.Add(fp.Hash, bucket{newSlot})
		return
	}
	for i, s := range b {
		if bytes.Equal(s.raw, fp.Raw) {
			b[i] = newSlot
			c.lru.Add(fp.Hash, b)
			return
		}
	}
	c.lru.Add(fp.Hash, append(b, newSlot))
}

// Clear empties the cache entirely; index rebuilds invalidate every
// cached result at once.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Len returns the current number of distinct fingerprint buckets held.
func (c *Cache) Len() int { return c.lru.Len() }

// HitRatio returns hits / (hits + misses), or 0 if the cache has never
// been queried.
func (c *Cache) HitRatio() float64 {
	h, m := c.hits.Load(), c.misses.Load()
	if h+m == 0 {
		return 0
	}
	return float64(h) / float64(h+m)
}

// Hits and Misses expose the raw counters for the metrics registry.
func (c *Cache) Hits() uint64   { return c.hits.Load() }
func (c *Cache) Misses() uint64 { return c.misses.Load() }
