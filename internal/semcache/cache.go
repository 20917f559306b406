// Copyright 2026 The cortexd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package semcache implements the Semantic Cache: a quantised-embedding
// keyed, TTL-gated, LRU-bounded memo from request fingerprint to routing
// weights/decision hint. Generalized from the teacher's
// internal/intelligence/cache.SemanticCache, which does a full O(n)
// similarity scan over stored float embeddings, into the spec's
// quantised-byte-key scheme so lookup is an O(1) average map access
// instead. Same container/list LRU and metrics shape, different key
// derivation. The cache is advisory: a miss never fails.
package semcache

import (
	"container/list"
	"encoding/base64"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/cortexd/cortexd/internal/model"
	"github.com/cortexd/cortexd/internal/persist"
)

// Entry is what the cache stores per key.
type Entry struct {
	Weights      model.Weights
	DecisionHint model.DecisionKind
	StoredAt     time.Time
}

type record struct {
	key     string
	value   Entry
	element *list.Element
}

// Metrics mirrors the teacher's CacheMetrics shape.
type Metrics struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// Cache is the quantised-embedding-keyed memo.
type Cache struct {
	mu sync.RWMutex

	ttl        time.Duration
	maxSize    int
	quantLevel int

	entries map[string]*record
	lru     *list.List

	hits, misses, evictions int64

	store *persist.Store
}

// New builds a Cache bounded to maxSize entries with the given TTL and
// quantisation level (cache.quant_levels, default 32 per spec §4.1).
func New(ttl time.Duration, maxSize, quantLevels int) *Cache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if quantLevels <= 0 {
		quantLevels = 32
	}
	return &Cache{
		ttl:        ttl,
		maxSize:    maxSize,
		quantLevel: quantLevels,
		entries:    make(map[string]*record),
		lru:        list.New(),
	}
}

// NewWithPersistence builds a Cache like New, then replays any non-expired
// entries recorded in store (spec §6 persisted state) and appends every
// future Store call to it. A nil store behaves exactly like New.
func NewWithPersistence(ttl time.Duration, maxSize, quantLevels int, store *persist.Store) *Cache {
	c := New(ttl, maxSize, quantLevels)
	c.store = store
	if store == nil {
		return c
	}
	_ = store.Load(func(line gjson.Result) {
		key, err := base64.StdEncoding.DecodeString(line.Get("key").String())
		if err != nil {
			return
		}
		storedAt := time.Unix(0, line.Get("stored_at_unix_nano").Int())
		if ttl > 0 && time.Since(storedAt) >= ttl {
			return
		}
		c.restore(string(key), Entry{
			Weights:      model.Weights{Alpha: line.Get("alpha").Float(), Beta: line.Get("beta").Float()},
			DecisionHint: model.DecisionKind(line.Get("decision").String()),
			StoredAt:     storedAt,
		})
	})
	return c
}

// restore inserts entry as if freshly stored, without re-appending to the
// persistence log; used only to replay a store at startup.
func (c *Cache) restore(k string, entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[k]; ok {
		return
	}
	if len(c.entries) >= c.maxSize {
		c.evictLRULocked()
	}
	r := &record{key: k, value: entry}
	r.element = c.lru.PushFront(r)
	c.entries[k] = r
}

// QuantLevels returns the configured quantisation level, for callers that
// need to derive a key via embedding.Quantize.
func (c *Cache) QuantLevels() int { return c.quantLevel }

// Lookup returns the stored entry for key if present and within TTL. A miss
// (absent or stale) returns ok=false and never an error. The cache is
// advisory.
func (c *Cache) Lookup(key []byte) (Entry, bool) {
	k := string(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.entries[k]
	if !ok {
		c.misses++
		return Entry{}, false
	}
	if c.ttl > 0 && time.Since(r.value.StoredAt) >= c.ttl {
		c.removeLocked(r)
		c.misses++
		return Entry{}, false
	}
	c.hits++
	c.lru.MoveToFront(r.element)
	return r.value, true
}

// Store sets key to entry, overwriting in place if the key already exists
// (idempotent: repeated Store with the same key never grows the set size
// beyond maxSize). Evicts the LRU entry if the cache is full and the key is
// new.
func (c *Cache) Store(key []byte, entry Entry) {
	k := string(key)
	entry.StoredAt = time.Now()

	c.mu.Lock()
	if r, ok := c.entries[k]; ok {
		r.value = entry
		c.lru.MoveToFront(r.element)
		c.mu.Unlock()
		c.persist(key, entry)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictLRULocked()
	}

	r := &record{key: k, value: entry}
	r.element = c.lru.PushFront(r)
	c.entries[k] = r
	c.mu.Unlock()

	c.persist(key, entry)
}

// persist appends entry to the backing store, if any. Best-effort: a write
// failure never fails the cache write itself (spec: the cache is advisory).
func (c *Cache) persist(key []byte, entry Entry) {
	if c.store == nil {
		return
	}
	_ = c.store.Append(map[string]any{
		"key":                 base64.StdEncoding.EncodeToString(key),
		"alpha":               entry.Weights.Alpha,
		"beta":                entry.Weights.Beta,
		"decision":            string(entry.DecisionHint),
		"stored_at_unix_nano": entry.StoredAt.UnixNano(),
	})
}

func (c *Cache) evictLRULocked() {
	back := c.lru.Back()
	if back == nil {
		return
	}
	c.removeLocked(back.Value.(*record))
	c.evictions++
}

func (c *Cache) removeLocked(r *record) {
	delete(c.entries, r.key)
	c.lru.Remove(r.element)
}

// Metrics returns a point-in-time snapshot.
func (c *Cache) Metrics() Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Metrics{Hits: c.hits, Misses: c.misses, Evictions: c.evictions, Size: len(c.entries)}
}

// HitRate returns hits / (hits+misses), or 0 with no traffic yet.
func (c *Cache) HitRate() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

// Size returns the current entry count.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*record)
	c.lru = list.New()
}
