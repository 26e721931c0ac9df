// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package metarouter

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/jeranaias/modelmux/internal/router"
)

// cacheEntry pairs a decision with the time it was stored.
type cacheEntry struct {
	decision router.RoutingDecision
	created  time.Time
}

// Cache holds oracle decisions keyed by raw query text. Entries older than
// the TTL are treated as absent. Eviction is allowed at any time.
type Cache struct {
	store *ristretto.Cache
	ttl   time.Duration
	now   func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCache creates a cache holding up to maxEntries decisions.
func NewCache(ttl time.Duration, maxEntries int64, now func() time.Time) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	if now == nil {
		now = time.Now
	}
	store, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        maxEntries * 10,
		MaxCost:            maxEntries,
		BufferItems:        64,
		Metrics:            true,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create decision cache: %w", err)
	}
	return &Cache{store: store, ttl: ttl, now: now}, nil
}

// Get returns a copy of the decision cached for query. An expired entry,
// or one that valid rejects, is dropped and counts as a miss. valid may be
// nil.
func (c *Cache) Get(query string, valid func(*router.RoutingDecision) bool) (*router.RoutingDecision, bool) {
	v, ok := c.store.Get(query)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	entry := v.(cacheEntry)
	if (c.ttl > 0 && c.now().Sub(entry.created) >= c.ttl) ||
		(valid != nil && !valid(&entry.decision)) {
		c.store.Del(query)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	d := entry.decision
	return &d, true
}

// Set stores a copy of d for query and waits until it is visible to Get.
func (c *Cache) Set(query string, d *router.RoutingDecision) {
	if d == nil {
		return
	}
	// Store-side expiry reclaims memory; Get enforces the TTL itself.
	var ttl time.Duration
	if c.ttl > 0 {
		ttl = c.ttl + time.Minute
	}
	c.store.SetWithTTL(query, cacheEntry{decision: *d, created: c.now()}, 1, ttl)
	c.store.Wait()
}

// Len approximates the number of live entries.
func (c *Cache) Len() int {
	m := c.store.Metrics
	if m == nil {
		return 0
	}
	n := int64(m.KeysAdded()) - int64(m.KeysEvicted())
	if n < 0 {
		return 0
	}
	return int(n)
}

// HitRate returns hits / lookups, or 0 before the first lookup.
func (c *Cache) HitRate() float64 {
	h, m := c.hits.Load(), c.misses.Load()
	if h+m == 0 {
		return 0
	}
	return float64(h) / float64(h+m)
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.store.Clear()
}

// Close releases the cache's background goroutines.
func (c *Cache) Close() {
	c.store.Close()
}
