/*
 * SPDX-FileCopyrightText: © XIAM Authors <engineering@xiam.dev>
 * SPDX-License-Identifier: Apache-2.0
 */

package acl

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/ristretto/v2"
	farm "github.com/dgryski/go-farm"
	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/xiamhq/hierarchy/tree"
)

const numShards = 32

// Cache is the read-through access cache. Decisions live in a ristretto
// cache keyed by (user, node); alongside it, sharded index maps remember
// the node path each decision was computed against, so a mutation under a
// subtree can evict exactly the decisions it may have changed, for all
// users at once.
//
// Entries never expire passively. Every mutation path must call
// InvalidateSubtree before reporting success; the engine facade enforces
// that.
type Cache struct {
	resolver *Resolver
	data     *ristretto.Cache[string, Decision]
	shards   [numShards]indexShard

	// epoch is bumped before every invalidation scan. A fill is dropped
	// when the epoch moved while the decision was being resolved, so a
	// mutation racing a read-through can never strand a stale entry.
	epoch   atomic.Uint64
	tracked atomic.Int64

	// maxTracked bounds the invalidation index. Crossing it flushes the
	// whole cache, trading hit rate for a hard memory bound.
	maxTracked int64
}

type indexShard struct {
	sync.Mutex
	paths map[string]tree.Path
}

// NewCache sizes the cache for roughly maxEntries decisions.
func NewCache(resolver *Resolver, maxEntries int64) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = 1 << 20
	}
	c := &Cache{
		resolver:   resolver,
		maxTracked: 4 * maxEntries,
	}
	data, err := ristretto.NewCache(&ristretto.Config[string, Decision]{
		NumCounters: 10 * maxEntries,
		MaxCost:     maxEntries,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating decision cache")
	}
	c.data = data
	for i := range c.shards {
		c.shards[i].paths = make(map[string]tree.Path)
	}
	return c, nil
}

func cacheKey(userID, nodeID string) string {
	return userID + "\x00" + nodeID
}

func (c *Cache) shardFor(key string) *indexShard {
	return &c.shards[farm.Fingerprint32([]byte(key))%numShards]
}

// GetOrResolve returns the cached decision for (userID, nodeID), resolving
// and filling on a miss.
func (c *Cache) GetOrResolve(ctx context.Context, userID, nodeID string) (Decision, error) {
	key := cacheKey(userID, nodeID)
	if d, ok := c.data.Get(key); ok {
		return d, nil
	}

	start := c.epoch.Load()
	d, err := c.resolver.Resolve(ctx, userID, nodeID)
	if err != nil {
		return Decision{}, err
	}
	c.fill(key, d, start)
	return d, nil
}

// fill stores a resolved decision unless an invalidation ran since the
// resolution started. The shard lock orders the epoch check against the
// invalidation scan: either the fill sees the bumped epoch and drops the
// entry, or the scan sees the indexed entry and evicts it.
func (c *Cache) fill(key string, d Decision, start uint64) {
	sh := c.shardFor(key)
	sh.Lock()
	defer sh.Unlock()
	if c.epoch.Load() != start {
		return
	}
	if d.Path != "" {
		if _, ok := sh.paths[key]; !ok {
			if c.tracked.Add(1) > c.maxTracked {
				sh.Unlock()
				c.Clear()
				sh.Lock()
				return
			}
		}
		sh.paths[key] = d.Path
	}
	c.data.Set(key, d, 1)
}

// InvalidateSubtree evicts every decision computed against a path that is
// descendant-or-self of p, across all users.
func (c *Cache) InvalidateSubtree(p tree.Path) {
	if p == "" {
		return
	}
	c.epoch.Add(1)
	var evicted int
	for i := range c.shards {
		sh := &c.shards[i]
		sh.Lock()
		for key, path := range sh.paths {
			if p.IsAncestorOrSelf(path) {
				delete(sh.paths, key)
				c.data.Del(key)
				c.tracked.Add(-1)
				evicted++
			}
		}
		sh.Unlock()
	}
	// Ristretto applies Set and Del through a buffer; drain it so a check
	// issued after this mutation returns can no longer see an evicted
	// decision.
	c.data.Wait()
	if evicted > 0 {
		glog.V(2).Infof("cache: invalidated %d decision(s) under %q", evicted, p)
	}
}

// Clear flushes every entry. Used by tests and benchmarks, and as the
// fallback when the invalidation index outgrows its bound.
func (c *Cache) Clear() {
	c.epoch.Add(1)
	for i := range c.shards {
		sh := &c.shards[i]
		sh.Lock()
		sh.paths = make(map[string]tree.Path)
		sh.Unlock()
	}
	c.tracked.Store(0)
	c.data.Clear()
}

// Wait blocks until buffered fills are applied. Tests and benchmarks call
// this before asserting on hits.
func (c *Cache) Wait() {
	c.data.Wait()
}

// Metrics exposes the underlying ristretto metrics (hits, misses, cost).
func (c *Cache) Metrics() *ristretto.Metrics {
	return c.data.Metrics
}

func (c *Cache) Close() {
	c.data.Close()
}
