// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package pagecache is the bounded, sharded cache keyed by page
// position that sits in front of the file backend. It is built on
// top of github.com/hashicorp/golang-lru/v2, the same cache library
// the erigon pack member uses for its block and state caches; no
// example in the corpus ships a from-scratch LIRS implementation,
// so we approximate LIRS's "recent but only-seen-once pages evict
// first" behavior with golang-lru's recency-aware eviction plus an
// explicit byte-weight budget per shard (see DESIGN.md).
package pagecache

import (
	"github.com/dchest/siphash"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache is a bounded cache keyed by a 64-bit page position. It is
// sharded into a configurable number of segments so that lookups
// on unrelated pages don't contend on the same lock, the way the
// store's tableLock is sharded per table rather than global.
type Cache[V any] struct {
	shards  []*shard[V]
	segMask uint64
	sizeOf  func(V) int
	k0, k1  uint64
}

type shard[V any] struct {
	lru        *lru.Cache[uint64, entry[V]]
	maxWeight  int64
	curWeight  weightCounter
}

type entry[V any] struct {
	val    V
	weight int
}

// New builds a Cache with the given total byte budget split evenly
// across 'segments' shards (rounded up to the next power of two).
// sizeOf estimates the in-memory weight of a cached value.
func New[V any](totalBytes int, segments int, sizeOf func(V) int) *Cache[V] {
	if segments < 1 {
		segments = 1
	}
	n := 1
	for n < segments {
		n <<= 1
	}
	perShard := totalBytes / n
	if perShard < 1 {
		perShard = 1
	}
	c := &Cache[V]{
		segMask: uint64(n - 1),
		sizeOf:  sizeOf,
		k0:      0x9e3779b97f4a7c15,
		k1:      0xbf58476d1ce4e5b9,
	}
	c.shards = make([]*shard[V], n)
	for i := range c.shards {
		sh := &shard[V]{maxWeight: int64(perShard)}
		// capacity is advisory for golang-lru (it evicts on Add when
		// the count limit is hit); size it generously and rely on
		// our own weight accounting to evict earlier when needed.
		l, err := lru.NewWithEvict[uint64, entry[V]](1<<20, func(_ uint64, v entry[V]) {
			sh.curWeight.add(-int64(v.weight))
		})
		if err != nil {
			panic(err)
		}
		sh.lru = l
		c.shards[i] = sh
	}
	return c
}

func (c *Cache[V]) shardFor(pos uint64) *shard[V] {
	h := siphash.Hash(c.k0, c.k1, posBytes(pos))
	return c.shards[h&c.segMask]
}

func posBytes(pos uint64) []byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(pos >> (8 * i))
	}
	return b[:]
}

// Put records v under pos, evicting older entries in the same
// shard until the shard's byte-weight budget is respected.
func (c *Cache[V]) Put(pos uint64, v V) {
	w := c.sizeOf(v)
	sh := c.shardFor(pos)
	if old, ok := sh.lru.Peek(pos); ok {
		sh.curWeight.add(-int64(old.weight))
	}
	sh.lru.Add(pos, entry[V]{val: v, weight: w})
	sh.curWeight.add(int64(w))
	for sh.curWeight.get() > sh.maxWeight {
		if _, _, ok := sh.lru.RemoveOldest(); !ok {
			break
		}
	}
}

// Get returns the cached value for pos, if present. A miss means
// the caller must read the page from the file backend; no caller
// may assume a hit.
func (c *Cache[V]) Get(pos uint64) (V, bool) {
	sh := c.shardFor(pos)
	e, ok := sh.lru.Get(pos)
	if !ok {
		var zero V
		return zero, false
	}
	return e.val, true
}

// Remove evicts pos from the cache, if present.
func (c *Cache[V]) Remove(pos uint64) {
	sh := c.shardFor(pos)
	sh.lru.Remove(pos)
}

// Clear empties every shard. Used on store rollback-to-version,
// where every cached page may describe a root that no longer
// exists.
func (c *Cache[V]) Clear() {
	for _, sh := range c.shards {
		sh.lru.Purge()
		sh.curWeight.set(0)
	}
}

// Len returns the total number of cached entries across all shards.
func (c *Cache[V]) Len() int {
	n := 0
	for _, sh := range c.shards {
		n += sh.lru.Len()
	}
	return n
}
