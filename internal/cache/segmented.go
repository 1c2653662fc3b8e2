package cache

import (
	"fmt"
	"hash/fnv"
)

// Segmented is a sharded LRU: keys are routed to one of N shards by
// FNV-1a hash, so unrelated keys almost never contend on the same
// lock. N must be a power of two so the shard index is a cheap mask.
type Segmented struct {
	shards []*Shard
	mask   uint64
}

// New creates a segmented cache with segments shards, each capacity
// entries. segments must be a positive power of two.
func New(segments int, capacity int, onEvict EvictFunc) (*Segmented, error) {
	if segments <= 0 || segments&(segments-1) != 0 {
		return nil, fmt.Errorf("cache: segments must be a positive power of two, got %d", segments)
	}
	perShard := capacity / segments
	if perShard <= 0 {
		perShard = 1
	}

	shards := make([]*Shard, segments)
	for i := range shards {
		shards[i] = NewShard(perShard, onEvict)
	}
	return &Segmented{shards: shards, mask: uint64(segments - 1)}, nil
}

func (c *Segmented) shardFor(key string) *Shard {
	h := fnv.New64a()
	h.Write([]byte(key))
	return c.shards[h.Sum64()&c.mask]
}

func (c *Segmented) Get(key string) (value []byte, found bool) {
	return c.shardFor(key).Get(key)
}

func (c *Segmented) Put(key string, value []byte, dirty bool) {
	c.shardFor(key).Put(key, value, dirty)
}

func (c *Segmented) MarkClean(key string) {
	c.shardFor(key).MarkClean(key)
}

// Contains reports whether key is present without promoting it in its
// shard's recency list.
func (c *Segmented) Contains(key string) bool {
	return c.shardFor(key).Contains(key)
}

// Delete removes key and reports whether it was present in the cache.
func (c *Segmented) Delete(key string) bool {
	return c.shardFor(key).Delete(key)
}

// Len returns the total number of entries cached across every shard.
func (c *Segmented) Len() int {
	total := 0
	for _, s := range c.shards {
		total += s.Len()
	}
	return total
}

// Keys returns a snapshot of every key currently cached, across all
// shards. Order is unspecified.
func (c *Segmented) Keys() []string {
	var keys []string
	for _, s := range c.shards {
		keys = append(keys, s.Keys()...)
	}
	return keys
}

// DirtyEntries returns every currently dirty entry across all shards,
// keyed by key.
func (c *Segmented) DirtyEntries() map[string][]byte {
	out := make(map[string][]byte)
	for _, s := range c.shards {
		for k, v := range s.DirtyEntries() {
			out[k] = v
		}
	}
	return out
}

// Clear removes every entry from every shard, invoking the eviction
// hook for each entry (with its dirty flag) so dirty ones can be
// persisted first. Used by
// FLUSHALL/FLUSHDB and by Shutdown.
func (c *Segmented) Clear() {
	for _, s := range c.shards {
		s.Clear()
	}
}

// Stats aggregates hit/miss/evict counters across all shards.
func (c *Segmented) Stats() (hits, misses, evicts uint64) {
	for _, s := range c.shards {
		h, m, e := s.Stats()
		hits += h
		misses += m
		evicts += e
	}
	return
}
