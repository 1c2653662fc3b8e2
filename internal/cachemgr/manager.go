// Package cachemgr sits between the RESP dispatcher and the storage
// backend: cache-aside reads, write-through or write-back writes, and
// an eviction hook that persists dirty entries synchronously when the
// cache pushes them out.
package cachemgr

import (
	"fmt"
	"sync/atomic"

	"github.com/cvdpl/respkv/internal/cache"
	"github.com/cvdpl/respkv/internal/common"
	"github.com/cvdpl/respkv/internal/config"
	"github.com/cvdpl/respkv/internal/observer"
	"github.com/cvdpl/respkv/internal/storage"
)

// Manager is the cache-aside / write-through / write-back coordinator
// described by the spec's cache manager component.
type Manager struct {
	cache   *cache.Segmented
	backend storage.Backend
	mode    config.WriteMode
	logger  common.Logger
	obs     observer.Observer

	hits   atomic.Uint64
	misses atomic.Uint64

	worker *Worker
}

// New builds a Manager and a segmented cache of the given shape wired
// to it via the eviction hook. For write-back mode, build a Worker
// separately with NewWorker and attach it with AttachWorker.
func New(segments, capacity int, backend storage.Backend, mode config.WriteMode, logger common.Logger, obs observer.Observer) (*Manager, error) {
	if logger == nil {
		logger = common.NewNullLogger()
	}
	if obs == nil {
		obs = observer.NewNoop()
	}

	m := &Manager{backend: backend, mode: mode, logger: logger, obs: obs}
	c, err := cache.New(segments, capacity, m.onEvict)
	if err != nil {
		return nil, fmt.Errorf("cachemgr: %w", err)
	}
	m.cache = c
	return m, nil
}

func (m *Manager) onEvict(key string, value []byte, dirty bool) {
	if !dirty {
		return
	}
	if err := m.backend.Store([]byte(key), value); err != nil {
		m.logger.Error("evict: persist dirty entry failed", "key", key, "error", err)
	}
}

// Get performs a cache-aside read: a cache hit returns immediately; a
// miss consults the backend and, on a backend hit, populates the
// cache as a clean entry before returning.
func (m *Manager) Get(key string) (value []byte, found bool, err error) {
	if v, ok := m.cache.Get(key); ok {
		m.hits.Add(1)
		m.obs.IncCounter("cache_hits", 1)
		return v, true, nil
	}
	m.misses.Add(1)
	m.obs.IncCounter("cache_misses", 1)

	found, val, err := m.backend.Load([]byte(key))
	if err != nil {
		return nil, false, fmt.Errorf("cachemgr: backend load: %w", err)
	}
	if !found {
		return nil, false, nil
	}
	m.cache.Put(key, val, false)
	m.cache.MarkClean(key)
	return val, true, nil
}

// Put updates the cache and, in write-through mode, synchronously
// persists to the backend before returning. In write-back mode the
// entry is left dirty for the background worker or a future eviction
// to persist.
func (m *Manager) Put(key string, value []byte) error {
	m.cache.Put(key, value, true)

	if m.mode != config.WriteThrough {
		return nil
	}
	if err := m.backend.Store([]byte(key), value); err != nil {
		return fmt.Errorf("cachemgr: write-through store: %w", err)
	}
	m.cache.MarkClean(key)
	return nil
}

// Del unconditionally removes key from both the cache and the
// backend. existed reflects only the cache-local outcome, per the
// resolved DEL-count semantics.
func (m *Manager) Del(key string) (existed bool, err error) {
	existed = m.cache.Delete(key)
	if err := m.backend.Remove([]byte(key)); err != nil {
		return existed, fmt.Errorf("cachemgr: backend remove: %w", err)
	}
	return existed, nil
}

// Exists reports whether key is currently cached, without promoting
// it in the recency list. It does not consult the backend.
func (m *Manager) Exists(key string) bool {
	return m.cache.Contains(key)
}

// Keys returns a snapshot of every key currently cached.
func (m *Manager) Keys() []string {
	return m.cache.Keys()
}

// Len returns the number of entries currently cached.
func (m *Manager) Len() int {
	return m.cache.Len()
}

// FlushAll clears the cache, which synchronously persists any dirty
// evictees via the eviction hook. The backend's already-durable state
// is untouched.
func (m *Manager) FlushAll() {
	m.cache.Clear()
}

// AttachWorker wires a write-back worker built externally (see
// NewWorker) so Shutdown can stop it in the right order.
func (m *Manager) AttachWorker(w *Worker) {
	m.worker = w
}

// Cache exposes the underlying segmented cache so a caller can build a
// Worker with NewWorker before attaching it.
func (m *Manager) Cache() *cache.Segmented {
	return m.cache
}

// Shutdown stops the write-back worker, if any, letting it drain
// remaining dirty entries, then clears the cache so any entries the
// worker did not reach are still persisted via the eviction hook.
func (m *Manager) Shutdown() {
	if m.worker != nil {
		m.worker.Stop()
	}
	m.cache.Clear()
}

// Stats returns the cumulative hit/miss counters observed at the
// manager level (cache-aside outcomes, not the underlying segments').
func (m *Manager) Stats() (hits, misses uint64) {
	return m.hits.Load(), m.misses.Load()
}
