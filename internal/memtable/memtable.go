// Package memtable implements the LSM engine's in-memory sorted buffer:
// an ordered map from InternalKey (user_key ascending, sequence
// descending) to value bytes, with tombstone markers for deletions.
//
// The ordering is provided by github.com/google/btree, following the
// same Indexer-over-btree.Item shape used elsewhere in the reference
// corpus for exactly this "ordered index keyed by raw bytes" problem.
package memtable

import (
	"bytes"
	"math"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/cvdpl/respkv/internal/common"
)

// btreeDegree matches the corpus's own choice for a general-purpose
// ordered index of small items.
const btreeDegree = 32

// entryOverhead approximates the fixed per-entry bookkeeping cost when
// tracking the memtable's approximate byte size.
const entryOverhead = 32

// item is the btree.Item stored for one (userKey, sequence) version.
// Items are ordered by userKey ascending, then sequence descending, so
// the newest version of a key is the first one an ascending scan visits.
type item struct {
	userKey []byte
	seq     uint64
	typ     uint8
	value   []byte
}

func (a *item) Less(than btree.Item) bool {
	b := than.(*item)
	if c := bytes.Compare(a.userKey, b.userKey); c != 0 {
		return c < 0
	}
	return a.seq > b.seq
}

// Memtable is an ordered, in-memory buffer of recent writes. It is safe
// for concurrent readers; the LSM engine serializes writers externally
// (single-writer discipline), matching the spec's concurrency model.
type Memtable struct {
	mu   sync.RWMutex
	tree *btree.BTree

	size    int64 // atomic: approximate byte size
	count   int64 // atomic: number of live (non-deleted) versions inserted
	deleted int64 // atomic: number of tombstones inserted
}

// New creates an empty memtable.
func New() *Memtable {
	return &Memtable{tree: btree.New(btreeDegree)}
}

// Put records that seq wrote value for userKey.
func (m *Memtable) Put(userKey []byte, seq uint64, value []byte) {
	m.insert(userKey, seq, common.OpPut, value)
	atomic.AddInt64(&m.count, 1)
}

// Delete records a tombstone for userKey at seq.
func (m *Memtable) Delete(userKey []byte, seq uint64) {
	m.insert(userKey, seq, common.OpDelete, nil)
	atomic.AddInt64(&m.deleted, 1)
}

func (m *Memtable) insert(userKey []byte, seq uint64, typ uint8, value []byte) {
	keyCopy := append([]byte(nil), userKey...)
	var valCopy []byte
	if len(value) > 0 {
		valCopy = append([]byte(nil), value...)
	}

	m.mu.Lock()
	m.tree.ReplaceOrInsert(&item{userKey: keyCopy, seq: seq, typ: typ, value: valCopy})
	m.mu.Unlock()

	atomic.AddInt64(&m.size, int64(len(keyCopy)+len(valCopy)+entryOverhead))
}

// Get returns the entry with the largest sequence for userKey.
// deleted=true means the newest matching record is a tombstone: the
// caller must treat this as a miss and must not fall through to
// SSTables, since a newer deletion shadows any older on-disk value.
func (m *Memtable) Get(userKey []byte) (found bool, value []byte, deleted bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	probe := &item{userKey: userKey, seq: math.MaxUint64}
	var hit *item
	m.tree.AscendGreaterOrEqual(probe, func(i btree.Item) bool {
		candidate := i.(*item)
		if !bytes.Equal(candidate.userKey, userKey) {
			return false
		}
		hit = candidate
		return false
	})

	if hit == nil {
		return false, nil, false
	}
	if hit.typ == common.OpDelete {
		return true, nil, true
	}
	return true, hit.value, false
}

// ApproxSize returns the approximate accumulated byte size of all
// versions inserted so far, used to decide when to freeze.
func (m *Memtable) ApproxSize() int64 {
	return atomic.LoadInt64(&m.size)
}

// ShouldFlush reports whether the memtable has grown past threshold
// bytes and should be frozen and flushed.
func (m *Memtable) ShouldFlush(threshold int64) bool {
	return m.ApproxSize() >= threshold
}

// Len returns the total number of versions stored, live and tombstoned.
func (m *Memtable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len()
}

// FlushEntry is one row to emit while flushing to an SSTable: the latest
// version of a user key, which may itself be a tombstone.
type FlushEntry struct {
	UserKey   []byte
	Value     []byte
	Tombstone bool
}

// ForEachFlush walks the memtable in InternalKey order and invokes cb
// once per distinct user key with its newest version (older versions of
// the same key are shadowed and skipped). Tombstones are always
// surfaced to the caller — see the LSM engine's flush path for the
// policy on carrying tombstones forward through compaction.
func (m *Memtable) ForEachFlush(cb func(FlushEntry) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var lastKey []byte
	haveLast := false
	var cbErr error

	m.tree.Ascend(func(i btree.Item) bool {
		e := i.(*item)
		if haveLast && bytes.Equal(e.userKey, lastKey) {
			return true // older version of a key already emitted
		}
		haveLast = true
		lastKey = e.userKey

		if err := cb(FlushEntry{UserKey: e.userKey, Value: e.value, Tombstone: e.typ == common.OpDelete}); err != nil {
			cbErr = err
			return false
		}
		return true
	})

	return cbErr
}
