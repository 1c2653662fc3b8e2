package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cvdpl/respkv/internal/common"
	"github.com/cvdpl/respkv/internal/filters"
	"github.com/cvdpl/respkv/internal/fsutil"
)

// indexEntry locates one key's data record within the mapped file.
type indexEntry struct {
	offset uint64
	size   uint64
}

// Reader serves point lookups against one immutable SSTable file. It
// keeps the file mapped for the reader's lifetime; concurrent Get calls
// share a read lock for the whole lookup (index probe and mmap read),
// so Close, which takes the write lock, never unmaps under a Get.
type Reader struct {
	mu     sync.RWMutex
	mapped *fsutil.MappedFile
	bloom  *filters.BloomFilter
	index  map[string]indexEntry
	// keys preserves ascending order for callers that need to iterate,
	// e.g. compaction merges.
	keys []string

	path   string
	closed bool
}

// Open maps path and parses its footer, bloom filter and index block.
func Open(path string) (*Reader, error) {
	mapped, err := fsutil.MapFile(path)
	if err != nil {
		return nil, err
	}

	r, err := load(path, mapped)
	if err != nil {
		mapped.Close()
		return nil, err
	}
	return r, nil
}

func load(path string, mapped *fsutil.MappedFile) (*Reader, error) {
	data := mapped.Data()
	if len(data) < footerSize {
		return nil, fmt.Errorf("%w: sstable %s shorter than footer", common.ErrCorrupt, path)
	}

	ft, err := decodeFooter(data[len(data)-footerSize:])
	if err != nil {
		return nil, fmt.Errorf("sstable %s: %w", path, err)
	}

	if ft.Meta.Offset+ft.Meta.Size > uint64(len(data)) || ft.Index.Offset+ft.Index.Size > uint64(len(data)) {
		return nil, fmt.Errorf("%w: sstable %s handle out of range", common.ErrCorrupt, path)
	}

	metaBlock := data[ft.Meta.Offset : ft.Meta.Offset+ft.Meta.Size]
	bloom, err := filters.Unmarshal(metaBlock)
	if err != nil {
		return nil, fmt.Errorf("%w: sstable %s bloom block: %v", common.ErrCorrupt, path, err)
	}

	indexBlock := data[ft.Index.Offset : ft.Index.Offset+ft.Index.Size]
	index, keys, err := parseIndex(indexBlock, ft.NumEntries)
	if err != nil {
		return nil, fmt.Errorf("%w: sstable %s index block: %v", common.ErrCorrupt, path, err)
	}

	return &Reader{
		mapped: mapped,
		bloom:  bloom,
		index:  index,
		keys:   keys,
		path:   path,
	}, nil
}

func parseIndex(block []byte, numEntries uint64) (map[string]indexEntry, []string, error) {
	if len(block) < 4 {
		return nil, nil, fmt.Errorf("index block too short")
	}
	n := binary.LittleEndian.Uint32(block[0:4])
	if uint64(n) != numEntries {
		return nil, nil, fmt.Errorf("index count %d disagrees with footer count %d", n, numEntries)
	}

	index := make(map[string]indexEntry, n)
	keys := make([]string, 0, n)
	off := 4
	for i := uint32(0); i < n; i++ {
		if off+4 > len(block) {
			return nil, nil, fmt.Errorf("index truncated at entry %d", i)
		}
		klen := int(binary.LittleEndian.Uint32(block[off : off+4]))
		off += 4
		if off+klen+16 > len(block) {
			return nil, nil, fmt.Errorf("index truncated at entry %d", i)
		}
		key := string(block[off : off+klen])
		off += klen
		offset := binary.LittleEndian.Uint64(block[off : off+8])
		size := binary.LittleEndian.Uint64(block[off+8 : off+16])
		off += 16

		index[key] = indexEntry{offset: offset, size: size}
		keys = append(keys, key)
	}
	return index, keys, nil
}

// Get looks up key. found=false means the key is not in this table,
// possibly because the bloom filter ruled it out cheaply. deleted=true
// means the newest record for key in this table is a tombstone.
func (r *Reader) Get(key []byte) (found bool, value []byte, deleted bool, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false, nil, false, common.ErrClosed
	}

	if !r.bloom.Contains(key) {
		return false, nil, false, nil
	}

	loc, ok := r.index[string(key)]
	if !ok {
		return false, nil, false, nil
	}

	data := r.mapped.Data()
	if loc.offset+loc.size > uint64(len(data)) {
		return false, nil, false, fmt.Errorf("%w: sstable %s record out of range", common.ErrCorrupt, r.path)
	}
	rec := data[loc.offset : loc.offset+loc.size]

	gotKey, val, tombstone, err := decodeDataRecord(rec)
	if err != nil {
		return false, nil, false, fmt.Errorf("%w: sstable %s: %v", common.ErrCorrupt, r.path, err)
	}
	if !bytes.Equal(gotKey, key) {
		return false, nil, false, fmt.Errorf("%w: sstable %s index/key mismatch", common.ErrCorrupt, r.path)
	}

	if tombstone {
		return true, nil, true, nil
	}
	return true, val, false, nil
}

// Keys returns the table's keys in ascending order, for compaction
// merges. The returned slice must not be mutated.
func (r *Reader) Keys() []string {
	return r.keys
}

// MayContain is a cheap pre-check exposed for callers that want to skip
// opening a reader's index entirely, e.g. version-level fan-out.
func (r *Reader) MayContain(key []byte) bool {
	return r.bloom.Contains(key)
}

// Path returns the file path this reader was opened from.
func (r *Reader) Path() string { return r.path }

// Close unmaps the underlying file. Get calls after Close return
// ErrClosed.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.mapped.Close()
}

func decodeDataRecord(rec []byte) (key, value []byte, tombstone bool, err error) {
	if len(rec) < 4 {
		return nil, nil, false, fmt.Errorf("record too short for key length")
	}
	klen := int(binary.LittleEndian.Uint32(rec[0:4]))
	off := 4
	if off+klen+4 > len(rec) {
		return nil, nil, false, fmt.Errorf("record truncated in key")
	}
	key = rec[off : off+klen]
	off += klen

	vlen := binary.LittleEndian.Uint32(rec[off : off+4])
	off += 4
	if vlen == tombstoneValLen {
		return key, nil, true, nil
	}
	if off+int(vlen) > len(rec) {
		return nil, nil, false, fmt.Errorf("record truncated in value")
	}
	value = rec[off : off+int(vlen)]
	return key, value, false, nil
}
