// Package sstable implements the immutable on-disk sorted run: data
// blocks, an in-memory index, a bloom filter, and a fixed trailer
// footer, as laid out in the spec:
//
//	[ DataRecord0 ][ DataRecord1 ] ... [ DataRecordN ]
//	[ IndexBlock ]
//	[ MetaBlock (BloomFilter) ]
//	[ Footer ]
package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/cvdpl/respkv/internal/filters"
	"github.com/cvdpl/respkv/internal/fsutil"
)

// Entry is one (key, value) addition supplied to a Writer. Tombstones
// are represented by a nil Value together with Tombstone=true; the value
// stored on disk is empty either way.
type Entry struct {
	Key       []byte
	Value     []byte
	Tombstone bool
}

// Writer accumulates entries and produces one immutable SSTable file.
type Writer struct {
	entries []Entry
	fpr     float64
}

// NewWriter creates an empty writer. fpr is the bloom filter's target
// false-positive rate; pass 0 for the spec default (0.01).
func NewWriter(fpr float64) *Writer {
	if fpr <= 0 {
		fpr = filters.DefaultFPR
	}
	return &Writer{fpr: fpr}
}

// Add appends one entry. Entries need not be added in sorted order;
// Finish sorts by key before writing data records.
func (w *Writer) Add(key, value []byte, tombstone bool) {
	keyCopy := append([]byte(nil), key...)
	var valCopy []byte
	if !tombstone {
		valCopy = append([]byte(nil), value...)
	}
	w.entries = append(w.entries, Entry{Key: keyCopy, Value: valCopy, Tombstone: tombstone})
}

// Len returns the number of entries added so far.
func (w *Writer) Len() int { return len(w.entries) }

// Finish sorts, serializes and writes the table to path, then flushes
// and closes it. path's parent directory is created if it is missing.
func (w *Writer) Finish(path string) error {
	if len(w.entries) == 0 {
		return fmt.Errorf("sstable: refusing to write empty table %s", path)
	}

	sort.SliceStable(w.entries, func(i, j int) bool {
		return bytes.Compare(w.entries[i].Key, w.entries[j].Key) < 0
	})

	tmpPath := path + ".building"
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create sstable directory: %w", err)
	}
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create sstable file: %w", err)
	}
	defer func() {
		f.Close()
		os.Remove(tmpPath)
	}()

	var offset uint64
	type recordLoc struct {
		key    []byte
		offset uint64
		size   uint64
	}
	locs := make([]recordLoc, 0, len(w.entries))

	for _, e := range w.entries {
		rec := w.encodeRecord(e)
		if _, err := f.Write(rec); err != nil {
			return fmt.Errorf("write data record: %w", err)
		}
		locs = append(locs, recordLoc{key: e.Key, offset: offset, size: uint64(len(rec))})
		offset += uint64(len(rec))
	}

	indexOffset := offset
	indexBuf := new(bytes.Buffer)
	var nBuf [4]byte
	binary.LittleEndian.PutUint32(nBuf[:], uint32(len(locs)))
	indexBuf.Write(nBuf[:])
	for _, loc := range locs {
		var klenBuf [4]byte
		binary.LittleEndian.PutUint32(klenBuf[:], uint32(len(loc.key)))
		indexBuf.Write(klenBuf[:])
		indexBuf.Write(loc.key)
		var offSzBuf [16]byte
		binary.LittleEndian.PutUint64(offSzBuf[0:8], loc.offset)
		binary.LittleEndian.PutUint64(offSzBuf[8:16], loc.size)
		indexBuf.Write(offSzBuf[:])
	}
	if _, err := f.Write(indexBuf.Bytes()); err != nil {
		return fmt.Errorf("write index block: %w", err)
	}
	indexSize := uint64(indexBuf.Len())

	bloom := filters.NewBloomFilter(uint64(len(w.entries)), w.fpr)
	for _, e := range w.entries {
		bloom.Add(e.Key)
	}
	metaOffset := indexOffset + indexSize
	metaBytes := bloom.Marshal()
	if _, err := f.Write(metaBytes); err != nil {
		return fmt.Errorf("write meta block: %w", err)
	}
	metaSize := uint64(len(metaBytes))

	ft := footer{
		Index:      Handle{Offset: indexOffset, Size: indexSize},
		Meta:       Handle{Offset: metaOffset, Size: metaSize},
		NumEntries: uint64(len(w.entries)),
	}
	if _, err := f.Write(ft.encode()); err != nil {
		return fmt.Errorf("write footer: %w", err)
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync sstable file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close sstable file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("publish sstable file: %w", err)
	}
	return fsutil.SyncDir(filepath.Dir(path))
}

func (w *Writer) encodeRecord(e Entry) []byte {
	if e.Tombstone {
		return encodeDataRecord(e.Key, nil, true)
	}
	return encodeDataRecord(e.Key, e.Value, false)
}

// tombstoneValLen is an out-of-range sentinel for the ValLen field: no
// legitimate value can be this long (MaxValueSize is 64MiB), so it is
// safe to reserve it to mark a deletion record. The fixed DataRecord
// layout in the spec has no separate type byte, so this is the only way
// to keep a Deletion record representable within that exact framing
// while still round-tripping through an ordinary [KeyLen][Key][ValLen]
// reader.
const tombstoneValLen = 0xFFFFFFFF

func encodeDataRecord(key, value []byte, tombstone bool) []byte {
	valLen := uint32(len(value))
	if tombstone {
		valLen = tombstoneValLen
		value = nil
	}
	buf := make([]byte, 4+len(key)+4+len(value))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(key)))
	copy(buf[4:], key)
	off := 4 + len(key)
	binary.LittleEndian.PutUint32(buf[off:off+4], valLen)
	copy(buf[off+4:], value)
	return buf
}
