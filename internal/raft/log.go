package raft

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Entry is one command in the replicated log.
type Entry struct {
	Term    uint64
	Index   uint64
	Command []byte
}

const entryHeaderSize = 8 + 8 + 4 // Term + Index + CmdLen

// Log is an append-only file of framed entries, with the same framing
// discipline as the write-ahead log: fixed headers, no CRC (Raft
// entries are re-replicated by the leader, unlike WAL records, so a
// truncated tail is repaired by a fresh AppendEntries rather than lost
// data). Conflicting entries are removed by truncating the file back
// to the byte offset where they began, then appending the leader's
// version in their place.
type Log struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	entries []Entry
	offsets []int64 // offsets[i] is the byte offset Entries[i] starts at
	tail    int64   // byte offset of the end of the file
}

// OpenLog opens or creates the log file at path and replays every
// entry currently in it.
func OpenLog(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("raft: create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("raft: open log file %s: %w", path, err)
	}

	l := &Log{path: path, file: f}
	if err := l.loadAll(); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) loadAll() error {
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("raft: seek log start: %w", err)
	}

	var offset int64
	for {
		header := make([]byte, entryHeaderSize)
		if _, err := io.ReadFull(l.file, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return fmt.Errorf("raft: read log header: %w", err)
		}
		term := binary.LittleEndian.Uint64(header[0:8])
		index := binary.LittleEndian.Uint64(header[8:16])
		cmdLen := binary.LittleEndian.Uint32(header[16:20])

		cmd := make([]byte, cmdLen)
		if _, err := io.ReadFull(l.file, cmd); err != nil {
			// Truncated tail from a crash mid-append: stop cleanly,
			// discarding the partial entry.
			break
		}

		l.entries = append(l.entries, Entry{Term: term, Index: index, Command: cmd})
		l.offsets = append(l.offsets, offset)
		offset += int64(entryHeaderSize) + int64(cmdLen)
	}
	l.tail = offset
	// Trim the file to the last fully-read entry in case a crash left
	// a torn tail on disk.
	return l.file.Truncate(l.tail)
}

func encodeEntry(e Entry) []byte {
	buf := make([]byte, entryHeaderSize+len(e.Command))
	binary.LittleEndian.PutUint64(buf[0:8], e.Term)
	binary.LittleEndian.PutUint64(buf[8:16], e.Index)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(e.Command)))
	copy(buf[entryHeaderSize:], e.Command)
	return buf
}

// Append writes e at the end of the log and returns once it is durable.
func (l *Log) Append(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(e)
}

func (l *Log) appendLocked(e Entry) error {
	buf := encodeEntry(e)
	if _, err := l.file.WriteAt(buf, l.tail); err != nil {
		return fmt.Errorf("raft: append log entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("raft: sync log: %w", err)
	}
	l.offsets = append(l.offsets, l.tail)
	l.entries = append(l.entries, e)
	l.tail += int64(len(buf))
	return nil
}

// TruncateFrom drops every entry with Index >= index, rewinding the
// file to the byte offset the first dropped entry started at. It is a
// no-op if index is past the end of the log.
func (l *Log) TruncateFrom(index uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos := -1
	for i, e := range l.entries {
		if e.Index >= index {
			pos = i
			break
		}
	}
	if pos < 0 {
		return nil
	}

	offset := l.offsets[pos]
	if err := l.file.Truncate(offset); err != nil {
		return fmt.Errorf("raft: truncate log: %w", err)
	}
	l.entries = l.entries[:pos]
	l.offsets = l.offsets[:pos]
	l.tail = offset
	return nil
}

// AppendAfterConflict truncates any entries from index onward, then
// appends e in their place. Used when a follower's log diverges from
// the leader's at index.
func (l *Log) AppendAfterConflict(index uint64, e Entry) error {
	if err := l.TruncateFrom(index); err != nil {
		return err
	}
	return l.Append(e)
}

// LastIndexTerm returns the index and term of the last entry, or
// (0, 0) if the log is empty.
func (l *Log) LastIndexTerm() (index, term uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return 0, 0
	}
	last := l.entries[len(l.entries)-1]
	return last.Index, last.Term
}

// Get returns the entry at index, if present.
func (l *Log) Get(index uint64) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.Index == index {
			return e, true
		}
	}
	return Entry{}, false
}

// TermAt returns the term stored at index, or 0 if index is not
// present in the log.
func (l *Log) TermAt(index uint64) uint64 {
	e, ok := l.Get(index)
	if !ok {
		return 0
	}
	return e.Term
}

// EntriesFrom returns every entry with Index >= from, in order.
func (l *Log) EntriesFrom(from uint64) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.entries {
		if e.Index >= from {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of entries currently in the log.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
