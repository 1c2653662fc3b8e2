package wal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cvdpl/respkv/internal/common"
)

// Writer appends framed records to a single append-only file. A Writer
// owns exactly one underlying *os.File for its lifetime; rotation is the
// LSM engine's responsibility (close the old writer, rename its file,
// open a fresh one).
type Writer struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	writer *bufio.Writer
	logger common.Logger
}

// Open opens path in append mode, creating it and its parent directory
// if necessary.
func Open(path string, logger common.Logger) (*Writer, error) {
	if logger == nil {
		logger = common.NewNullLogger()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create wal directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open wal file %s: %w", path, err)
	}

	return &Writer{
		path:   path,
		file:   f,
		writer: bufio.NewWriterSize(f, 64*1024),
		logger: logger,
	}, nil
}

// Path returns the file path this writer appends to.
func (w *Writer) Path() string { return w.path }

// Append serializes and writes one record, framed with its CRC and
// length, as a single sequential write so concurrent appenders never
// interleave their frames. It does not fsync; call Sync for durability.
func (w *Writer) Append(r Record) error {
	frame := encode(r)

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.writer.Write(frame); err != nil {
		return fmt.Errorf("append wal record: %w", err)
	}
	return nil
}

// AppendBatch writes every record in order under one lock acquisition,
// then flushes the buffer to the file once at the end. It does not
// fsync; call Sync for durability.
func (w *Writer) AppendBatch(records []Record) error {
	if len(records) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, r := range records {
		frame := encode(r)
		if _, err := w.writer.Write(frame); err != nil {
			return fmt.Errorf("append wal batch record: %w", err)
		}
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("flush wal batch: %w", err)
	}
	return nil
}

// Sync flushes the buffered writer and fsyncs the underlying file.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("flush wal buffer: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync wal file: %w", err)
	}
	return nil
}

// Close flushes, syncs and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		w.file.Close()
		return fmt.Errorf("flush wal buffer on close: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("sync wal file on close: %w", err)
	}
	return w.file.Close()
}
