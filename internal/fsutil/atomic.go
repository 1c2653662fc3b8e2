// Package fsutil provides small filesystem helpers shared by the WAL,
// SSTable and LSM engine code: atomic file replacement, directory fsync,
// checksums, and read-only mmap access to immutable files.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// AtomicFile buffers writes to a temp file and only becomes visible at
// its final path on Commit, via fsync+rename+directory fsync. Used for
// anything that must never be observed half-written after a crash.
type AtomicFile struct {
	path     string
	tempPath string
	file     *os.File
	mu       sync.Mutex
}

// NewAtomicFile opens a temp file alongside path for buffered writes.
func NewAtomicFile(path string) (*AtomicFile, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	tempPath := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}

	return &AtomicFile{path: path, tempPath: tempPath, file: file}, nil
}

// Write appends to the temp file.
func (af *AtomicFile) Write(p []byte) (int, error) {
	af.mu.Lock()
	defer af.mu.Unlock()

	if af.file == nil {
		return 0, fmt.Errorf("file is closed")
	}
	return af.file.Write(p)
}

// Commit syncs the temp file, renames it onto path, then syncs the
// containing directory so the rename itself survives a crash.
func (af *AtomicFile) Commit() error {
	af.mu.Lock()
	defer af.mu.Unlock()

	if af.file == nil {
		return fmt.Errorf("file is closed")
	}
	if err := af.file.Sync(); err != nil {
		return fmt.Errorf("sync file: %w", err)
	}
	if err := af.file.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	af.file = nil

	if err := os.Rename(af.tempPath, af.path); err != nil {
		return fmt.Errorf("rename file: %w", err)
	}
	if err := SyncDir(filepath.Dir(af.path)); err != nil {
		return fmt.Errorf("sync directory: %w", err)
	}
	return nil
}

// Close discards the temp file without publishing it.
func (af *AtomicFile) Close() error {
	af.mu.Lock()
	defer af.mu.Unlock()

	if af.file != nil {
		af.file.Close()
		os.Remove(af.tempPath)
		af.file = nil
	}
	return nil
}

// SyncDir fsyncs a directory so prior renames/creates within it are durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// FileExists reports whether path names a regular, readable file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// DirExists reports whether path names a directory.
func DirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// EnsureDir creates path (and parents) if it does not already exist.
func EnsureDir(path string) error {
	if DirExists(path) {
		return nil
	}
	return os.MkdirAll(path, 0755)
}

// QuarantineFile renames a corrupted file out of the way so a later tool
// can inspect it instead of it being mistaken for a live SSTable.
func QuarantineFile(path string) error {
	return os.Rename(path, path+".corrupt")
}
