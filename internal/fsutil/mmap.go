package fsutil

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MappedFile is a read-only mmap of an immutable file, used by the
// SSTable reader to serve data-record reads without a syscall per
// lookup once a table is hot.
type MappedFile struct {
	data []byte
}

// MapFile opens path and maps it read-only, shared.
func MapFile(path string) (*MappedFile, error) {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer unix.Close(fd)

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if stat.Size == 0 {
		return &MappedFile{data: []byte{}}, nil
	}

	data, err := unix.Mmap(fd, 0, int(stat.Size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	_ = unix.Madvise(data, unix.MADV_RANDOM)

	return &MappedFile{data: data}, nil
}

// Data returns the mapped bytes. The slice is only valid until Close.
func (m *MappedFile) Data() []byte { return m.data }

// Close unmaps the file.
func (m *MappedFile) Close() error {
	if len(m.data) == 0 {
		return nil
	}
	return unix.Munmap(m.data)
}
