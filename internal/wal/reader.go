package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cvdpl/respkv/internal/common"
	"github.com/cvdpl/respkv/internal/fsutil"
)

// Replay reads path from the beginning and calls cb once per record in
// file order, stopping at EOF or at the first malformed frame (CRC
// mismatch, an implausible length, or a short read). A malformed tail is
// the normal signature of a crash mid-write and is not an error: Replay
// returns the count of records successfully applied before it.
//
// If the file does not exist, Replay returns (0, nil): a fresh WAL has
// nothing to recover.
func Replay(path string, cb func(Record) error) (int, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open wal file %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	count := 0

	for {
		header := make([]byte, frameHeaderSize)
		if _, err := io.ReadFull(r, header); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return count, fmt.Errorf("read wal frame header: %w", err)
		}

		crc := binary.LittleEndian.Uint32(header[0:4])
		length := binary.LittleEndian.Uint32(header[4:8])
		if length == 0 || length > common.WALMaxRecordSize {
			// Implausible length: truncated/corrupt tail, stop cleanly.
			break
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			// Short read: truncated tail from a crash mid-append.
			break
		}

		if !fsutil.VerifyCRC32C(payload, crc) {
			break
		}

		rec, err := decode(payload)
		if err != nil {
			break
		}

		if err := cb(rec); err != nil {
			return count, err
		}
		count++
	}

	return count, nil
}
