// Package wal implements the write-ahead log: an append-only framed
// record log with a CRC, recoverable by replay after a crash.
//
// Frame layout (all integers little-endian):
//
//	[CRC32:4][Length:4][Payload:Length]
//	Payload = [Type:1][Sequence:8][KeyLen:4][Key][ValLen:4][Value]
//
// The CRC covers the payload only. Types are Put (0x01) and Delete
// (0x02); deletes omit the value (ValLen=0).
package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/cvdpl/respkv/internal/common"
	"github.com/cvdpl/respkv/internal/fsutil"
)

// Record is one logical mutation recovered from or appended to the log.
type Record struct {
	Type     uint8 // common.OpPut or common.OpDelete
	Sequence uint64
	Key      []byte
	Value    []byte // empty for deletes
}

const frameHeaderSize = 8 // CRC32(4) + Length(4)

// encode serializes r's payload and frames it with a CRC and length
// prefix. Returned slice is ready to write to the log file as-is.
func encode(r Record) []byte {
	payloadLen := 1 + 8 + 4 + len(r.Key) + 4 + len(r.Value)
	payload := make([]byte, payloadLen)

	off := 0
	payload[off] = r.Type
	off++
	binary.LittleEndian.PutUint64(payload[off:], r.Sequence)
	off += 8
	binary.LittleEndian.PutUint32(payload[off:], uint32(len(r.Key)))
	off += 4
	copy(payload[off:], r.Key)
	off += len(r.Key)
	binary.LittleEndian.PutUint32(payload[off:], uint32(len(r.Value)))
	off += 4
	copy(payload[off:], r.Value)

	frame := make([]byte, frameHeaderSize+len(payload))
	crc := fsutil.ChecksumCRC32C(payload)
	binary.LittleEndian.PutUint32(frame[0:4], crc)
	binary.LittleEndian.PutUint32(frame[4:8], uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)
	return frame
}

// decode parses one payload (CRC already verified by the caller) into a
// Record.
func decode(payload []byte) (Record, error) {
	if len(payload) < 1+8+4 {
		return Record{}, fmt.Errorf("%w: payload too short", common.ErrCorrupt)
	}

	off := 0
	typ := payload[off]
	off++
	seq := binary.LittleEndian.Uint64(payload[off:])
	off += 8
	keyLen := binary.LittleEndian.Uint32(payload[off:])
	off += 4
	if uint32(len(payload)-off) < keyLen {
		return Record{}, fmt.Errorf("%w: key truncated", common.ErrCorrupt)
	}
	key := payload[off : off+int(keyLen)]
	off += int(keyLen)

	if len(payload)-off < 4 {
		return Record{}, fmt.Errorf("%w: missing value length", common.ErrCorrupt)
	}
	valLen := binary.LittleEndian.Uint32(payload[off:])
	off += 4
	if uint32(len(payload)-off) < valLen {
		return Record{}, fmt.Errorf("%w: value truncated", common.ErrCorrupt)
	}
	value := payload[off : off+int(valLen)]

	keyCopy := make([]byte, len(key))
	copy(keyCopy, key)
	valCopy := make([]byte, len(value))
	copy(valCopy, value)

	return Record{Type: typ, Sequence: seq, Key: keyCopy, Value: valCopy}, nil
}
