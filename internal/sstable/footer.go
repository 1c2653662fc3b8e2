package sstable

import (
	"encoding/binary"
	"fmt"

	"github.com/cvdpl/respkv/internal/common"
)

// Handle locates a block within an SSTable file.
type Handle struct {
	Offset uint64
	Size   uint64
}

func (h Handle) encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], h.Offset)
	binary.LittleEndian.PutUint64(buf[8:16], h.Size)
}

func decodeHandle(buf []byte) Handle {
	return Handle{
		Offset: binary.LittleEndian.Uint64(buf[0:8]),
		Size:   binary.LittleEndian.Uint64(buf[8:16]),
	}
}

const handleSize = 16 // Offset:8 + Size:8

// footerSize is IndexHandle + MetaHandle + NumEntries:8 + Magic:8.
const footerSize = handleSize*2 + 8 + 8

// footer is the fixed-size trailer written at the end of every SSTable,
// sufficient to locate the index and bloom filter blocks by reading only
// the last footerSize bytes of the file.
type footer struct {
	Index      Handle
	Meta       Handle
	NumEntries uint64
}

func (f footer) encode() []byte {
	buf := make([]byte, footerSize)
	f.Index.encode(buf[0:handleSize])
	f.Meta.encode(buf[handleSize : handleSize*2])
	binary.LittleEndian.PutUint64(buf[handleSize*2:handleSize*2+8], f.NumEntries)
	binary.LittleEndian.PutUint64(buf[handleSize*2+8:], common.MagicSSTable)
	return buf
}

func decodeFooter(buf []byte) (footer, error) {
	if len(buf) != footerSize {
		return footer{}, fmt.Errorf("%w: footer wrong size %d", common.ErrCorrupt, len(buf))
	}
	magic := binary.LittleEndian.Uint64(buf[handleSize*2+8:])
	if magic != common.MagicSSTable {
		return footer{}, fmt.Errorf("%w: bad footer magic", common.ErrInvalidMagic)
	}
	return footer{
		Index:      decodeHandle(buf[0:handleSize]),
		Meta:       decodeHandle(buf[handleSize : handleSize*2]),
		NumEntries: binary.LittleEndian.Uint64(buf[handleSize*2 : handleSize*2+8]),
	}, nil
}
