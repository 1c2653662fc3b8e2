// Package filters implements the probabilistic membership filter used by
// SSTables to skip reads for keys that cannot be present.
package filters

import (
	"encoding/binary"
	"fmt"
	"math"

	blake3 "lukechampine.com/blake3"
)

// DefaultFPR is the false-positive rate used when a caller does not
// request a specific one.
const DefaultFPR = 0.01

// BloomFilter is a probabilistic set supporting membership tests with no
// false negatives. Parameters follow the spec directly:
// bits = max(64, 10*expectedKeys), hashes = max(1, ceil(-ln(fp)/ln2)).
type BloomFilter struct {
	bits    []uint64
	numBits uint64
	numHash uint32
}

// NewBloomFilter creates an empty filter sized for expectedKeys entries
// at the given false-positive rate.
func NewBloomFilter(expectedKeys uint64, fp float64) *BloomFilter {
	if fp <= 0 || fp >= 1 {
		fp = DefaultFPR
	}

	m := uint64(10 * expectedKeys)
	if m < 64 {
		m = 64
	}
	m = ((m + 63) / 64) * 64

	k := uint32(math.Ceil(-math.Log(fp) / math.Ln2))
	if k < 1 {
		k = 1
	}

	return &BloomFilter{
		bits:    make([]uint64, m/64),
		numBits: m,
		numHash: k,
	}
}

// Add inserts key into the filter.
func (bf *BloomFilter) Add(key []byte) {
	for i := uint32(0); i < bf.numHash; i++ {
		bf.setBit(bf.hash(key, i))
	}
}

// Contains reports whether key might be in the set. False positives are
// possible; false negatives are not.
func (bf *BloomFilter) Contains(key []byte) bool {
	for i := uint32(0); i < bf.numHash; i++ {
		if !bf.getBit(bf.hash(key, i)) {
			return false
		}
	}
	return true
}

// hash computes the i-th of the filter's k parallel hashes by seeding
// BLAKE3 with the hash index, then folding the digest into a bit
// position. This gives k effectively-independent hashes from one fast
// primitive instead of double-hashing a weaker function.
func (bf *BloomFilter) hash(key []byte, seed uint32) uint64 {
	h := blake3.New(8, nil)
	var seedBuf [4]byte
	binary.LittleEndian.PutUint32(seedBuf[:], seed)
	h.Write(seedBuf[:])
	h.Write(key)
	sum := h.Sum(nil)
	return binary.LittleEndian.Uint64(sum) % bf.numBits
}

func (bf *BloomFilter) setBit(pos uint64) {
	bf.bits[pos/64] |= uint64(1) << (pos % 64)
}

func (bf *BloomFilter) getBit(pos uint64) bool {
	return bf.bits[pos/64]&(uint64(1)<<(pos%64)) != 0
}

// NumHashes returns k, the number of hash functions used.
func (bf *BloomFilter) NumHashes() uint32 { return bf.numHash }

// NumBits returns m, the size of the bit array.
func (bf *BloomFilter) NumBits() uint64 { return bf.numBits }

// Marshal encodes the filter as the spec's MetaBlock:
// [NumHashes:4][NumBytes:4][Bits...].
func (bf *BloomFilter) Marshal() []byte {
	numBytes := uint32(len(bf.bits) * 8)
	buf := make([]byte, 8+numBytes)
	binary.LittleEndian.PutUint32(buf[0:4], bf.numHash)
	binary.LittleEndian.PutUint32(buf[4:8], numBytes)
	for i, word := range bf.bits {
		binary.LittleEndian.PutUint64(buf[8+i*8:], word)
	}
	return buf
}

// Unmarshal decodes a filter previously produced by Marshal.
func Unmarshal(data []byte) (*BloomFilter, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("bloom filter block too short: %d bytes", len(data))
	}
	numHash := binary.LittleEndian.Uint32(data[0:4])
	numBytes := binary.LittleEndian.Uint32(data[4:8])
	if uint32(len(data)-8) < numBytes {
		return nil, fmt.Errorf("bloom filter block truncated: want %d bytes, have %d", numBytes, len(data)-8)
	}

	numWords := numBytes / 8
	bits := make([]uint64, numWords)
	for i := range bits {
		bits[i] = binary.LittleEndian.Uint64(data[8+i*8:])
	}

	return &BloomFilter{
		bits:    bits,
		numBits: uint64(numBytes) * 8,
		numHash: numHash,
	}, nil
}
