package fsutil

import "hash/crc32"

// crcTable uses the Castagnoli polynomial, matching the teacher's own
// on-disk checksum choice and the interoperability guidance in the spec.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ChecksumCRC32C computes the CRC32C checksum of data.
func ChecksumCRC32C(data []byte) uint32 {
	return crc32.Checksum(data, crcTable)
}

// VerifyCRC32C reports whether data's checksum matches expected.
func VerifyCRC32C(data []byte, expected uint32) bool {
	return ChecksumCRC32C(data) == expected
}
