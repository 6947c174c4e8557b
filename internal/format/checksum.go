// Package format provides binary encoding/decoding for txqueue file formats.
//
// This package implements:
//   - Data records: length-prefixed queue items with CRC32C checksums
//   - Control files: read/write positions of a dual-file store, replaced atomically
//   - Journal entries: transaction log records used for crash recovery
//   - Checksum utilities: CRC32C (Castagnoli) computation and verification
package format

import "hash/crc32"

// CRC32C table using Castagnoli polynomial.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// ComputeCRC32C computes a CRC32C checksum over the concatenation of parts.
func ComputeCRC32C(parts ...[]byte) uint32 {
	var crc uint32
	for _, p := range parts {
		crc = crc32.Update(crc, crc32cTable, p)
	}
	return crc
}

// VerifyCRC32C verifies that the computed CRC matches the expected value.
func VerifyCRC32C(data []byte, expected uint32) bool {
	return ComputeCRC32C(data) == expected
}
