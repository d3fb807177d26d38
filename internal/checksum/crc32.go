// Package checksum provides the checksum used to guard each on-disk block
// against corruption (spec §6: "checksum u32 (CRC32)"), plus the XXH3 hash
// used by the bloom filter.
package checksum

import "hash/crc32"

var table = crc32.MakeTable(crc32.Castagnoli)

// Value computes the CRC32C (Castagnoli) checksum of data.
func Value(data []byte) uint32 {
	return crc32.Checksum(data, table)
}

// Verify reports whether data's checksum matches want.
func Verify(data []byte, want uint32) bool {
	return Value(data) == want
}
