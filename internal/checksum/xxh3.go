package checksum

import "github.com/zeebo/xxh3"

// Hash64 returns the XXH3 64-bit hash of data. Used by the bloom filter to
// derive independent probe bits from a single hash (double hashing).
func Hash64(data []byte) uint64 {
	return xxh3.Hash(data)
}
