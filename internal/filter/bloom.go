// Package filter implements an optional per-segment bloom filter over user
// keys (spec §1: "bloom filter construction, treated as a probabilistic set
// of keys"). Construction uses XXH3 for speed and double-hashing (Kirsch-
// Mitzenmacher) to derive each of the k probe positions from one 64-bit
// hash rather than computing k independent hashes.
package filter

import (
	"math"

	"github.com/carlsverre/lsm-tree/internal/checksum"
)

// Filter is a constructed, read-only bloom filter.
type Filter struct {
	bits      []byte
	numProbes int
}

// Builder accumulates keys and produces a Filter.
type Builder struct {
	fpRate float64
	hashes []uint64
	seen   map[uint64]struct{}
}

// NewBuilder creates a builder targeting the given false-positive rate
// (e.g. 0.01 for 1%), configurable per spec §4.3/§6 ("bloom_fp_rate").
func NewBuilder(fpRate float64) *Builder {
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}
	return &Builder{fpRate: fpRate, seen: make(map[uint64]struct{})}
}

// Add inserts a user key into the filter under construction. The segment
// writer is responsible for calling this at most once per user key (spec
// §4.3 step 4: "insert each user_key exactly once, first occurrence").
func (b *Builder) Add(userKey []byte) {
	h := checksum.Hash64(userKey)
	if _, ok := b.seen[h]; ok {
		return
	}
	b.seen[h] = struct{}{}
	b.hashes = append(b.hashes, h)
}

// Len returns the number of distinct keys added so far.
func (b *Builder) Len() int {
	return len(b.hashes)
}

// numBitsAndProbes computes the bit-array size and probe count for n keys
// at the target false-positive rate, per the standard bloom filter formulas.
func numBitsAndProbes(n int, fpRate float64) (numBits int, numProbes int) {
	if n == 0 {
		return 8, 1
	}
	m := math.Ceil(-float64(n) * math.Log(fpRate) / (math.Ln2 * math.Ln2))
	numBits = int(m)
	if numBits < 8 {
		numBits = 8
	}
	k := int(math.Round((float64(numBits) / float64(n)) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}
	return numBits, k
}

// Finish builds the immutable Filter from the accumulated keys.
func (b *Builder) Finish() *Filter {
	numBits, numProbes := numBitsAndProbes(len(b.hashes), b.fpRate)
	f := &Filter{
		bits:      make([]byte, (numBits+7)/8),
		numProbes: numProbes,
	}
	nbits := uint64(len(f.bits) * 8)
	for _, h := range b.hashes {
		f.insert(h, nbits)
	}
	return f
}

// probeBit derives probe i's bit position from a single 64-bit hash,
// avoiding k independent hash computations (Kirsch-Mitzenmacher).
func probeBit(h uint64, i int, nbits uint64) uint64 {
	h1 := h
	h2 := h>>32 | h<<32
	return (h1 + uint64(i)*h2) % nbits
}

func (f *Filter) insert(h uint64, nbits uint64) {
	for i := 0; i < f.numProbes; i++ {
		bit := probeBit(h, i, nbits)
		f.bits[bit/8] |= 1 << (bit % 8)
	}
}

// MayContain reports whether userKey might be present. False means
// definitely absent; true means possibly present (spec §4.4 step 1).
func (f *Filter) MayContain(userKey []byte) bool {
	if f == nil || len(f.bits) == 0 {
		return true
	}
	nbits := uint64(len(f.bits) * 8)
	h := checksum.Hash64(userKey)
	for i := 0; i < f.numProbes; i++ {
		bit := probeBit(h, i, nbits)
		if f.bits[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}

// Bytes returns the on-disk encoding of the filter: num_probes (1 byte),
// then the bit array.
func (f *Filter) Bytes() []byte {
	out := make([]byte, 0, len(f.bits)+1)
	out = append(out, byte(f.numProbes))
	out = append(out, f.bits...)
	return out
}

// Decode parses a filter previously produced by Bytes.
func Decode(data []byte) *Filter {
	if len(data) < 1 {
		return &Filter{bits: nil, numProbes: 1}
	}
	return &Filter{numProbes: int(data[0]), bits: data[1:]}
}
