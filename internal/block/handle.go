// Package block implements the on-disk data block format (spec §6: "Block
// layout"), the top-level index (TLI) that points at blocks, and the
// fixed-size segment trailer.
package block

import "github.com/carlsverre/lsm-tree/internal/encoding"

// Handle points at a byte range within a segment file: a block, the TLI
// itself, the bloom filter, or the range-tombstone table.
type Handle struct {
	Offset uint64
	Size   uint64
}

// AppendTo varint-encodes h onto dst. Handles are embedded inside the TLI,
// which is itself block-formatted, so they use the compact varint encoding
// rather than the trailer's fixed-width fields.
func (h Handle) AppendTo(dst []byte) []byte {
	dst = encoding.AppendVarint64(dst, h.Offset)
	dst = encoding.AppendVarint64(dst, h.Size)
	return dst
}

// DecodeHandle reads a Handle previously written by AppendTo.
func DecodeHandle(src []byte) (h Handle, n int) {
	off, n1 := encoding.DecodeVarint64(src)
	if n1 == 0 {
		return Handle{}, 0
	}
	size, n2 := encoding.DecodeVarint64(src[n1:])
	if n2 == 0 {
		return Handle{}, 0
	}
	return Handle{Offset: off, Size: size}, n1 + n2
}
