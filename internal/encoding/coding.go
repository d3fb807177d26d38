// Package encoding provides the binary encoding primitives shared by every
// on-disk and in-memory format in the engine: fixed-width big-endian
// integers, 7-bit continuation varints, and length-prefixed byte strings.
package encoding

import (
	"encoding/binary"
)

// MaxVarint32Length is the maximum number of bytes a varint32 can occupy.
const MaxVarint32Length = 5

// MaxVarint64Length is the maximum number of bytes a varint64 can occupy.
const MaxVarint64Length = 10

// -----------------------------------------------------------------------------
// Fixed-width encoding (big-endian, per the segment file layout in spec §6)
// -----------------------------------------------------------------------------

// AppendFixed32 appends a big-endian uint32 to dst.
func AppendFixed32(dst []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(dst, v)
}

// DecodeFixed32 decodes a big-endian uint32 from src.
func DecodeFixed32(src []byte) uint32 {
	return binary.BigEndian.Uint32(src)
}

// AppendFixed64 appends a big-endian uint64 to dst.
func AppendFixed64(dst []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(dst, v)
}

// DecodeFixed64 decodes a big-endian uint64 from src.
func DecodeFixed64(src []byte) uint64 {
	return binary.BigEndian.Uint64(src)
}

// EncodeFixed64 writes a big-endian uint64 into dst.
// REQUIRES: len(dst) >= 8.
func EncodeFixed64(dst []byte, v uint64) {
	binary.BigEndian.PutUint64(dst, v)
}

// -----------------------------------------------------------------------------
// Variable-length encoding (7-bit payload with MSB continuation)
// -----------------------------------------------------------------------------

// AppendVarint32 appends v as a varint to dst.
func AppendVarint32(dst []byte, v uint32) []byte {
	var buf [MaxVarint32Length]byte
	n := EncodeVarint32(buf[:], v)
	return append(dst, buf[:n]...)
}

// EncodeVarint32 encodes v into dst and returns the number of bytes written.
func EncodeVarint32(dst []byte, v uint32) int {
	i := 0
	for v >= 0x80 {
		dst[i] = byte(v) | 0x80
		v >>= 7
		i++
	}
	dst[i] = byte(v)
	return i + 1
}

// DecodeVarint32 decodes a varint32 from src, returning the value and the
// number of bytes consumed. n == 0 signals a malformed or truncated varint.
func DecodeVarint32(src []byte) (v uint32, n int) {
	for shift := uint(0); shift < 32; shift += 7 {
		if n >= len(src) {
			return 0, 0
		}
		b := src[n]
		n++
		if b < 0x80 {
			v |= uint32(b) << shift
			return v, n
		}
		v |= uint32(b&0x7f) << shift
	}
	return 0, 0
}

// AppendVarint64 appends v as a varint to dst.
func AppendVarint64(dst []byte, v uint64) []byte {
	var buf [MaxVarint64Length]byte
	n := EncodeVarint64(buf[:], v)
	return append(dst, buf[:n]...)
}

// EncodeVarint64 encodes v into dst and returns the number of bytes written.
func EncodeVarint64(dst []byte, v uint64) int {
	i := 0
	for v >= 0x80 {
		dst[i] = byte(v) | 0x80
		v >>= 7
		i++
	}
	dst[i] = byte(v)
	return i + 1
}

// DecodeVarint64 decodes a varint64 from src, returning the value and the
// number of bytes consumed. n == 0 signals a malformed or truncated varint.
func DecodeVarint64(src []byte) (v uint64, n int) {
	for shift := uint(0); shift < 64; shift += 7 {
		if n >= len(src) {
			return 0, 0
		}
		b := src[n]
		n++
		if b < 0x80 {
			v |= uint64(b) << shift
			return v, n
		}
		v |= uint64(b&0x7f) << shift
	}
	return 0, 0
}

// VarintLength returns the number of bytes needed to varint-encode v.
func VarintLength(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// -----------------------------------------------------------------------------
// Length-prefixed byte strings
// -----------------------------------------------------------------------------

// AppendLengthPrefixed appends a varint32-length-prefixed byte string to dst.
func AppendLengthPrefixed(dst []byte, value []byte) []byte {
	dst = AppendVarint32(dst, uint32(len(value)))
	return append(dst, value...)
}

// DecodeLengthPrefixed decodes a length-prefixed byte string from src.
// The returned slice aliases src. n == 0 signals malformed input.
func DecodeLengthPrefixed(src []byte) (value []byte, n int) {
	length, hn := DecodeVarint32(src)
	if hn == 0 || hn+int(length) > len(src) {
		return nil, 0
	}
	return src[hn : hn+int(length)], hn + int(length)
}
