// Package compression provides the pluggable byte-transform codecs used to
// compress segment data blocks (spec §1: "block-compression codecs, treated
// as pluggable byte transforms"). Blocks carry no per-block kind tag: a
// segment records its codec once, in its trailer metadata, and a block whose
// stored size equals its uncompressed size is read back as passed-through.
package compression

import (
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Kind identifies a block compression codec. The on-disk tag byte MUST NOT
// change for a given Kind once segments using it exist.
type Kind uint8

const (
	None Kind = iota
	Snappy
	LZ4
	Zstd
)

func (k Kind) String() string {
	switch k {
	case None:
		return "None"
	case Snappy:
		return "Snappy"
	case LZ4:
		return "LZ4"
	case Zstd:
		return "Zstd"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(k))
	}
}

// Encode compresses src using kind.
func Encode(kind Kind, src []byte) ([]byte, error) {
	switch kind {
	case None:
		return src, nil
	case Snappy:
		return snappy.Encode(nil, src), nil
	case LZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(src)))
		var ht [1 << 16]int
		n, err := lz4.CompressBlock(src, dst, ht[:])
		if err != nil {
			return nil, fmt.Errorf("compression: lz4 encode: %w", err)
		}
		if n == 0 {
			// Incompressible: lz4 signals this by writing nothing. Fall
			// back to storing the block uncompressed rather than failing
			// the whole segment write.
			return src, nil
		}
		return dst[:n], nil
	case Zstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("compression: zstd encoder: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(src, nil), nil
	default:
		return nil, fmt.Errorf("compression: unsupported kind %s", kind)
	}
}

// Decode decompresses src, which was produced by Encode with the same kind.
// uncompressedSize must be the exact original length for LZ4 (the raw block
// format carries no length of its own).
func Decode(kind Kind, src []byte, uncompressedSize int) ([]byte, error) {
	switch kind {
	case None:
		return src, nil
	case Snappy:
		return snappy.Decode(nil, src)
	case LZ4:
		dst := make([]byte, uncompressedSize)
		n, err := lz4.UncompressBlock(src, dst)
		if err != nil {
			return nil, fmt.Errorf("compression: lz4 decode: %w", err)
		}
		return dst[:n], nil
	case Zstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("compression: zstd decoder: %w", err)
		}
		defer dec.Close()
		return dec.DecodeAll(src, make([]byte, 0, uncompressedSize))
	default:
		return nil, fmt.Errorf("compression: unsupported kind %s", kind)
	}
}
