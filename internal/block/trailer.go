package block

import (
	"fmt"

	"github.com/carlsverre/lsm-tree/internal/compression"
	"github.com/carlsverre/lsm-tree/internal/encoding"
)

// TrailerSize is the fixed footer length at the end of every segment file
// (spec §6: "256-byte trailer ending in magic LSMTTRL1").
const TrailerSize = 256

// Magic is the 8-byte trailer terminator. Any segment not ending in these
// bytes is corrupt or truncated.
var Magic = [8]byte{'L', 'S', 'M', 'T', 'T', 'R', 'L', '1'}

// Metadata mirrors spec §3 "Segment... Metadata": the descriptive fields a
// reader needs without touching the data blocks themselves.
type Metadata struct {
	ItemCount        uint64
	TombstoneCount   uint64
	KeyCount         uint64
	MinKey           []byte
	MaxKey           []byte
	MinSeqNo         uint64
	MaxSeqNo         uint64
	FileSize         uint64
	UncompressedSize uint64
	Compression      compression.Kind
	CreatedAtMicros  uint64
	BlockSize        uint32
	BlockCount       uint64
}

// Trailer is the fixed-size segment footer: metadata plus the four pointers
// spec §6 names (index_block_ptr, tli_ptr, bloom_ptr, range_tombstone_ptr).
type Trailer struct {
	Meta               Metadata
	IndexBlockPtr      Handle
	TLIPtr             Handle
	BloomPtr           Handle // Size == 0 means "absent"
	RangeTombstonePtr  Handle // Size == 0 means "absent"
}

// Encode serializes t into a buffer of exactly TrailerSize bytes.
func (t Trailer) Encode() ([]byte, error) {
	if len(t.Meta.MinKey) > 1<<16 || len(t.Meta.MaxKey) > 1<<16 {
		return nil, fmt.Errorf("block: trailer key too large to encode")
	}
	var body []byte
	body = encoding.AppendFixed64(body, t.Meta.ItemCount)
	body = encoding.AppendFixed64(body, t.Meta.TombstoneCount)
	body = encoding.AppendFixed64(body, t.Meta.KeyCount)
	body = encoding.AppendLengthPrefixed(body, t.Meta.MinKey)
	body = encoding.AppendLengthPrefixed(body, t.Meta.MaxKey)
	body = encoding.AppendFixed64(body, t.Meta.MinSeqNo)
	body = encoding.AppendFixed64(body, t.Meta.MaxSeqNo)
	body = encoding.AppendFixed64(body, t.Meta.FileSize)
	body = encoding.AppendFixed64(body, t.Meta.UncompressedSize)
	body = append(body, byte(t.Meta.Compression))
	body = encoding.AppendFixed64(body, t.Meta.CreatedAtMicros)
	body = encoding.AppendFixed32(body, t.Meta.BlockSize)
	body = encoding.AppendFixed64(body, t.Meta.BlockCount)

	if len(body) > TrailerSize-8-4*16 {
		return nil, fmt.Errorf("block: trailer metadata too large (%d bytes)", len(body))
	}

	out := make([]byte, TrailerSize)
	copy(out, body)

	// Four big-endian u64 offset-pairs occupy the tail before the magic,
	// per spec §6: "four big-endian u64 offsets". Each pointer needs both
	// an offset and a size, so each "offset" slot is itself two u64s.
	ptrs := out[TrailerSize-8-8*8 : TrailerSize-8]
	writeHandle := func(dst []byte, h Handle) {
		encoding.EncodeFixed64(dst[0:8], h.Offset)
		encoding.EncodeFixed64(dst[8:16], h.Size)
	}
	writeHandle(ptrs[0:16], t.IndexBlockPtr)
	writeHandle(ptrs[16:32], t.TLIPtr)
	writeHandle(ptrs[32:48], t.BloomPtr)
	writeHandle(ptrs[48:64], t.RangeTombstonePtr)

	copy(out[TrailerSize-8:], Magic[:])
	return out, nil
}

// DecodeTrailer parses a TrailerSize-byte buffer produced by Encode.
func DecodeTrailer(buf []byte) (Trailer, error) {
	if len(buf) != TrailerSize {
		return Trailer{}, fmt.Errorf("block: trailer must be %d bytes, got %d", TrailerSize, len(buf))
	}
	for i, b := range Magic {
		if buf[TrailerSize-8+i] != b {
			return Trailer{}, fmt.Errorf("block: invalid trailer magic")
		}
	}

	var t Trailer
	body := buf
	off := 0
	readFixed64 := func() uint64 {
		v := encoding.DecodeFixed64(body[off:])
		off += 8
		return v
	}
	t.Meta.ItemCount = readFixed64()
	t.Meta.TombstoneCount = readFixed64()
	t.Meta.KeyCount = readFixed64()

	minKey, n := encoding.DecodeLengthPrefixed(body[off:])
	if n == 0 {
		return Trailer{}, fmt.Errorf("block: invalid trailer (min_key)")
	}
	t.Meta.MinKey = append([]byte(nil), minKey...)
	off += n

	maxKey, n := encoding.DecodeLengthPrefixed(body[off:])
	if n == 0 {
		return Trailer{}, fmt.Errorf("block: invalid trailer (max_key)")
	}
	t.Meta.MaxKey = append([]byte(nil), maxKey...)
	off += n

	t.Meta.MinSeqNo = readFixed64()
	t.Meta.MaxSeqNo = readFixed64()
	t.Meta.FileSize = readFixed64()
	t.Meta.UncompressedSize = readFixed64()
	t.Meta.Compression = compression.Kind(body[off])
	off++
	t.Meta.CreatedAtMicros = readFixed64()
	t.Meta.BlockSize = encoding.DecodeFixed32(body[off:])
	off += 4
	t.Meta.BlockCount = readFixed64()

	ptrs := buf[TrailerSize-8-8*8 : TrailerSize-8]
	readHandle := func(src []byte) Handle {
		return Handle{Offset: encoding.DecodeFixed64(src[0:8]), Size: encoding.DecodeFixed64(src[8:16])}
	}
	t.IndexBlockPtr = readHandle(ptrs[0:16])
	t.TLIPtr = readHandle(ptrs[16:32])
	t.BloomPtr = readHandle(ptrs[32:48])
	t.RangeTombstonePtr = readHandle(ptrs[48:64])

	return t, nil
}
