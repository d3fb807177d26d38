package block

import (
	"fmt"

	"github.com/carlsverre/lsm-tree/internal/checksum"
	"github.com/carlsverre/lsm-tree/internal/compression"
	"github.com/carlsverre/lsm-tree/internal/encoding"
	"github.com/carlsverre/lsm-tree/internal/ikey"
)

// RestartInterval is the number of records between restart points. A smaller
// interval speeds up binary search at the cost of a larger restart array.
const RestartInterval = 16

// Builder accumulates sorted (InternalKey, UserValue) records into the
// uncompressed payload of a single data block (spec §6 "Block layout").
type Builder struct {
	payload  []byte
	restarts []uint32
	count    int
}

// NewBuilder returns an empty block builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Add appends one record. Entries must be added in internal-key order.
func (b *Builder) Add(key ikey.Key, value []byte) {
	if b.count%RestartInterval == 0 {
		b.restarts = append(b.restarts, uint32(len(b.payload)))
	}
	b.payload = encoding.AppendLengthPrefixed(b.payload, key)
	b.payload = encoding.AppendLengthPrefixed(b.payload, value)
	b.count++
}

// Count returns the number of records added so far.
func (b *Builder) Count() int {
	return b.count
}

// UncompressedSize returns the current size of the payload plus trailing
// restart array, used by the segment writer to decide when a block is full.
func (b *Builder) UncompressedSize() int {
	return len(b.payload) + 4*len(b.restarts) + 4
}

// rawPayload serializes the records followed by the restart-point array and
// restart count, matching spec §6: "restart-point array at the end".
func (b *Builder) rawPayload() []byte {
	out := make([]byte, 0, b.UncompressedSize())
	out = append(out, b.payload...)
	for _, r := range b.restarts {
		out = encoding.AppendFixed32(out, r)
	}
	out = encoding.AppendFixed32(out, uint32(len(b.restarts)))
	return out
}

// Finish compresses the accumulated block and wraps it in the on-disk frame:
// uncompressed-size u32, compressed-size u32, compressed payload, checksum
// u32 (spec §6 "Block layout").
func (b *Builder) Finish(kind compression.Kind) ([]byte, error) {
	raw := b.rawPayload()
	compressed, err := compression.Encode(kind, raw)
	if err != nil {
		return nil, fmt.Errorf("block: compress: %w", err)
	}
	out := make([]byte, 0, 8+len(compressed)+4)
	out = encoding.AppendFixed32(out, uint32(len(raw)))
	out = encoding.AppendFixed32(out, uint32(len(compressed)))
	out = append(out, compressed...)
	out = encoding.AppendFixed32(out, checksum.Value(compressed))
	return out, nil
}

// Reset clears the builder so it can be reused for the next block.
func (b *Builder) Reset() {
	b.payload = b.payload[:0]
	b.restarts = b.restarts[:0]
	b.count = 0
}

// Record is one decoded (key, value) pair within a block.
type Record struct {
	Key   ikey.Key
	Value []byte
}

// Reader provides random access into a decoded block payload.
type Reader struct {
	payload  []byte // records section only, restart array stripped
	restarts []uint32
}

// ParseFrame splits a raw on-disk block frame (as written by Finish) into
// its decompressed payload, verifying the checksum along the way.
func ParseFrame(frame []byte, kind compression.Kind) ([]byte, error) {
	if len(frame) < 12 {
		return nil, fmt.Errorf("block: frame too short (%d bytes)", len(frame))
	}
	uncompressedSize := encoding.DecodeFixed32(frame[0:4])
	compressedSize := encoding.DecodeFixed32(frame[4:8])
	start := 8
	end := start + int(compressedSize)
	if end+4 > len(frame) {
		return nil, fmt.Errorf("block: frame truncated")
	}
	compressed := frame[start:end]
	want := encoding.DecodeFixed32(frame[end : end+4])
	if !checksum.Verify(compressed, want) {
		return nil, fmt.Errorf("block: checksum mismatch")
	}
	// Encode stores a payload verbatim (and the sizes come out equal)
	// whenever the codec reports the input as incompressible; decode must
	// recognize that case rather than hand raw bytes to the codec.
	if compressedSize == uncompressedSize {
		return compressed, nil
	}
	raw, err := compression.Decode(kind, compressed, int(uncompressedSize))
	if err != nil {
		return nil, fmt.Errorf("block: decompress: %w", err)
	}
	return raw, nil
}

// NewReader parses a decompressed block payload (records + restart array).
func NewReader(raw []byte) (*Reader, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("block: payload too short")
	}
	numRestarts := encoding.DecodeFixed32(raw[len(raw)-4:])
	restartsStart := len(raw) - 4 - int(numRestarts)*4
	if restartsStart < 0 {
		return nil, fmt.Errorf("block: corrupt restart array")
	}
	restarts := make([]uint32, numRestarts)
	for i := range restarts {
		off := restartsStart + i*4
		restarts[i] = encoding.DecodeFixed32(raw[off : off+4])
	}
	return &Reader{payload: raw[:restartsStart], restarts: restarts}, nil
}

// decodeAt parses one record starting at byte offset off within the payload,
// returning the record and the offset immediately following it.
func (r *Reader) decodeAt(off int) (Record, int, error) {
	key, n1 := encoding.DecodeLengthPrefixed(r.payload[off:])
	if n1 == 0 {
		return Record{}, 0, fmt.Errorf("block: corrupt record at offset %d", off)
	}
	value, n2 := encoding.DecodeLengthPrefixed(r.payload[off+n1:])
	if n2 == 0 {
		return Record{}, 0, fmt.Errorf("block: corrupt record at offset %d", off)
	}
	return Record{Key: ikey.Key(key), Value: value}, off + n1 + n2, nil
}

// All decodes every record in the block, in order. Used by the segment
// reader's full-block scan and by range/prefix iteration.
func (r *Reader) All() ([]Record, error) {
	var out []Record
	off := 0
	for off < len(r.payload) {
		rec, next, err := r.decodeAt(off)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
		off = next
	}
	return out, nil
}

// Seek returns the index (into the slice returned by All) of the first
// record whose key is >= target in internal-key order, using the restart
// array to binary-search before falling back to a linear scan within the
// selected restart range. ok is false if every record in the block sorts
// before target.
func (r *Reader) Seek(target ikey.Key) (records []Record, index int, ok bool, err error) {
	records, err = r.All()
	if err != nil {
		return nil, 0, false, err
	}
	lo, hi := 0, len(r.restarts)-1
	// Binary search over restart points to find the last restart whose key
	// is <= target; this bounds the subsequent linear scan.
	restartRecordIndex := func(ri int) int {
		off := int(r.restarts[ri])
		count := 0
		cursor := 0
		for cursor < off {
			_, next, derr := r.decodeAt(cursor)
			if derr != nil {
				break
			}
			cursor = next
			count++
		}
		return count
	}
	best := 0
	for lo <= hi {
		mid := (lo + hi) / 2
		idx := restartRecordIndex(mid)
		if idx >= len(records) {
			hi = mid - 1
			continue
		}
		if ikey.Compare(records[idx].Key, target) <= 0 {
			best = idx
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	for i := best; i < len(records); i++ {
		if ikey.Compare(records[i].Key, target) >= 0 {
			return records, i, true, nil
		}
	}
	return records, len(records), false, nil
}
