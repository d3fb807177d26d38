// Package wal implements the write-ahead log the tree facade appends every
// insert/remove to before acknowledging it, replayed on open to recover
// entries that never made it into a flushed segment (SPEC_FULL.md AMBIENT
// STACK: "Durability via WAL"). The on-disk format is block-structured with
// record fragmentation, grounded on the teacher's internal/wal package:
// 32 KiB blocks, a 7-byte record header (CRC32 + length + type), and
// First/Middle/Last fragmentation for records spanning block boundaries.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// BlockSize is the size of each physical block in the log file. Records are
// packed into blocks; a record that does not fit in the remainder of the
// current block is fragmented across block boundaries.
const BlockSize = 32 * 1024

// HeaderSize is the size of a physical record header: checksum(4) + length(2)
// + type(1).
const HeaderSize = 7

// RecordType tags one physical fragment of a logical record.
type RecordType uint8

const (
	// ZeroType marks unwritten, zero-padded trailing bytes of a block.
	ZeroType RecordType = 0
	// FullType is a complete logical record within one fragment.
	FullType RecordType = 1
	// FirstType is the first fragment of a logical record spanning blocks.
	FirstType RecordType = 2
	// MiddleType is a middle fragment.
	MiddleType RecordType = 3
	// LastType is the final fragment.
	LastType RecordType = 4
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// WritableFile is the subset of *os.File the writer needs.
type WritableFile interface {
	io.Writer
	Sync() error
	Close() error
}

// Writer appends logical records to a log file, fragmenting as needed so
// that no physical record crosses outside the bounds of a BlockSize block.
type Writer struct {
	file      WritableFile
	blockOff  int // bytes written into the current block
}

// NewWriter wraps an already-open, empty file for appending.
func NewWriter(file WritableFile) *Writer {
	return &Writer{file: file}
}

// Append writes one logical record, fragmenting it across blocks as
// necessary, and fsyncs before returning so the record is durable once
// Append returns (the tree facade relies on this for "insert acknowledged
// only after WAL append").
func (w *Writer) Append(payload []byte) error {
	first := true
	for {
		leftover := BlockSize - w.blockOff
		if leftover < HeaderSize {
			if err := w.padBlock(leftover); err != nil {
				return err
			}
			leftover = BlockSize
		}

		available := leftover - HeaderSize
		fragment := payload
		var rtype RecordType
		switch {
		case len(payload) <= available && first:
			rtype = FullType
		case first:
			rtype = FirstType
			fragment = payload[:available]
		case len(payload) <= available:
			rtype = LastType
		default:
			rtype = MiddleType
			fragment = payload[:available]
		}

		if err := w.writeFragment(rtype, fragment); err != nil {
			return err
		}
		payload = payload[len(fragment):]
		first = false
		if len(payload) == 0 {
			break
		}
	}
	return w.file.Sync()
}

func (w *Writer) padBlock(n int) error {
	if n <= 0 {
		return nil
	}
	if _, err := w.file.Write(make([]byte, n)); err != nil {
		return fmt.Errorf("wal: pad block: %w", err)
	}
	w.blockOff = 0
	return nil
}

func (w *Writer) writeFragment(rtype RecordType, data []byte) error {
	var hdr [HeaderSize]byte
	crc := crc32.Checksum(append([]byte{byte(rtype)}, data...), crcTable)
	binary.BigEndian.PutUint32(hdr[0:4], crc)
	binary.BigEndian.PutUint16(hdr[4:6], uint16(len(data)))
	hdr[6] = byte(rtype)
	if _, err := w.file.Write(hdr[:]); err != nil {
		return fmt.Errorf("wal: write header: %w", err)
	}
	if _, err := w.file.Write(data); err != nil {
		return fmt.Errorf("wal: write payload: %w", err)
	}
	w.blockOff += HeaderSize + len(data)
	if w.blockOff == BlockSize {
		w.blockOff = 0
	}
	return nil
}

// Close closes the underlying file.
func (w *Writer) Close() error { return w.file.Close() }

// Reader replays logical records from a log file written by Writer.
type Reader struct {
	src      io.Reader
	buf      []byte
	inBlock  []byte
}

// NewReader wraps src for sequential replay.
func NewReader(src io.Reader) *Reader {
	return &Reader{src: src}
}

// Next returns the next logical record, or io.EOF when the log is exhausted.
// A truncated final record (the tail end of an unflushed append during a
// crash) is reported via ErrTruncated rather than propagated as EOF, so
// callers can choose to ignore it during recovery.
func (r *Reader) Next() ([]byte, error) {
	var record []byte
	for {
		if len(r.inBlock) < HeaderSize {
			block := make([]byte, BlockSize)
			n, err := io.ReadFull(r.src, block)
			if n == 0 {
				if err == io.EOF {
					if record != nil {
						return nil, ErrTruncated
					}
					return nil, io.EOF
				}
				return nil, err
			}
			r.inBlock = block[:n]
		}
		if len(r.inBlock) < HeaderSize {
			if record != nil {
				return nil, ErrTruncated
			}
			return nil, io.EOF
		}
		crc := binary.BigEndian.Uint32(r.inBlock[0:4])
		length := binary.BigEndian.Uint16(r.inBlock[4:6])
		rtype := RecordType(r.inBlock[6])
		if rtype == ZeroType {
			r.inBlock = nil
			continue
		}
		end := HeaderSize + int(length)
		if end > len(r.inBlock) {
			if record != nil {
				return nil, ErrTruncated
			}
			return nil, ErrTruncated
		}
		data := r.inBlock[HeaderSize:end]
		want := crc32.Checksum(append([]byte{byte(rtype)}, data...), crcTable)
		if want != crc {
			return nil, ErrCorrupted
		}
		record = append(record, data...)
		r.inBlock = r.inBlock[end:]

		switch rtype {
		case FullType, LastType:
			return record, nil
		case FirstType, MiddleType:
			continue
		default:
			return nil, ErrCorrupted
		}
	}
}

// ErrTruncated signals a logical record cut short by a crash mid-append.
var ErrTruncated = fmt.Errorf("wal: truncated record")

// ErrCorrupted signals a checksum mismatch within a physical record.
var ErrCorrupted = fmt.Errorf("wal: corrupted record")
