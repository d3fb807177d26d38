// Package segment implements the immutable on-disk segment file: the
// writer that materializes a sorted entry stream into data blocks, TLI,
// bloom filter and trailer (spec §4.3), and the reader that serves point
// lookups and range scans back out of it (spec §4.4).
package segment

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/carlsverre/lsm-tree/internal/block"
	"github.com/carlsverre/lsm-tree/internal/compression"
	"github.com/carlsverre/lsm-tree/internal/filter"
	"github.com/carlsverre/lsm-tree/internal/ikey"
)

// ID uniquely identifies a segment within a tree.
type ID uint64

// WritableFile is the subset of *os.File the writer needs. A vfs
// implementation's Create method satisfies this directly.
type WritableFile interface {
	io.Writer
	Sync() error
	Close() error
}

// WriterOptions configures a Writer (spec §4.3 "Inputs").
type WriterOptions struct {
	BlockSize       int
	Compression     compression.Kind
	EvictTombstones bool
	BloomFPRate     float64 // 0 disables the bloom filter
}

// Writer consumes a sorted stream of internal-key entries and produces a
// complete segment file.
type Writer struct {
	file WritableFile
	opts WriterOptions

	offset          uint64
	block           *block.Builder
	tli             *block.Builder
	bloom           *filter.Builder
	hasLast         bool
	lastKey         []byte
	pendingFirstKey ikey.Key

	meta block.Metadata
}

// New creates a Writer over an already-opened, empty file.
func New(file WritableFile, opts WriterOptions) *Writer {
	if opts.BlockSize <= 0 {
		opts.BlockSize = 4096
	}
	w := &Writer{
		file:  file,
		opts:  opts,
		block: block.NewBuilder(),
		tli:   block.NewBuilder(),
	}
	if opts.BloomFPRate > 0 {
		w.bloom = filter.NewBuilder(opts.BloomFPRate)
	}
	return w
}

// Add appends one entry. Entries MUST arrive in ascending internal-key
// order (spec §3 "Invariants per segment: keys strictly increasing").
func (w *Writer) Add(entry ikey.Entry) error {
	if w.opts.EvictTombstones && entry.Key.ValueType() == ikey.Tombstone {
		return nil
	}

	userKey := entry.Key.UserKey()
	if w.bloom != nil && (!w.hasLast || !bytes.Equal(userKey, w.lastKey)) {
		w.bloom.Add(userKey)
	}
	if !w.hasLast || !bytes.Equal(userKey, w.lastKey) {
		w.meta.KeyCount++
	}
	w.hasLast = true
	w.lastKey = append(w.lastKey[:0], userKey...)

	if w.meta.ItemCount == 0 {
		w.meta.MinKey = append([]byte(nil), entry.Key...)
		w.meta.MinSeqNo = uint64(entry.Key.SeqNo())
		w.meta.MaxSeqNo = w.meta.MinSeqNo
	}
	w.meta.MaxKey = append(w.meta.MaxKey[:0], entry.Key...)
	if seq := uint64(entry.Key.SeqNo()); seq < w.meta.MinSeqNo {
		w.meta.MinSeqNo = seq
	} else if seq > w.meta.MaxSeqNo {
		w.meta.MaxSeqNo = seq
	}
	w.meta.ItemCount++
	if entry.Key.ValueType() == ikey.Tombstone {
		w.meta.TombstoneCount++
	}

	if w.block.Count() == 0 {
		w.pendingFirstKey = append(ikey.Key(nil), entry.Key...)
	}
	w.block.Add(entry.Key, entry.Value)
	if w.block.UncompressedSize() >= w.opts.BlockSize {
		return w.flushBlock()
	}
	return nil
}

// flushBlock serializes and writes the current data block, recording its
// first key and file handle in the TLI (spec §4.3 step 1).
func (w *Writer) flushBlock() error {
	if w.block.Count() == 0 {
		return nil
	}
	uncompressed := w.block.UncompressedSize()
	frame, err := w.block.Finish(w.opts.Compression)
	if err != nil {
		return fmt.Errorf("segment: finish block: %w", err)
	}
	if _, err := w.file.Write(frame); err != nil {
		return fmt.Errorf("segment: write block: %w", err)
	}
	handle := block.Handle{Offset: w.offset, Size: uint64(len(frame))}
	w.offset += uint64(len(frame))
	w.meta.UncompressedSize += uint64(uncompressed)
	w.meta.BlockCount++

	var tliValue []byte
	tliValue = handle.AppendTo(tliValue)
	w.tli.Add(w.pendingFirstKey, tliValue)

	w.block.Reset()
	return nil
}

// Finish flushes any buffered data, writes the TLI, optional bloom filter,
// and the trailer, returning the finalized metadata and trailer.
func (w *Writer) Finish() (block.Trailer, error) {
	if err := w.flushBlock(); err != nil {
		return block.Trailer{}, err
	}

	var trailer block.Trailer

	if w.tli.Count() > 0 {
		frame, err := w.tli.Finish(compression.None)
		if err != nil {
			return block.Trailer{}, fmt.Errorf("segment: finish tli: %w", err)
		}
		if _, err := w.file.Write(frame); err != nil {
			return block.Trailer{}, fmt.Errorf("segment: write tli: %w", err)
		}
		trailer.TLIPtr = block.Handle{Offset: w.offset, Size: uint64(len(frame))}
		trailer.IndexBlockPtr = trailer.TLIPtr
		w.offset += uint64(len(frame))
	}

	if w.bloom != nil {
		payload := w.bloom.Finish().Bytes()
		if _, err := w.file.Write(payload); err != nil {
			return block.Trailer{}, fmt.Errorf("segment: write bloom: %w", err)
		}
		trailer.BloomPtr = block.Handle{Offset: w.offset, Size: uint64(len(payload))}
		w.offset += uint64(len(payload))
	}

	w.meta.FileSize = w.offset + block.TrailerSize
	w.meta.Compression = w.opts.Compression
	w.meta.BlockSize = uint32(w.opts.BlockSize)
	w.meta.CreatedAtMicros = uint64(time.Now().UnixMicro())
	trailer.Meta = w.meta

	buf, err := trailer.Encode()
	if err != nil {
		return block.Trailer{}, fmt.Errorf("segment: encode trailer: %w", err)
	}
	if _, err := w.file.Write(buf); err != nil {
		return block.Trailer{}, fmt.Errorf("segment: write trailer: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return block.Trailer{}, fmt.Errorf("segment: fsync: %w", err)
	}
	return trailer, w.file.Close()
}
