// Package blob implements the optional value-log tier: large values are
// written to append-only files under a tree's blobs/ directory instead of
// being inlined into segment data blocks, and the segment stores only a
// fixed-size ValueHandle pointing at the bytes. Grounded on the teacher's
// internal/blob package, narrowed to a single-writer-per-file append log (no
// GC, no per-column-family separation, no blob cache of its own — the
// engine's shared block cache is not reused here since blob reads are
// already a single ReadAt).
package blob

import (
	"fmt"
	"sync"

	"github.com/carlsverre/lsm-tree/internal/checksum"
	"github.com/carlsverre/lsm-tree/internal/compression"
	"github.com/carlsverre/lsm-tree/internal/encoding"
	"github.com/carlsverre/lsm-tree/internal/vfs"
)

// HeaderSize is the size of a blob file's header.
const HeaderSize = 16

var magic = [8]byte{'L', 'S', 'M', 'T', 'B', 'L', 'B', '1'}

// ValueHandle addresses a byte range within one blob file (spec EXPANSION
// "Value Handle / blob tier": "ValueHandle{SegmentID, Offset, Size}").
type ValueHandle struct {
	FileID uint64
	Offset uint64
	Size   uint64
}

// Encode appends the handle's fixed 24-byte wire form to dst. This is what
// gets stored in place of an inline value inside a segment data block.
func (h ValueHandle) Encode(dst []byte) []byte {
	dst = encoding.AppendFixed64(dst, h.FileID)
	dst = encoding.AppendFixed64(dst, h.Offset)
	dst = encoding.AppendFixed64(dst, h.Size)
	return dst
}

// DecodeValueHandle parses a handle previously written by Encode.
func DecodeValueHandle(src []byte) (ValueHandle, int, error) {
	if len(src) < 24 {
		return ValueHandle{}, 0, fmt.Errorf("blob: truncated value handle")
	}
	return ValueHandle{
		FileID: encoding.DecodeFixed64(src[0:8]),
		Offset: encoding.DecodeFixed64(src[8:16]),
		Size:   encoding.DecodeFixed64(src[16:24]),
	}, 24, nil
}

// record is one length-prefixed, checksummed entry within a blob file:
// uncompressed value length (varint), length-prefixed compressed bytes,
// CRC32 of the compressed bytes (fixed32).
func encodeRecord(dst []byte, kind compression.Kind, value []byte) ([]byte, error) {
	compressed, err := compression.Encode(kind, value)
	if err != nil {
		return nil, fmt.Errorf("blob: compress value: %w", err)
	}
	dst = encoding.AppendVarint64(dst, uint64(len(value)))
	dst = encoding.AppendLengthPrefixed(dst, compressed)
	dst = encoding.AppendFixed32(dst, checksum.Value(compressed))
	return dst, nil
}

// Store is a directory of append-only blob files. Exactly one file is open
// for appends at a time; once it reaches the configured target size the
// next Write rolls over to a new file (spec EXPANSION
// "blob_file_target_size"). All fields below are guarded by mu, since
// Write/Get are called concurrently from the tree's write and read paths
// (spec §5 concurrency model).
type Store struct {
	dir             string
	fs              vfs.FS
	targetSize      uint64
	compressionKind compression.Kind

	mu sync.Mutex

	activeID   uint64
	activeFile vfs.WritableFile
	activeSize uint64

	readers map[uint64]vfs.RandomAccessFile
	nextID  uint64
}

// Options configures a Store.
type Options struct {
	Dir             string
	FS              vfs.FS
	TargetFileSize  uint64
	CompressionKind compression.Kind
}

// Open prepares a blob Store rooted at opts.Dir, creating the directory if
// necessary. existingIDs lets the tree hand the store the set of blob file
// ids still referenced by live segments, so crash recovery can prune the
// rest.
func Open(opts Options, existingIDs map[uint64]bool) (*Store, error) {
	if opts.TargetFileSize == 0 {
		opts.TargetFileSize = 64 << 20
	}
	if err := opts.FS.MkdirAll(opts.Dir); err != nil {
		return nil, fmt.Errorf("blob: mkdir: %w", err)
	}
	s := &Store{
		dir:             opts.Dir,
		fs:              opts.FS,
		targetSize:      opts.TargetFileSize,
		compressionKind: opts.CompressionKind,
		readers:         make(map[uint64]vfs.RandomAccessFile),
	}
	names, err := opts.FS.ListDir(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("blob: list dir: %w", err)
	}
	for _, name := range names {
		var id uint64
		if _, err := fmt.Sscanf(name, "%d.blob", &id); err != nil {
			continue
		}
		if id >= s.nextID {
			s.nextID = id + 1
		}
		if existingIDs != nil && !existingIDs[id] {
			_ = opts.FS.Remove(s.path(id))
		}
	}
	return s, nil
}

func (s *Store) path(id uint64) string {
	return fmt.Sprintf("%s/%d.blob", s.dir, id)
}

func (s *Store) rollActiveLocked() error {
	if s.activeFile != nil {
		if err := s.activeFile.Close(); err != nil {
			return fmt.Errorf("blob: close active file: %w", err)
		}
	}
	s.activeID = s.nextID
	s.nextID++
	f, err := s.fs.Create(s.path(s.activeID))
	if err != nil {
		return fmt.Errorf("blob: create file %d: %w", s.activeID, err)
	}
	header := make([]byte, 0, HeaderSize)
	header = append(header, magic[:]...)
	header = append(header, byte(s.compressionKind))
	header = append(header, make([]byte, HeaderSize-len(header))...)
	if _, err := f.Write(header); err != nil {
		return fmt.Errorf("blob: write header: %w", err)
	}
	s.activeFile = f
	s.activeSize = uint64(HeaderSize)
	return nil
}

// Write appends value to the active blob file, rolling over to a new file
// first if needed, and returns a handle addressing it.
func (s *Store) Write(value []byte) (ValueHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeFile == nil || s.activeSize >= s.targetSize {
		if err := s.rollActiveLocked(); err != nil {
			return ValueHandle{}, err
		}
	}
	var buf []byte
	buf, err := encodeRecord(buf, s.compressionKind, value)
	if err != nil {
		return ValueHandle{}, err
	}
	offset := s.activeSize
	if _, err := s.activeFile.Write(buf); err != nil {
		return ValueHandle{}, fmt.Errorf("blob: write record: %w", err)
	}
	if err := s.activeFile.Sync(); err != nil {
		return ValueHandle{}, fmt.Errorf("blob: fsync: %w", err)
	}
	s.activeSize += uint64(len(buf))
	return ValueHandle{FileID: s.activeID, Offset: offset, Size: uint64(len(buf))}, nil
}

// readerFor must be called with s.mu held.
func (s *Store) readerFor(id uint64) (vfs.RandomAccessFile, error) {
	if r, ok := s.readers[id]; ok {
		return r, nil
	}
	r, err := s.fs.OpenRandomAccess(s.path(id))
	if err != nil {
		return nil, fmt.Errorf("blob: open file %d: %w", id, err)
	}
	s.readers[id] = r
	return r, nil
}

// Get resolves handle back into its original value (spec EXPANSION: "a
// missing blob resolves to a Corruption error", never a panic).
func (s *Store) Get(handle ValueHandle) ([]byte, error) {
	s.mu.Lock()
	r, err := s.readerFor(handle.FileID)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("blob: resolve handle: %w", err)
	}
	buf := make([]byte, handle.Size)
	if _, err := r.ReadAt(buf, int64(handle.Offset)); err != nil {
		return nil, fmt.Errorf("blob: read handle %+v: %w", handle, err)
	}
	valueLen, n := encoding.DecodeVarint64(buf)
	if n == 0 {
		return nil, fmt.Errorf("blob: corrupt record length at %+v", handle)
	}
	compressed, n2 := encoding.DecodeLengthPrefixed(buf[n:])
	if n2 == 0 {
		return nil, fmt.Errorf("blob: corrupt record payload at %+v", handle)
	}
	crcOff := n + n2
	if len(buf) < crcOff+4 {
		return nil, fmt.Errorf("blob: truncated record at %+v", handle)
	}
	want := encoding.DecodeFixed32(buf[crcOff : crcOff+4])
	if !checksum.Verify(compressed, want) {
		return nil, fmt.Errorf("blob: checksum mismatch at %+v", handle)
	}
	value, err := compression.Decode(s.compressionKind, compressed, int(valueLen))
	if err != nil {
		return nil, fmt.Errorf("blob: decompress at %+v: %w", handle, err)
	}
	return value, nil
}

// Close releases every open file handle, including the active writer.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	if s.activeFile != nil {
		if err := s.activeFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, r := range s.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
