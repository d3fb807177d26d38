// Package manifest implements the level manifest (spec §4.7): the persisted
// partition of segments into levels, with atomic updates and the "hidden"
// in-compaction marking that keeps concurrent strategy invocations from
// re-selecting the same segments. Grounded on the teacher's
// internal/manifest (VersionEdit) and internal/version (VersionSet) pair,
// narrowed to what the spec's Choice-driven compaction model needs: no
// column families, no per-edit diff log, just a directly-persisted level
// list written with the same write-new/rename/fsync discipline.
package manifest

import (
	"fmt"
	"sort"
	"sync"

	"github.com/carlsverre/lsm-tree/internal/encoding"
	"github.com/carlsverre/lsm-tree/internal/vfs"
)

// SegmentMetadata is the manifest's view of one segment: enough to make
// read-path pruning and compaction decisions without opening the file.
type SegmentMetadata struct {
	ID               uint64
	FileSize         uint64
	ItemCount        uint64
	TombstoneCount   uint64
	KeyCount         uint64
	MinKey           []byte
	MaxKey           []byte
	MinSeqNo         uint64
	MaxSeqNo         uint64
	CreatedAtMicros  uint64
}

// clone returns a deep copy so callers can't mutate manifest-owned slices.
func (m SegmentMetadata) clone() SegmentMetadata {
	m.MinKey = append([]byte(nil), m.MinKey...)
	m.MaxKey = append([]byte(nil), m.MaxKey...)
	return m
}

const fileName = "levels"
const tmpFileName = "levels.tmp"

var magic = [8]byte{'L', 'S', 'M', 'T', 'M', 'A', 'N', '1'}

// Manifest is the persisted, atomically-updated sequence levels[0..Lmax].
// L0 segments may overlap and are kept newest-first; Ln (n>0) segments are
// non-overlapping and kept sorted by MinKey (spec §3 "Level Manifest").
type Manifest struct {
	mu     sync.RWMutex
	dir    string
	fs     vfs.FS
	levels [][]SegmentMetadata
	hidden map[uint64]bool
	nextID uint64
}

// New creates an empty manifest with numLevels levels (L0..L_{numLevels-1}).
func New(dir string, fs vfs.FS, numLevels int) *Manifest {
	return &Manifest{
		dir:    dir,
		fs:     fs,
		levels: make([][]SegmentMetadata, numLevels),
		hidden: make(map[uint64]bool),
	}
}

// Open loads a manifest previously saved by Save, or creates a fresh empty
// one of numLevels if none exists yet (first open of a new tree directory).
func Open(dir string, fs vfs.FS, numLevels int) (*Manifest, error) {
	m := New(dir, fs, numLevels)
	path := dir + "/" + fileName
	if !fs.Exists(path) {
		return m, nil
	}
	f, err := fs.OpenRandomAccess(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: open: %w", err)
	}
	defer f.Close()
	buf := make([]byte, f.Size())
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("manifest: read: %w", err)
	}
	if err := m.decode(buf); err != nil {
		return nil, fmt.Errorf("manifest: decode: %w", err)
	}
	return m, nil
}

// NumLevels returns the configured number of levels.
func (m *Manifest) NumLevels() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.levels)
}

// AllocateSegmentID returns a fresh, monotonically increasing segment id.
func (m *Manifest) AllocateSegmentID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return m.nextID
}

// Add inserts a newly-flushed segment at the front of L0 (newest-first) and
// persists the change (spec §4.7 "add(segment)").
func (m *Manifest) Add(seg SegmentMetadata) error {
	m.mu.Lock()
	if seg.ID >= m.nextID {
		m.nextID = seg.ID + 1
	}
	m.levels[0] = append([]SegmentMetadata{seg.clone()}, m.levels[0]...)
	m.mu.Unlock()
	return m.Save()
}

// ApplyMove relocates ids from one level to another without rewriting their
// data (spec §4.7 "apply_move").
func (m *Manifest) ApplyMove(ids []uint64, from, to int) error {
	m.mu.Lock()
	idSet := toSet(ids)
	var moved []SegmentMetadata
	remaining := m.levels[from][:0:0]
	for _, seg := range m.levels[from] {
		if idSet[seg.ID] {
			moved = append(moved, seg)
		} else {
			remaining = append(remaining, seg)
		}
	}
	m.levels[from] = remaining
	m.levels[to] = insertSorted(m.levels[to], moved, to == 0)
	for _, id := range ids {
		delete(m.hidden, id)
	}
	m.mu.Unlock()
	return m.Save()
}

// ApplyReplace atomically removes oldIDs (which may span multiple levels)
// and installs newSegments at targetLevel (spec §4.7 "apply_replace"), used
// by compaction to swap inputs for outputs in one manifest change.
func (m *Manifest) ApplyReplace(oldIDs []uint64, newSegments []SegmentMetadata, targetLevel int) error {
	m.mu.Lock()
	idSet := toSet(oldIDs)
	for level := range m.levels {
		kept := m.levels[level][:0:0]
		for _, seg := range m.levels[level] {
			if !idSet[seg.ID] {
				kept = append(kept, seg)
			}
		}
		m.levels[level] = kept
	}
	for _, id := range oldIDs {
		delete(m.hidden, id)
	}
	cloned := make([]SegmentMetadata, len(newSegments))
	for i, s := range newSegments {
		if s.ID >= m.nextID {
			m.nextID = s.ID + 1
		}
		cloned[i] = s.clone()
	}
	m.levels[targetLevel] = insertSorted(m.levels[targetLevel], cloned, targetLevel == 0)
	m.mu.Unlock()
	return m.Save()
}

// Remove deletes ids from wherever they live in the manifest (spec §4.9
// "DeleteSegments").
func (m *Manifest) Remove(ids []uint64) error {
	return m.ApplyReplace(ids, nil, 0)
}

func toSet(ids []uint64) map[uint64]bool {
	s := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		s[id] = true
	}
	return s
}

// insertSorted appends segs to level's existing contents. L0 (newestFirst)
// keeps newest-first insertion order; Ln keeps segments sorted by MinKey
// since they are guaranteed non-overlapping.
func insertSorted(level []SegmentMetadata, segs []SegmentMetadata, newestFirst bool) []SegmentMetadata {
	if newestFirst {
		return append(append([]SegmentMetadata{}, segs...), level...)
	}
	out := append(append([]SegmentMetadata{}, level...), segs...)
	sort.Slice(out, func(i, j int) bool {
		return string(out[i].MinKey) < string(out[j].MinKey)
	})
	return out
}

// ResolvedView returns a deep-copied snapshot of every level, L0 first
// (newest-to-oldest within L0), safe to read without holding the manifest
// lock (spec §4.7 "resolved_view").
func (m *Manifest) ResolvedView() [][]SegmentMetadata {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]SegmentMetadata, len(m.levels))
	for i, level := range m.levels {
		out[i] = make([]SegmentMetadata, len(level))
		for j, seg := range level {
			out[i][j] = seg.clone()
		}
	}
	return out
}

// Size returns the total on-disk bytes across every level (spec §4.7
// "size()").
func (m *Manifest) Size() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total uint64
	for _, level := range m.levels {
		for _, seg := range level {
			total += seg.FileSize
		}
	}
	return total
}

// Hidden marks ids as in-compaction so concurrent strategy invocations skip
// them (spec §4.7 "hidden(ids)").
func (m *Manifest) Hidden(ids []uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.hidden[id] = true
	}
}

// Show clears the in-compaction mark on ids (spec §4.7 "show(ids)").
func (m *Manifest) Show(ids []uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.hidden, id)
	}
}

// IsHidden reports whether id is currently marked in-compaction.
func (m *Manifest) IsHidden(id uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hidden[id]
}

// Save persists the manifest using the write-new + rename + fsync pattern
// (spec §4.7 "the on-disk manifest is updated atomically").
func (m *Manifest) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := m.encodeLocked()

	if err := m.fs.MkdirAll(m.dir); err != nil {
		return fmt.Errorf("manifest: mkdir: %w", err)
	}
	tmpPath := m.dir + "/" + tmpFileName
	f, err := m.fs.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("manifest: create temp: %w", err)
	}
	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		return fmt.Errorf("manifest: write temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("manifest: fsync temp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("manifest: close temp: %w", err)
	}
	if err := m.fs.Rename(tmpPath, m.dir+"/"+fileName); err != nil {
		return fmt.Errorf("manifest: rename: %w", err)
	}
	return m.fs.SyncDir(m.dir)
}

func (m *Manifest) encodeLocked() []byte {
	var out []byte
	out = encoding.AppendFixed32(out, 1) // format version
	out = encoding.AppendFixed64(out, m.nextID)
	out = encoding.AppendFixed32(out, uint32(len(m.levels)))
	for _, level := range m.levels {
		out = encoding.AppendFixed32(out, uint32(len(level)))
		for _, seg := range level {
			out = encodeSegment(out, seg)
		}
	}
	out = append(out, magic[:]...)
	return out
}

func encodeSegment(dst []byte, seg SegmentMetadata) []byte {
	dst = encoding.AppendFixed64(dst, seg.ID)
	dst = encoding.AppendFixed64(dst, seg.FileSize)
	dst = encoding.AppendFixed64(dst, seg.ItemCount)
	dst = encoding.AppendFixed64(dst, seg.TombstoneCount)
	dst = encoding.AppendFixed64(dst, seg.KeyCount)
	dst = encoding.AppendLengthPrefixed(dst, seg.MinKey)
	dst = encoding.AppendLengthPrefixed(dst, seg.MaxKey)
	dst = encoding.AppendFixed64(dst, seg.MinSeqNo)
	dst = encoding.AppendFixed64(dst, seg.MaxSeqNo)
	dst = encoding.AppendFixed64(dst, seg.CreatedAtMicros)
	return dst
}

func decodeSegment(src []byte) (SegmentMetadata, int, error) {
	if len(src) < 8 {
		return SegmentMetadata{}, 0, fmt.Errorf("manifest: truncated segment record")
	}
	var seg SegmentMetadata
	off := 0
	readFixed64 := func() uint64 {
		v := encoding.DecodeFixed64(src[off:])
		off += 8
		return v
	}
	seg.ID = readFixed64()
	seg.FileSize = readFixed64()
	seg.ItemCount = readFixed64()
	seg.TombstoneCount = readFixed64()
	seg.KeyCount = readFixed64()
	minKey, n := encoding.DecodeLengthPrefixed(src[off:])
	if n == 0 {
		return SegmentMetadata{}, 0, fmt.Errorf("manifest: invalid min_key")
	}
	seg.MinKey = append([]byte(nil), minKey...)
	off += n
	maxKey, n := encoding.DecodeLengthPrefixed(src[off:])
	if n == 0 {
		return SegmentMetadata{}, 0, fmt.Errorf("manifest: invalid max_key")
	}
	seg.MaxKey = append([]byte(nil), maxKey...)
	off += n
	seg.MinSeqNo = readFixed64()
	seg.MaxSeqNo = readFixed64()
	seg.CreatedAtMicros = readFixed64()
	return seg, off, nil
}

func (m *Manifest) decode(buf []byte) error {
	if len(buf) < 8 || string(buf[len(buf)-8:]) != string(magic[:]) {
		return fmt.Errorf("manifest: invalid trailer magic")
	}
	buf = buf[:len(buf)-8]
	if len(buf) < 4 {
		return fmt.Errorf("manifest: truncated header")
	}
	off := 4 // skip format version
	m.nextID = encoding.DecodeFixed64(buf[off:])
	off += 8
	numLevels := int(encoding.DecodeFixed32(buf[off:]))
	off += 4
	levels := make([][]SegmentMetadata, numLevels)
	for i := 0; i < numLevels; i++ {
		count := int(encoding.DecodeFixed32(buf[off:]))
		off += 4
		level := make([]SegmentMetadata, count)
		for j := 0; j < count; j++ {
			seg, n, err := decodeSegment(buf[off:])
			if err != nil {
				return err
			}
			level[j] = seg
			off += n
		}
		levels[i] = level
	}
	m.levels = levels
	m.hidden = make(map[uint64]bool)
	return nil
}

// SegmentIDs returns every live segment id across every level, used by the
// caller to reconcile against the files actually present in segments/ at
// open time (spec §4.7 "crash recovery... discards any segment file not
// referenced").
func (m *Manifest) SegmentIDs() map[uint64]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[uint64]bool)
	for _, level := range m.levels {
		for _, seg := range level {
			out[seg.ID] = true
		}
	}
	return out
}
