package compaction

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/carlsverre/lsm-tree/internal/cache"
	"github.com/carlsverre/lsm-tree/internal/compression"
	"github.com/carlsverre/lsm-tree/internal/ikey"
	"github.com/carlsverre/lsm-tree/internal/iterator"
	"github.com/carlsverre/lsm-tree/internal/logging"
	"github.com/carlsverre/lsm-tree/internal/manifest"
	"github.com/carlsverre/lsm-tree/internal/memtable"
	"github.com/carlsverre/lsm-tree/internal/segment"
	"github.com/carlsverre/lsm-tree/internal/vfs"
)

// EngineOptions configures an Engine.
type EngineOptions struct {
	Dir         string
	FS          vfs.FS
	Manifest    *manifest.Manifest
	Cache       *cache.BlockCache
	BlockSize   int
	Compression compression.Kind
	BloomFPRate float64
	LastLevel   int
	Logger      logging.Logger
}

// Engine executes compaction Choices and performs memtable flushes (spec
// §4.9). It is the only part of the compaction package that touches disk:
// strategies stay pure functions over the manifest.
type Engine struct {
	opts EngineOptions
}

// NewEngine constructs an Engine from opts.
func NewEngine(opts EngineOptions) *Engine {
	if opts.Logger == nil {
		opts.Logger = logging.Discard
	}
	return &Engine{opts: opts}
}

func (e *Engine) segmentPath(id uint64) string {
	return filepath.Join(e.opts.Dir, "segments", strconv.FormatUint(id, 10))
}

func (e *Engine) openReader(id uint64) (*segment.Reader, error) {
	path := e.segmentPath(id)
	raf, err := e.opts.FS.OpenRandomAccess(path)
	if err != nil {
		return nil, fmt.Errorf("compaction: open segment %d: %w", id, err)
	}
	r, err := segment.Open(segment.ID(id), raf, raf.Size(), e.opts.Cache)
	if err != nil {
		_ = raf.Close()
		return nil, fmt.Errorf("compaction: read segment %d: %w", id, err)
	}
	return r, nil
}

// Flush writes the entries of one or more sealed memtables (newest first)
// into a single new L0 segment and registers it in the manifest (spec §4.9
// "Flush is a special case... tombstones are not evicted").
func (e *Engine) Flush(sources []*memtable.Memtable) (manifest.SegmentMetadata, error) {
	id := e.opts.Manifest.AllocateSegmentID()
	path := e.segmentPath(id)
	if err := e.opts.FS.MkdirAll(filepath.Dir(path)); err != nil {
		return manifest.SegmentMetadata{}, fmt.Errorf("compaction: mkdir segments: %w", err)
	}
	file, err := e.opts.FS.Create(path)
	if err != nil {
		return manifest.SegmentMetadata{}, fmt.Errorf("compaction: create segment %d: %w", id, err)
	}

	mergeSources := make([]iterator.Source, len(sources))
	for i, mt := range sources {
		mergeSources[i] = mt.NewIterator()
	}
	merger := iterator.New(mergeSources, iterator.Options{})

	w := segment.New(file, segment.WriterOptions{
		BlockSize:       e.opts.BlockSize,
		Compression:     e.opts.Compression,
		EvictTombstones: false,
		BloomFPRate:     e.opts.BloomFPRate,
	})
	for {
		entry, ok := merger.Next()
		if !ok {
			break
		}
		if err := w.Add(entry); err != nil {
			_ = file.Close()
			_ = e.opts.FS.Remove(path)
			return manifest.SegmentMetadata{}, fmt.Errorf("compaction: write flush entry: %w", err)
		}
	}
	if err := merger.Err(); err != nil {
		_ = file.Close()
		_ = e.opts.FS.Remove(path)
		return manifest.SegmentMetadata{}, fmt.Errorf("compaction: merge flush sources: %w", err)
	}

	trailer, err := w.Finish()
	if err != nil {
		_ = e.opts.FS.Remove(path)
		return manifest.SegmentMetadata{}, fmt.Errorf("compaction: finish flush segment: %w", err)
	}

	meta := manifest.SegmentMetadata{
		ID:              id,
		FileSize:        trailer.Meta.FileSize,
		ItemCount:       trailer.Meta.ItemCount,
		TombstoneCount:  trailer.Meta.TombstoneCount,
		KeyCount:        trailer.Meta.KeyCount,
		MinKey:          trailer.Meta.MinKey,
		MaxKey:          trailer.Meta.MaxKey,
		MinSeqNo:        trailer.Meta.MinSeqNo,
		MaxSeqNo:        trailer.Meta.MaxSeqNo,
		CreatedAtMicros: trailer.Meta.CreatedAtMicros,
	}
	if err := e.opts.Manifest.Add(meta); err != nil {
		return manifest.SegmentMetadata{}, fmt.Errorf("compaction: register flushed segment: %w", err)
	}
	e.opts.Logger.Infof(logging.NSFlush+"flushed segment %d (%d items, %d bytes)", id, meta.ItemCount, meta.FileSize)
	return meta, nil
}

// Execute runs choice to completion (spec §4.9). oldestLiveSnapshot bounds
// how aggressively Merge may drop shadowed versions via retentionIterator:
// a key's newest version is always kept, and an older, shadowed version is
// kept if and only if it is still needed to answer a read at or above
// oldestLiveSnapshot (spec §3 "Lifecycle summary"). Tombstones are only
// evicted (when choice.TargetLevel == LastLevel) because the caller has
// already certified no live snapshot needs them (spec §4.3 step 3, §9
// "oldest live snapshot bounds tombstone eviction").
func (e *Engine) Execute(choice Choice, oldestLiveSnapshot *ikey.SeqNo) ([]manifest.SegmentMetadata, error) {
	switch choice.Kind {
	case DoNothing:
		return nil, nil
	case DeleteSegments:
		return nil, e.executeDelete(choice.IDs)
	case Merge:
		return e.executeMerge(choice, oldestLiveSnapshot)
	default:
		return nil, fmt.Errorf("compaction: unknown choice kind %v", choice.Kind)
	}
}

// retentionIterator applies compaction's version-retention rule (spec §3
// "Lifecycle summary": "compaction drops versions shadowed by a newer
// version of the same key *and* observed to be below the oldest live
// snapshot") to a plain (non-deduplicated, unfiltered) merged stream.
//
// This is deliberately not the snapshot-read Merger's Dedup+SnapshotSeqNo
// combination: that pair drops any entry newer than the snapshot bound
// outright, which for a retention pass would silently discard a key's
// newest write whenever a live snapshot predates it, and then surface the
// next, older duplicate as if it were current (spec §8 MVCC monotonicity).
// Retention instead always keeps the newest version of every key, keeps
// every further version whose seqno is still above oldestLiveSnapshot (a
// live snapshot between the floor and the newest version might need it),
// and once a version at or below the floor is found, keeps exactly that
// one and drops everything older for that key — the floor value is itself
// a live snapshot's sequence number, so one surviving version at or below
// it is necessary and sufficient for every live snapshot to resolve a
// correct read.
type retentionIterator struct {
	src                iterator.Source
	oldestLiveSnapshot *ikey.SeqNo

	haveLast       bool
	lastUser       []byte
	keptBelowFloor bool
	err            error
}

func newRetentionIterator(src iterator.Source, oldestLiveSnapshot *ikey.SeqNo) *retentionIterator {
	return &retentionIterator{src: src, oldestLiveSnapshot: oldestLiveSnapshot}
}

func (it *retentionIterator) Next() (ikey.Entry, bool) {
	for {
		entry, ok := it.src.Next()
		if !ok {
			it.err = it.src.Err()
			return ikey.Entry{}, false
		}

		userKey := entry.Key.UserKey()
		if !it.haveLast || !bytes.Equal(userKey, it.lastUser) {
			// The newest version of a (possibly new) key: always kept.
			it.haveLast = true
			it.lastUser = append(it.lastUser[:0], userKey...)
			it.keptBelowFloor = it.oldestLiveSnapshot != nil && entry.Key.SeqNo() <= *it.oldestLiveSnapshot
			return entry, true
		}

		// A shadowed duplicate of the current key.
		if it.oldestLiveSnapshot == nil {
			continue
		}
		if entry.Key.SeqNo() > *it.oldestLiveSnapshot {
			// Still above the floor: some live snapshot between the floor
			// and the newest version may need exactly this one.
			return entry, true
		}
		if it.keptBelowFloor {
			continue
		}
		it.keptBelowFloor = true
		return entry, true
	}
}

func (it *retentionIterator) Err() error { return it.err }

func (e *Engine) executeDelete(ids []uint64) error {
	e.opts.Manifest.Hidden(ids)
	if err := e.opts.Manifest.Remove(ids); err != nil {
		e.opts.Manifest.Show(ids)
		return fmt.Errorf("compaction: remove segments from manifest: %w", err)
	}
	for _, id := range ids {
		e.opts.Cache.Invalidate(id)
		_ = e.opts.FS.Remove(e.segmentPath(id))
	}
	e.opts.Logger.Infof(logging.NSCompact+"deleted %d segments", len(ids))
	return nil
}

func (e *Engine) executeMerge(choice Choice, oldestLiveSnapshot *ikey.SeqNo) ([]manifest.SegmentMetadata, error) {
	e.opts.Manifest.Hidden(choice.IDs)

	readers := make([]*segment.Reader, 0, len(choice.IDs))
	sources := make([]iterator.Source, 0, len(choice.IDs))
	closeAll := func() {
		for _, r := range readers {
			_ = r.Close()
		}
	}
	for _, id := range choice.IDs {
		r, err := e.openReader(id)
		if err != nil {
			closeAll()
			e.opts.Manifest.Show(choice.IDs)
			return nil, err
		}
		readers = append(readers, r)
		sources = append(sources, r.NewRangeIterator(nil, nil, nil))
	}

	evictTombstones := choice.TargetLevel == e.opts.LastLevel
	merger := iterator.New(sources, iterator.Options{})
	retained := newRetentionIterator(merger, oldestLiveSnapshot)

	newID := e.opts.Manifest.AllocateSegmentID()
	path := e.segmentPath(newID)
	if err := e.opts.FS.MkdirAll(filepath.Dir(path)); err != nil {
		closeAll()
		e.opts.Manifest.Show(choice.IDs)
		return nil, fmt.Errorf("compaction: mkdir segments: %w", err)
	}
	file, err := e.opts.FS.Create(path)
	if err != nil {
		closeAll()
		e.opts.Manifest.Show(choice.IDs)
		return nil, fmt.Errorf("compaction: create merged segment: %w", err)
	}

	w := segment.New(file, segment.WriterOptions{
		BlockSize:       e.opts.BlockSize,
		Compression:     e.opts.Compression,
		EvictTombstones: evictTombstones,
		BloomFPRate:     e.opts.BloomFPRate,
	})
	for {
		entry, ok := retained.Next()
		if !ok {
			break
		}
		if err := w.Add(entry); err != nil {
			closeAll()
			_ = file.Close()
			_ = e.opts.FS.Remove(path)
			e.opts.Manifest.Show(choice.IDs)
			return nil, fmt.Errorf("compaction: write merged entry: %w", err)
		}
	}
	closeAll()
	if err := retained.Err(); err != nil {
		_ = file.Close()
		_ = e.opts.FS.Remove(path)
		e.opts.Manifest.Show(choice.IDs)
		return nil, fmt.Errorf("compaction: merge sources: %w", err)
	}

	trailer, err := w.Finish()
	if err != nil {
		_ = e.opts.FS.Remove(path)
		e.opts.Manifest.Show(choice.IDs)
		return nil, fmt.Errorf("compaction: finish merged segment: %w", err)
	}

	var newSegs []manifest.SegmentMetadata
	if trailer.Meta.ItemCount > 0 {
		newSegs = []manifest.SegmentMetadata{{
			ID:              newID,
			FileSize:        trailer.Meta.FileSize,
			ItemCount:       trailer.Meta.ItemCount,
			TombstoneCount:  trailer.Meta.TombstoneCount,
			KeyCount:        trailer.Meta.KeyCount,
			MinKey:          trailer.Meta.MinKey,
			MaxKey:          trailer.Meta.MaxKey,
			MinSeqNo:        trailer.Meta.MinSeqNo,
			MaxSeqNo:        trailer.Meta.MaxSeqNo,
			CreatedAtMicros: trailer.Meta.CreatedAtMicros,
		}}
	} else {
		// Every input entry was a tombstone eligible for eviction: the merge
		// legitimately produces no output segment.
		_ = e.opts.FS.Remove(path)
	}

	if err := e.opts.Manifest.ApplyReplace(choice.IDs, newSegs, choice.TargetLevel); err != nil {
		e.opts.Manifest.Show(choice.IDs)
		return nil, fmt.Errorf("compaction: install merged segment: %w", err)
	}
	for _, id := range choice.IDs {
		e.opts.Cache.Invalidate(id)
		_ = e.opts.FS.Remove(e.segmentPath(id))
	}
	e.opts.Logger.Infof(logging.NSCompact+"merged %d segments into level %d", len(choice.IDs), choice.TargetLevel)
	return newSegs, nil
}
