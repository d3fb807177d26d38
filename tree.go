// Package lsmtree implements the embeddable, persistent, ordered key-value
// storage engine described by the project: a memtable-backed write path, a
// k-way merging read path over memtable and segment sources, a level
// manifest, and pluggable compaction strategies. Grounded throughout on
// aalhour/rockyardkv's db.DBImpl, narrowed to the minimal tree facade (no
// column families, no transactions, no merge operator).
package lsmtree

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sync"
	"sync/atomic"

	"github.com/carlsverre/lsm-tree/internal/blob"
	"github.com/carlsverre/lsm-tree/internal/cache"
	"github.com/carlsverre/lsm-tree/internal/compaction"
	"github.com/carlsverre/lsm-tree/internal/manifest"
	"github.com/carlsverre/lsm-tree/internal/memtable"
	"github.com/carlsverre/lsm-tree/internal/rangedel"
	"github.com/carlsverre/lsm-tree/internal/segment"
	"github.com/carlsverre/lsm-tree/internal/vfs"
	"github.com/carlsverre/lsm-tree/internal/wal"
)

const (
	valueTagInline byte = 0
	valueTagHandle byte = 1
)

// sealedMemtable pairs a memtable that has stopped accepting writes with the
// id of the WAL generation that backs it, so Flush can delete that WAL file
// once the memtable's data is durably on disk in a segment (spec §3 "Sealed
// Memtable Queue").
type sealedMemtable struct {
	walID uint64
	mt    *memtable.Memtable
}

// Tree is the minimal tree facade (spec §4.10): it owns the active
// memtable, the sealed memtable queue, the level manifest, the shared block
// cache and descriptor table, and routes every read and write.
type Tree struct {
	opts Options

	dirLock io.Closer

	// rotMu is the rotation lock (spec §5): Insert/Remove take it for read
	// while appending to the WAL and inserting into the active memtable;
	// rotateMemtable takes it for write while swapping in a fresh memtable
	// and WAL generation.
	rotMu    sync.RWMutex
	active   *memtable.Memtable
	nextMtID uint64

	sealedMu sync.Mutex
	sealed   []sealedMemtable

	man         *manifest.Manifest
	blockCache  *cache.BlockCache
	descriptors *cache.DescriptorTable
	blobStore   *blob.Store
	engine      *compaction.Engine
	strategy    compaction.Strategy

	readersMu sync.Mutex
	readers   map[uint64]*segment.Reader

	seq atomic.Uint64

	// rtMu guards rangeTombstones, the tree-wide range-delete record (spec
	// EXPANSION 4.1a). Unlike a memtable's own tombstone set, this one
	// survives rotation and flush, so a range delete keeps shadowing
	// segment-level entries written before it even once its originating
	// memtable generation is gone.
	rtMu            sync.Mutex
	rangeTombstones *rangedel.Aggregator

	snapMu   sync.Mutex
	snapHead *Snapshot

	walMu     sync.Mutex
	walID     uint64
	walFile   vfs.WritableFile
	walWriter *wal.Writer

	bg *backgroundWorker

	closed atomic.Bool
	logger Logger
}

// Open creates or opens a tree rooted at opts.Path (spec §4.10, §6 "file
// layout").
func Open(opts Options) (*Tree, error) {
	opts = opts.WithDefaults()
	fs := opts.FS

	if err := fs.MkdirAll(opts.Path); err != nil {
		return nil, newErr(KindIo, "create tree directory", err)
	}
	lock, err := fs.Lock(opts.Path + "/LOCK")
	if err != nil {
		return nil, newErr(KindIo, "acquire tree lock", err)
	}

	man, err := manifest.Open(opts.Path+"/manifest", fs, opts.NumLevels)
	if err != nil {
		_ = lock.Close()
		return nil, newErr(KindDecodeIo, "open manifest", err)
	}

	blockCache := opts.SharedBlockCache
	if blockCache == nil {
		blockCache = cache.NewBlockCache(int(opts.BlockCacheBytes))
	}

	t := &Tree{
		opts:            opts,
		dirLock:         lock,
		active:          memtable.New(),
		man:             man,
		blockCache:      blockCache,
		readers:         make(map[uint64]*segment.Reader),
		rangeTombstones: rangedel.NewAggregator(),
		logger:          opts.Logger,
	}
	t.descriptors = cache.NewDescriptorTable(opts.MaxOpenFiles, t.openSegmentFile)

	if opts.BlobFileTargetSize > 0 {
		store, err := blob.Open(blob.Options{
			Dir:             opts.Path + "/blobs",
			FS:              fs,
			TargetFileSize:  opts.BlobFileTargetSize,
			CompressionKind: opts.Compression,
		}, nil)
		if err != nil {
			_ = lock.Close()
			return nil, newErr(KindIo, "open blob store", err)
		}
		t.blobStore = store
	}

	t.engine = compaction.NewEngine(compaction.EngineOptions{
		Dir:         opts.Path,
		FS:          fs,
		Manifest:    man,
		Cache:       blockCache,
		BlockSize:   opts.BlockSize,
		Compression: opts.Compression,
		BloomFPRate: opts.BloomFPRate,
		LastLevel:   opts.NumLevels - 1,
		Logger:      opts.Logger,
	})
	t.strategy = newStrategy(opts)

	if err := t.reconcileSegments(); err != nil {
		_ = lock.Close()
		return nil, err
	}
	if err := t.recoverWAL(); err != nil {
		_ = lock.Close()
		return nil, err
	}

	t.bg = newBackgroundWorker(t)
	t.bg.start()

	return t, nil
}

func newStrategy(opts Options) compaction.Strategy {
	maintenance := compaction.MaintenanceStrategy{Threshold: opts.MaintenanceThreshold}
	switch opts.CompactionStyle {
	case CompactionStyleTiered:
		return compaction.TieredStrategy{
			MinMergeWidth:    opts.Tiered.MinMergeWidth,
			SizeRatioPercent: opts.Tiered.SizeRatioPercent,
		}
	default:
		return compaction.FIFOStrategy{Maintenance: maintenance}
	}
}

// reconcileSegments discards any file under segments/ not referenced by the
// manifest (spec §4.7 "crash recovery... discards any segment file not
// referenced").
func (t *Tree) reconcileSegments() error {
	dir := t.opts.Path + "/segments"
	if err := t.opts.FS.MkdirAll(dir); err != nil {
		return newErr(KindIo, "create segments dir", err)
	}
	names, err := t.opts.FS.ListDir(dir)
	if err != nil {
		return newErr(KindIo, "list segments dir", err)
	}
	live := t.man.SegmentIDs()
	for _, name := range names {
		var id uint64
		if _, err := fmt.Sscanf(name, "%d", &id); err != nil {
			continue
		}
		if !live[id] {
			_ = t.opts.FS.Remove(dir + "/" + name)
		}
	}
	return nil
}

func (t *Tree) openSegmentFile(segmentID uint64) (cache.File, error) {
	return t.opts.FS.OpenRandomAccess(t.segmentPath(segmentID))
}

func (t *Tree) segmentPath(id uint64) string {
	return fmt.Sprintf("%s/segments/%d", t.opts.Path, id)
}

// segmentReader returns a cached Reader for id, opening and parsing it on
// first access via the descriptor table (spec EXPANSION 4.5a).
func (t *Tree) segmentReader(meta manifest.SegmentMetadata) (*segment.Reader, error) {
	t.readersMu.Lock()
	if r, ok := t.readers[meta.ID]; ok {
		t.readersMu.Unlock()
		return r, nil
	}
	t.readersMu.Unlock()

	file, err := t.descriptors.Access(meta.ID)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrSegmentNotFound
		}
		return nil, newErr(KindIo, "open segment", err)
	}
	r, err := segment.Open(segment.ID(meta.ID), file, int64(meta.FileSize), t.blockCache)
	if err != nil {
		return nil, newErr(KindDecodeInvalidTrailer, "parse segment", err)
	}

	t.readersMu.Lock()
	defer t.readersMu.Unlock()
	if existing, ok := t.readers[meta.ID]; ok {
		return existing, nil
	}
	t.readers[meta.ID] = r
	return r, nil
}

func (t *Tree) invalidateSegment(id uint64) {
	t.readersMu.Lock()
	delete(t.readers, id)
	t.readersMu.Unlock()
	t.descriptors.Evict(id)
	t.blockCache.Invalidate(id)
}

// Close stops the background worker and releases every resource the tree
// holds open: the WAL file, pooled segment descriptors, the blob store, and
// the directory lock.
func (t *Tree) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.bg.stop()

	t.rotMu.Lock()
	walErr := t.walWriter.Close()
	t.rotMu.Unlock()

	t.readersMu.Lock()
	for id := range t.readers {
		delete(t.readers, id)
	}
	t.readersMu.Unlock()

	descErr := t.descriptors.Close()
	var blobErr error
	if t.blobStore != nil {
		blobErr = t.blobStore.Close()
	}
	lockErr := t.dirLock.Close()

	for _, err := range []error{walErr, descErr, blobErr, lockErr} {
		if err != nil {
			return newErr(KindIo, "close tree", err)
		}
	}
	return nil
}
