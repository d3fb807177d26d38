package lsmtree

// config.go implements database configuration options, grounded on the
// teacher's options.go, narrowed to this engine's consumer contract.

import (
	"github.com/carlsverre/lsm-tree/internal/cache"
	"github.com/carlsverre/lsm-tree/internal/compression"
	"github.com/carlsverre/lsm-tree/internal/logging"
	"github.com/carlsverre/lsm-tree/internal/vfs"
)

// Logger is an alias for the logging.Logger interface, letting callers plug
// in their own implementation without importing the internal package.
type Logger = logging.Logger

// CompressionKind is an alias for the block compression codec selector.
type CompressionKind = compression.Kind

// Compression kind constants.
const (
	CompressionNone   = compression.None
	CompressionSnappy = compression.Snappy
	CompressionLZ4    = compression.LZ4
	CompressionZstd   = compression.Zstd
)

// FIFOOptions configures the FIFO compaction strategy (spec §4.8).
type FIFOOptions struct {
	// LimitBytes is the total on-disk size budget across every level.
	// Default: 1 GiB.
	LimitBytes uint64

	// TTLSeconds, when > 0, deletes any L0 segment older than this many
	// seconds regardless of LimitBytes. Default: 0 (disabled).
	TTLSeconds int64
}

// DefaultFIFOOptions returns FIFOOptions with the engine's defaults.
func DefaultFIFOOptions() FIFOOptions {
	return FIFOOptions{LimitBytes: 1 << 30}
}

// TieredOptions configures the tiered/universal compaction hook (spec
// §4.8a).
type TieredOptions struct {
	// MinMergeWidth is the minimum number of L0 segments before a tiered
	// merge is considered. Default: 2.
	MinMergeWidth int
	// SizeRatioPercent triggers a merge once the L0 segments other than the
	// largest together reach this percentage of the largest one's size.
	// Default: 100.
	SizeRatioPercent int
}

// DefaultTieredOptions returns TieredOptions with the engine's defaults.
func DefaultTieredOptions() TieredOptions {
	return TieredOptions{MinMergeWidth: 2, SizeRatioPercent: 100}
}

// CompactionStyle selects which Strategy backs the tree's background
// compaction loop.
type CompactionStyle int

const (
	// CompactionStyleFIFO deletes the oldest segments once a size or TTL
	// budget is exceeded, falling back to Maintenance otherwise. This is
	// the engine's default: it is the strategy spec §4.8 fully specifies.
	CompactionStyleFIFO CompactionStyle = iota
	// CompactionStyleTiered merges L0 runs into the next level by size
	// ratio (spec §4.8a's hook).
	CompactionStyleTiered
)

func (s CompactionStyle) String() string {
	switch s {
	case CompactionStyleFIFO:
		return "FIFO"
	case CompactionStyleTiered:
		return "Tiered"
	default:
		return "Unknown"
	}
}

// Options configures a Tree (spec §6 "Consumer contract").
type Options struct {
	// Path is the tree's root directory on disk. Required.
	Path string

	// BlockSize is the target uncompressed size, in bytes, of one segment
	// data block. Default: 4096.
	BlockSize int

	// BlockCacheBytes bounds the shared block cache's size. Default: 8 MiB.
	BlockCacheBytes int64

	// Compression selects the default codec for newly-written segment
	// blocks. Default: CompressionNone.
	Compression CompressionKind

	// BloomFPRate is the target false-positive rate for each segment's
	// bloom filter; a negative value disables bloom filters. Default (used
	// when 0): 0.01.
	BloomFPRate float64

	// MemtableSizeBytes is the approximate size at which the active
	// memtable is sealed and queued for flush. Default: 4 MiB.
	MemtableSizeBytes int64

	// NumLevels is the number of levels in the level manifest (L0..).
	// Default: 7.
	NumLevels int

	// MaxOpenFiles bounds the descriptor table's pooled segment handles
	// (spec EXPANSION 4.5a). Default: 256.
	MaxOpenFiles int

	// MaintenanceThreshold is the L0 segment count above which the
	// maintenance strategy merges L0 (spec §4.8 "Maintenance strategy").
	// Default: 4.
	MaintenanceThreshold int

	// CompactionStyle selects FIFO (default) or Tiered as the background
	// strategy.
	CompactionStyle CompactionStyle
	FIFO            FIFOOptions
	Tiered          TieredOptions

	// BlobFileTargetSize bounds the size of one blob-tier value-log file
	// before rollover (spec §6 "blob_file_target_size"). Zero, the default,
	// disables the blob tier: all values are stored inline.
	BlobFileTargetSize uint64

	// BlobInlineThreshold is the value size, in bytes, at or below which a
	// value is stored inline in the segment rather than in the blob tier
	// (spec §9 open question: "make it configurable"). Default: 2048.
	BlobInlineThreshold int

	// FS is the filesystem every durable write goes through. Default:
	// vfs.Default().
	FS vfs.FS

	// Logger receives the tree's structured log output. Default:
	// logging.Discard.
	Logger Logger

	// SharedBlockCache, if non-nil, is used instead of allocating a new
	// block cache for this tree (spec §9 "multiple trees in one process
	// must not share unless the config explicitly injects a shared
	// cache").
	SharedBlockCache *cache.BlockCache
}

// WithDefaults returns a copy of o with every zero-valued field replaced by
// its documented default.
func (o Options) WithDefaults() Options {
	if o.BlockSize <= 0 {
		o.BlockSize = 4096
	}
	if o.BlockCacheBytes <= 0 {
		o.BlockCacheBytes = 8 << 20
	}
	if o.BloomFPRate == 0 {
		o.BloomFPRate = 0.01
	}
	if o.MemtableSizeBytes <= 0 {
		o.MemtableSizeBytes = 4 << 20
	}
	if o.NumLevels <= 0 {
		o.NumLevels = 7
	}
	if o.MaxOpenFiles <= 0 {
		o.MaxOpenFiles = 256
	}
	if o.MaintenanceThreshold <= 0 {
		o.MaintenanceThreshold = 4
	}
	if o.FIFO.LimitBytes == 0 {
		o.FIFO.LimitBytes = DefaultFIFOOptions().LimitBytes
	}
	if o.Tiered.MinMergeWidth == 0 {
		o.Tiered.MinMergeWidth = DefaultTieredOptions().MinMergeWidth
	}
	if o.Tiered.SizeRatioPercent == 0 {
		o.Tiered.SizeRatioPercent = DefaultTieredOptions().SizeRatioPercent
	}
	if o.BlobInlineThreshold <= 0 {
		o.BlobInlineThreshold = 2048
	}
	if o.FS == nil {
		o.FS = vfs.Default()
	}
	if o.Logger == nil {
		o.Logger = logging.Discard
	}
	return o
}
