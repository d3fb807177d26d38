package segment

import (
	"bytes"
	"fmt"
	"io"

	"github.com/carlsverre/lsm-tree/internal/block"
	"github.com/carlsverre/lsm-tree/internal/cache"
	"github.com/carlsverre/lsm-tree/internal/filter"
	"github.com/carlsverre/lsm-tree/internal/ikey"
)

// ReadableFile is the subset of *os.File the reader needs for random access.
type ReadableFile interface {
	io.ReaderAt
	io.Closer
}

// tliEntry is one parsed top-level-index record: the first internal key of
// a data block, and the handle pointing at that block.
type tliEntry struct {
	firstKey ikey.Key
	handle   block.Handle
}

// Reader serves point lookups and range scans over one finalized segment
// file (spec §4.4).
type Reader struct {
	ID      ID
	file    ReadableFile
	trailer block.Trailer
	tli     []tliEntry
	bloom   *filter.Filter
	cache   *cache.BlockCache
}

// Open reads the trailer, TLI and bloom filter of an already-written
// segment file and returns a ready Reader. fileSize is the total length of
// the file on disk.
func Open(id ID, file ReadableFile, fileSize int64, blockCache *cache.BlockCache) (*Reader, error) {
	if fileSize < block.TrailerSize {
		return nil, fmt.Errorf("segment: file too small to hold trailer (%d bytes)", fileSize)
	}
	trailerBuf := make([]byte, block.TrailerSize)
	if _, err := file.ReadAt(trailerBuf, fileSize-block.TrailerSize); err != nil {
		return nil, fmt.Errorf("segment: read trailer: %w", err)
	}
	trailer, err := block.DecodeTrailer(trailerBuf)
	if err != nil {
		return nil, fmt.Errorf("segment: decode trailer: %w", err)
	}

	r := &Reader{ID: id, file: file, trailer: trailer, cache: blockCache}

	if trailer.TLIPtr.Size > 0 {
		raw, err := r.readRawFrame(trailer.TLIPtr)
		if err != nil {
			return nil, fmt.Errorf("segment: read tli: %w", err)
		}
		tliReader, err := block.NewReader(raw)
		if err != nil {
			return nil, fmt.Errorf("segment: parse tli: %w", err)
		}
		records, err := tliReader.All()
		if err != nil {
			return nil, fmt.Errorf("segment: decode tli: %w", err)
		}
		r.tli = make([]tliEntry, len(records))
		for i, rec := range records {
			h, n := block.DecodeHandle(rec.Value)
			if n == 0 {
				return nil, fmt.Errorf("segment: corrupt tli handle at entry %d", i)
			}
			r.tli[i] = tliEntry{firstKey: rec.Key, handle: h}
		}
	}

	if trailer.BloomPtr.Size > 0 {
		buf := make([]byte, trailer.BloomPtr.Size)
		if _, err := file.ReadAt(buf, int64(trailer.BloomPtr.Offset)); err != nil {
			return nil, fmt.Errorf("segment: read bloom: %w", err)
		}
		r.bloom = filter.Decode(buf)
	}

	return r, nil
}

// readRawFrame reads and decompresses the frame identified by h.
func (r *Reader) readRawFrame(h block.Handle) ([]byte, error) {
	buf := make([]byte, h.Size)
	if _, err := r.file.ReadAt(buf, int64(h.Offset)); err != nil {
		return nil, fmt.Errorf("segment: read frame at %d: %w", h.Offset, err)
	}
	return block.ParseFrame(buf, r.trailer.Meta.Compression)
}

// blockRecords returns the decoded records of the data block at h, going
// through the shared block cache when one is configured.
func (r *Reader) blockRecords(h block.Handle) ([]block.Record, error) {
	if r.cache != nil {
		if recs, ok := r.cache.Get(cache.Key{SegmentID: uint64(r.ID), BlockOffset: h.Offset}); ok {
			return recs.([]block.Record), nil
		}
	}
	raw, err := r.readRawFrame(h)
	if err != nil {
		return nil, err
	}
	br, err := block.NewReader(raw)
	if err != nil {
		return nil, err
	}
	records, err := br.All()
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.Put(cache.Key{SegmentID: uint64(r.ID), BlockOffset: h.Offset}, records, len(raw))
	}
	return records, nil
}

// findBlock binary-searches the TLI for the last block whose first key is
// <= target, returning its handle. A target that sorts before the first
// block's first key maps to block 0; ok is false only when the segment has
// no blocks.
func (r *Reader) findBlock(target ikey.Key) (block.Handle, bool) {
	if len(r.tli) == 0 {
		return block.Handle{}, false
	}
	lo, hi := 0, len(r.tli)-1
	best := 0
	for lo <= hi {
		mid := (lo + hi) / 2
		if ikey.Compare(r.tli[mid].firstKey, target) <= 0 {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return r.tli[best].handle, true
}

// PointGet looks up the newest visible version of userKey (spec §4.4
// "point_get"). snapshotSeqNo of nil means "no snapshot: highest seqno".
func (r *Reader) PointGet(userKey []byte, snapshotSeqNo *ikey.SeqNo) (ikey.Entry, bool, error) {
	if r.bloom != nil && !r.bloom.MayContain(userKey) {
		return ikey.Entry{}, false, nil
	}
	target := ikey.SeekKey(userKey)
	handle, ok := r.findBlock(target)
	if !ok {
		return ikey.Entry{}, false, nil
	}
	records, err := r.blockRecords(handle)
	if err != nil {
		return ikey.Entry{}, false, err
	}
	for _, rec := range records {
		if !bytes.Equal(rec.Key.UserKey(), userKey) {
			if ikey.CompareUserKey(rec.Key.UserKey(), userKey) > 0 {
				break
			}
			continue
		}
		if snapshotSeqNo != nil && rec.Key.SeqNo() >= *snapshotSeqNo {
			continue
		}
		return ikey.Entry{Key: rec.Key, Value: rec.Value}, true, nil
	}
	return ikey.Entry{}, false, nil
}

// MinKey returns the segment's minimum internal key.
func (r *Reader) MinKey() ikey.Key { return ikey.Key(r.trailer.Meta.MinKey) }

// MaxKey returns the segment's maximum internal key.
func (r *Reader) MaxKey() ikey.Key { return ikey.Key(r.trailer.Meta.MaxKey) }

// Metadata returns the segment's descriptive metadata.
func (r *Reader) Metadata() block.Metadata { return r.trailer.Meta }

// MayOverlap reports whether [lower, upper) could intersect this segment's
// key range, used to prune segments before constructing a range iterator.
func (r *Reader) MayOverlap(lower, upper []byte) bool {
	if upper != nil && ikey.CompareUserKey(upper, r.MinKey().UserKey()) <= 0 {
		return false
	}
	if lower != nil && ikey.CompareUserKey(r.MaxKey().UserKey(), lower) < 0 {
		return false
	}
	return true
}

// entryIterator walks every record in ascending internal-key order across
// all data blocks, used to build range/prefix iterators.
type entryIterator struct {
	r             *Reader
	blockIx       int
	records       []block.Record
	recIx         int
	err           error
	upper         []byte
	snapshotSeqNo *ikey.SeqNo
	done          bool
}

// NewRangeIterator returns an iterator over all entries in [lower, upper)
// (by user_key; nil bounds are open). A non-nil snapshotSeqNo keeps entries
// with seqno <= *snapshotSeqNo, an inclusive bound unlike PointGet's
// exclusive one (spec §4.4 "range").
func (r *Reader) NewRangeIterator(lower, upper []byte, snapshotSeqNo *ikey.SeqNo) *entryIterator {
	it := &entryIterator{r: r, blockIx: -1, upper: upper, snapshotSeqNo: snapshotSeqNo}
	if lower != nil {
		if h, ok := r.findBlock(ikey.SeekKey(lower)); ok {
			for i, e := range r.tli {
				if e.handle == h {
					it.blockIx = i - 1
					break
				}
			}
		}
	}
	return it
}

// NewPrefixIterator returns an iterator over entries whose user_key starts
// with prefix (spec §4.4 "prefix(p)"), equivalent to range [p, successor(p)).
func (r *Reader) NewPrefixIterator(prefix []byte, snapshotSeqNo *ikey.SeqNo) *entryIterator {
	return r.NewRangeIterator(prefix, successor(prefix), snapshotSeqNo)
}

// successor returns the smallest byte string strictly greater than every
// string with the given prefix, or nil (open upper bound) if prefix is all
// 0xFF bytes or empty.
func successor(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}

// Next advances the iterator, returning false at EOF. Check Err after Next
// returns false.
func (it *entryIterator) Next() (ikey.Entry, bool) {
	if it.done {
		return ikey.Entry{}, false
	}
	for {
		for it.recIx < len(it.records) {
			rec := it.records[it.recIx]
			it.recIx++
			if it.upper != nil && ikey.CompareUserKey(rec.Key.UserKey(), it.upper) >= 0 {
				it.done = true
				return ikey.Entry{}, false
			}
			if it.snapshotSeqNo != nil && rec.Key.SeqNo() > *it.snapshotSeqNo {
				continue
			}
			return ikey.Entry{Key: rec.Key, Value: rec.Value}, true
		}
		it.blockIx++
		if it.blockIx >= len(it.r.tli) {
			it.done = true
			return ikey.Entry{}, false
		}
		records, err := it.r.blockRecords(it.r.tli[it.blockIx].handle)
		if err != nil {
			it.err = err
			it.done = true
			return ikey.Entry{}, false
		}
		it.records = records
		it.recIx = 0
	}
}

// Err returns the first error encountered during iteration, if any.
func (it *entryIterator) Err() error { return it.err }

// Close does not close the underlying file handle: whoever opened the file
// owns its lifetime (in the tree, the descriptor table). Close is a no-op
// for callers that want a uniform iterator-closing interface.
func (r *Reader) Close() error { return nil }
