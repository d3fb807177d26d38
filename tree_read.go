package lsmtree

import (
	"github.com/carlsverre/lsm-tree/internal/ikey"
	"github.com/carlsverre/lsm-tree/internal/iterator"
	"github.com/carlsverre/lsm-tree/internal/manifest"
)

// Get returns the current value of userKey (spec §4.10 "get").
func (t *Tree) Get(userKey []byte) ([]byte, bool, error) {
	return t.get(userKey, nil)
}

// GetWithSeqNo returns the value of userKey as of snapshot s: the newest
// version with seqno <= s (spec §3, §4.10 "get_with_seqno"). The point
// lookup APIs beneath this (memtable.Get, segment.Reader.PointGet) use the
// opposite convention — "keep entries with seqno strictly less than the
// bound" — so the bound passed down is s+1.
func (t *Tree) GetWithSeqNo(userKey []byte, s ikey.SeqNo) ([]byte, bool, error) {
	bound := s + 1
	return t.get(userKey, &bound)
}

// get implements the read path's fixed search order (spec §2: "reads
// traverse active memtable -> sealed memtables -> L0 (newest-first) ->
// lower levels, stopping at the first definitive answer"), then applies any
// tree-wide range tombstone that postdates the entry found (spec EXPANSION
// 4.1a) before resolving the value.
func (t *Tree) get(userKey []byte, pointBound *ikey.SeqNo) ([]byte, bool, error) {
	if t.closed.Load() {
		return nil, false, ErrClosed
	}

	entry, ok, err := t.lookupEntry(userKey, pointBound)
	if err != nil || !ok {
		return nil, false, err
	}
	if _, covered := t.coveringRangeTombstoneSeqNo(userKey, entry.Key.SeqNo(), pointBound, false); covered {
		return nil, false, nil
	}
	return t.resolveEntry(entry)
}

func (t *Tree) lookupEntry(userKey []byte, pointBound *ikey.SeqNo) (ikey.Entry, bool, error) {
	t.rotMu.RLock()
	active := t.active
	t.rotMu.RUnlock()
	if entry, ok := active.Get(userKey, pointBound); ok {
		return entry, true, nil
	}

	t.sealedMu.Lock()
	sealedSnapshot := append([]sealedMemtable(nil), t.sealed...)
	t.sealedMu.Unlock()
	for i := len(sealedSnapshot) - 1; i >= 0; i-- {
		if entry, ok := sealedSnapshot[i].mt.Get(userKey, pointBound); ok {
			return entry, true, nil
		}
	}

	view := t.man.ResolvedView()
	for level, segs := range view {
		for _, seg := range segs {
			if !segmentMayContainKey(seg, userKey) {
				continue
			}
			r, err := t.segmentReader(seg)
			if err != nil {
				return ikey.Entry{}, false, err
			}
			entry, ok, err := r.PointGet(userKey, pointBound)
			if err != nil {
				return ikey.Entry{}, false, newErr(KindIo, "point get", err)
			}
			if ok {
				return entry, true, nil
			}
			if level > 0 {
				// Ln segments are non-overlapping: at most one can contain
				// userKey, so there is no point checking the rest.
				break
			}
		}
	}
	return ikey.Entry{}, false, nil
}

// coveringRangeTombstoneSeqNo reports the newest tree-wide range tombstone
// covering userKey that postdates entrySeqNo and is itself visible under
// bound. inclusive selects which snapshot convention bound follows:
// point-lookup bounds are exclusive (seqno < bound); the merging iterator's
// SnapshotSeqNo is inclusive (seqno <= bound).
func (t *Tree) coveringRangeTombstoneSeqNo(userKey []byte, entrySeqNo ikey.SeqNo, bound *ikey.SeqNo, inclusive bool) (ikey.SeqNo, bool) {
	t.rtMu.Lock()
	defer t.rtMu.Unlock()
	var best ikey.SeqNo
	found := false
	for _, ts := range t.rangeTombstones.All() {
		if ikey.CompareUserKey(userKey, ts.Start) < 0 {
			continue
		}
		if ts.End != nil && ikey.CompareUserKey(userKey, ts.End) >= 0 {
			continue
		}
		if ts.SeqNo <= entrySeqNo {
			continue
		}
		if bound != nil {
			if inclusive && ts.SeqNo > *bound {
				continue
			}
			if !inclusive && ts.SeqNo >= *bound {
				continue
			}
		}
		if !found || ts.SeqNo > best {
			best, found = ts.SeqNo, true
		}
	}
	return best, found
}

func (t *Tree) resolveEntry(entry ikey.Entry) ([]byte, bool, error) {
	if entry.Key.ValueType() == ikey.Tombstone {
		return nil, false, nil
	}
	v, err := t.resolveValue(entry.Value)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func segmentMayContainKey(seg manifest.SegmentMetadata, userKey []byte) bool {
	if len(seg.MinKey) > 0 && ikey.CompareUserKey(userKey, ikey.Key(seg.MinKey).UserKey()) < 0 {
		return false
	}
	if len(seg.MaxKey) > 0 && ikey.CompareUserKey(userKey, ikey.Key(seg.MaxKey).UserKey()) > 0 {
		return false
	}
	return true
}

func segmentMayOverlapRange(seg manifest.SegmentMetadata, lower, upper []byte) bool {
	if upper != nil && len(seg.MinKey) > 0 && ikey.CompareUserKey(upper, ikey.Key(seg.MinKey).UserKey()) <= 0 {
		return false
	}
	if lower != nil && len(seg.MaxKey) > 0 && ikey.CompareUserKey(ikey.Key(seg.MaxKey).UserKey(), lower) < 0 {
		return false
	}
	return true
}

// RangeIterator walks a merged, deduplicated, tombstone-filtered stream of
// (userKey, value) pairs over the tree's active memtable, sealed
// memtables, and candidate segments (spec §4.10 "range"/"prefix").
type RangeIterator struct {
	merger        *iterator.Merger
	tree          *Tree
	snapshotSeqNo *ikey.SeqNo
}

// Next advances the iterator, returning false at EOF. Check Err after Next
// returns false to distinguish EOF from a read failure.
func (it *RangeIterator) Next() (userKey, value []byte, ok bool, err error) {
	for {
		entry, next := it.merger.Next()
		if !next {
			return nil, nil, false, it.merger.Err()
		}
		if entry.Key.ValueType() == ikey.Tombstone {
			continue
		}
		if _, covered := it.tree.coveringRangeTombstoneSeqNo(entry.Key.UserKey(), entry.Key.SeqNo(), it.snapshotSeqNo, true); covered {
			continue
		}
		v, err := it.tree.resolveValue(entry.Value)
		if err != nil {
			return nil, nil, false, err
		}
		return append([]byte(nil), entry.Key.UserKey()...), v, true, nil
	}
}

// Range returns an iterator over [lower, upper) by user_key; nil bounds are
// open (spec §4.10 "range").
func (t *Tree) Range(lower, upper []byte) (*RangeIterator, error) {
	return t.rangeWithSeqNo(lower, upper, nil)
}

// RangeWithSeqNo is Range filtered to entries visible as of snapshot s.
func (t *Tree) RangeWithSeqNo(lower, upper []byte, s ikey.SeqNo) (*RangeIterator, error) {
	return t.rangeWithSeqNo(lower, upper, &s)
}

// Prefix returns an iterator over every key starting with prefix (spec
// §4.10 "prefix").
func (t *Tree) Prefix(prefix []byte) (*RangeIterator, error) {
	return t.rangeWithSeqNo(prefix, rangeSuccessor(prefix), nil)
}

// PrefixWithSeqNo is Prefix filtered to entries visible as of snapshot s.
func (t *Tree) PrefixWithSeqNo(prefix []byte, s ikey.SeqNo) (*RangeIterator, error) {
	return t.rangeWithSeqNo(prefix, rangeSuccessor(prefix), &s)
}

func (t *Tree) rangeWithSeqNo(lower, upper []byte, snapshotSeqNo *ikey.SeqNo) (*RangeIterator, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	var sources []iterator.Source

	t.rotMu.RLock()
	sources = append(sources, t.active.NewRangeIterator(lower, upper))
	t.rotMu.RUnlock()

	t.sealedMu.Lock()
	sealedSnapshot := append([]sealedMemtable(nil), t.sealed...)
	t.sealedMu.Unlock()
	for i := len(sealedSnapshot) - 1; i >= 0; i-- {
		sources = append(sources, sealedSnapshot[i].mt.NewRangeIterator(lower, upper))
	}

	view := t.man.ResolvedView()
	for _, segs := range view {
		for _, seg := range segs {
			if !segmentMayOverlapRange(seg, lower, upper) {
				continue
			}
			r, err := t.segmentReader(seg)
			if err != nil {
				return nil, err
			}
			sources = append(sources, r.NewRangeIterator(lower, upper, nil))
		}
	}

	merger := iterator.New(sources, iterator.Options{Dedup: true, SnapshotSeqNo: snapshotSeqNo})
	return &RangeIterator{merger: merger, tree: t, snapshotSeqNo: snapshotSeqNo}, nil
}

// rangeSuccessor returns the smallest byte string strictly greater than
// every string with the given prefix, or nil (open upper bound) if prefix
// is empty or all 0xFF bytes.
func rangeSuccessor(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}
