// Package memtable implements the in-memory write buffer: a lock-free
// skip list ordered by internal key, with MVCC point lookup and prefix
// iteration (spec §4.1).
package memtable

import (
	"bytes"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/carlsverre/lsm-tree/internal/ikey"
	"github.com/carlsverre/lsm-tree/internal/rangedel"
)

const maxLevel = 16
const probability = 0.25

type node struct {
	key   ikey.Key
	value []byte
	next  []atomic.Pointer[node]
}

func newNode(key ikey.Key, value []byte, level int) *node {
	return &node{key: key, value: value, next: make([]atomic.Pointer[node], level)}
}

// randomLevel picks a node's tower height using the standard geometric
// distribution, matching the skip list's amortized O(log n) guarantee.
func randomLevel(rng *rand.Rand) int {
	level := 1
	for level < maxLevel && rng.Float64() < probability {
		level++
	}
	return level
}

// Memtable is a concurrent ordered multimap InternalKey -> UserValue. Reads
// and writes to disjoint keys never block one another: inserts splice new
// nodes in with compare-and-swap rather than a mutex (spec §3 "inserts
// never block one another for disjoint keys").
type Memtable struct {
	head    *node
	size    atomic.Int64 // approximate byte size
	count   atomic.Int64
	lsn     atomic.Uint64 // highest seqno observed
	rngSeed atomic.Uint64

	tombMu     sync.Mutex
	tombstones *rangedel.Aggregator
}

// New creates an empty memtable.
func New() *Memtable {
	return &Memtable{head: newNode(nil, nil, maxLevel), tombstones: rangedel.NewAggregator()}
}

// InsertRangeTombstone records that every user_key in [start, end) is
// deleted as of seqno (spec EXPANSION 4.1a). Point reads and range scans
// subsequently consult this alongside point entries, so a range delete can
// shadow writes without materializing one point tombstone per covered key.
func (m *Memtable) InsertRangeTombstone(start, end []byte, seqno ikey.SeqNo) {
	m.tombMu.Lock()
	m.tombstones.Add(rangedel.Tombstone{
		Start: append([]byte(nil), start...),
		End:   cloneOptional(end),
		SeqNo: seqno,
	})
	m.tombMu.Unlock()

	for {
		cur := m.lsn.Load()
		if uint64(seqno) <= cur || m.lsn.CompareAndSwap(cur, uint64(seqno)) {
			break
		}
	}
}

func cloneOptional(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// coveringRangeTombstoneSeqNo returns the seqno of the newest range
// tombstone covering userKey that postdates entrySeqNo and is itself
// visible under bound (bound nil means no snapshot restriction, matching
// Get's own "seqno < bound" convention).
func (m *Memtable) coveringRangeTombstoneSeqNo(userKey []byte, entrySeqNo ikey.SeqNo, bound *ikey.SeqNo) (ikey.SeqNo, bool) {
	m.tombMu.Lock()
	defer m.tombMu.Unlock()
	var best ikey.SeqNo
	found := false
	for _, ts := range m.tombstones.All() {
		if ikey.CompareUserKey(userKey, ts.Start) < 0 {
			continue
		}
		if ts.End != nil && ikey.CompareUserKey(userKey, ts.End) >= 0 {
			continue
		}
		if ts.SeqNo <= entrySeqNo {
			continue
		}
		if bound != nil && ts.SeqNo >= *bound {
			continue
		}
		if !found || ts.SeqNo > best {
			best, found = ts.SeqNo, true
		}
	}
	return best, found
}

// compare orders two internal keys; nil sorts before everything (used only
// for the sentinel head node).
func compare(a, b ikey.Key) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	return ikey.Compare(a, b)
}

// findPredecessors locates, at every level, the last node whose key sorts
// strictly before target, returning the per-level predecessor chain.
func (m *Memtable) findPredecessors(target ikey.Key) [maxLevel]*node {
	var preds [maxLevel]*node
	cur := m.head
	for level := maxLevel - 1; level >= 0; level-- {
		for {
			next := cur.next[level].Load()
			if next == nil || compare(next.key, target) >= 0 {
				break
			}
			cur = next
		}
		preds[level] = cur
	}
	return preds
}

// Insert atomically inserts value_entry, returning the entry's encoded size
// and the memtable's new approximate total size (spec §4.1 "insert").
func (m *Memtable) Insert(key ikey.Key, value []byte) (entrySize int, newTotalSize int64) {
	entrySize = len(key) + len(value)
	level := randomLevel(rngFor(m))
	newNode := newNode(append(ikey.Key(nil), key...), value, level)

	for {
		preds := m.findPredecessors(key)
		for l := 0; l < level; l++ {
			newNode.next[l].Store(preds[l].next[l].Load())
		}
		// CAS the bottom level first; if it fails, another insert raced
		// ahead of us and we must recompute predecessors.
		if preds[0].next[0].CompareAndSwap(newNode.next[0].Load(), newNode) {
			for l := 1; l < level; l++ {
				for {
					old := preds[l].next[l].Load()
					newNode.next[l].Store(old)
					if preds[l].next[l].CompareAndSwap(old, newNode) {
						break
					}
					preds = m.findPredecessors(key)
				}
			}
			break
		}
	}

	m.count.Add(1)
	total := m.size.Add(int64(entrySize))
	for {
		cur := m.lsn.Load()
		if uint64(key.SeqNo()) <= cur || m.lsn.CompareAndSwap(cur, uint64(key.SeqNo())) {
			break
		}
	}
	return entrySize, total
}

// rngFor derives a fresh per-call RNG. math/rand's global source would
// serialize concurrent inserts; a local source keyed off a counter avoids
// that contention point.
func rngFor(m *Memtable) *rand.Rand {
	seed := m.rngSeed.Add(1)
	return rand.New(rand.NewSource(int64(seed ^ 0x9E3779B97F4A7C15)))
}

// Get performs the MVCC point lookup described in spec §4.1: range-scan
// from (user_key, MaxSeqNo, Tombstone) ascending, returning the first entry
// whose user_key matches, applying the snapshot filter if snapshotSeqNo is
// non-nil.
func (m *Memtable) Get(userKey []byte, snapshotSeqNo *ikey.SeqNo) (ikey.Entry, bool) {
	seek := ikey.SeekKey(userKey)
	cur := m.head
	for level := maxLevel - 1; level >= 0; level-- {
		for {
			next := cur.next[level].Load()
			if next == nil || compare(next.key, seek) >= 0 {
				break
			}
			cur = next
		}
	}
	n := cur.next[0].Load()
	for n != nil {
		if !bytes.Equal(n.key.UserKey(), userKey) {
			break
		}
		if snapshotSeqNo == nil || n.key.SeqNo() < *snapshotSeqNo {
			entry := ikey.Entry{Key: n.key, Value: n.value}
			if covSeq, covered := m.coveringRangeTombstoneSeqNo(userKey, n.key.SeqNo(), snapshotSeqNo); covered {
				return ikey.Entry{Key: ikey.New(userKey, covSeq, ikey.Tombstone)}, true
			}
			return entry, true
		}
		n = n.next[0].Load()
	}
	if covSeq, covered := m.coveringRangeTombstoneSeqNo(userKey, 0, snapshotSeqNo); covered {
		return ikey.Entry{Key: ikey.New(userKey, covSeq, ikey.Tombstone)}, true
	}
	return ikey.Entry{}, false
}

// Size returns the approximate in-memory byte size of all entries.
func (m *Memtable) Size() int64 { return m.size.Load() }

// Len returns the number of entries inserted.
func (m *Memtable) Len() int64 { return m.count.Load() }

// IsEmpty reports whether the memtable holds no entries.
func (m *Memtable) IsEmpty() bool { return m.count.Load() == 0 }

// LSN returns the highest sequence number inserted so far.
func (m *Memtable) LSN() ikey.SeqNo { return ikey.SeqNo(m.lsn.Load()) }

// Iterator walks every entry in internal-key order from the memtable's
// state at construction time; concurrent inserts after construction are
// not guaranteed to be visible (spec §9: "range queries returning a
// consistent snapshot of keys present at iterator creation").
type Iterator struct {
	cur   *node
	upper []byte
	done  bool
	err   error
}

// NewIterator returns an iterator over the whole memtable.
func (m *Memtable) NewIterator() *Iterator {
	return &Iterator{cur: m.head.next[0].Load()}
}

// NewPrefixIterator returns an iterator over entries whose user_key starts
// with prefix (spec §4.1 "prefix(p)").
func (m *Memtable) NewPrefixIterator(prefix []byte) *Iterator {
	preds := m.findPredecessors(ikey.SeekKey(prefix))
	return &Iterator{cur: preds[0].next[0].Load(), upper: successor(prefix)}
}

// NewRangeIterator returns an iterator over [lower, upper) by user_key;
// nil bounds are open.
func (m *Memtable) NewRangeIterator(lower, upper []byte) *Iterator {
	if lower == nil {
		return &Iterator{cur: m.head.next[0].Load(), upper: upper}
	}
	preds := m.findPredecessors(ikey.SeekKey(lower))
	return &Iterator{cur: preds[0].next[0].Load(), upper: upper}
}

// successor returns the smallest byte string strictly greater than every
// string with the given prefix, or nil (open upper bound) if prefix is
// empty or all 0xFF bytes.
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

// Next advances the iterator and returns the next entry, or false at EOF.
func (it *Iterator) Next() (ikey.Entry, bool) {
	if it.done || it.cur == nil {
		return ikey.Entry{}, false
	}
	if it.upper != nil && bytes.Compare(it.cur.key.UserKey(), it.upper) >= 0 {
		it.done = true
		return ikey.Entry{}, false
	}
	entry := ikey.Entry{Key: it.cur.key, Value: it.cur.value}
	it.cur = it.cur.next[0].Load()
	return entry, true
}

// Err always returns nil: memtable iteration is infallible (spec §4.1
// "Failure semantics: none").
func (it *Iterator) Err() error { return it.err }
