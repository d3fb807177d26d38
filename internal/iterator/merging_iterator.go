// Package iterator implements the k-way merging iterator (spec §4.6) that
// unifies the active memtable, sealed memtables, and candidate segments
// into one deduplicated, MVCC-filtered stream in internal-key order.
package iterator

import (
	"bytes"
	"container/heap"

	"github.com/carlsverre/lsm-tree/internal/ikey"
)

// Source is one sorted input to the merger: the memtable's iterator and a
// segment's range iterator both implement it.
type Source interface {
	// Next advances to the next entry, returning false at EOF or error.
	Next() (ikey.Entry, bool)
	// Err returns the first error encountered, checked after Next returns
	// false (spec §4.6: "if any source yields an error, the merger emits
	// that error and terminates").
	Err() error
}

// heapItem holds one source's current head entry.
type heapItem struct {
	entry  ikey.Entry
	source Source
	index  int // source priority: lower index wins ties (newer source first)
}

type minHeap []*heapItem

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool {
	c := ikey.Compare(h[i].entry.Key, h[j].entry.Key)
	if c != 0 {
		return c < 0
	}
	// Equal internal keys (same user_key, seqno, and type) should not
	// normally occur across independent sources, but ties break toward
	// the source registered first (the more recently active one, by
	// convention memtable before sealed memtables before L0 before Ln).
	return h[i].index < h[j].index
}
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(*heapItem)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Options controls the merger's dedup and MVCC filtering behavior.
type Options struct {
	// Dedup, when true, yields at most one entry per user_key: the first
	// one encountered, which is the newest since sources are internal-key
	// ordered (spec §4.6: "after emitting a user_key, skip subsequent
	// entries with the same user_key").
	Dedup bool
	// SnapshotSeqNo, when non-nil, drops entries with seqno > *SnapshotSeqNo
	// before emission.
	SnapshotSeqNo *ikey.SeqNo
}

// Merger is the k-way merging iterator.
type Merger struct {
	heap       minHeap
	opts       Options
	lastUser   []byte
	haveLast   bool
	err        error
}

// New constructs a Merger over sources, primed to its first entry. Earlier
// entries in sources take priority on exact-key ties (sources should be
// ordered newest-to-oldest: active memtable, sealed memtables, L0 newest
// first, then lower levels).
func New(sources []Source, opts Options) *Merger {
	m := &Merger{opts: opts}
	for i, s := range sources {
		if entry, ok := s.Next(); ok {
			heap.Push(&m.heap, &heapItem{entry: entry, source: s, index: i})
		} else if err := s.Err(); err != nil {
			m.err = err
		}
	}
	heap.Init(&m.heap)
	return m
}

// Next returns the next entry in the merged stream, or false at EOF or on
// error (check Err to distinguish the two).
func (m *Merger) Next() (ikey.Entry, bool) {
	if m.err != nil {
		return ikey.Entry{}, false
	}
	for m.heap.Len() > 0 {
		top := m.heap[0]
		entry := top.entry

		m.advance(top)

		if m.opts.SnapshotSeqNo != nil && entry.Key.SeqNo() > *m.opts.SnapshotSeqNo {
			continue
		}
		if m.opts.Dedup {
			userKey := entry.Key.UserKey()
			if m.haveLast && bytes.Equal(userKey, m.lastUser) {
				continue
			}
			m.haveLast = true
			m.lastUser = append(m.lastUser[:0], userKey...)
		}
		return entry, true
	}
	return ikey.Entry{}, false
}

// advance pops the heap's current minimum, pulls its source's next entry,
// and pushes it back if the source is not exhausted.
func (m *Merger) advance(top *heapItem) {
	heap.Pop(&m.heap)
	if next, ok := top.source.Next(); ok {
		top.entry = next
		heap.Push(&m.heap, top)
	} else if err := top.source.Err(); err != nil {
		m.err = err
	}
}

// Err returns the first error encountered by any source.
func (m *Merger) Err() error { return m.err }
