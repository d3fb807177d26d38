package lsmtree

// snapshot.go implements snapshot management (spec §4.10 "snapshot",
// "register_snapshot", "deregister_snapshot"). A Snapshot pins a sequence
// number: reads through it only ever see entries with seqno <= that number,
// and compaction will not evict a shadowed version or tombstone newer than
// the oldest live snapshot. Grounded on the teacher's snapshot.go linked-
// list-of-snapshots pattern, rewired to the Tree facade.
//
// Reference: RocksDB v10.7.5
//   - include/rocksdb/snapshot.h

import "github.com/carlsverre/lsm-tree/internal/ikey"

// Snapshot is a consistent, point-in-time read view of a Tree.
type Snapshot struct {
	tree *Tree
	seq  ikey.SeqNo

	prev *Snapshot
	next *Snapshot
}

// Snapshot captures the tree's current sequence number and registers it so
// compaction won't discard anything this snapshot might still need (spec
// §4.10 "snapshot").
func (t *Tree) Snapshot() *Snapshot {
	s := &Snapshot{tree: t, seq: ikey.SeqNo(t.seq.Load())}
	t.registerSnapshot(s)
	return s
}

// SeqNo returns the sequence number this snapshot pins.
func (s *Snapshot) SeqNo() ikey.SeqNo { return s.seq }

// Get reads userKey as of the snapshot.
func (s *Snapshot) Get(userKey []byte) ([]byte, bool, error) {
	return s.tree.GetWithSeqNo(userKey, s.seq)
}

// Range returns an iterator over [lower, upper) as of the snapshot.
func (s *Snapshot) Range(lower, upper []byte) (*RangeIterator, error) {
	return s.tree.RangeWithSeqNo(lower, upper, s.seq)
}

// Prefix returns an iterator over every key starting with prefix as of the
// snapshot.
func (s *Snapshot) Prefix(prefix []byte) (*RangeIterator, error) {
	return s.tree.PrefixWithSeqNo(prefix, s.seq)
}

// Release deregisters the snapshot. After Release, the snapshot must not be
// used again.
func (s *Snapshot) Release() {
	s.tree.deregisterSnapshot(s)
}

func (t *Tree) registerSnapshot(s *Snapshot) {
	t.snapMu.Lock()
	defer t.snapMu.Unlock()
	s.next = t.snapHead
	if t.snapHead != nil {
		t.snapHead.prev = s
	}
	t.snapHead = s
}

func (t *Tree) deregisterSnapshot(s *Snapshot) {
	t.snapMu.Lock()
	defer t.snapMu.Unlock()
	if s.prev != nil {
		s.prev.next = s.next
	} else if t.snapHead == s {
		t.snapHead = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	}
	s.prev, s.next = nil, nil
}
