// Package rangedel implements range tombstones: a single marker that
// shadows every user_key in [start, end) below its sequence number,
// without materializing one point tombstone per covered key
// (SPEC_FULL.md EXPANSION 4.1a).
package rangedel

import (
	"sort"

	"github.com/carlsverre/lsm-tree/internal/ikey"
)

// Tombstone marks [Start, End) as deleted as of SeqNo.
type Tombstone struct {
	Start []byte
	End   []byte
	SeqNo ikey.SeqNo
}

// covers reports whether t shadows userKey at readSeqNo: userKey must fall
// in [Start, End) and t.SeqNo must be a version visible at readSeqNo.
func (t Tombstone) covers(userKey []byte, readSeqNo *ikey.SeqNo) bool {
	if ikey.CompareUserKey(userKey, t.Start) < 0 {
		return false
	}
	if t.End != nil && ikey.CompareUserKey(userKey, t.End) >= 0 {
		return false
	}
	if readSeqNo != nil && t.SeqNo > *readSeqNo {
		return false
	}
	return true
}

// Aggregator holds range tombstones exactly as added (they may overlap; they
// are neither fragmented nor merged) and answers "is this key covered, and
// at what seqno" queries. CoveringSeqNo scans linearly, which is acceptable
// since range tombstones are rare relative to point entries.
type Aggregator struct {
	tombstones []Tombstone
}

// NewAggregator returns an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Add inserts a new range tombstone, keeping the slice sorted by Start so
// Covers can short-circuit once Start exceeds the queried key.
func (a *Aggregator) Add(t Tombstone) {
	idx := sort.Search(len(a.tombstones), func(i int) bool {
		return ikey.CompareUserKey(a.tombstones[i].Start, t.Start) > 0
	})
	a.tombstones = append(a.tombstones, Tombstone{})
	copy(a.tombstones[idx+1:], a.tombstones[idx:])
	a.tombstones[idx] = t
}

// CoveringSeqNo returns the highest seqno of any tombstone covering userKey
// at readSeqNo (nil = no snapshot bound), or ok=false if none covers it.
func (a *Aggregator) CoveringSeqNo(userKey []byte, readSeqNo *ikey.SeqNo) (seqno ikey.SeqNo, ok bool) {
	for _, t := range a.tombstones {
		if ikey.CompareUserKey(t.Start, userKey) > 0 {
			break
		}
		if t.covers(userKey, readSeqNo) && (!ok || t.SeqNo > seqno) {
			seqno, ok = t.SeqNo, true
		}
	}
	return seqno, ok
}

// Len returns the number of tombstone fragments held.
func (a *Aggregator) Len() int { return len(a.tombstones) }

// All returns a copy of the tombstones in Start order.
func (a *Aggregator) All() []Tombstone {
	out := make([]Tombstone, len(a.tombstones))
	copy(out, a.tombstones)
	return out
}
