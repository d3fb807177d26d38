// Package ikey implements the internal key: the sort key every sorted
// structure in the engine (memtable skiplist, segment data blocks, merging
// iterator) orders its entries by.
//
// An internal key is (user_key, seqno, value_type). Entries sort ascending
// by user_key, then descending by seqno (newest first), then by value_type.
// The descending seqno order is the MVCC keystone: forward iteration finds
// the newest visible version of a key before any older one.
package ikey

import (
	"bytes"
	"fmt"

	"github.com/carlsverre/lsm-tree/internal/encoding"
)

// SeqNo is a monotonic sequence number assigned at write time.
type SeqNo uint64

// MaxSeqNo is the largest valid sequence number; used to build a lookup key
// that sorts before every real version of a given user key.
const MaxSeqNo SeqNo = ^SeqNo(0)

// ValueType tags whether an entry is a live value or a deletion marker.
// This is the exhaustive two-tag sum type spec.md §3 names — the engine
// does not carry RocksDB's WAL-only/column-family/2PC tags.
type ValueType uint8

const (
	// Tombstone marks a deleted key. Sorts before Value at equal seqno so a
	// delete and a put at the same seqno (which should not normally occur)
	// resolve deterministically toward the delete.
	Tombstone ValueType = 1
	// Value marks a live value.
	Value ValueType = 0
)

func (t ValueType) String() string {
	if t == Tombstone {
		return "Tombstone"
	}
	return "Value"
}

// trailerSize is the width of the packed (seqno, value_type) suffix.
const trailerSize = 8

// pack combines seqno and value type into a single big-endian-ordered
// integer so that comparing two trailers as plain uint64s produces the
// correct (seqno desc, type) tie-break ordering.
func pack(seq SeqNo, t ValueType) uint64 {
	return (uint64(seq) << 8) | uint64(t)
}

func unpack(trailer uint64) (SeqNo, ValueType) {
	return SeqNo(trailer >> 8), ValueType(trailer & 0xff)
}

// Key is an encoded internal key: user_key followed by an 8-byte trailer.
type Key []byte

// New encodes a fresh internal key from its parts.
func New(userKey []byte, seq SeqNo, t ValueType) Key {
	dst := make([]byte, 0, len(userKey)+trailerSize)
	dst = append(dst, userKey...)
	dst = encoding.AppendFixed64(dst, pack(seq, t))
	return Key(dst)
}

// SeekKey builds a key that sorts before every version of userKey: the
// lookup pattern used by point reads (spec §4.1/§4.4).
func SeekKey(userKey []byte) Key {
	return New(userKey, MaxSeqNo, Tombstone)
}

// UserKey returns the user_key portion of k.
func (k Key) UserKey() []byte {
	if len(k) < trailerSize {
		return nil
	}
	return k[:len(k)-trailerSize]
}

// SeqNo returns the sequence number encoded in k.
func (k Key) SeqNo() SeqNo {
	if len(k) < trailerSize {
		return 0
	}
	seq, _ := unpack(encoding.DecodeFixed64(k[len(k)-trailerSize:]))
	return seq
}

// ValueType returns the value type encoded in k.
func (k Key) ValueType() ValueType {
	if len(k) < trailerSize {
		return Tombstone
	}
	_, t := unpack(encoding.DecodeFixed64(k[len(k)-trailerSize:]))
	return t
}

// Valid reports whether k is long enough to hold a trailer.
func (k Key) Valid() bool {
	return len(k) >= trailerSize
}

func (k Key) String() string {
	if !k.Valid() {
		return fmt.Sprintf("<invalid:%x>", []byte(k))
	}
	return fmt.Sprintf("%q@%d:%s", k.UserKey(), k.SeqNo(), k.ValueType())
}

// CompareUserKey is the default user-key comparator: plain lexicographic
// byte ordering (spec §3).
func CompareUserKey(a, b []byte) int {
	return bytes.Compare(a, b)
}

// Compare orders two internal keys: user_key ascending, then the packed
// (seqno, value_type) trailer descending.
func Compare(a, b Key) int {
	ua, ub := a.UserKey(), b.UserKey()
	if ua == nil {
		ua = a
	}
	if ub == nil {
		ub = b
	}
	if c := CompareUserKey(ua, ub); c != 0 {
		return c
	}
	if len(a) < trailerSize || len(b) < trailerSize {
		return 0
	}
	ta := encoding.DecodeFixed64(a[len(a)-trailerSize:])
	tb := encoding.DecodeFixed64(b[len(b)-trailerSize:])
	switch {
	case ta > tb:
		return -1
	case ta < tb:
		return 1
	default:
		return 0
	}
}

// Entry pairs a parsed internal key with its user value; Tombstone entries
// carry an empty Value (spec §3 "Value Entry").
type Entry struct {
	Key   Key
	Value []byte
}

// Size estimates the memory an Entry occupies, used by the memtable's
// approximate byte counter.
func (e Entry) Size() int {
	return len(e.Key) + len(e.Value)
}
