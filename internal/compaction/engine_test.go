package compaction

import (
	"testing"

	"github.com/carlsverre/lsm-tree/internal/ikey"
)

// sliceSource replays a fixed list of entries, newest-first per key, as an
// iterator.Source -- the shape a segment or memtable iterator presents.
type sliceSource struct {
	entries []ikey.Entry
	pos     int
}

func (s *sliceSource) Next() (ikey.Entry, bool) {
	if s.pos >= len(s.entries) {
		return ikey.Entry{}, false
	}
	e := s.entries[s.pos]
	s.pos++
	return e, true
}

func (s *sliceSource) Err() error { return nil }

func entry(key string, seq uint64, val string) ikey.Entry {
	return ikey.Entry{Key: ikey.New([]byte(key), ikey.SeqNo(seq), ikey.Value), Value: []byte(val)}
}

func drain(it *retentionIterator) []ikey.Entry {
	var out []ikey.Entry
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, e)
	}
	return out
}

// TestRetentionIteratorKeepsNewestAboveFloor reproduces the data-loss repro:
// a key's newest version postdates oldestLiveSnapshot, with one shadowed
// older version at the floor. Both must survive -- the newest because
// retention always keeps it, the older one because it is exactly the floor
// version a live snapshot may still need.
func TestRetentionIteratorKeepsNewestAboveFloor(t *testing.T) {
	src := &sliceSource{entries: []ikey.Entry{
		entry("a", 2, "v2"),
		entry("a", 1, "v1"),
	}}
	floor := ikey.SeqNo(1)
	got := drain(newRetentionIterator(src, &floor))

	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2: %+v", len(got), got)
	}
	if string(got[0].Value) != "v2" || got[0].Key.SeqNo() != 2 {
		t.Fatalf("got[0] = %+v, want newest version (v2, seq 2)", got[0])
	}
	if string(got[1].Value) != "v1" || got[1].Key.SeqNo() != 1 {
		t.Fatalf("got[1] = %+v, want floor version (v1, seq 1)", got[1])
	}
}

// TestRetentionIteratorDropsVersionsBelowFloor: once a version at or below
// the floor has been kept, every older duplicate collapses away.
func TestRetentionIteratorDropsVersionsBelowFloor(t *testing.T) {
	src := &sliceSource{entries: []ikey.Entry{
		entry("a", 5, "newest"),
		entry("a", 3, "at-floor"),
		entry("a", 2, "stale"),
		entry("a", 1, "older-stale"),
	}}
	floor := ikey.SeqNo(3)
	got := drain(newRetentionIterator(src, &floor))

	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2: %+v", len(got), got)
	}
	if string(got[0].Value) != "newest" {
		t.Fatalf("got[0] = %+v, want newest", got[0])
	}
	if string(got[1].Value) != "at-floor" {
		t.Fatalf("got[1] = %+v, want at-floor", got[1])
	}
}

// TestRetentionIteratorNoLiveSnapshotKeepsOnlyNewest: with no live snapshot,
// every shadowed version is dropped regardless of seqno, the same as plain
// Dedup would produce.
func TestRetentionIteratorNoLiveSnapshotKeepsOnlyNewest(t *testing.T) {
	src := &sliceSource{entries: []ikey.Entry{
		entry("a", 2, "v2"),
		entry("a", 1, "v1"),
	}}
	got := drain(newRetentionIterator(src, nil))

	if len(got) != 1 {
		t.Fatalf("got %d entries, want 1: %+v", len(got), got)
	}
	if string(got[0].Value) != "v2" {
		t.Fatalf("got[0] = %+v, want v2", got[0])
	}
}

// TestRetentionIteratorIndependentPerKey checks the floor bookkeeping resets
// between distinct keys.
func TestRetentionIteratorIndependentPerKey(t *testing.T) {
	src := &sliceSource{entries: []ikey.Entry{
		entry("a", 2, "a2"),
		entry("a", 1, "a1"),
		entry("b", 1, "b1"),
	}}
	floor := ikey.SeqNo(1)
	got := drain(newRetentionIterator(src, &floor))

	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3: %+v", len(got), got)
	}
}
