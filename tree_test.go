package lsmtree

import (
	"errors"
	"fmt"
	"testing"
)

func openTestTree(t *testing.T, opts Options) *Tree {
	t.Helper()
	opts.Path = t.TempDir()
	tr, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

// TestMemtableMVCCRead covers spec §8 scenario 4 through the tree facade:
// successive writes to the same key are visible per-snapshot.
func TestMemtableMVCCRead(t *testing.T) {
	tr := openTestTree(t, Options{})

	if err := tr.Insert([]byte("hello-key-999991"), []byte("hello-value-999991")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tr.Insert([]byte("hello-key-999991"), []byte("hello-value-999991-2")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	v, ok, err := tr.Get([]byte("hello-key-999991"))
	if err != nil || !ok || string(v) != "hello-value-999991-2" {
		t.Fatalf("Get = %q, %v, %v, want hello-value-999991-2", v, ok, err)
	}

	v, ok, err = tr.GetWithSeqNo([]byte("hello-key-999991"), 1)
	if err != nil || !ok || string(v) != "hello-value-999991" {
		t.Fatalf("GetWithSeqNo(1) = %q, %v, %v, want hello-value-999991", v, ok, err)
	}

	v, ok, err = tr.GetWithSeqNo([]byte("hello-key-999991"), 2)
	if err != nil || !ok || string(v) != "hello-value-999991-2" {
		t.Fatalf("GetWithSeqNo(2) = %q, %v, %v, want hello-value-999991-2", v, ok, err)
	}

	if _, ok, err := tr.Get([]byte("hello-key-99999")); err != nil || ok {
		t.Fatalf("Get(different key) = _, %v, %v, want (_, false, nil)", ok, err)
	}
}

// TestTombstoneVisibility covers spec §8's tombstone visibility invariant:
// inserting (k, v, s1) then removing at s2 hides k for reads after s2, and
// still shows v for reads between s1 and s2.
func TestTombstoneVisibility(t *testing.T) {
	tr := openTestTree(t, Options{})

	if err := tr.Insert([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tr.Remove([]byte("k")); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if _, ok, err := tr.Get([]byte("k")); err != nil || ok {
		t.Fatalf("Get() after remove = _, %v, %v, want (_, false, nil)", ok, err)
	}

	v, ok, err := tr.GetWithSeqNo([]byte("k"), 1)
	if err != nil || !ok || string(v) != "v" {
		t.Fatalf("GetWithSeqNo(1) = %q, %v, %v, want v", v, ok, err)
	}

	if _, ok, err := tr.GetWithSeqNo([]byte("k"), 2); err != nil || ok {
		t.Fatalf("GetWithSeqNo(2) = _, %v, %v, want (_, false, nil) (tombstone visible)", ok, err)
	}
}

// TestEmptyTreeGetReturnsNone covers the empty-memtable boundary in spec §8.
func TestEmptyTreeGetReturnsNone(t *testing.T) {
	tr := openTestTree(t, Options{})
	if _, ok, err := tr.Get([]byte("anything")); err != nil || ok {
		t.Fatalf("Get() on empty tree = _, %v, %v, want (_, false, nil)", ok, err)
	}
}

// TestSnapshotBeforeAnyWriteReturnsNone covers spec §8's "snapshot before
// any write returns none" boundary.
func TestSnapshotBeforeAnyWriteReturnsNone(t *testing.T) {
	tr := openTestTree(t, Options{})
	snap := tr.Snapshot()
	defer snap.Release()

	if err := tr.Insert([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, ok, err := snap.Get([]byte("k")); err != nil || ok {
		t.Fatalf("snap.Get(k) = _, %v, %v, want (_, false, nil)", ok, err)
	}
	if v, ok, err := tr.Get([]byte("k")); err != nil || !ok || string(v) != "v" {
		t.Fatalf("tr.Get(k) = %q, %v, %v, want v", v, ok, err)
	}
}

// TestFlushPersistsToSegmentAndRemainsReadable exercises rotate -> flush ->
// L0 segment read path (spec §4.9 "Flush is a special case").
func TestFlushPersistsToSegmentAndRemainsReadable(t *testing.T) {
	tr := openTestTree(t, Options{})

	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		if err := tr.Insert(key, []byte(fmt.Sprintf("value-%05d", i))); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	if err := tr.rotateMemtable(); err != nil {
		t.Fatalf("rotateMemtable: %v", err)
	}
	if err := tr.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	for i := 0; i < 200; i += 13 {
		key := []byte(fmt.Sprintf("key-%05d", i))
		v, ok, err := tr.Get(key)
		if err != nil || !ok || string(v) != fmt.Sprintf("value-%05d", i) {
			t.Fatalf("Get(%s) = %q, %v, %v", key, v, ok, err)
		}
	}
}

// TestRangeAndPrefixAfterFlush exercises the merged read path spanning
// memtable and an on-disk segment.
func TestRangeAndPrefixAfterFlush(t *testing.T) {
	tr := openTestTree(t, Options{})

	for _, k := range []string{"app", "apple", "apply", "banana"} {
		if err := tr.Insert([]byte(k), []byte(k)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	if err := tr.rotateMemtable(); err != nil {
		t.Fatalf("rotateMemtable: %v", err)
	}
	if err := tr.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := tr.Insert([]byte("banan"), []byte("banan")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	it, err := tr.Prefix([]byte("app"))
	if err != nil {
		t.Fatalf("Prefix: %v", err)
	}
	var got []string
	for {
		k, _, ok, err := it.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, string(k))
	}
	want := []string{"app", "apple", "apply"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

// TestRemoveRangeHidesCoveredKeysAcrossFlush exercises spec EXPANSION
// 4.1a's range tombstone outliving memtable rotation.
func TestRemoveRangeHidesCoveredKeysAcrossFlush(t *testing.T) {
	tr := openTestTree(t, Options{})

	for _, k := range []string{"a", "b", "c", "d", "e"} {
		if err := tr.Insert([]byte(k), []byte(k)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	if err := tr.rotateMemtable(); err != nil {
		t.Fatalf("rotateMemtable: %v", err)
	}
	if err := tr.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if err := tr.RemoveRange([]byte("b"), []byte("d")); err != nil {
		t.Fatalf("RemoveRange: %v", err)
	}

	for _, k := range []string{"b", "c"} {
		if _, ok, err := tr.Get([]byte(k)); err != nil || ok {
			t.Fatalf("Get(%s) = _, %v, %v, want (_, false, nil)", k, ok, err)
		}
	}
	for _, k := range []string{"a", "d", "e"} {
		if _, ok, err := tr.Get([]byte(k)); err != nil || !ok {
			t.Fatalf("Get(%s) = _, %v, %v, want (_, true, nil)", k, ok, err)
		}
	}
}

// TestRemoveRangeSurvivesRotationFlushAndReopen covers spec EXPANSION
// 4.1a's range tombstone durability: RemoveRange is WAL-logged into the
// generation active at the time of the call, but Flush deletes that WAL
// file once its memtable is durable in a segment. The tombstone must still
// be recoverable after a crash, which means every later WAL generation
// (including the one rotateMemtable opens next) must carry it forward.
func TestRemoveRangeSurvivesRotationFlushAndReopen(t *testing.T) {
	dir := t.TempDir()

	tr, err := Open(Options{Path: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		if err := tr.Insert([]byte(k), []byte(k)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	if err := tr.rotateMemtable(); err != nil {
		t.Fatalf("rotateMemtable: %v", err)
	}
	if err := tr.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// RemoveRange is logged into the WAL generation that is current right
	// now; rotating and flushing it away must not lose the tombstone. A
	// range tombstone alone does not mark the memtable non-empty, so a
	// point insert forces the rotation that would otherwise no-op.
	if err := tr.RemoveRange([]byte("b"), []byte("d")); err != nil {
		t.Fatalf("RemoveRange: %v", err)
	}
	if err := tr.Insert([]byte("zz"), []byte("zz")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tr.rotateMemtable(); err != nil {
		t.Fatalf("rotateMemtable: %v", err)
	}
	if err := tr.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(Options{Path: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	for _, k := range []string{"b", "c"} {
		if _, ok, err := reopened.Get([]byte(k)); err != nil || ok {
			t.Fatalf("Get(%s) after reopen = _, %v, %v, want (_, false, nil)", k, ok, err)
		}
	}
	for _, k := range []string{"a", "d", "e"} {
		if _, ok, err := reopened.Get([]byte(k)); err != nil || !ok {
			t.Fatalf("Get(%s) after reopen = _, %v, %v, want (_, true, nil)", k, ok, err)
		}
	}
}

// TestCompactDeletesExpiredSegments exercises FIFO compaction end to end:
// two flushed segments, a size limit that forces the oldest out.
func TestCompactDeletesExpiredSegments(t *testing.T) {
	tr := openTestTree(t, Options{FIFO: FIFOOptions{LimitBytes: 1}})

	if err := tr.Insert([]byte("a"), []byte("va")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tr.rotateMemtable(); err != nil {
		t.Fatalf("rotateMemtable: %v", err)
	}
	if err := tr.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if err := tr.Insert([]byte("b"), []byte("vb")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tr.rotateMemtable(); err != nil {
		t.Fatalf("rotateMemtable: %v", err)
	}
	if err := tr.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if err := tr.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	if _, ok, err := tr.Get([]byte("a")); err != nil || ok {
		t.Fatalf("Get(a) after FIFO eviction = _, %v, %v, want (_, false, nil)", ok, err)
	}
	if v, ok, err := tr.Get([]byte("b")); err != nil || !ok || string(v) != "vb" {
		t.Fatalf("Get(b) = %q, %v, %v, want vb", v, ok, err)
	}
}

// TestCompactRetainsNewestVersionAcrossLiveSnapshot covers spec §3's
// "Lifecycle summary" retention rule: a live snapshot taken between two
// writes to the same key must not cause compaction to drop the newer write.
// Reusing the snapshot-read Merger's Dedup+SnapshotSeqNo filter for
// retention would drop the newest version outright once its seqno exceeds
// the snapshot's, then surface the older, shadowed version as current.
func TestCompactRetainsNewestVersionAcrossLiveSnapshot(t *testing.T) {
	tr := openTestTree(t, Options{MaintenanceThreshold: 1})

	if err := tr.Insert([]byte("a"), []byte("v1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tr.rotateMemtable(); err != nil {
		t.Fatalf("rotateMemtable: %v", err)
	}
	if err := tr.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	snap := tr.Snapshot()
	defer snap.Release()

	if err := tr.Insert([]byte("a"), []byte("v2")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tr.rotateMemtable(); err != nil {
		t.Fatalf("rotateMemtable: %v", err)
	}
	if err := tr.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if err := tr.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	if v, ok, err := tr.Get([]byte("a")); err != nil || !ok || string(v) != "v2" {
		t.Fatalf("Get(a) after compact = %q, %v, %v, want v2", v, ok, err)
	}
	if v, ok, err := snap.Get([]byte("a")); err != nil || !ok || string(v) != "v1" {
		t.Fatalf("snap.Get(a) after compact = %q, %v, %v, want v1 (live snapshot)", v, ok, err)
	}
}

// TestGetMissingSegmentFileReturnsSegmentNotFound covers spec §7's
// taxonomy: a manifest entry whose backing file is gone must surface as
// ErrSegmentNotFound, not the generic KindIo every other open failure uses.
func TestGetMissingSegmentFileReturnsSegmentNotFound(t *testing.T) {
	tr := openTestTree(t, Options{})

	if err := tr.Insert([]byte("a"), []byte("va")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tr.rotateMemtable(); err != nil {
		t.Fatalf("rotateMemtable: %v", err)
	}
	if err := tr.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	view := tr.man.ResolvedView()
	if len(view) == 0 || len(view[0]) == 0 {
		t.Fatalf("expected a flushed L0 segment, got view %v", view)
	}
	id := view[0][0].ID
	if err := tr.opts.FS.Remove(tr.segmentPath(id)); err != nil {
		t.Fatalf("remove segment file: %v", err)
	}
	tr.invalidateSegment(id)

	_, _, err := tr.Get([]byte("a"))
	if !errors.Is(err, ErrSegmentNotFound) {
		t.Fatalf("Get(a) err = %v, want ErrSegmentNotFound", err)
	}
}

// TestReopenAfterCloseRecoversData covers manifest/WAL crash-recovery
// consistency (spec §8 "Manifest atomicity").
func TestReopenAfterCloseRecoversData(t *testing.T) {
	dir := t.TempDir()

	tr, err := Open(Options{Path: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := tr.Insert([]byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tr.rotateMemtable(); err != nil {
		t.Fatalf("rotateMemtable: %v", err)
	}
	if err := tr.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := tr.Insert([]byte("k2"), []byte("v2")); err != nil { // stays in WAL only
		t.Fatalf("Insert: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(Options{Path: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if v, ok, err := reopened.Get([]byte("k1")); err != nil || !ok || string(v) != "v1" {
		t.Fatalf("Get(k1) = %q, %v, %v, want v1", v, ok, err)
	}
	if v, ok, err := reopened.Get([]byte("k2")); err != nil || !ok || string(v) != "v2" {
		t.Fatalf("Get(k2) = %q, %v, %v, want v2 (recovered from WAL)", v, ok, err)
	}
}
