package manifest

import (
	"path/filepath"
	"testing"

	"github.com/carlsverre/lsm-tree/internal/vfs"
)

func seg(id uint64, size uint64, minKey, maxKey string) SegmentMetadata {
	return SegmentMetadata{
		ID:       id,
		FileSize: size,
		MinKey:   []byte(minKey),
		MaxKey:   []byte(maxKey),
	}
}

func TestAddInsertsAtFrontOfL0(t *testing.T) {
	m := New(t.TempDir(), vfs.Default(), 3)
	if err := m.Add(seg(1, 10, "a", "b")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.Add(seg(2, 10, "c", "d")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	view := m.ResolvedView()
	if len(view[0]) != 2 || view[0][0].ID != 2 || view[0][1].ID != 1 {
		t.Fatalf("L0 = %+v, want newest-first [2, 1]", view[0])
	}
}

func TestApplyMove(t *testing.T) {
	m := New(t.TempDir(), vfs.Default(), 3)
	m.Add(seg(1, 10, "a", "b"))
	if err := m.ApplyMove([]uint64{1}, 0, 1); err != nil {
		t.Fatalf("ApplyMove: %v", err)
	}
	view := m.ResolvedView()
	if len(view[0]) != 0 || len(view[1]) != 1 || view[1][0].ID != 1 {
		t.Fatalf("view = %+v, want segment moved to L1", view)
	}
}

func TestApplyReplace(t *testing.T) {
	m := New(t.TempDir(), vfs.Default(), 3)
	m.Add(seg(1, 10, "a", "m"))
	m.Add(seg(2, 10, "n", "z"))
	if err := m.ApplyReplace([]uint64{1, 2}, []SegmentMetadata{seg(3, 20, "a", "z")}, 1); err != nil {
		t.Fatalf("ApplyReplace: %v", err)
	}
	view := m.ResolvedView()
	if len(view[0]) != 0 {
		t.Fatalf("L0 = %+v, want empty", view[0])
	}
	if len(view[1]) != 1 || view[1][0].ID != 3 {
		t.Fatalf("L1 = %+v, want [3]", view[1])
	}
}

func TestRemove(t *testing.T) {
	m := New(t.TempDir(), vfs.Default(), 3)
	m.Add(seg(1, 10, "a", "b"))
	m.Add(seg(2, 10, "c", "d"))
	if err := m.Remove([]uint64{1}); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	view := m.ResolvedView()
	if len(view[0]) != 1 || view[0][0].ID != 2 {
		t.Fatalf("L0 = %+v, want [2]", view[0])
	}
}

func TestSize(t *testing.T) {
	m := New(t.TempDir(), vfs.Default(), 3)
	m.Add(seg(1, 10, "a", "b"))
	m.Add(seg(2, 20, "c", "d"))
	if m.Size() != 30 {
		t.Fatalf("Size() = %d, want 30", m.Size())
	}
}

func TestHiddenShow(t *testing.T) {
	m := New(t.TempDir(), vfs.Default(), 3)
	m.Hidden([]uint64{1, 2})
	if !m.IsHidden(1) || !m.IsHidden(2) {
		t.Fatal("expected 1 and 2 to be hidden")
	}
	m.Show([]uint64{1})
	if m.IsHidden(1) {
		t.Fatal("expected 1 to no longer be hidden")
	}
	if !m.IsHidden(2) {
		t.Fatal("expected 2 to still be hidden")
	}
}

// TestSaveAndReopenRoundTrips exercises the atomic write-new/rename/fsync
// persistence path and reload (spec §4.7 "the on-disk manifest is updated
// atomically").
func TestSaveAndReopenRoundTrips(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "manifest")
	fs := vfs.Default()

	m := New(dir, fs, 3)
	m.Add(seg(1, 10, "a", "b"))
	m.Add(seg(2, 20, "c", "d"))
	m.ApplyMove([]uint64{2}, 0, 1)

	reopened, err := Open(dir, fs, 3)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	view := reopened.ResolvedView()
	if len(view[0]) != 1 || view[0][0].ID != 1 {
		t.Fatalf("L0 = %+v, want [1]", view[0])
	}
	if len(view[1]) != 1 || view[1][0].ID != 2 {
		t.Fatalf("L1 = %+v, want [2]", view[1])
	}
	if reopened.Size() != 30 {
		t.Fatalf("Size() = %d, want 30", reopened.Size())
	}
}

// TestOpenMissingManifestReturnsEmpty covers first-open of a fresh tree
// directory: no "levels" file yet exists.
func TestOpenMissingManifestReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, vfs.Default(), 4)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if m.NumLevels() != 4 {
		t.Fatalf("NumLevels() = %d, want 4", m.NumLevels())
	}
	for i, level := range m.ResolvedView() {
		if len(level) != 0 {
			t.Fatalf("level %d = %+v, want empty", i, level)
		}
	}
}

// TestSegmentIDsReflectsLiveSegments grounds crash recovery's "discard any
// segment file not referenced" in spec §4.7.
func TestSegmentIDsReflectsLiveSegments(t *testing.T) {
	m := New(t.TempDir(), vfs.Default(), 3)
	m.Add(seg(1, 10, "a", "b"))
	m.Add(seg(2, 10, "c", "d"))
	ids := m.SegmentIDs()
	if len(ids) != 2 || !ids[1] || !ids[2] {
		t.Fatalf("SegmentIDs() = %v, want {1, 2}", ids)
	}
}
