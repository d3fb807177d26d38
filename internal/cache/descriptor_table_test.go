package cache

import (
	"errors"
	"sync/atomic"
	"testing"
)

type fakeFile struct {
	id     uint64
	closed atomic.Bool
}

func (f *fakeFile) ReadAt(p []byte, off int64) (int, error) { return 0, nil }
func (f *fakeFile) Close() error {
	f.closed.Store(true)
	return nil
}

func TestAccessOpensOnceAndReuses(t *testing.T) {
	var opens int32
	opener := func(id uint64) (File, error) {
		atomic.AddInt32(&opens, 1)
		return &fakeFile{id: id}, nil
	}
	dt := NewDescriptorTable(4, opener)

	f1, err := dt.Access(1)
	if err != nil {
		t.Fatalf("Access() error = %v", err)
	}
	f2, err := dt.Access(1)
	if err != nil {
		t.Fatalf("Access() error = %v", err)
	}
	if f1 != f2 {
		t.Error("second Access() should return the same pooled handle")
	}
	if opens != 1 {
		t.Errorf("opener called %d times, want 1", opens)
	}
}

func TestAccessPropagatesOpenerError(t *testing.T) {
	wantErr := errors.New("boom")
	dt := NewDescriptorTable(4, func(id uint64) (File, error) { return nil, wantErr })
	_, err := dt.Access(1)
	if err == nil {
		t.Fatal("Access() error = nil, want non-nil")
	}
}

func TestEvictClosesAndForgetsHandle(t *testing.T) {
	var f *fakeFile
	dt := NewDescriptorTable(4, func(id uint64) (File, error) {
		f = &fakeFile{id: id}
		return f, nil
	})
	if _, err := dt.Access(1); err != nil {
		t.Fatalf("Access() error = %v", err)
	}
	dt.Evict(1)
	if !f.closed.Load() {
		t.Error("Evict() should close the handle")
	}

	var reopened int32
	dt.openFn = func(id uint64) (File, error) {
		atomic.AddInt32(&reopened, 1)
		return &fakeFile{id: id}, nil
	}
	if _, err := dt.Access(1); err != nil {
		t.Fatalf("Access() error = %v", err)
	}
	if reopened != 1 {
		t.Error("Access() after Evict() should reopen the file")
	}
}

func TestEvictsLeastRecentlyUsedWhenFull(t *testing.T) {
	var closedIDs []uint64
	opener := func(id uint64) (File, error) {
		return &closeTracker{id: id, onClose: func(i uint64) { closedIDs = append(closedIDs, i) }}, nil
	}
	dt := NewDescriptorTable(2, opener)

	if _, err := dt.Access(1); err != nil {
		t.Fatal(err)
	}
	if _, err := dt.Access(2); err != nil {
		t.Fatal(err)
	}
	// Touch 1 so 2 becomes the least-recently-used handle.
	if _, err := dt.Access(1); err != nil {
		t.Fatal(err)
	}
	if _, err := dt.Access(3); err != nil {
		t.Fatal(err)
	}

	found := false
	for _, id := range closedIDs {
		if id == 2 {
			found = true
		}
	}
	if !found {
		t.Errorf("expected segment 2 to be evicted, closed = %v", closedIDs)
	}
}

type closeTracker struct {
	id      uint64
	onClose func(uint64)
}

func (c *closeTracker) ReadAt(p []byte, off int64) (int, error) { return 0, nil }
func (c *closeTracker) Close() error {
	c.onClose(c.id)
	return nil
}

func TestCloseClosesAllHandles(t *testing.T) {
	files := make(map[uint64]*fakeFile)
	dt := NewDescriptorTable(4, func(id uint64) (File, error) {
		f := &fakeFile{id: id}
		files[id] = f
		return f, nil
	})
	dt.Access(1)
	dt.Access(2)

	if err := dt.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	for id, f := range files {
		if !f.closed.Load() {
			t.Errorf("handle %d should be closed", id)
		}
	}
}
