package cache

import (
	"fmt"
	"sync"
)

// File is the subset of an open segment file descriptor table entries need.
type File interface {
	ReadAt(p []byte, off int64) (int, error)
	Close() error
}

// Opener opens the file backing a segment id on demand.
type Opener func(segmentID uint64) (File, error)

type descriptor struct {
	file File
}

// DescriptorTable pools open file handles per segment (spec §4.5), opening
// lazily and closing the least-recently-used handle once maxOpen handles are
// open; the caller re-opens on the next access via Opener.
type DescriptorTable struct {
	mu         sync.Mutex
	maxOpen    int
	open       map[uint64]*descriptor
	lru        []uint64
	openFn     Opener
}

// NewDescriptorTable creates a table that keeps at most maxOpen handles
// open concurrently, opening files via opener.
func NewDescriptorTable(maxOpen int, opener Opener) *DescriptorTable {
	if maxOpen <= 0 {
		maxOpen = 128
	}
	return &DescriptorTable{
		maxOpen: maxOpen,
		open:    make(map[uint64]*descriptor),
		openFn:  opener,
	}
}

// Access returns the open file handle for segmentID, opening it if
// necessary and evicting the least-recently-used handle if the table is
// full.
func (t *DescriptorTable) Access(segmentID uint64) (File, error) {
	t.mu.Lock()
	if d, ok := t.open[segmentID]; ok {
		t.touch(segmentID)
		t.mu.Unlock()
		return d.file, nil
	}
	if len(t.open) >= t.maxOpen {
		t.evictOldestLocked()
	}
	t.mu.Unlock()

	file, err := t.openFn(segmentID)
	if err != nil {
		return nil, fmt.Errorf("cache: open segment %d: %w", segmentID, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if d, ok := t.open[segmentID]; ok {
		// Lost a race with a concurrent opener; keep the existing handle
		// and close the one we just opened.
		file.Close()
		t.touch(segmentID)
		return d.file, nil
	}
	t.open[segmentID] = &descriptor{file: file}
	t.lru = append(t.lru, segmentID)
	return file, nil
}

func (t *DescriptorTable) touch(segmentID uint64) {
	for i, id := range t.lru {
		if id == segmentID {
			t.lru = append(t.lru[:i], t.lru[i+1:]...)
			break
		}
	}
	t.lru = append(t.lru, segmentID)
}

func (t *DescriptorTable) evictOldestLocked() {
	if len(t.lru) == 0 {
		return
	}
	victim := t.lru[0]
	t.lru = t.lru[1:]
	if d, ok := t.open[victim]; ok {
		d.file.Close()
		delete(t.open, victim)
	}
}

// Evict closes and forgets the handle for segmentID, called when a segment
// is deleted from the manifest.
func (t *DescriptorTable) Evict(segmentID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d, ok := t.open[segmentID]; ok {
		d.file.Close()
		delete(t.open, segmentID)
		for i, id := range t.lru {
			if id == segmentID {
				t.lru = append(t.lru[:i], t.lru[i+1:]...)
				break
			}
		}
	}
}

// Close closes every pooled handle.
func (t *DescriptorTable) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for id, d := range t.open {
		if err := d.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.open, id)
	}
	t.lru = nil
	return firstErr
}
