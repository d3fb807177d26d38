package cache

import "testing"

func TestPutGetRoundTrip(t *testing.T) {
	c := NewBlockCache(1024)
	key := Key{SegmentID: 1, BlockOffset: 0}
	c.Put(key, []byte("hello"), 5)

	v, ok := c.Get(key)
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if string(v.([]byte)) != "hello" {
		t.Errorf("Get() = %q, want %q", v, "hello")
	}
}

func TestGetMissIncrementsMisses(t *testing.T) {
	c := NewBlockCache(1024)
	if _, ok := c.Get(Key{SegmentID: 1}); ok {
		t.Error("Get() on empty cache should miss")
	}
	stats := c.Stats()
	if stats.Misses != 1 || stats.Hits != 0 {
		t.Errorf("Stats() = %+v, want 1 miss 0 hits", stats)
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewBlockCache(10)
	k1, k2, k3 := Key{SegmentID: 1}, Key{SegmentID: 2}, Key{SegmentID: 3}
	c.Put(k1, "a", 5)
	c.Put(k2, "b", 5)
	// Touch k1 so it becomes more recently used than k2.
	c.Get(k1)
	// Inserting k3 must evict k2, the least-recently-used entry.
	c.Put(k3, "c", 5)

	if _, ok := c.Get(k2); ok {
		t.Error("k2 should have been evicted")
	}
	if _, ok := c.Get(k1); !ok {
		t.Error("k1 should still be cached")
	}
	if _, ok := c.Get(k3); !ok {
		t.Error("k3 should be cached")
	}
}

func TestPutUpdatesExistingKeyCost(t *testing.T) {
	c := NewBlockCache(1024)
	key := Key{SegmentID: 1}
	c.Put(key, "a", 5)
	c.Put(key, "bb", 10)

	v, ok := c.Get(key)
	if !ok || v != "bb" {
		t.Errorf("Get() = %v, %v, want bb, true", v, ok)
	}
	if c.Stats().Used != 10 {
		t.Errorf("Used = %d, want 10", c.Stats().Used)
	}
}

func TestInvalidateDropsOnlyMatchingSegment(t *testing.T) {
	c := NewBlockCache(1024)
	c.Put(Key{SegmentID: 1, BlockOffset: 0}, "a", 1)
	c.Put(Key{SegmentID: 1, BlockOffset: 10}, "b", 1)
	c.Put(Key{SegmentID: 2, BlockOffset: 0}, "c", 1)

	c.Invalidate(1)

	if _, ok := c.Get(Key{SegmentID: 1, BlockOffset: 0}); ok {
		t.Error("segment 1 block should be invalidated")
	}
	if _, ok := c.Get(Key{SegmentID: 1, BlockOffset: 10}); ok {
		t.Error("segment 1 block should be invalidated")
	}
	if _, ok := c.Get(Key{SegmentID: 2, BlockOffset: 0}); !ok {
		t.Error("segment 2 block should remain cached")
	}
}
