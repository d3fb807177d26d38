// Package cache implements the shared, size-bounded block cache (spec
// §4.5: "maps (segment_id, block_offset) -> decompressed_block_bytes with
// LRU eviction bounded by a byte capacity") and the descriptor table that
// pools open segment file handles.
package cache

import (
	"container/list"
	"sync"
)

// Key identifies one cached decompressed block.
type Key struct {
	SegmentID   uint64
	BlockOffset uint64
}

type entry struct {
	key     Key
	value   any
	costLen int
}

// BlockCache is an LRU cache bounded by total byte cost rather than entry
// count, since decompressed blocks vary widely in size.
type BlockCache struct {
	mu        sync.Mutex
	capacity  int
	used      int
	ll        *list.List
	index     map[Key]*list.Element
	hits      uint64
	misses    uint64
}

// NewBlockCache creates a cache bounded at capacityBytes.
func NewBlockCache(capacityBytes int) *BlockCache {
	return &BlockCache{
		capacity: capacityBytes,
		ll:       list.New(),
		index:    make(map[Key]*list.Element),
	}
}

// Get returns the cached value for key, promoting it to most-recently-used.
func (c *BlockCache) Get(key Key) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	c.ll.MoveToFront(el)
	return el.Value.(*entry).value, true
}

// Put inserts or updates the cached value for key with the given byte cost,
// evicting least-recently-used entries as needed to stay within capacity.
func (c *BlockCache) Put(key Key, value any, cost int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		old := el.Value.(*entry)
		c.used += cost - old.costLen
		old.value, old.costLen = value, cost
		c.ll.MoveToFront(el)
	} else {
		el := c.ll.PushFront(&entry{key: key, value: value, costLen: cost})
		c.index[key] = el
		c.used += cost
	}
	for c.used > c.capacity && c.ll.Len() > 0 {
		c.evictOldest()
	}
}

func (c *BlockCache) evictOldest() {
	el := c.ll.Back()
	if el == nil {
		return
	}
	c.ll.Remove(el)
	e := el.Value.(*entry)
	delete(c.index, e.key)
	c.used -= e.costLen
}

// Invalidate drops every cached block belonging to segmentID, called when a
// segment is removed from the manifest (spec §9 "a segment is shared
// between the manifest, the block cache, and any in-flight iterator").
func (c *BlockCache) Invalidate(segmentID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var victims []*list.Element
	for el := c.ll.Front(); el != nil; el = el.Next() {
		if el.Value.(*entry).key.SegmentID == segmentID {
			victims = append(victims, el)
		}
	}
	for _, el := range victims {
		c.ll.Remove(el)
		e := el.Value.(*entry)
		delete(c.index, e.key)
		c.used -= e.costLen
	}
}

// Stats reports cumulative hit/miss counters.
type Stats struct {
	Hits   uint64
	Misses uint64
	Used   int
}

// Stats returns a snapshot of the cache's hit/miss counters and current
// byte usage.
func (c *BlockCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Used: c.used}
}
