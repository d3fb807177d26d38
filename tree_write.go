package lsmtree

import (
	"github.com/carlsverre/lsm-tree/internal/blob"
	"github.com/carlsverre/lsm-tree/internal/ikey"
	"github.com/carlsverre/lsm-tree/internal/memtable"
	"github.com/carlsverre/lsm-tree/internal/rangedel"
)

// Insert writes value for userKey, visible to readers as soon as Insert
// returns (spec §4.10 "insert"). The write is WAL-logged before it reaches
// the memtable, so it survives a crash before the next flush.
func (t *Tree) Insert(userKey, value []byte) error {
	return t.apply(userKey, value, ikey.Value)
}

// Remove writes a tombstone for userKey (spec §4.10 "remove"). The key
// remains absent from reads immediately; the tombstone itself is only
// physically dropped once compaction proves no live snapshot still needs it.
func (t *Tree) Remove(userKey []byte) error {
	return t.apply(userKey, nil, ikey.Tombstone)
}

func (t *Tree) apply(userKey, value []byte, vt ikey.ValueType) error {
	if t.closed.Load() {
		return ErrClosed
	}

	storedValue := value
	if vt == ikey.Value {
		sv, err := t.storeValue(value)
		if err != nil {
			return err
		}
		storedValue = sv
	}

	seq := ikey.SeqNo(t.seq.Add(1))
	key := ikey.New(userKey, seq, vt)

	t.rotMu.RLock()
	defer t.rotMu.RUnlock()

	t.walMu.Lock()
	err := t.appendWALEntry(key, storedValue)
	t.walMu.Unlock()
	if err != nil {
		return err
	}

	_, newSize := t.active.Insert(key, storedValue)
	if newSize >= t.opts.MemtableSizeBytes {
		select {
		case t.bg.rotateCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// RemoveRange deletes every key in [start, end) as of a single new sequence
// number, without materializing a point tombstone per covered key (spec
// EXPANSION 4.1a). The range tombstone is WAL-logged for durability, then
// recorded both in the active memtable (for a memtable used standalone) and
// in the tree's own long-lived range tombstone set, which outlives memtable
// rotation and flush so it keeps shadowing older segment entries.
func (t *Tree) RemoveRange(start, end []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}

	seq := ikey.SeqNo(t.seq.Add(1))

	t.rotMu.RLock()
	defer t.rotMu.RUnlock()

	t.walMu.Lock()
	err := t.appendWALRangeTombstone(start, end, seq)
	t.walMu.Unlock()
	if err != nil {
		return err
	}

	t.active.InsertRangeTombstone(start, end, seq)

	t.rtMu.Lock()
	t.rangeTombstones.Add(rangedel.Tombstone{
		Start: append([]byte(nil), start...),
		End:   cloneOptionalBytes(end),
		SeqNo: seq,
	})
	t.rtMu.Unlock()
	return nil
}

func cloneOptionalBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// storeValue tags value as inline or, once it exceeds BlobInlineThreshold
// and a blob tier is configured, writes it to the blob store and tags a
// ValueHandle in its place (spec EXPANSION "Value Handle / blob tier").
func (t *Tree) storeValue(value []byte) ([]byte, error) {
	if t.blobStore == nil || len(value) <= t.opts.BlobInlineThreshold {
		tagged := make([]byte, 0, len(value)+1)
		tagged = append(tagged, valueTagInline)
		tagged = append(tagged, value...)
		return tagged, nil
	}
	handle, err := t.blobStore.Write(value)
	if err != nil {
		return nil, newErr(KindIo, "write blob value", err)
	}
	tagged := make([]byte, 1, 25)
	tagged[0] = valueTagHandle
	tagged = handle.Encode(tagged)
	return tagged, nil
}

// resolveValue reverses storeValue. A missing blob handle resolves to
// ErrCorruption rather than a panic (spec §9 open question resolution).
func (t *Tree) resolveValue(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, nil
	}
	tag, rest := stored[0], stored[1:]
	switch tag {
	case valueTagInline:
		return rest, nil
	case valueTagHandle:
		handle, _, err := blob.DecodeValueHandle(rest)
		if err != nil {
			return nil, newErr(KindCorruption, "decode value handle", err)
		}
		if t.blobStore == nil {
			return nil, newErr(KindCorruption, "value handle but no blob store configured", nil)
		}
		v, err := t.blobStore.Get(handle)
		if err != nil {
			return nil, newErr(KindCorruption, "resolve blob value", err)
		}
		return v, nil
	default:
		return nil, newErr(KindDecodeInvalidTag, "unknown value tag", nil)
	}
}

// rotateMemtable seals the active memtable, queues it for flush, and opens
// a fresh memtable and WAL generation for new writes (spec §4.10
// "rotate_memtable"). A no-op if the active memtable is empty. The new WAL
// generation is seeded with every tree-wide range tombstone so a RemoveRange
// logged into an earlier, now-sealed generation stays durable once Flush
// deletes that generation's file.
func (t *Tree) rotateMemtable() error {
	t.rotMu.Lock()
	if t.active.IsEmpty() {
		t.rotMu.Unlock()
		return nil
	}
	old := t.active
	oldWALID := t.walID
	newWALID := t.nextMtID
	t.nextMtID++

	if err := t.walWriter.Close(); err != nil {
		t.rotMu.Unlock()
		return newErr(KindIo, "close wal file", err)
	}
	if err := t.startNewWAL(newWALID); err != nil {
		t.rotMu.Unlock()
		return err
	}
	if err := t.appendRangeTombstonesToWAL(); err != nil {
		t.rotMu.Unlock()
		return err
	}
	t.active = memtable.New()
	t.rotMu.Unlock()

	t.sealedMu.Lock()
	t.sealed = append(t.sealed, sealedMemtable{walID: oldWALID, mt: old})
	t.sealedMu.Unlock()

	select {
	case t.bg.flushCh <- struct{}{}:
	default:
	}
	return nil
}
