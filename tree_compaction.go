package lsmtree

import (
	"time"

	"github.com/carlsverre/lsm-tree/internal/compaction"
	"github.com/carlsverre/lsm-tree/internal/ikey"
	"github.com/carlsverre/lsm-tree/internal/memtable"
)

// Flush writes every currently-sealed memtable into a new L0 segment (spec
// §4.9 "Flush") and deletes the WAL generations they made durable. A no-op
// when nothing is sealed.
func (t *Tree) Flush() error {
	t.sealedMu.Lock()
	pending := t.sealed
	t.sealed = nil
	t.sealedMu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	// Engine.Flush breaks ties toward the source registered first, so the
	// most recently sealed memtable (the newest data) must come first.
	sources := make([]*memtable.Memtable, len(pending))
	for i, s := range pending {
		sources[len(pending)-1-i] = s.mt
	}

	if _, err := t.engine.Flush(sources); err != nil {
		t.sealedMu.Lock()
		t.sealed = append(pending, t.sealed...)
		t.sealedMu.Unlock()
		return newErr(KindIo, "flush sealed memtables", err)
	}

	for _, s := range pending {
		_ = t.opts.FS.Remove(t.walPath(s.walID))
	}
	return nil
}

// Compact asks the configured compaction strategy for its next Choice and
// executes it, bounding tombstone/shadowed-version eviction by the oldest
// live snapshot (spec §4.9 "Execute", §9 "oldest live snapshot bounds
// tombstone eviction"). A no-op when the strategy chooses DoNothing.
func (t *Tree) Compact() error {
	cfg := compaction.Config{
		LimitBytes:           t.opts.FIFO.LimitBytes,
		TTLSeconds:           t.opts.FIFO.TTLSeconds,
		MaintenanceThreshold: t.opts.MaintenanceThreshold,
		NowMicros:            func() int64 { return time.Now().UnixMicro() },
		LastLevel:            t.opts.NumLevels - 1,
	}
	choice := t.strategy.Choose(t.man, cfg)
	if choice.Kind == compaction.DoNothing {
		return nil
	}

	oldest := t.oldestLiveSnapshotSeqNo()
	if _, err := t.engine.Execute(choice, oldest); err != nil {
		return newErr(KindIo, "execute compaction", err)
	}
	for _, id := range choice.IDs {
		t.invalidateSegment(id)
	}
	return nil
}

// oldestLiveSnapshotSeqNo bounds how aggressively compaction may drop
// shadowed versions and evicted tombstones: nothing newer than the oldest
// registered snapshot may be discarded. With no live snapshots, the current
// sequence number is the bound, since nothing outstanding needs an older
// view (spec §9).
func (t *Tree) oldestLiveSnapshotSeqNo() *ikey.SeqNo {
	t.snapMu.Lock()
	defer t.snapMu.Unlock()
	var min *ikey.SeqNo
	for s := t.snapHead; s != nil; s = s.next {
		seq := s.seq
		if min == nil || seq < *min {
			v := seq
			min = &v
		}
	}
	if min != nil {
		return min
	}
	cur := ikey.SeqNo(t.seq.Load())
	return &cur
}
