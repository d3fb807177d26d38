package lsmtree

import (
	"fmt"
	"io"
	"sort"

	"github.com/carlsverre/lsm-tree/internal/encoding"
	"github.com/carlsverre/lsm-tree/internal/ikey"
	"github.com/carlsverre/lsm-tree/internal/logging"
	"github.com/carlsverre/lsm-tree/internal/rangedel"
	"github.com/carlsverre/lsm-tree/internal/wal"
)

// walRecordKind tags a WAL payload's shape, so recovery can tell a point
// entry apart from a range tombstone (spec EXPANSION 4.1a) without either
// record format colliding with the other.
type walRecordKind byte

const (
	walRecordPoint          walRecordKind = 0
	walRecordRangeTombstone walRecordKind = 1
)

func (t *Tree) walDir() string { return t.opts.Path + "/wal" }

func (t *Tree) walPath(id uint64) string {
	return fmt.Sprintf("%s/%d.log", t.walDir(), id)
}

// recoverWAL replays every WAL generation left behind by a prior process
// into the fresh active memtable, then consolidates everything into a
// single new WAL file before deleting the old ones (spec §4.7 "crash
// recovery"). Recovery tolerates a truncated final record: it marks the
// tail end of a write that never finished fsyncing before a crash.
func (t *Tree) recoverWAL() error {
	dir := t.walDir()
	if err := t.opts.FS.MkdirAll(dir); err != nil {
		return newErr(KindIo, "create wal dir", err)
	}
	names, err := t.opts.FS.ListDir(dir)
	if err != nil {
		return newErr(KindIo, "list wal dir", err)
	}
	var ids []uint64
	for _, name := range names {
		var id uint64
		if _, serr := fmt.Sscanf(name, "%d.log", &id); serr == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var maxSeq uint64
	for _, id := range ids {
		if err := t.replayWALFile(id, &maxSeq); err != nil {
			return err
		}
	}
	t.seq.Store(maxSeq)

	nextID := uint64(0)
	if len(ids) > 0 {
		nextID = ids[len(ids)-1] + 1
	}
	if err := t.startNewWAL(nextID); err != nil {
		return err
	}
	if !t.active.IsEmpty() || t.rangeTombstones.Len() > 0 {
		if err := t.reappendActiveToWAL(); err != nil {
			return err
		}
		t.logger.Infof(logging.NSRecovery+"replayed %d entries from %d wal file(s)", t.active.Len(), len(ids))
	}
	for _, id := range ids {
		_ = t.opts.FS.Remove(t.walPath(id))
	}
	t.nextMtID = nextID + 1
	return nil
}

func (t *Tree) replayWALFile(id uint64, maxSeq *uint64) error {
	raf, err := t.opts.FS.OpenRandomAccess(t.walPath(id))
	if err != nil {
		return newErr(KindIo, "open wal file", err)
	}
	defer raf.Close()

	reader := wal.NewReader(io.NewSectionReader(raf, 0, raf.Size()))
	for {
		payload, rerr := reader.Next()
		if rerr == io.EOF || rerr == wal.ErrTruncated {
			return nil
		}
		if rerr != nil {
			return newErr(KindDecodeIo, "replay wal record", rerr)
		}
		if len(payload) == 0 {
			return newErr(KindDecodeIo, "decode wal record", fmt.Errorf("tree: empty wal record"))
		}
		switch walRecordKind(payload[0]) {
		case walRecordPoint:
			key, value, derr := decodeWALEntry(payload[1:])
			if derr != nil {
				return newErr(KindDecodeIo, "decode wal entry", derr)
			}
			t.active.Insert(key, value)
			if seq := uint64(key.SeqNo()); seq > *maxSeq {
				*maxSeq = seq
			}
		case walRecordRangeTombstone:
			start, end, seq, derr := decodeWALRangeTombstone(payload[1:])
			if derr != nil {
				return newErr(KindDecodeIo, "decode wal range tombstone", derr)
			}
			t.active.InsertRangeTombstone(start, end, seq)
			t.rangeTombstones.Add(rangedel.Tombstone{Start: start, End: end, SeqNo: seq})
			if uint64(seq) > *maxSeq {
				*maxSeq = uint64(seq)
			}
		default:
			return newErr(KindDecodeIo, "decode wal record", fmt.Errorf("tree: unknown wal record kind %d", payload[0]))
		}
	}
}

func (t *Tree) startNewWAL(id uint64) error {
	f, err := t.opts.FS.Create(t.walPath(id))
	if err != nil {
		return newErr(KindIo, "create wal file", err)
	}
	t.walFile = f
	t.walWriter = wal.NewWriter(f)
	t.walID = id
	return nil
}

// reappendActiveToWAL rewrites every entry currently in the active memtable,
// plus every tree-wide range tombstone, into its (freshly-created) WAL
// file, used right after recovery to consolidate however many generations
// were replayed into one.
func (t *Tree) reappendActiveToWAL() error {
	it := t.active.NewIterator()
	for {
		entry, ok := it.Next()
		if !ok {
			break
		}
		if err := t.appendWALEntry(entry.Key, entry.Value); err != nil {
			return err
		}
	}
	return t.appendRangeTombstonesToWAL()
}

// appendRangeTombstonesToWAL carries every tree-wide range tombstone into
// the current WAL generation. Flush deletes a WAL file once its memtable is
// durable, so a range tombstone logged into an earlier generation would
// otherwise vanish on the next flush even though t.rangeTombstones still
// shadows segment entries for it; rotateMemtable calls this on every new
// generation so the tombstone is never left backed only by a WAL file that
// is about to be removed.
func (t *Tree) appendRangeTombstonesToWAL() error {
	for _, ts := range t.rangeTombstones.All() {
		if err := t.appendWALRangeTombstone(ts.Start, ts.End, ts.SeqNo); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) appendWALEntry(key ikey.Key, value []byte) error {
	payload := encodeWALEntry(key, value)
	if err := t.walWriter.Append(payload); err != nil {
		return newErr(KindEncodeIo, "append wal record", err)
	}
	return nil
}

func (t *Tree) appendWALRangeTombstone(start, end []byte, seq ikey.SeqNo) error {
	payload := encodeWALRangeTombstone(start, end, seq)
	if err := t.walWriter.Append(payload); err != nil {
		return newErr(KindEncodeIo, "append wal range tombstone", err)
	}
	return nil
}

func encodeWALEntry(key ikey.Key, value []byte) []byte {
	buf := []byte{byte(walRecordPoint)}
	buf = encoding.AppendLengthPrefixed(buf, key)
	buf = encoding.AppendLengthPrefixed(buf, value)
	return buf
}

func decodeWALEntry(payload []byte) (ikey.Key, []byte, error) {
	keyBytes, n1 := encoding.DecodeLengthPrefixed(payload)
	if n1 == 0 {
		return nil, nil, fmt.Errorf("tree: corrupt wal key")
	}
	value, n2 := encoding.DecodeLengthPrefixed(payload[n1:])
	if n2 == 0 {
		return nil, nil, fmt.Errorf("tree: corrupt wal value")
	}
	return ikey.Key(append([]byte(nil), keyBytes...)), append([]byte(nil), value...), nil
}

// encodeWALRangeTombstone serializes a range tombstone WAL record: start,
// an end marker (empty length-prefixed string with a leading has/absent
// byte, since an open end is distinct from an empty-string end), and the
// seqno.
func encodeWALRangeTombstone(start, end []byte, seq ikey.SeqNo) []byte {
	buf := []byte{byte(walRecordRangeTombstone)}
	buf = encoding.AppendLengthPrefixed(buf, start)
	if end == nil {
		buf = append(buf, 0)
	} else {
		buf = append(buf, 1)
		buf = encoding.AppendLengthPrefixed(buf, end)
	}
	buf = encoding.AppendFixed64(buf, uint64(seq))
	return buf
}

func decodeWALRangeTombstone(payload []byte) (start, end []byte, seq ikey.SeqNo, err error) {
	startBytes, n1 := encoding.DecodeLengthPrefixed(payload)
	if n1 == 0 {
		return nil, nil, 0, fmt.Errorf("tree: corrupt wal range tombstone start")
	}
	off := n1
	if off >= len(payload) {
		return nil, nil, 0, fmt.Errorf("tree: corrupt wal range tombstone end marker")
	}
	hasEnd := payload[off] == 1
	off++
	var endBytes []byte
	if hasEnd {
		eb, n2 := encoding.DecodeLengthPrefixed(payload[off:])
		if n2 == 0 {
			return nil, nil, 0, fmt.Errorf("tree: corrupt wal range tombstone end")
		}
		endBytes = append([]byte(nil), eb...)
		off += n2
	}
	if off+8 > len(payload) {
		return nil, nil, 0, fmt.Errorf("tree: corrupt wal range tombstone seqno")
	}
	return append([]byte(nil), startBytes...), endBytes, ikey.SeqNo(encoding.DecodeFixed64(payload[off:])), nil
}
