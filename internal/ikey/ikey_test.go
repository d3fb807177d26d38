package ikey

import "testing"

func TestKeyRoundTrip(t *testing.T) {
	k := New([]byte("hello"), SeqNo(42), Value)
	if string(k.UserKey()) != "hello" {
		t.Errorf("UserKey() = %q, want %q", k.UserKey(), "hello")
	}
	if k.SeqNo() != 42 {
		t.Errorf("SeqNo() = %d, want 42", k.SeqNo())
	}
	if k.ValueType() != Value {
		t.Errorf("ValueType() = %v, want Value", k.ValueType())
	}
	if !k.Valid() {
		t.Error("Valid() = false, want true")
	}
}

func TestKeyInvalid(t *testing.T) {
	var k Key
	if k.Valid() {
		t.Error("Valid() = true for empty key, want false")
	}
	if k.UserKey() != nil {
		t.Errorf("UserKey() = %v, want nil", k.UserKey())
	}
}

func TestCompareUserKeyAscending(t *testing.T) {
	a := New([]byte("a"), 1, Value)
	b := New([]byte("b"), 1, Value)
	if Compare(a, b) >= 0 {
		t.Error("expected a < b")
	}
	if Compare(b, a) <= 0 {
		t.Error("expected b > a")
	}
}

func TestCompareSeqNoDescending(t *testing.T) {
	newer := New([]byte("k"), 10, Value)
	older := New([]byte("k"), 5, Value)
	if Compare(newer, older) >= 0 {
		t.Error("expected newer seqno to sort before older seqno")
	}
}

func TestCompareTombstoneBeforeValueAtEqualSeqNo(t *testing.T) {
	del := New([]byte("k"), 7, Tombstone)
	put := New([]byte("k"), 7, Value)
	if Compare(del, put) >= 0 {
		t.Error("expected Tombstone to sort before Value at equal seqno")
	}
}

func TestSeekKeySortsBeforeAllVersions(t *testing.T) {
	seek := SeekKey([]byte("k"))
	v1 := New([]byte("k"), 1, Value)
	v100 := New([]byte("k"), 100, Value)
	if Compare(seek, v1) >= 0 {
		t.Error("seek key must sort before seqno 1")
	}
	if Compare(seek, v100) >= 0 {
		t.Error("seek key must sort before seqno 100")
	}
}

func TestEntrySize(t *testing.T) {
	e := Entry{Key: New([]byte("abc"), 1, Value), Value: []byte("xyz")}
	if got, want := e.Size(), len(e.Key)+3; got != want {
		t.Errorf("Size() = %d, want %d", got, want)
	}
}

func TestValueTypeString(t *testing.T) {
	if Tombstone.String() != "Tombstone" {
		t.Errorf("Tombstone.String() = %q", Tombstone.String())
	}
	if Value.String() != "Value" {
		t.Errorf("Value.String() = %q", Value.String())
	}
}
