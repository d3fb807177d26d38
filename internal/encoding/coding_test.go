package encoding

import (
	"bytes"
	"testing"
)

func TestFixed64RoundTrip(t *testing.T) {
	dst := AppendFixed64(nil, 0x0102030405060708)
	if got := DecodeFixed64(dst); got != 0x0102030405060708 {
		t.Errorf("DecodeFixed64() = %x, want %x", got, 0x0102030405060708)
	}
}

func TestFixed32RoundTrip(t *testing.T) {
	dst := AppendFixed32(nil, 0xAABBCCDD)
	if got := DecodeFixed32(dst); got != 0xAABBCCDD {
		t.Errorf("DecodeFixed32() = %x, want %x", got, 0xAABBCCDD)
	}
}

func TestVarint32RoundTrip(t *testing.T) {
	for _, v := range []uint32{0, 1, 127, 128, 16383, 16384, 0xFFFFFFFF} {
		dst := AppendVarint32(nil, v)
		got, n := DecodeVarint32(dst)
		if n != len(dst) {
			t.Errorf("v=%d: consumed %d bytes, want %d", v, n, len(dst))
		}
		if got != v {
			t.Errorf("v=%d: decoded %d", v, got)
		}
	}
}

func TestVarint64RoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 127, 128, 1 << 40, ^uint64(0)} {
		dst := AppendVarint64(nil, v)
		got, n := DecodeVarint64(dst)
		if n != len(dst) {
			t.Errorf("v=%d: consumed %d bytes, want %d", v, n, len(dst))
		}
		if got != v {
			t.Errorf("v=%d: decoded %d", v, got)
		}
	}
}

func TestDecodeVarint32Truncated(t *testing.T) {
	dst := AppendVarint32(nil, 1<<20)
	_, n := DecodeVarint32(dst[:1])
	if n != 0 {
		t.Errorf("expected n=0 for truncated varint, got %d", n)
	}
}

func TestVarintLengthMatchesEncodedSize(t *testing.T) {
	for _, v := range []uint64{0, 127, 128, 1 << 21, ^uint64(0)} {
		dst := AppendVarint64(nil, v)
		if got := VarintLength(v); got != len(dst) {
			t.Errorf("VarintLength(%d) = %d, want %d", v, got, len(dst))
		}
	}
}

func TestLengthPrefixedRoundTrip(t *testing.T) {
	payload := []byte("hello world")
	dst := AppendLengthPrefixed(nil, payload)
	got, n := DecodeLengthPrefixed(dst)
	if n != len(dst) {
		t.Errorf("consumed %d bytes, want %d", n, len(dst))
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("decoded %q, want %q", got, payload)
	}
}

func TestLengthPrefixedEmpty(t *testing.T) {
	dst := AppendLengthPrefixed(nil, nil)
	got, n := DecodeLengthPrefixed(dst)
	if n != len(dst) || len(got) != 0 {
		t.Errorf("got %q, n=%d", got, n)
	}
}

func TestDecodeLengthPrefixedMalformed(t *testing.T) {
	// Claims a length longer than the remaining buffer.
	dst := AppendVarint32(nil, 100)
	_, n := DecodeLengthPrefixed(dst)
	if n != 0 {
		t.Errorf("expected n=0 for malformed input, got %d", n)
	}
}
