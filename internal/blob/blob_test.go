package blob

import (
	"bytes"
	"sync"
	"testing"

	"github.com/carlsverre/lsm-tree/internal/compression"
	"github.com/carlsverre/lsm-tree/internal/vfs"
)

func openStore(t *testing.T, targetSize uint64) *Store {
	t.Helper()
	s, err := Open(Options{
		Dir:             t.TempDir(),
		FS:              vfs.Default(),
		TargetFileSize:  targetSize,
		CompressionKind: compression.None,
	}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestStoreWriteGetRoundTrip(t *testing.T) {
	s := openStore(t, 1<<20)
	defer s.Close()

	want := []byte("a large value that lives in the blob tier")
	handle, err := s.Write(want)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Get(handle)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestStoreRolloverOnTargetSize(t *testing.T) {
	// A tiny target size forces every Write past the header to roll over to
	// a fresh file.
	s := openStore(t, HeaderSize+1)
	defer s.Close()

	h1, err := s.Write([]byte("one"))
	if err != nil {
		t.Fatalf("Write 1: %v", err)
	}
	h2, err := s.Write([]byte("two"))
	if err != nil {
		t.Fatalf("Write 2: %v", err)
	}
	if h1.FileID == h2.FileID {
		t.Fatalf("expected rollover to a new file id, got same id %d twice", h1.FileID)
	}

	v1, err := s.Get(h1)
	if err != nil || !bytes.Equal(v1, []byte("one")) {
		t.Fatalf("Get h1 = %q, %v", v1, err)
	}
	v2, err := s.Get(h2)
	if err != nil || !bytes.Equal(v2, []byte("two")) {
		t.Fatalf("Get h2 = %q, %v", v2, err)
	}
}

func TestStoreValueHandleEncodeDecodeRoundTrip(t *testing.T) {
	h := ValueHandle{FileID: 7, Offset: 42, Size: 99}
	buf := h.Encode(nil)
	got, n, err := DecodeValueHandle(buf)
	if err != nil {
		t.Fatalf("DecodeValueHandle: %v", err)
	}
	if n != 24 {
		t.Fatalf("consumed %d bytes, want 24", n)
	}
	if got != h {
		t.Fatalf("got %+v want %+v", got, h)
	}
}

func TestStoreGetMissingHandleIsCorruptionNotPanic(t *testing.T) {
	s := openStore(t, 1<<20)
	defer s.Close()

	if _, err := s.Write([]byte("present")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// A handle pointing at a file id that was never written must surface as
	// an error, never a panic (spec §9 open question resolution).
	_, err := s.Get(ValueHandle{FileID: 999, Offset: 0, Size: 8})
	if err == nil {
		t.Fatalf("expected error for missing blob file, got nil")
	}
}

// TestStoreConcurrentWrites exercises the mutex guarding activeFile/
// activeSize/readers: many goroutines writing concurrently must each get
// back exactly what they wrote, with no corrupted offsets.
func TestStoreConcurrentWrites(t *testing.T) {
	s := openStore(t, 1<<20)
	defer s.Close()

	const n = 64
	handles := make([]ValueHandle, n)
	values := make([][]byte, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		values[i] = []byte{byte(i), byte(i + 1), byte(i + 2)}
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := s.Write(values[i])
			if err != nil {
				t.Errorf("Write %d: %v", i, err)
				return
			}
			handles[i] = h
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		got, err := s.Get(handles[i])
		if err != nil {
			t.Fatalf("Get %d: %v", i, err)
		}
		if !bytes.Equal(got, values[i]) {
			t.Fatalf("entry %d: got %v want %v", i, got, values[i])
		}
	}
}
