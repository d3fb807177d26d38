package lsmtree

// errors.go implements the error taxonomy (spec §7): a closed ErrorKind
// enum plus wrapped sentinel errors, grounded on the teacher's dbformat/
// encoding error variables translated into the spec's taxonomy names.

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure the engine can return, matching spec §7's
// exhaustive taxonomy.
type ErrorKind int

const (
	// KindIo is a raw I/O failure (read, write, fsync, open).
	KindIo ErrorKind = iota
	// KindDecodeIo is an I/O failure encountered while decoding a format.
	KindDecodeIo
	// KindDecodeUTF8 is a UTF-8 validation failure in string metadata.
	KindDecodeUTF8
	// KindDecodeInvalidVersion is an unrecognized format version tag.
	KindDecodeInvalidVersion
	// KindDecodeInvalidTag is an unknown enum tag byte.
	KindDecodeInvalidTag
	// KindDecodeInvalidTrailer is a malformed or magic-mismatched trailer.
	KindDecodeInvalidTrailer
	// KindDecodeInvalidHeader is a malformed header, with a reason string.
	KindDecodeInvalidHeader
	// KindEncodeIo is an I/O failure encountered while encoding a format.
	KindEncodeIo
	// KindSegmentNotFound means a referenced segment id has no backing file.
	KindSegmentNotFound
	// KindCompactionConflict means a compaction input was already hidden by
	// a concurrent compaction.
	KindCompactionConflict
	// KindCorruption is a catch-all for recoverable data corruption (spec
	// §9 open question: a missing blob handle resolves here, never a
	// panic).
	KindCorruption
)

func (k ErrorKind) String() string {
	switch k {
	case KindIo:
		return "Io"
	case KindDecodeIo:
		return "Decode.Io"
	case KindDecodeUTF8:
		return "Decode.Utf8"
	case KindDecodeInvalidVersion:
		return "Decode.InvalidVersion"
	case KindDecodeInvalidTag:
		return "Decode.InvalidTag"
	case KindDecodeInvalidTrailer:
		return "Decode.InvalidTrailer"
	case KindDecodeInvalidHeader:
		return "Decode.InvalidHeader"
	case KindEncodeIo:
		return "Encode.Io"
	case KindSegmentNotFound:
		return "SegmentNotFound"
	case KindCompactionConflict:
		return "CompactionConflict"
	case KindCorruption:
		return "Corruption"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// Error wraps an underlying cause with its ErrorKind, satisfying
// errors.Is/errors.As against both the Error value and its Kind.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, &Error{Kind: KindCorruption}).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func newErr(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// Sentinel errors for the higher-level conditions spec §7 names directly.
var (
	// ErrSegmentNotFound is returned when a manifest entry references a
	// segment file that is missing from segments/.
	ErrSegmentNotFound = &Error{Kind: KindSegmentNotFound, Msg: "segment file missing"}
	// ErrCompactionConflict is returned when a compaction's input set
	// overlaps a concurrently running compaction.
	ErrCompactionConflict = &Error{Kind: KindCompactionConflict, Msg: "segments already hidden by another compaction"}
	// ErrCorruption is returned for recoverable data corruption, including
	// a dangling blob handle (spec §9 open question resolution).
	ErrCorruption = &Error{Kind: KindCorruption, Msg: "corruption detected"}
	// ErrClosed is returned by any operation issued against a closed Tree.
	ErrClosed = errors.New("lsmtree: tree is closed")
)
