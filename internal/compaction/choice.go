// Package compaction implements the compaction strategies (spec §4.8) and
// the engine that executes their decisions (spec §4.9). A Strategy is a
// pure function from (manifest, config) to a Choice; the Engine is the only
// part of this package that touches disk.
package compaction

import "fmt"

// Kind is the tag of a Choice's sum type (spec §4.8: "Choice ∈ {DoNothing,
// Merge, DeleteSegments}").
type Kind uint8

const (
	DoNothing Kind = iota
	Merge
	DeleteSegments
)

func (k Kind) String() string {
	switch k {
	case DoNothing:
		return "DoNothing"
	case Merge:
		return "Merge"
	case DeleteSegments:
		return "DeleteSegments"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(k))
	}
}

// Choice is the pure decision a Strategy hands to the Engine.
type Choice struct {
	Kind Kind

	// Level is the source level for Merge (ids are drawn from here, plus
	// any overlapping segments the strategy folded in from TargetLevel).
	Level int
	// IDs are the segment ids to merge or delete.
	IDs []uint64
	// TargetLevel is where Merge installs its output segment(s).
	TargetLevel int
}

// Config bundles the parameters every strategy reads. Not every field is
// relevant to every strategy; each documents which ones it uses.
type Config struct {
	// LimitBytes is FIFO's total-size budget (spec §4.8 "limit_bytes").
	LimitBytes uint64
	// TTLSeconds is FIFO's optional per-segment TTL, 0 disables it (spec
	// §4.8 "ttl_seconds").
	TTLSeconds int64
	// MaintenanceThreshold is the L0 segment count above which the
	// maintenance strategy merges adjacent L0 segments (spec §4.8
	// "Maintenance strategy").
	MaintenanceThreshold int
	// NowMicros returns the current time in microseconds since epoch, used
	// by FIFO's TTL check; overridable for deterministic tests (spec §6
	// "µs since Unix epoch for created_at").
	NowMicros func() int64
	// LastLevel is the index of the lowest (final) level; compaction into
	// it evicts tombstones (spec §4.9 "evict_tombstones = (target_level ==
	// last_level)").
	LastLevel int
}
