package compaction

import "github.com/carlsverre/lsm-tree/internal/manifest"

// TieredStrategy fulfills spec §4.8's "leveled/tiered strategies (hooks, not
// source-specified)" with a concrete, testable size-tiered picker grounded
// on the teacher's internal/compaction/universal_picker.go: once L0 holds at
// least MinMergeWidth segments and the segments other than the largest
// together reach SizeRatioPercent of the largest segment's size, merge all
// of L0 into the next level. Unlike FIFOStrategy this never deletes data; it only
// rewrites it one level down.
type TieredStrategy struct {
	MinMergeWidth    int
	SizeRatioPercent int
}

// Choose implements Strategy.
func (s TieredStrategy) Choose(m *manifest.Manifest, cfg Config) Choice {
	minWidth := s.MinMergeWidth
	if minWidth <= 0 {
		minWidth = 2
	}
	ratio := s.SizeRatioPercent
	if ratio <= 0 {
		ratio = 100
	}

	l0 := visibleL0(m)
	if len(l0) < minWidth {
		return Choice{Kind: DoNothing}
	}

	var total, largest uint64
	for _, seg := range l0 {
		total += seg.FileSize
		if seg.FileSize > largest {
			largest = seg.FileSize
		}
	}
	if largest == 0 {
		return Choice{Kind: DoNothing}
	}
	// Trigger once the other segments together reach ratio% of the largest
	// one — i.e. the run is no longer dominated by one oversized segment.
	if (total-largest)*100 < largest*uint64(ratio) {
		return Choice{Kind: DoNothing}
	}

	ids := make([]uint64, len(l0))
	for i, seg := range l0 {
		ids[i] = seg.ID
	}
	target := cfg.LastLevel
	if target <= 0 {
		target = 1
	}
	return Choice{Kind: Merge, Level: 0, IDs: ids, TargetLevel: target}
}
