package compaction

import "github.com/carlsverre/lsm-tree/internal/manifest"

// MaintenanceStrategy merges adjacent L0 segments into a single L0 segment
// once their count exceeds Threshold, preventing the write stalls that an
// ever-growing L0 would otherwise cause (spec §4.8 "Maintenance strategy").
type MaintenanceStrategy struct {
	Threshold int
}

// Choose implements Strategy.
func (s MaintenanceStrategy) Choose(m *manifest.Manifest, cfg Config) Choice {
	threshold := s.Threshold
	if threshold <= 0 {
		threshold = cfg.MaintenanceThreshold
	}
	if threshold <= 0 {
		return Choice{Kind: DoNothing}
	}
	l0 := visibleL0(m)
	if len(l0) <= threshold {
		return Choice{Kind: DoNothing}
	}
	ids := make([]uint64, len(l0))
	for i, seg := range l0 {
		ids[i] = seg.ID
	}
	return Choice{Kind: Merge, Level: 0, IDs: ids, TargetLevel: 0}
}
