package compaction

import "github.com/carlsverre/lsm-tree/internal/manifest"

// FIFOStrategy implements spec §4.8's FIFO compaction strategy: drop
// expired or excess-capacity segments outright, falling back to Maintenance
// when nothing needs deleting. Grounded on the teacher's
// internal/compaction/fifo_picker.go, narrowed to exactly the source's
// documented rules (spec §4.8, scenarios in spec §8).
type FIFOStrategy struct {
	// Maintenance is consulted when no segment needs to be deleted. May be
	// nil, in which case FIFO returns DoNothing in that case.
	Maintenance Strategy
}

// Choose implements Strategy.
func (s FIFOStrategy) Choose(m *manifest.Manifest, cfg Config) Choice {
	oldestFirst := oldestFirstL0(m)

	var deleteIDs []uint64
	deleted := make(map[uint64]bool)
	addDelete := func(id uint64) {
		if !deleted[id] {
			deleted[id] = true
			deleteIDs = append(deleteIDs, id)
		}
	}

	if cfg.TTLSeconds > 0 {
		now := nowMicros(cfg)
		for _, seg := range oldestFirst {
			lifetimeSec := int64((now - int64(seg.CreatedAtMicros)) / 1_000_000)
			if lifetimeSec > cfg.TTLSeconds {
				addDelete(seg.ID)
			}
		}
	}

	total := m.Size()
	if total > cfg.LimitBytes {
		excess := total - cfg.LimitBytes
		for _, seg := range oldestFirst {
			if excess == 0 {
				break
			}
			addDelete(seg.ID)
			if seg.FileSize >= excess {
				excess = 0
			} else {
				excess -= seg.FileSize
			}
		}
	}

	if len(deleteIDs) > 0 {
		return Choice{Kind: DeleteSegments, IDs: deleteIDs}
	}
	if s.Maintenance != nil {
		return s.Maintenance.Choose(m, cfg)
	}
	return Choice{Kind: DoNothing}
}

func nowMicros(cfg Config) int64 {
	if cfg.NowMicros != nil {
		return cfg.NowMicros()
	}
	return 0
}

// oldestFirstL0 returns visible L0 segments ordered oldest-to-newest (the
// manifest keeps L0 newest-first).
func oldestFirstL0(m *manifest.Manifest) []manifest.SegmentMetadata {
	newestFirst := visibleL0(m)
	out := make([]manifest.SegmentMetadata, len(newestFirst))
	for i, seg := range newestFirst {
		out[len(newestFirst)-1-i] = seg
	}
	return out
}
