package compaction

import "github.com/carlsverre/lsm-tree/internal/manifest"

// Strategy chooses what the engine should do next, given the manifest's
// current state and the configured tuning parameters (spec §4.8: "a
// strategy is a pure function choose(manifest, config) -> Choice").
type Strategy interface {
	Choose(m *manifest.Manifest, cfg Config) Choice
}

// visibleL0 returns L0's segments, oldest-last (manifest convention is
// newest-first), skipping any currently hidden (in-compaction).
func visibleL0(m *manifest.Manifest) []manifest.SegmentMetadata {
	l0 := m.ResolvedView()[0]
	out := make([]manifest.SegmentMetadata, 0, len(l0))
	for _, seg := range l0 {
		if !m.IsHidden(seg.ID) {
			out = append(out, seg)
		}
	}
	return out
}
