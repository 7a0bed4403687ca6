package pipelinestate

import (
	"sort"

	"autodev/internal/model"
)

// PatternIndex is a tiny read-side view over the patterns currently held
// in state, indexed by kind and confidence, kept fast for the Pattern
// Recognition engine's get_recommendations() hot path.
type PatternIndex struct {
	byKind map[model.PatternKind][]*model.Pattern
}

// PatternsIndexedBy builds an index over the snapshot's patterns.
func (s *Store) PatternsIndexedBy() *PatternIndex {
	st := s.Load()
	idx := &PatternIndex{byKind: make(map[model.PatternKind][]*model.Pattern)}
	for _, p := range st.Patterns {
		idx.byKind[p.Kind] = append(idx.byKind[p.Kind], p)
	}
	return idx
}

// ByKind returns patterns of the given kind with confidence >= minConfidence,
// most recently seen first.
func (idx *PatternIndex) ByKind(kind model.PatternKind, minConfidence float64) []*model.Pattern {
	var out []*model.Pattern
	for _, p := range idx.byKind[kind] {
		if p.Confidence >= minConfidence {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}
