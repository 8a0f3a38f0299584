package consolidate

import "github.com/martinemde/attrnorm/attrs"

// Stats summarizes how much a run reduced the attribute set.
type Stats struct {
	Original     int     `json:"original"`
	Consolidated int     `json:"consolidated"`
	Merged       int     `json:"merged"`    // entries folding more than one key
	Reduction    float64 `json:"reduction"` // percent
}

// ComputeStats compares the raw key count with a consolidated mapping.
func ComputeStats(original int, m *attrs.ConsolidatedMapping) Stats {
	s := Stats{Original: original}
	if m != nil {
		s.Consolidated = m.Len()
		for pair := m.Oldest(); pair != nil; pair = pair.Next() {
			if pair.Value.Merged() {
				s.Merged++
			}
		}
	}
	if original > 0 {
		s.Reduction = float64(original-s.Consolidated) / float64(original) * 100
	}
	return s
}
