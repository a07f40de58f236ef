package detect

import (
	"math"
	"sort"
)

// DefaultMinScore is the confidence below which candidates are discarded.
const DefaultMinScore = 0.5

// Merge resolves candidates from all recognizers into non-overlapping
// entities ordered by start offset. Candidates below minScore or with spans
// that are empty, out of range or not on rune boundaries are dropped, as are
// NaN scores. The
// rest are ranked by score, then length, then start, and accepted greedily
// when they do not overlap anything accepted before them. The result depends
// only on the candidate set, not on the order recognizers finished in.
func Merge(text string, candidates []Entity, minScore float64) []Entity {
	ranked := make([]Entity, 0, len(candidates))
	for _, c := range candidates {
		if math.IsNaN(c.Score) || c.Score < minScore || !spanWithin(text, c.Start, c.End) {
			continue
		}
		ranked = append(ranked, c)
	}
	if len(ranked) == 0 {
		return nil
	}
	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Len() != b.Len() {
			return a.Len() > b.Len()
		}
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Source < b.Source
	})

	accepted := make([]Entity, 0, len(ranked))
	for _, c := range ranked {
		i := sort.Search(len(accepted), func(i int) bool { return accepted[i].End > c.Start })
		if i < len(accepted) && accepted[i].Start < c.End {
			continue
		}
		accepted = append(accepted, Entity{})
		copy(accepted[i+1:], accepted[i:])
		accepted[i] = c
	}
	return accepted
}
