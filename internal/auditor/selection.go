// Package auditor selects analysis categories from recon signals and fans
// the selected category analyzers out over the frozen recon snapshot.
package auditor

import (
	"sort"

	"github.com/kingrea/lattice-audit/internal/analyzer"
)

// DefaultSelectCount is how many categories a run analyzes.
const DefaultSelectCount = 3

// WeightTable maps signal -> category -> weight.
type WeightTable map[string]map[string]int

// Score is the selection score of one category.
type Score struct {
	Category string   `json:"category"`
	Score    int      `json:"score"`
	Order    int      `json:"order"`
	Signals  []string `json:"signals,omitempty"`
}

// Score sums the weight of every detected signal for each category, in
// registry order. Signal counts do not matter, only presence.
func (t WeightTable) Score(categories []string, signals analyzer.Signals) []Score {
	names := signals.Names()
	out := make([]Score, len(categories))
	for i, category := range categories {
		s := Score{Category: category, Order: i}
		for _, name := range names {
			if w := t[name][category]; w != 0 {
				s.Score += w
				s.Signals = append(s.Signals, name)
			}
		}
		out[i] = s
	}
	return out
}

// Select returns the n highest-scoring categories. Ties keep registry order.
func (t WeightTable) Select(categories []string, signals analyzer.Signals, n int) []Score {
	scores := t.Score(categories, signals)
	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].Order < scores[j].Order
	})
	if n < 0 {
		n = 0
	}
	if n < len(scores) {
		scores = scores[:n]
	}
	return scores
}

// Categories extracts the category ids from scores.
func Categories(scores []Score) []string {
	out := make([]string, len(scores))
	for i, s := range scores {
		out[i] = s.Category
	}
	return out
}
