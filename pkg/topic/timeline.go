package topic

import "github.com/elonfeng/newsradar/pkg/source"

// Policy holds the thresholds of the timeline plausibility filter.
type Policy struct {
	// MinBest is the lowest acceptable similarity to the closest other item.
	MinBest float64
	// MinAvg is the lowest acceptable mean similarity to the other items.
	MinAvg float64
}

// DefaultPolicy drops items below 15% best and 10% average similarity.
var DefaultPolicy = Policy{MinBest: 0.15, MinAvg: 0.10}

// FilterTimeline drops thread members whose best and average lexical
// similarity to the rest of the thread are both under the policy thresholds.
// If that would keep fewer than half of the items, or the thread has two
// items or fewer, items are returned unchanged. The second result reports
// whether anything was dropped.
func FilterTimeline(items []source.Item, p Policy) ([]source.Item, bool) {
	n := len(items)
	if n <= 2 {
		return items, false
	}

	tokens := make([][]string, n)
	for i := range items {
		tokens[i] = Tokens(items[i].Text())
	}

	sims := make([][]float64, n)
	for i := range sims {
		sims[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			s := Jaccard(tokens[i], tokens[j])
			sims[i][j] = s
			sims[j][i] = s
		}
	}

	kept := make([]source.Item, 0, n)
	for i := 0; i < n; i++ {
		best, sum := 0.0, 0.0
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			sum += sims[i][j]
			best = max(best, sims[i][j])
		}
		avg := sum / float64(n-1)
		if best < p.MinBest && avg < p.MinAvg {
			continue
		}
		kept = append(kept, items[i])
	}

	if len(kept) == n || len(kept)*2 < n {
		return items, false
	}
	return kept, true
}
