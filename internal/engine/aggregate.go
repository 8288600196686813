package engine

import "sort"

// Summary is the aggregation of one closed round. Numeric statistics are
// present only for numeric scales with at least one numeric vote; special
// cards count toward the distribution and consensus but never toward the
// numbers.
type Summary struct {
	VoteCount    int          `json:"voteCount"`
	Consensus    bool         `json:"consensus"`
	Distribution map[Card]int `json:"distribution"`
	Average      *float64     `json:"average,omitempty"`
	Median       *float64     `json:"median,omitempty"`
	Min          *float64     `json:"min,omitempty"`
	Max          *float64     `json:"max,omitempty"`
	Outliers     []Card       `json:"outliers"`
}

// Summarize turns a closed round's votes into statistics. Pure: no session
// required, safe to call from tests with hand-built votes.
func Summarize(votes []Vote, scale Scale) Summary {
	sum := Summary{
		VoteCount:    len(votes),
		Distribution: make(map[Card]int, len(votes)),
		Outliers:     []Card{},
	}
	for _, v := range votes {
		sum.Distribution[v.Value]++
	}
	sum.Consensus = len(votes) > 0 && len(sum.Distribution) == 1

	if !scale.IsNumeric() {
		return sum
	}

	// Cards with numeric values, sorted by value. Duplicates matter for the
	// median position.
	var cards []Card
	for _, v := range votes {
		if _, ok := scale.NumericValue(v.Value); ok {
			cards = append(cards, v.Value)
		}
	}
	if len(cards) == 0 {
		return sum
	}
	sort.Slice(cards, func(i, j int) bool {
		a, _ := scale.NumericValue(cards[i])
		b, _ := scale.NumericValue(cards[j])
		return a < b
	})

	total := 0.0
	for _, c := range cards {
		n, _ := scale.NumericValue(c)
		total += n
	}
	avg := total / float64(len(cards))
	lo, _ := scale.NumericValue(cards[0])
	hi, _ := scale.NumericValue(cards[len(cards)-1])
	med := medianOf(cards, scale)
	sum.Average = &avg
	sum.Median = &med
	sum.Min = &lo
	sum.Max = &hi

	// Outliers are measured in scale steps from the median card, so a 13
	// against a median of 5 on a Fibonacci scale is two steps out even
	// though an 8 (one step, arithmetically further than some linear-scale
	// neighbour) is not. The even-count reference is the lower middle card.
	refIdx, ok := scale.IndexOf(cards[(len(cards)-1)/2])
	if !ok {
		return sum
	}
	flagged := make(map[Card]bool)
	for _, c := range cards {
		idx, ok := scale.IndexOf(c)
		if !ok || flagged[c] {
			continue
		}
		if abs(idx-refIdx) > 1 {
			flagged[c] = true
			sum.Outliers = append(sum.Outliers, c)
		}
	}
	sort.Slice(sum.Outliers, func(i, j int) bool {
		a, _ := scale.IndexOf(sum.Outliers[i])
		b, _ := scale.IndexOf(sum.Outliers[j])
		return a < b
	})
	return sum
}

func medianOf(sorted []Card, scale Scale) float64 {
	n := len(sorted)
	mid, _ := scale.NumericValue(sorted[n/2])
	if n%2 == 1 {
		return mid
	}
	lower, _ := scale.NumericValue(sorted[n/2-1])
	return (lower + mid) / 2
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func sortVotes(votes []Vote) {
	sort.Slice(votes, func(i, j int) bool {
		if votes[i].SubmittedAt.Equal(votes[j].SubmittedAt) {
			return votes[i].ParticipantID < votes[j].ParticipantID
		}
		return votes[i].SubmittedAt.Before(votes[j].SubmittedAt)
	})
}
