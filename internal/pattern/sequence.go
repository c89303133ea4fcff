package pattern

import (
	"math"
	"sort"
	"strings"

	"github.com/perimetra/riskgate/internal/event"
	"github.com/perimetra/riskgate/internal/stats"
)

const (
	sequenceMinCount = 3  // occurrences before a sub-sequence is significant
	sequenceMaxLen   = 10 // longest sub-sequence considered
	sequenceKeepTop  = 10
)

type occurrence struct {
	count  int
	starts []int64 // timestamp of each occurrence start
}

// detectSequences finds action sub-sequences that repeat at least
// sequenceMinCount times. Longer and more regular repetitions score higher.
func detectSequences(events []event.Event) []Pattern {
	n := len(events)
	maxLen := n / 2
	if maxLen > sequenceMaxLen {
		maxLen = sequenceMaxLen
	}
	if maxLen < 2 {
		return nil
	}

	actions := make([]string, n)
	for i, e := range events {
		actions[i] = e.Action
	}

	var patterns []Pattern
	for length := 2; length <= maxLen; length++ {
		seen := make(map[string]*occurrence)
		for i := 0; i+length <= n; i++ {
			key := strings.Join(actions[i:i+length], ">")
			occ := seen[key]
			if occ == nil {
				occ = &occurrence{}
				seen[key] = occ
			}
			occ.count++
			occ.starts = append(occ.starts, events[i].Timestamp)
		}

		for key, occ := range seen {
			if occ.count < sequenceMinCount {
				continue
			}
			risk := math.Log2(float64(occ.count))/10 + 0.3*float64(length)/float64(maxLen)
			if regularOccurrences(occ.starts) {
				risk += 0.3
			}
			patterns = append(patterns, Pattern{
				Kind:   "sequence",
				Detail: key,
				Count:  occ.count,
				Risk:   stats.Clamp01(risk),
			})
		}
	}

	sort.SliceStable(patterns, func(i, j int) bool { return patterns[i].Risk > patterns[j].Risk })
	if len(patterns) > sequenceKeepTop {
		patterns = patterns[:sequenceKeepTop]
	}
	return patterns
}

// regularOccurrences reports whether the gaps between occurrence starts
// have low variation, the mark of a scripted loop.
func regularOccurrences(starts []int64) bool {
	if len(starts) < 3 {
		return false
	}
	gaps := make([]float64, 0, len(starts)-1)
	for i := 1; i < len(starts); i++ {
		gaps = append(gaps, float64(starts[i]-starts[i-1]))
	}
	cv := stats.CoefficientOfVariation(gaps)
	return cv >= 0 && cv < 0.2 && stats.Mean(gaps) > 0
}
