package pattern

import (
	"fmt"

	"github.com/perimetra/riskgate/internal/event"
	"github.com/perimetra/riskgate/internal/stats"
)

const (
	periodicityBucketMs  = 100
	periodicityThreshold = 0.3
	burstMinRun          = 5
	burstIntervalRatio   = 0.2
	clockAlignThreshold  = 0.3
)

// detectTemporal looks for machine timing: periodic intervals, dense
// bursts, and timestamps snapped to clock boundaries.
func detectTemporal(events []event.Event) []Pattern {
	intervals := event.Intervals(events)
	if len(intervals) == 0 {
		return nil
	}

	var patterns []Pattern

	if p, ok := detectPeriodicity(intervals); ok {
		patterns = append(patterns, p)
	}
	patterns = append(patterns, detectBursts(events, intervals)...)
	if p, ok := detectClockAlignment(events); ok {
		patterns = append(patterns, p)
	}

	return patterns
}

// detectPeriodicity buckets intervals at 100 ms resolution. When a large
// share lands in one bucket the stream has a fixed period.
func detectPeriodicity(intervals []float64) (Pattern, bool) {
	buckets := make(map[int64]int)
	var topBucket int64
	top := 0
	for _, iv := range intervals {
		b := int64(iv+periodicityBucketMs/2) / periodicityBucketMs
		buckets[b]++
		if buckets[b] > top {
			top = buckets[b]
			topBucket = b
		}
	}

	confidence := float64(top) / float64(len(intervals))
	if confidence < periodicityThreshold {
		return Pattern{}, false
	}
	return Pattern{
		Kind:   "periodicity",
		Detail: fmt.Sprintf("period ~%dms (%.0f%% of intervals)", topBucket*periodicityBucketMs, confidence*100),
		Count:  top,
		Risk:   stats.Clamp01(0.6 * confidence),
	}, true
}

// detectBursts finds runs of at least burstMinRun events arriving far
// faster than the stream's average pace.
func detectBursts(events []event.Event, intervals []float64) []Pattern {
	avg := stats.Mean(intervals)
	if avg <= 0 {
		return nil
	}
	threshold := burstIntervalRatio * avg

	var patterns []Pattern
	runStart := -1
	flush := func(end int) {
		if runStart < 0 {
			return
		}
		runLen := end - runStart + 1 // events in the run
		if runLen >= burstMinRun {
			duration := events[end].Timestamp - events[runStart].Timestamp
			rate := float64(runLen)
			if duration > 0 {
				rate = float64(runLen) / (float64(duration) / 1000)
			}
			risk := stats.Clamp01(rate/50*0.5 + float64(runLen)/20*0.5)
			patterns = append(patterns, Pattern{
				Kind:   "burst",
				Detail: fmt.Sprintf("%d events in %dms (%.1f/s)", runLen, duration, rate),
				Count:  runLen,
				Risk:   risk,
			})
		}
		runStart = -1
	}

	for i, iv := range intervals {
		if iv < threshold {
			if runStart < 0 {
				runStart = i // event index where the run begins
			}
		} else {
			flush(i)
		}
	}
	flush(len(events) - 1)

	return patterns
}

// detectClockAlignment measures how many timestamps fall exactly on a
// second, minute, or hour boundary. Humans never do this at scale.
func detectClockAlignment(events []event.Event) (Pattern, bool) {
	aligned := 0
	for _, e := range events {
		if e.Timestamp%1000 == 0 {
			aligned++
		}
	}
	fraction := float64(aligned) / float64(len(events))
	if fraction <= clockAlignThreshold {
		return Pattern{}, false
	}
	return Pattern{
		Kind:   "clock_alignment",
		Detail: fmt.Sprintf("%.0f%% of events on second boundaries", fraction*100),
		Count:  aligned,
		Risk:   stats.Clamp01(0.5 * fraction),
	}, true
}
