package behavior

import (
	"github.com/perimetra/riskgate/internal/event"
	"github.com/perimetra/riskgate/internal/stats"
)

// FeatureVector summarizes one window of an identity's events.
type FeatureVector struct {
	IntervalMean    float64 `json:"intervalMean"`
	IntervalStd     float64 `json:"intervalStd"`
	IntervalEntropy float64 `json:"intervalEntropy"`
	ActionEntropy   float64 `json:"actionEntropy"`
	EndpointEntropy float64 `json:"endpointEntropy"`
	EventCount      float64 `json:"eventCount"`
	UniqueActions   float64 `json:"uniqueActions"`
	UniqueEndpoints float64 `json:"uniqueEndpoints"`
	ResponseMean    float64 `json:"responseMean"`
	ResponseStd     float64 `json:"responseStd"`
	PayloadMean     float64 `json:"payloadMean"`
	TimeSpan        float64 `json:"timeSpan"` // ms
	EventsPerMinute float64 `json:"eventsPerMinute"`
	Timestamp       int64   `json:"ts"`
}

// asMap exposes the numeric features by name for baseline statistics.
// EventCount and TimeSpan are excluded: they grow with the window and
// would dominate any z-score comparison.
func (f FeatureVector) asMap() map[string]float64 {
	return map[string]float64{
		"intervalMean":    f.IntervalMean,
		"intervalStd":     f.IntervalStd,
		"intervalEntropy": f.IntervalEntropy,
		"actionEntropy":   f.ActionEntropy,
		"endpointEntropy": f.EndpointEntropy,
		"uniqueActions":   f.UniqueActions,
		"uniqueEndpoints": f.UniqueEndpoints,
		"responseMean":    f.ResponseMean,
		"responseStd":     f.ResponseStd,
		"payloadMean":     f.PayloadMean,
		"eventsPerMinute": f.EventsPerMinute,
	}
}

// row returns the baseline features in a fixed column order, matching
// asMap, for matrix-shaped consumers.
func (f FeatureVector) row() []float64 {
	return []float64{
		f.IntervalMean,
		f.IntervalStd,
		f.IntervalEntropy,
		f.ActionEntropy,
		f.EndpointEntropy,
		f.UniqueActions,
		f.UniqueEndpoints,
		f.ResponseMean,
		f.ResponseStd,
		f.PayloadMean,
		f.EventsPerMinute,
	}
}

// extractFeatures computes the feature vector for an event window.
// Caller guarantees len(events) >= 2.
func extractFeatures(events []event.Event, now int64) FeatureVector {
	intervals := event.Intervals(events)

	actions := make([]string, len(events))
	endpoints := make([]string, len(events))
	var responses []float64
	var payloadSum float64
	for i, e := range events {
		actions[i] = e.Action
		endpoints[i] = e.Endpoint
		if e.ResponseTime > 0 {
			responses = append(responses, e.ResponseTime)
		}
		payloadSum += float64(e.PayloadSize)
	}

	span := float64(events[len(events)-1].Timestamp - events[0].Timestamp)
	perMinute := 0.0
	if span > 0 {
		perMinute = float64(len(events)) / (span / 60_000)
	}

	return FeatureVector{
		IntervalMean:    stats.Mean(intervals),
		IntervalStd:     stats.StdDev(intervals),
		IntervalEntropy: stats.IntervalEntropy(event.Timestamps(events), 100),
		ActionEntropy:   stats.NormalizedEntropy(actions),
		EndpointEntropy: stats.NormalizedEntropy(endpoints),
		EventCount:      float64(len(events)),
		UniqueActions:   float64(distinct(actions)),
		UniqueEndpoints: float64(distinct(endpoints)),
		ResponseMean:    stats.Mean(responses),
		ResponseStd:     stats.StdDev(responses),
		PayloadMean:     payloadSum / float64(len(events)),
		TimeSpan:        span,
		EventsPerMinute: perMinute,
		Timestamp:       now,
	}
}

func distinct(values []string) int {
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		seen[v] = struct{}{}
	}
	return len(seen)
}
