// Package behavior scores how far an identity's recent request stream
// deviates from human traffic and from its own learned baseline.
package behavior

import (
	"log/slog"
	"strings"

	"github.com/perimetra/riskgate/internal/event"
	"github.com/perimetra/riskgate/internal/stats"
	"github.com/perimetra/riskgate/internal/store"
)

const (
	// DefaultMinSamples is the event count below which no score is emitted.
	DefaultMinSamples = 10
	// DefaultAnomalyThreshold is the z-score above which a feature counts
	// as deviating from the baseline.
	DefaultAnomalyThreshold = 2.5

	minBaselineConfidence = 0.3
)

// Factor weights and inclusion thresholds. A sub-score enters the fused
// behavior score only when it clears its threshold.
var factorSpecs = []struct {
	name      string
	weight    float64
	threshold float64
}{
	{"anomaly", 0.25, 0.3},
	{"velocity", 0.20, 0.5},
	{"rhythm", 0.15, 0.4},
	{"lowDiversity", 0.10, 0.8},
	{"automation", 0.20, 0.6},
	{"sessionAnomaly", 0.10, 0.5},
}

// Result is one behavior evaluation.
type Result struct {
	Score      float64            `json:"score"`
	Reliable   bool               `json:"reliable"`
	Confidence float64            `json:"confidence"`
	Scores     map[string]float64 `json:"scores"`  // every sub-score
	Factors    map[string]float64 `json:"factors"` // sub-scores that cleared their threshold
}

// Analyzer extracts features from event windows and maintains per-identity
// baselines in the shared store.
type Analyzer struct {
	store            store.Store
	logger           *slog.Logger
	minSamples       int
	anomalyThreshold float64
}

// Option configures an Analyzer.
type Option func(*Analyzer)

func WithLogger(l *slog.Logger) Option {
	return func(a *Analyzer) { a.logger = l }
}

func WithMinSamples(n int) Option {
	return func(a *Analyzer) { a.minSamples = n }
}

func WithAnomalyThreshold(t float64) Option {
	return func(a *Analyzer) { a.anomalyThreshold = t }
}

// New creates a behavior analyzer backed by the given store.
func New(st store.Store, opts ...Option) *Analyzer {
	a := &Analyzer{
		store:            st,
		logger:           slog.Default(),
		minSamples:       DefaultMinSamples,
		anomalyThreshold: DefaultAnomalyThreshold,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze scores the identity's recent events and folds the extracted
// features into its baseline. With fewer than minSamples events the result
// is unreliable and carries the neutral score 0.5.
func (a *Analyzer) Analyze(id string, events []event.Event, now int64) Result {
	if len(events) < a.minSamples {
		return Result{Score: 0.5, Reliable: false}
	}

	features := extractFeatures(events, now)
	profile := loadProfile(a.store, id)

	scores := map[string]float64{
		"anomaly":        a.anomalyScore(features, profile),
		"velocity":       velocityScore(events, features),
		"rhythm":         rhythmScore(events, features),
		"lowDiversity":   1 - diversityScore(events, features),
		"automation":     automationScore(events),
		"sessionAnomaly": sessionAnomalyScore(events),
	}

	var weighted, totalWeight float64
	factors := make(map[string]float64)
	for _, spec := range factorSpecs {
		s := scores[spec.name]
		if s > spec.threshold {
			factors[spec.name] = s
			weighted += spec.weight * s
			totalWeight += spec.weight
		}
	}
	score := 0.0
	if totalWeight > 0 {
		score = stats.Clamp01(weighted / totalWeight)
	}

	if profile == nil {
		profile = &Profile{}
	}
	profile.observe(features)
	a.store.Set(profileKey(id), profile, 0)

	if score >= 0.8 {
		a.logger.Warn("high behavior risk",
			"identity", id,
			"score", score,
			"factors", factors)
	}

	return Result{
		Score:      score,
		Reliable:   true,
		Confidence: profile.Confidence,
		Scores:     scores,
		Factors:    factors,
	}
}

// Reset drops the identity's behavioral baseline.
func (a *Analyzer) Reset(id string) {
	a.store.Delete(profileKey(id))
}

// FeatureHistory returns the identity's recorded feature vectors as a
// row-per-sample matrix, oldest first. Nil when no profile exists.
func (a *Analyzer) FeatureHistory(id string) [][]float64 {
	p := loadProfile(a.store, id)
	if p == nil {
		return nil
	}
	rows := make([][]float64, len(p.Features))
	for i, f := range p.Features {
		rows[i] = f.row()
	}
	return rows
}

// anomalyScore measures per-feature z-score deviation from the learned
// baseline. Without a confident baseline it contributes nothing.
func (a *Analyzer) anomalyScore(f FeatureVector, p *Profile) float64 {
	if p == nil || p.Baseline == nil || p.Confidence < minBaselineConfidence {
		return 0
	}

	var deviations []float64
	for name, value := range f.asMap() {
		base, ok := p.Baseline[name]
		if !ok {
			continue
		}
		z := stats.ZScore(value, base.Mean, base.Std)
		d := z / a.anomalyThreshold
		if d > 2 {
			d = 2
		}
		deviations = append(deviations, d)
	}
	if len(deviations) == 0 {
		return 0
	}
	return stats.Clamp01(stats.Sigmoid(stats.Mean(deviations) - 1))
}

func velocityScore(events []event.Event, f FeatureVector) float64 {
	intervals := event.Intervals(events)
	if len(intervals) == 0 {
		return 0
	}

	var score float64

	minInterval := intervals[0]
	for _, iv := range intervals[1:] {
		if iv < minInterval {
			minInterval = iv
		}
	}
	switch {
	case minInterval < 50:
		score += 0.4
	case minInterval < 100:
		score += 0.2
	}

	perSecond := f.EventsPerMinute / 60
	switch {
	case perSecond > 10:
		score += 0.3
	case perSecond > 5:
		score += 0.15
	}

	burstCount, maxRun := countBursts(intervals, f.IntervalMean)
	burstScore := stats.Clamp01(float64(burstCount)/10*0.5 + float64(maxRun)/10*0.5)
	score += 0.3 * burstScore

	return stats.Clamp01(score)
}

// countBursts finds intervals shorter than a fifth of the mean and
// returns how many there are plus the longest consecutive run.
func countBursts(intervals []float64, mean float64) (count, maxRun int) {
	threshold := 0.2 * mean
	run := 0
	for _, iv := range intervals {
		if iv < threshold {
			count++
			run++
			if run > maxRun {
				maxRun = run
			}
		} else {
			run = 0
		}
	}
	return count, maxRun
}

func rhythmScore(events []event.Event, f FeatureVector) float64 {
	intervals := event.Intervals(events)
	if len(intervals) == 0 || f.IntervalMean <= 0 {
		return 0
	}

	var score float64
	cv := f.IntervalStd / f.IntervalMean
	switch {
	case cv < 0.1:
		score = 0.8
	case cv < 0.2:
		score = 0.5
	case cv < 0.3:
		score = 0.2
	}

	// Metronome check: intervals sitting on a 100 ms grid.
	aligned := 0
	for _, iv := range intervals {
		if nearGrid(iv, 100, 20) {
			aligned++
		}
	}
	if float64(aligned)/float64(len(intervals)) > 0.8 {
		score += 0.2
	}

	return stats.Clamp01(score)
}

// nearGrid reports whether v is within tolerance of a positive multiple
// of step.
func nearGrid(v, step, tolerance float64) bool {
	if v < step-tolerance {
		return false
	}
	rem := v - step*float64(int(v/step))
	return rem <= tolerance || step-rem <= tolerance
}

// diversityScore blends unique-ratio and normalized entropy of actions and
// endpoints. Human browsing is diverse; scripted traffic is not.
func diversityScore(events []event.Event, f FeatureVector) float64 {
	n := float64(len(events))
	uniqueRatio := (f.UniqueActions/n + f.UniqueEndpoints/n) / 2
	entropy := (f.ActionEntropy + f.EndpointEntropy) / 2
	return stats.Clamp01(0.5*uniqueRatio + 0.5*entropy)
}

func automationScore(events []event.Event) float64 {
	intervals := event.Intervals(events)
	if len(intervals) == 0 {
		return 0
	}

	// Machine-grid intervals: multiples of 100/500/1000 ms.
	grid := 0
	for _, iv := range intervals {
		if nearGrid(iv, 100, 10) || nearGrid(iv, 500, 10) || nearGrid(iv, 1000, 10) {
			grid++
		}
	}
	gridFraction := float64(grid) / float64(len(intervals))

	// Repetition of the exact same interval, at 10 ms resolution.
	rounded := make(map[int]int)
	top := 0
	for _, iv := range intervals {
		b := int(iv/10) * 10
		rounded[b]++
		if rounded[b] > top {
			top = rounded[b]
		}
	}
	intervalRepetition := float64(top) / float64(len(intervals))

	seqRepetition := bigramRepetition(events)

	missing := 0
	if !hasActionContaining(events, "mouse") {
		missing++
	}
	if !hasActionContaining(events, "scroll") {
		missing++
	}
	if !hasVariableResponseTimes(events) {
		missing++
	}
	missingMarkers := float64(missing) / 3

	score := gridFraction*0.3 + intervalRepetition*0.2 + seqRepetition*0.25 + missingMarkers*0.25
	return stats.Clamp01(score)
}

// bigramRepetition is the share of action bigrams taken by the most
// common one. A script replaying the same flow scores near 1.
func bigramRepetition(events []event.Event) float64 {
	if len(events) < 3 {
		return 0
	}
	counts := make(map[string]int)
	top := 0
	for i := 1; i < len(events); i++ {
		key := events[i-1].Action + ">" + events[i].Action
		counts[key]++
		if counts[key] > top {
			top = counts[key]
		}
	}
	if top < 2 {
		return 0
	}
	return float64(top) / float64(len(events)-1)
}

func hasActionContaining(events []event.Event, marker string) bool {
	for _, e := range events {
		if strings.Contains(strings.ToLower(e.Action), marker) {
			return true
		}
	}
	return false
}

func hasVariableResponseTimes(events []event.Event) bool {
	var responses []float64
	for _, e := range events {
		if e.ResponseTime > 0 {
			responses = append(responses, e.ResponseTime)
		}
	}
	if len(responses) < 2 {
		return false
	}
	return stats.CoefficientOfVariation(responses) >= 0.1
}

func sessionAnomalyScore(events []event.Event) float64 {
	var score float64

	if maxEventsWithin(events, 5000) > 20 {
		score += 0.4
	}

	hours := make([]int, len(events))
	for i, e := range events {
		hours[i] = int(e.Timestamp/3_600_000) % 24
	}
	if stats.NormalizedEntropy(hours) < 0.2 {
		score += 0.2
	}

	span := events[len(events)-1].Timestamp - events[0].Timestamp
	if span > 30*60_000 && maxGap(events) < 60_000 {
		score += 0.4
	}

	return stats.Clamp01(score)
}

// maxEventsWithin returns the largest number of events inside any window
// of the given width in milliseconds.
func maxEventsWithin(events []event.Event, windowMs int64) int {
	best := 0
	lo := 0
	for hi := range events {
		for events[hi].Timestamp-events[lo].Timestamp >= windowMs {
			lo++
		}
		if n := hi - lo + 1; n > best {
			best = n
		}
	}
	return best
}

func maxGap(events []event.Event) int64 {
	var gap int64
	for i := 1; i < len(events); i++ {
		if d := events[i].Timestamp - events[i-1].Timestamp; d > gap {
			gap = d
		}
	}
	return gap
}
