package behavior

import (
	"github.com/perimetra/riskgate/internal/stats"
	"github.com/perimetra/riskgate/internal/store"
)

const (
	profileMaxLen      = 100
	baselineMinSamples = 5
	confidenceDivisor  = 20
)

// FeatureStats is the learned distribution of one feature.
type FeatureStats struct {
	Mean   float64 `json:"mean"`
	Std    float64 `json:"std"`
	Median float64 `json:"median"`
	Q1     float64 `json:"q1"`
	Q3     float64 `json:"q3"`
}

// Profile is an identity's learned behavioral baseline.
type Profile struct {
	Features    []FeatureVector         `json:"features"`
	Baseline    map[string]FeatureStats `json:"baseline,omitempty"`
	Confidence  float64                 `json:"confidence"`
	LastUpdated int64                   `json:"lastUpdated"`
}

func profileKey(id string) string { return "behavior:" + id }

func loadProfile(st store.Store, id string) *Profile {
	v, ok := st.Get(profileKey(id))
	if !ok {
		return nil
	}
	var p Profile
	if !store.Decode(v, &p) {
		return nil
	}
	return &p
}

// observe appends the feature vector, trims to the bounded history, and
// recomputes the baseline once enough samples exist.
func (p *Profile) observe(f FeatureVector) {
	p.Features = append(p.Features, f)
	if len(p.Features) > profileMaxLen {
		p.Features = p.Features[len(p.Features)-profileMaxLen:]
	}
	p.Confidence = stats.Clamp01(float64(len(p.Features)) / confidenceDivisor)
	p.LastUpdated = f.Timestamp

	if len(p.Features) >= baselineMinSamples {
		p.Baseline = computeBaseline(p.Features)
	}
}

func computeBaseline(history []FeatureVector) map[string]FeatureStats {
	series := make(map[string][]float64)
	for _, f := range history {
		for name, v := range f.asMap() {
			series[name] = append(series[name], v)
		}
	}

	baseline := make(map[string]FeatureStats, len(series))
	for name, values := range series {
		baseline[name] = FeatureStats{
			Mean:   stats.Mean(values),
			Std:    stats.StdDev(values),
			Median: stats.Median(values),
			Q1:     stats.Percentile(values, 25),
			Q3:     stats.Percentile(values, 75),
		}
	}
	return baseline
}
