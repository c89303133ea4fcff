package engine

import "github.com/perimetra/riskgate/internal/anomaly"

const (
	// Offline outlier thresholds. Isolation forest scores sit near 0.5
	// for normal points; LOF near 1.
	forestOutlierThreshold = 0.6
	lofOutlierThreshold    = 1.5

	forestSeed = 1
)

// ProfileAnalysis is the offline outlier verdict over an identity's
// behavioral feature history.
type ProfileAnalysis struct {
	Samples     int     `json:"samples"`
	ForestScore float64 `json:"forestScore"`
	LOFScore    float64 `json:"lofScore"`
	Outlier     bool    `json:"outlier"`
}

// AnalyzeProfile trains the outlier detectors on the identity's stored
// feature history and scores its most recent sample. This runs outside
// request evaluation; callers invoke it for review, typically through
// the admin API. Returns anomaly.ErrInsufficientData until the identity
// has accumulated enough samples.
func (e *Engine) AnalyzeProfile(id string) (*ProfileAnalysis, error) {
	rows := e.behavior.FeatureHistory(id)
	if len(rows) < anomaly.MinSamples {
		return nil, anomaly.ErrInsufficientData
	}
	latest := rows[len(rows)-1]

	forest := anomaly.NewForest(anomaly.WithSeed(forestSeed))
	if err := forest.Fit(rows); err != nil {
		return nil, err
	}
	forestScore, _ := forest.Score(latest)

	// LOF needs more samples than its neighbor count; skip it quietly
	// on short histories rather than failing the whole analysis.
	var lofScore float64
	lof := anomaly.NewLOF()
	if err := lof.Fit(rows); err == nil {
		lofScore, _ = lof.Score(latest)
	}

	return &ProfileAnalysis{
		Samples:     len(rows),
		ForestScore: forestScore,
		LOFScore:    lofScore,
		Outlier:     forestScore >= forestOutlierThreshold || lofScore >= lofOutlierThreshold,
	}, nil
}
