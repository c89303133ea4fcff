// Package pattern mines an identity's event stream for repeated action
// sequences, temporal signatures, and known attack shapes.
package pattern

import (
	"log/slog"
	"sort"

	"github.com/perimetra/riskgate/internal/event"
	"github.com/perimetra/riskgate/internal/stats"
)

// Pattern is one detected traffic signature.
type Pattern struct {
	Kind   string  `json:"kind"`
	Detail string  `json:"detail"`
	Count  int     `json:"count"`
	Risk   float64 `json:"risk"`
}

// Result aggregates every detector's findings for one event window.
type Result struct {
	Score      float64    `json:"score"`
	Patterns   []Pattern  `json:"patterns"`
	AttackType AttackType `json:"attackType,omitempty"`
}

// Detector runs the four pattern detectors over event windows.
type Detector struct {
	logger  *slog.Logger
	attacks []attackSignature
}

// Option configures a Detector.
type Option func(*Detector)

func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// New creates a detector with the built-in attack registry.
func New(opts ...Option) *Detector {
	d := &Detector{
		logger:  slog.Default(),
		attacks: attackRegistry,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect runs all detectors and fuses their findings. The aggregate score
// leans on the worst pattern, tempered by the mean, with a small bonus for
// sheer pattern count.
func (d *Detector) Detect(events []event.Event) Result {
	if len(events) < 3 {
		return Result{}
	}

	var patterns []Pattern
	patterns = append(patterns, detectSequences(events)...)
	patterns = append(patterns, detectTemporal(events)...)
	patterns = append(patterns, detectAnomalous(events)...)

	attackPatterns, attackType := d.detectAttacks(events)
	patterns = append(patterns, attackPatterns...)

	if len(patterns) == 0 {
		return Result{}
	}

	risks := make([]float64, len(patterns))
	maxRisk := 0.0
	for i, p := range patterns {
		risks[i] = p.Risk
		if p.Risk > maxRisk {
			maxRisk = p.Risk
		}
	}
	countBonus := float64(len(patterns)) / 10
	if countBonus > 0.2 {
		countBonus = 0.2
	}
	score := stats.Clamp01(0.6*maxRisk + 0.3*stats.Mean(risks) + countBonus)

	sort.SliceStable(patterns, func(i, j int) bool { return patterns[i].Risk > patterns[j].Risk })

	if attackType != "" {
		d.logger.Warn("attack pattern detected",
			"attack", attackType,
			"patterns", len(patterns),
			"score", score)
	}

	return Result{Score: score, Patterns: patterns, AttackType: attackType}
}
