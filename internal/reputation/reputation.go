// Package reputation keeps a decaying per-identity summary of past
// decisions. Recent scores dominate via an EWMA window; a history of
// blocks keeps the score elevated until enough clean traffic dilutes it.
package reputation

import (
	"log/slog"

	"github.com/perimetra/riskgate/internal/stats"
	"github.com/perimetra/riskgate/internal/store"
)

const (
	ewmaAlpha  = 0.3
	ewmaWindow = 20
	historyMax = 100

	scoreWeight      = 0.7
	blockRatioWeight = 0.3
)

// Entry is one past decision in an identity's history.
type Entry struct {
	Timestamp int64   `json:"ts"`
	RiskScore float64 `json:"riskScore"`
	Action    string  `json:"action"`
}

// Record is the stored reputation state for one identity.
type Record struct {
	Score           float64 `json:"score"`
	History         []Entry `json:"history"`
	FirstSeen       int64   `json:"firstSeen"`
	TotalRequests   int64   `json:"totalRequests"`
	BlockedRequests int64   `json:"blockedRequests"`
}

// Tracker reads and updates reputation records in the shared store.
type Tracker struct {
	store  store.Store
	logger *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// New creates a reputation tracker backed by the given store.
func New(st store.Store, opts ...Option) *Tracker {
	t := &Tracker{store: st, logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func key(id string) string { return "reputation:" + id }

// Score returns the identity's current reputation, 0 for an unseen one.
func (t *Tracker) Score(id string) float64 {
	rec, ok := t.Record(id)
	if !ok {
		return 0
	}
	return rec.Score
}

// Record returns a copy of the stored reputation state.
func (t *Tracker) Record(id string) (Record, bool) {
	v, ok := t.store.Get(key(id))
	if !ok {
		return Record{}, false
	}
	var rec Record
	if !store.Decode(v, &rec) {
		return Record{}, false
	}
	return rec, true
}

// Update folds one decision into the identity's reputation and returns
// the new score. Block and ban decisions raise the block ratio, which
// falls only by dilution as total requests grow.
func (t *Tracker) Update(id string, riskScore float64, action string, now int64) float64 {
	rec := &Record{FirstSeen: now}
	if v, ok := t.store.Get(key(id)); ok {
		var stored Record
		if store.Decode(v, &stored) {
			rec = &stored
		}
	}

	rec.History = append(rec.History, Entry{Timestamp: now, RiskScore: stats.Clamp01(riskScore), Action: action})
	if len(rec.History) > historyMax {
		rec.History = rec.History[len(rec.History)-historyMax:]
	}
	rec.TotalRequests++
	if action == "block" || action == "ban" {
		rec.BlockedRequests++
	}

	window := rec.History
	if len(window) > ewmaWindow {
		window = window[len(window)-ewmaWindow:]
	}
	scores := make([]float64, len(window))
	for i, e := range window {
		scores[i] = e.RiskScore
	}

	blockRatio := float64(rec.BlockedRequests) / float64(rec.TotalRequests)
	rec.Score = stats.Clamp01(scoreWeight*stats.EWMA(scores, ewmaAlpha) + blockRatioWeight*blockRatio)

	t.store.Set(key(id), rec, 0)
	return rec.Score
}

// Reset drops the identity's reputation state.
func (t *Tracker) Reset(id string) {
	t.store.Delete(key(id))
}
