// Package session tracks where an identity's sessions originate and flags
// geographically impossible movement between consecutive observations.
package session

import (
	"log/slog"

	"github.com/perimetra/riskgate/internal/stats"
	"github.com/perimetra/riskgate/internal/store"
)

const (
	// MaxSpeedKmh is the travel speed above which two consecutive
	// sessions cannot belong to the same person.
	MaxSpeedKmh = 1000.0

	historyMax     = 20
	baseRisk       = 0.6
	minGapMs       = 1000 // below this the speed estimate is meaningless
	flagImpossible = "impossible_travel"
)

// Observation is one geolocated session sighting.
type Observation struct {
	SessionID string  `json:"sessionId"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	At        int64   `json:"at"` // unix ms
}

// Travel is the verdict for one observation against the previous one.
type Travel struct {
	Flagged    bool    `json:"flagged"`
	Reason     string  `json:"reason,omitempty"`
	DistanceKm float64 `json:"distanceKm"`
	SpeedKmh   float64 `json:"speedKmh"`
	Risk       float64 `json:"risk"`
}

// Tracker keeps per-identity session locations in the shared store.
type Tracker struct {
	store  store.Store
	logger *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// New creates a session tracker backed by the given store.
func New(st store.Store, opts ...Option) *Tracker {
	t := &Tracker{store: st, logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func key(id string) string { return "session:" + id }

// Observe records a session sighting and compares it with the identity's
// previous one. Movement implying more than MaxSpeedKmh is flagged.
func (t *Tracker) Observe(id, sessionID string, lat, lon float64, at int64) Travel {
	obs := Observation{SessionID: sessionID, Lat: lat, Lon: lon, At: at}

	prev, hadPrev := t.last(id)
	t.store.Push(key(id), obs, historyMax)

	if !hadPrev || at-prev.At < minGapMs {
		return Travel{}
	}

	distance := stats.Haversine(prev.Lat, prev.Lon, lat, lon)
	hours := float64(at-prev.At) / 3_600_000
	speed := distance / hours

	if speed <= MaxSpeedKmh {
		return Travel{DistanceKm: distance, SpeedKmh: speed}
	}

	risk := stats.Clamp01(baseRisk + (speed-MaxSpeedKmh)/20_000)
	t.logger.Warn("impossible travel",
		"identity", id,
		"distanceKm", distance,
		"speedKmh", speed,
		"risk", risk)

	return Travel{
		Flagged:    true,
		Reason:     flagImpossible,
		DistanceKm: distance,
		SpeedKmh:   speed,
		Risk:       risk,
	}
}

func (t *Tracker) last(id string) (Observation, bool) {
	history := t.store.List(key(id))
	if len(history) == 0 {
		return Observation{}, false
	}
	var obs Observation
	if !store.Decode(history[len(history)-1], &obs) {
		return Observation{}, false
	}
	return obs, true
}

// Reset drops the identity's session history.
func (t *Tracker) Reset(id string) {
	t.store.Delete(key(id))
}
