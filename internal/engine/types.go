package engine

import (
	"time"

	"github.com/perimetra/riskgate/internal/behavior"
	"github.com/perimetra/riskgate/internal/fingerprint"
	"github.com/perimetra/riskgate/internal/pattern"
	"github.com/perimetra/riskgate/internal/ratelimit"
	"github.com/perimetra/riskgate/internal/session"
)

// RiskLevel is the categorical band a fused score falls into.
type RiskLevel string

const (
	LevelMinimal  RiskLevel = "minimal"
	LevelLow      RiskLevel = "low"
	LevelMedium   RiskLevel = "medium"
	LevelHigh     RiskLevel = "high"
	LevelCritical RiskLevel = "critical"
)

// ActionType is the mitigation chosen for a request.
type ActionType string

const (
	ActionAllow     ActionType = "allow"
	ActionChallenge ActionType = "challenge"
	ActionThrottle  ActionType = "throttle"
	ActionBlock     ActionType = "block"
	ActionBan       ActionType = "ban"
)

// ChallengeType picks the challenge flavor for ActionChallenge.
type ChallengeType string

const (
	ChallengeCaptcha     ChallengeType = "captcha"
	ChallengeProofOfWork ChallengeType = "proof_of_work"
	ChallengeJS          ChallengeType = "js_challenge"
)

// Action is a tagged mitigation: only the fields valid for its Type are
// set. Duration applies to block/ban, Factor to throttle, ChallengeType
// to challenge.
type Action struct {
	Type          ActionType    `json:"type"`
	Reason        string        `json:"reason,omitempty"`
	Duration      time.Duration `json:"duration,omitempty"`
	Factor        float64       `json:"factor,omitempty"`
	ChallengeType ChallengeType `json:"challengeType,omitempty"`
}

// Request is the inbound record the engine evaluates. Missing fields are
// tolerated; the adapter fills what it can.
type Request struct {
	IP        string `json:"ip"`
	UserID    string `json:"userId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Method    string `json:"method"`
	Path      string `json:"path"`
	Endpoint  string `json:"endpoint"`
	Action    string `json:"action"`

	// Headers must be keyed by lower-case header name.
	Headers map[string]string `json:"headers,omitempty"`
	Query   map[string]string `json:"query,omitempty"`

	Client *fingerprint.ClientHints `json:"client,omitempty"`
	Geo    *GeoPoint                `json:"geo,omitempty"`

	ResponseTime float64 `json:"responseTime,omitempty"`
	PayloadSize  int64   `json:"payloadSize,omitempty"`
	StatusCode   int     `json:"statusCode,omitempty"`
	Timestamp    int64   `json:"ts,omitempty"` // unix ms; zero means now
}

// GeoPoint is a resolved client location, usually from an upstream
// geo-IP lookup.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// header returns a header value by lower-case name.
func (r *Request) header(name string) string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers[name]
}

// Components is the per-signal breakdown behind a decision. Nil members
// were not computed for this request.
type Components struct {
	Behavior    *behavior.Result         `json:"behavior,omitempty"`
	Patterns    *pattern.Result          `json:"patterns,omitempty"`
	RateLimit   *ratelimit.Result        `json:"rateLimit,omitempty"`
	Fingerprint *fingerprint.Fingerprint `json:"fingerprint,omitempty"`
	Reputation  *float64                 `json:"reputation,omitempty"`
	Travel      *session.Travel          `json:"travel,omitempty"`

	// FingerprintStable is false when the identity rotates fingerprints.
	FingerprintStable bool `json:"fingerprintStable"`
}

// Decision is the engine's verdict on one request.
type Decision struct {
	ID        string `json:"id"`
	Identity  string `json:"identity"`
	UserID    string `json:"userId,omitempty"`
	SessionID string `json:"sessionId"`

	RiskScore float64   `json:"riskScore"`
	RiskLevel RiskLevel `json:"riskLevel"`
	Action    Action    `json:"action"`
	// Allowed is true for allow and challenge, false for throttle,
	// block, and ban.
	Allowed bool `json:"allowed"`

	Components Components `json:"components"`

	EvaluationTime time.Duration `json:"evaluationTimeMs"`
	Timestamp      int64         `json:"ts"`
}

// Thresholds are the ascending level boundaries on the fused score.
type Thresholds struct {
	Low      float64
	Medium   float64
	High     float64
	Critical float64
}

// DefaultThresholds per the calibrated defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{Low: 0.3, Medium: 0.5, High: 0.7, Critical: 0.9}
}

// Level maps a score to its band.
func (t Thresholds) Level(score float64) RiskLevel {
	switch {
	case score >= t.Critical:
		return LevelCritical
	case score >= t.High:
		return LevelHigh
	case score >= t.Medium:
		return LevelMedium
	case score >= t.Low:
		return LevelLow
	default:
		return LevelMinimal
	}
}

// Weights are the per-signal fusion weights. They need not sum to 1:
// the fuser normalizes by the sum over present signals.
type Weights struct {
	Behavior    float64
	Patterns    float64
	RateLimit   float64
	Fingerprint float64
	Reputation  float64
}

// DefaultWeights per the calibrated defaults.
func DefaultWeights() Weights {
	return Weights{Behavior: 0.25, Patterns: 0.25, RateLimit: 0.20, Fingerprint: 0.15, Reputation: 0.15}
}

// Floors are the upward clamps applied after linear fusion. Each is a
// minimum the fused score is raised to when its condition holds.
type Floors struct {
	Attack     float64 // an attack type was identified
	Bot        float64 // the fingerprint classified the client as a bot
	RateDenied float64 // the rate limiter denied the request
}

// DefaultFloors per the calibrated defaults.
func DefaultFloors() Floors {
	return Floors{Attack: 0.6, Bot: 0.7, RateDenied: 0.5}
}

// Stats are the engine's global counters. Values are monotone except
// MeanScore; reads may be slightly stale under contention.
type Stats struct {
	Total      int64   `json:"total"`
	Allowed    int64   `json:"allowed"`
	Challenged int64   `json:"challenged"`
	Throttled  int64   `json:"throttled"`
	Blocked    int64   `json:"blocked"`
	MeanScore  float64 `json:"meanScore"`
}
