// Package ratelimit provides per-identity sliding-window rate limiting with
// adaptive penalties, plus token-bucket and leaky-bucket primitives.
//
// The primary surface is Limiter.Check: a sliding-window log of request
// timestamps per (identity, endpoint) bucket. Identities that repeatedly
// exceed their limit accumulate a multiplicative penalty in [1, 10] that
// divides their effective limit; compliant traffic decays the penalty back
// toward 1.
package ratelimit

import (
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"
)

// Denial reasons surfaced on Result.Reason.
const (
	ReasonRateExceeded  = "rate_limit_exceeded"
	ReasonBurstExceeded = "burst_limit_exceeded"
)

const (
	maxPenalty = 10.0
	// penaltyEpsilon: penalties within this of 1 are dropped entirely.
	penaltyEpsilon = 0.01
	// riskLimitFactor scales the effective limit down by up to 70% for
	// high-risk callers.
	riskLimitFactor = 0.7
	// severityPenaltyGrowth: penalty grows by up to 50% per violation,
	// proportional to severity.
	severityPenaltyGrowth = 0.5

	// staleAfterWindows: buckets idle for this many windows are swept.
	staleAfterWindows = 10

	// adaptiveMinSamples is the usage history needed before limits adapt.
	adaptiveMinSamples = 50
)

// Config tunes a Limiter.
type Config struct {
	// DefaultLimit is the base request budget per window.
	DefaultLimit int
	// Window is the sliding window size.
	Window time.Duration
	// BurstMultiplier scales the hard burst ceiling above the limit.
	BurstMultiplier float64
	// PenaltyDecay multiplies the penalty on each compliant request (<1).
	PenaltyDecay float64
	// Adaptive enables penalty rewards and per-identity limit recomputation.
	Adaptive bool
	// CleanupInterval is how often stale buckets are swept.
	CleanupInterval time.Duration
}

// DefaultConfig returns the standard limiter tuning.
func DefaultConfig() Config {
	return Config{
		DefaultLimit:    60,
		Window:          60 * time.Second,
		BurstMultiplier: 2,
		PenaltyDecay:    0.95,
		Adaptive:        true,
		CleanupInterval: 60 * time.Second,
	}
}

// CheckOptions carries per-call parameters for Limiter.Check.
type CheckOptions struct {
	// Endpoint scopes the bucket; empty means a global per-identity bucket.
	Endpoint string
	// Limit overrides the configured/adapted limit when > 0.
	Limit int
	// RiskScore in (0,1] shrinks the effective limit for risky callers.
	RiskScore float64
}

// Result is the outcome of a limit check.
type Result struct {
	Allowed      bool
	Remaining    int
	ResetIn      time.Duration
	Limit        int
	CurrentCount int
	// Severity in [0,1] grades a denial between the limit and the burst
	// ceiling. Zero on allowed requests.
	Severity   float64
	Reason     string
	RetryAfter time.Duration
}

// bucket is the sliding-window log for one (identity, endpoint) pair.
type bucket struct {
	requests   []time.Time
	createdAt  time.Time
	lastAccess time.Time
	violations int
}

// Limiter tracks sliding-window state per identity.
type Limiter struct {
	cfg    Config
	logger *slog.Logger

	mu           sync.Mutex
	buckets      map[string]*bucket // "<identity>|<endpoint>"
	penalties    map[string]float64 // identity → penalty in [1, 10]
	userLimits   map[string]int     // identity → adapted limit
	usage        map[string][]float64
	tokenBuckets map[string]*tokenState
	leakyBuckets map[string]*leakyState

	stop     chan struct{}
	stopOnce sync.Once
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(lm *Limiter) { lm.logger = l }
}

// New creates a Limiter and starts its stale-bucket sweeper.
func New(cfg Config, opts ...Option) *Limiter {
	def := DefaultConfig()
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = def.DefaultLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.BurstMultiplier < 1 {
		cfg.BurstMultiplier = def.BurstMultiplier
	}
	if cfg.PenaltyDecay <= 0 || cfg.PenaltyDecay >= 1 {
		cfg.PenaltyDecay = def.PenaltyDecay
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}

	l := &Limiter{
		cfg:          cfg,
		logger:       slog.Default(),
		buckets:      make(map[string]*bucket),
		penalties:    make(map[string]float64),
		userLimits:   make(map[string]int),
		usage:        make(map[string][]float64),
		tokenBuckets: make(map[string]*tokenState),
		leakyBuckets: make(map[string]*leakyState),
		stop:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.sweep()
	return l
}

// Check evaluates one request for id against the sliding window.
func (l *Limiter) Check(id string, opts CheckOptions) Result {
	now := time.Now()
	key := id + "|" + opts.Endpoint

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{createdAt: now}
		l.buckets[key] = b
	}
	b.lastAccess = now

	// Prune timestamps that fell out of the window.
	cutoff := now.Add(-l.cfg.Window)
	start := 0
	for start < len(b.requests) && !b.requests[start].After(cutoff) {
		start++
	}
	if start > 0 {
		b.requests = b.requests[start:]
	}

	limit := l.effectiveLimitLocked(id, opts)
	burstLimit := int(math.Floor(float64(limit) * l.cfg.BurstMultiplier))
	currentCount := len(b.requests)

	l.recordUsageLocked(id, currentCount, limit)

	if currentCount >= limit {
		severity := 1.0
		if currentCount < burstLimit && burstLimit > limit {
			severity = float64(currentCount-limit) / float64(burstLimit-limit)
		}

		penalty := l.penaltyLocked(id)
		penalty = math.Min(penalty*(1+severityPenaltyGrowth*severity), maxPenalty)
		l.penalties[id] = penalty
		b.violations++

		// Denied attempts are logged too (capped at the burst ceiling), so
		// sustained abuse escalates severity instead of idling at the limit.
		if currentCount < burstLimit {
			b.requests = append(b.requests, now)
		}

		reason := ReasonRateExceeded
		if currentCount >= burstLimit {
			reason = ReasonBurstExceeded
		}

		// A denial at exactly the limit has severity 0; fall back to the
		// window reset so callers always get a usable retry hint.
		retryAfter := time.Duration(float64(l.cfg.Window/staleAfterWindows) * severity * penalty)
		if retryAfter <= 0 {
			retryAfter = l.resetInLocked(b, now)
		}

		return Result{
			Allowed:      false,
			Remaining:    0,
			ResetIn:      l.resetInLocked(b, now),
			Limit:        limit,
			CurrentCount: currentCount,
			Severity:     severity,
			Reason:       reason,
			RetryAfter:   retryAfter,
		}
	}

	b.requests = append(b.requests, now)
	currentCount++

	// Reward compliant traffic: decay the penalty toward 1.
	if l.cfg.Adaptive && currentCount < limit/2 {
		if penalty, ok := l.penalties[id]; ok {
			penalty = math.Max(penalty*l.cfg.PenaltyDecay, 1)
			if penalty-1 < penaltyEpsilon {
				delete(l.penalties, id)
			} else {
				l.penalties[id] = penalty
			}
		}
	}

	return Result{
		Allowed:      true,
		Remaining:    limit - currentCount,
		ResetIn:      l.resetInLocked(b, now),
		Limit:        limit,
		CurrentCount: currentCount,
	}
}

// effectiveLimitLocked computes floor(base/penalty), applies the risk
// multiplier, and floors at 1. Caller holds l.mu.
func (l *Limiter) effectiveLimitLocked(id string, opts CheckOptions) int {
	base := l.cfg.DefaultLimit
	if adapted, ok := l.userLimits[id]; ok {
		base = adapted
	}
	if opts.Limit > 0 {
		base = opts.Limit
	}

	limit := int(math.Floor(float64(base) / l.penaltyLocked(id)))
	if opts.RiskScore > 0 && opts.RiskScore <= 1 {
		limit = int(float64(limit) * (1 - riskLimitFactor*opts.RiskScore))
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

func (l *Limiter) penaltyLocked(id string) float64 {
	if p, ok := l.penalties[id]; ok {
		return p
	}
	return 1
}

func (l *Limiter) resetInLocked(b *bucket, now time.Time) time.Duration {
	if len(b.requests) == 0 {
		return 0
	}
	d := b.requests[0].Add(l.cfg.Window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

func (l *Limiter) recordUsageLocked(id string, currentCount, limit int) {
	if !l.cfg.Adaptive || limit <= 0 {
		return
	}
	samples := append(l.usage[id], float64(currentCount)/float64(limit))
	if len(samples) > 2*adaptiveMinSamples {
		samples = samples[len(samples)-2*adaptiveMinSamples:]
	}
	l.usage[id] = samples
}

// RecomputeLimit adapts id's base limit from observed usage: quiet callers
// get 20% more headroom, saturating callers 20% less, clamped to
// [0.1·default, 3·default] and shrunk further for risky callers. Returns
// the resulting limit and whether it changed.
func (l *Limiter) RecomputeLimit(id string, riskScore float64) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	samples := l.usage[id]
	if len(samples) < adaptiveMinSamples {
		return l.baseLimitLocked(id), false
	}

	var sum, peak float64
	for _, u := range samples {
		sum += u
		if u > peak {
			peak = u
		}
	}
	mean := sum / float64(len(samples))

	base := float64(l.baseLimitLocked(id))
	switch {
	case mean < 0.3 && peak < 0.5:
		base *= 1.2
	case mean > 0.8 || peak > 0.95:
		base *= 0.8
	default:
		return int(base), false
	}

	def := float64(l.cfg.DefaultLimit)
	base = math.Max(def*0.1, math.Min(base, def*3))
	if riskScore > 0 && riskScore <= 1 {
		base *= 1 - 0.5*riskScore
	}

	limit := int(math.Floor(base))
	if limit < 1 {
		limit = 1
	}
	l.userLimits[id] = limit
	return limit, true
}

func (l *Limiter) baseLimitLocked(id string) int {
	if adapted, ok := l.userLimits[id]; ok {
		return adapted
	}
	return l.cfg.DefaultLimit
}

// Penalty returns id's current penalty (1 when none).
func (l *Limiter) Penalty(id string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.penaltyLocked(id)
}

// Violations returns the violation count for id's bucket on endpoint.
func (l *Limiter) Violations(id, endpoint string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[id+"|"+endpoint]; ok {
		return b.violations
	}
	return 0
}

// Reset removes all limiter state for id: buckets on every endpoint,
// penalty, adapted limit, usage history, and bucket primitives.
func (l *Limiter) Reset(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prefix := id + "|"
	for key := range l.buckets {
		if strings.HasPrefix(key, prefix) {
			delete(l.buckets, key)
		}
	}
	for key := range l.tokenBuckets {
		if strings.HasPrefix(key, prefix) {
			delete(l.tokenBuckets, key)
		}
	}
	for key := range l.leakyBuckets {
		if strings.HasPrefix(key, prefix) {
			delete(l.leakyBuckets, key)
		}
	}
	delete(l.penalties, id)
	delete(l.userLimits, id)
	delete(l.usage, id)
}

// Close stops the sweeper.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// sweep deletes buckets idle for more than staleAfterWindows windows.
func (l *Limiter) sweep() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-time.Duration(staleAfterWindows) * l.cfg.Window)
			l.mu.Lock()
			removed := 0
			for key, b := range l.buckets {
				if b.lastAccess.Before(cutoff) {
					delete(l.buckets, key)
					removed++
				}
			}
			l.mu.Unlock()
			if removed > 0 {
				l.logger.Debug("rate limiter swept stale buckets", "count", removed)
			}
		case <-l.stop:
			return
		}
	}
}
