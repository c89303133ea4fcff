// Package engine fuses five abuse signals into per-request risk decisions.
//
// For each request it records the event, runs the behavior analyzer,
// pattern detector, rate limiter, fingerprinter, and reputation tracker,
// combines their scores by weighted mean with upward floor clamps, and maps
// the fused score to a mitigation action.
package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/perimetra/riskgate/internal/behavior"
	"github.com/perimetra/riskgate/internal/circuitbreaker"
	"github.com/perimetra/riskgate/internal/event"
	"github.com/perimetra/riskgate/internal/fingerprint"
	"github.com/perimetra/riskgate/internal/idgen"
	"github.com/perimetra/riskgate/internal/metrics"
	"github.com/perimetra/riskgate/internal/pattern"
	"github.com/perimetra/riskgate/internal/ratelimit"
	"github.com/perimetra/riskgate/internal/reputation"
	"github.com/perimetra/riskgate/internal/retry"
	"github.com/perimetra/riskgate/internal/session"
	"github.com/perimetra/riskgate/internal/stats"
	"github.com/perimetra/riskgate/internal/store"
	"github.com/perimetra/riskgate/internal/syncutil"
)

const (
	eventsMax       = 1000
	defaultBan      = 24 * time.Hour
	defaultBlock    = time.Hour
	defaultThrottle = 0.5

	auditRetries    = 3
	auditRetryDelay = 100 * time.Millisecond
	auditBreakerKey = "audit"
)

// Config tunes an Engine. Zero values fall back to calibrated defaults.
type Config struct {
	Thresholds Thresholds
	Weights    Weights
	Floors     Floors
	RateLimit  ratelimit.Config

	BanDuration    time.Duration
	BlockDuration  time.Duration
	ThrottleFactor float64
}

// DefaultConfig returns the standard engine tuning.
func DefaultConfig() Config {
	return Config{
		Thresholds:     DefaultThresholds(),
		Weights:        DefaultWeights(),
		Floors:         DefaultFloors(),
		RateLimit:      ratelimit.DefaultConfig(),
		BanDuration:    defaultBan,
		BlockDuration:  defaultBlock,
		ThrottleFactor: defaultThrottle,
	}
}

// Engine is the request evaluation orchestrator. Safe for concurrent use.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	store      store.Store
	ownsStore  bool
	limiter    *ratelimit.Limiter
	behavior   *behavior.Analyzer
	patterns   *pattern.Detector
	fpTracker  *fingerprint.Tracker
	reputation *reputation.Tracker
	sessions   *session.Tracker
	hooks      Hooks
	audit      AuditStore

	// auditBreaker stops hammering a down audit backend; decisions are
	// still served, the trail just goes dark until the probe succeeds.
	auditBreaker *circuitbreaker.Breaker

	// idLocks serializes evaluation and reset per identity so event
	// ordering holds and ResetIdentity is atomic for readers.
	idLocks syncutil.ShardedRWMutex

	total      atomic.Int64
	allowed    atomic.Int64
	challenged atomic.Int64
	throttled  atomic.Int64
	blocked    atomic.Int64

	scoreMu  sync.Mutex
	scoreSum float64

	closeOnce sync.Once
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithStore uses an external store. The caller keeps ownership; Close
// will not touch it.
func WithStore(st store.Store) Option {
	return func(e *Engine) {
		e.store = st
		e.ownsStore = false
	}
}

func WithHooks(h Hooks) Option {
	return func(e *Engine) { e.hooks = h }
}

// WithAuditStore records every decision asynchronously, best effort.
func WithAuditStore(a AuditStore) Option {
	return func(e *Engine) { e.audit = a }
}

// New creates an engine. Without WithStore it owns a fresh in-memory
// store and closes it on Close.
func New(cfg Config, opts ...Option) *Engine {
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights()
	}
	if cfg.Floors == (Floors{}) {
		cfg.Floors = DefaultFloors()
	}
	if cfg.RateLimit.DefaultLimit == 0 {
		cfg.RateLimit = ratelimit.DefaultConfig()
	}
	if cfg.BanDuration == 0 {
		cfg.BanDuration = defaultBan
	}
	if cfg.BlockDuration == 0 {
		cfg.BlockDuration = defaultBlock
	}
	if cfg.ThrottleFactor == 0 {
		cfg.ThrottleFactor = defaultThrottle
	}

	e := &Engine{
		cfg:          cfg,
		logger:       slog.Default(),
		hooks:        NopHooks{},
		ownsStore:    true,
		auditBreaker: circuitbreaker.New(5, 30*time.Second),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		e.store = store.NewMemory(store.DefaultCleanupInterval, store.WithLogger(e.logger))
	}

	e.limiter = ratelimit.New(cfg.RateLimit, ratelimit.WithLogger(e.logger))
	e.behavior = behavior.New(e.store, behavior.WithLogger(e.logger))
	e.patterns = pattern.New(pattern.WithLogger(e.logger))
	e.fpTracker = fingerprint.NewTracker(e.store)
	e.reputation = reputation.New(e.store, reputation.WithLogger(e.logger))
	e.sessions = session.New(e.store, session.WithLogger(e.logger))
	return e
}

func eventsKey(id string) string { return "events:" + id }

// identityFor picks the identity the request's state is grouped under.
func identityFor(r *Request) string {
	switch {
	case r.UserID != "":
		return r.UserID
	case r.header("x-user-id") != "":
		return r.header("x-user-id")
	case r.SessionID != "":
		return r.SessionID
	case r.IP != "":
		return r.IP
	default:
		return "anonymous"
	}
}

// syntheticSessionID derives a session id when the adapter supplied none.
func syntheticSessionID(r *Request, now int64) string {
	h := fnv.New32a()
	fmt.Fprintf(h, "%s|%s|%d", r.IP, r.header("user-agent"), now)
	return fmt.Sprintf("sess_%08x", h.Sum32())
}

// Evaluate scores one request. It never returns an error: producers that
// cannot compute degrade to neutral sentinels and the fuser drops their
// weight.
func (e *Engine) Evaluate(ctx context.Context, req *Request) *Decision {
	start := time.Now()
	now := req.Timestamp
	if now == 0 {
		now = start.UnixMilli()
	}

	identity := identityFor(req)
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = syntheticSessionID(req, now)
	}

	unlock := e.idLocks.Lock(identity)
	defer unlock()

	events := e.recordEvent(identity, req, now)
	comp := e.runProducers(identity, req, events, now)
	if req.Geo != nil {
		travel := e.sessions.Observe(identity, sessionID, req.Geo.Lat, req.Geo.Lon, now)
		comp.Travel = &travel
	}
	score := e.fuse(&comp)
	level := e.cfg.Thresholds.Level(score)
	action := e.selectAction(score, level, &comp)

	e.reputation.Update(identity, score, string(action.Type), now)

	d := &Decision{
		ID:             idgen.WithPrefix("dec_"),
		Identity:       identity,
		UserID:         req.UserID,
		SessionID:      sessionID,
		RiskScore:      math.Round(score*1000) / 1000,
		RiskLevel:      level,
		Action:         action,
		Allowed:        action.Type == ActionAllow || action.Type == ActionChallenge,
		Components:     comp,
		EvaluationTime: time.Since(start),
		Timestamp:      now,
	}

	e.updateCounters(d)
	e.fireHooks(d)
	e.observe(d)

	if e.audit != nil {
		// Best-effort audit trail, detached from the request lifetime.
		go e.recordAudit(d)
	}

	return d
}

// recordAudit writes one decision to the audit trail with retries, behind
// the breaker so a dead backend is probed instead of hammered.
func (e *Engine) recordAudit(d *Decision) {
	if !e.auditBreaker.Allow(auditBreakerKey) {
		return
	}
	err := retry.Do(context.Background(), auditRetries, auditRetryDelay, func() error {
		return e.audit.Record(context.Background(), d)
	})
	if err != nil {
		e.auditBreaker.RecordFailure(auditBreakerKey)
		e.logger.Warn("audit record failed", "decision", d.ID, "error", err)
		return
	}
	e.auditBreaker.RecordSuccess(auditBreakerKey)
}

// recordEvent appends the request to the identity's bounded event list and
// returns the current window.
func (e *Engine) recordEvent(identity string, req *Request, now int64) []event.Event {
	ev := event.Event{
		Timestamp:    now,
		Action:       req.Action,
		Endpoint:     req.Endpoint,
		IP:           req.IP,
		UserAgent:    req.header("user-agent"),
		Method:       req.Method,
		ResponseTime: req.ResponseTime,
		PayloadSize:  req.PayloadSize,
		StatusCode:   req.StatusCode,
	}
	e.store.Push(eventsKey(identity), ev, eventsMax)
	return decodeEvents(e.store.List(eventsKey(identity)))
}

// decodeEvents converts stored list values back into events. Backends that
// persist JSON hand back generic maps, so a plain type assertion would
// drop the entire history.
func decodeEvents(raw []any) []event.Event {
	events := make([]event.Event, 0, len(raw))
	for _, v := range raw {
		var evt event.Event
		if store.Decode(v, &evt) {
			events = append(events, evt)
		}
	}
	return events
}

// runProducers executes the five signal producers. They share only the
// store, so they fan out with a join barrier.
func (e *Engine) runProducers(identity string, req *Request, events []event.Event, now int64) Components {
	repScore, repSeen := 0.0, false
	if rec, ok := e.reputation.Record(identity); ok {
		repScore, repSeen = rec.Score, true
	}

	var comp Components
	if repSeen {
		comp.Reputation = &repScore
	}

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		res := e.behavior.Analyze(identity, events, now)
		comp.Behavior = &res
	}()
	go func() {
		defer wg.Done()
		res := e.patterns.Detect(events)
		comp.Patterns = &res
	}()
	go func() {
		defer wg.Done()
		fp := fingerprint.Generate(fingerprint.Input{
			UserAgent:      req.header("user-agent"),
			IP:             req.IP,
			AcceptLanguage: req.header("accept-language"),
			AcceptEncoding: req.header("accept-encoding"),
			Connection:     req.header("connection"),
			Client:         req.Client,
		})
		e.fpTracker.Observe(identity, fp.Hash)
		comp.Fingerprint = &fp
		comp.FingerprintStable = e.fpTracker.Stable(identity)
	}()

	rl := e.limiter.Check(identity, ratelimit.CheckOptions{
		Endpoint:  req.Endpoint,
		RiskScore: repScore,
	})
	comp.RateLimit = &rl

	wg.Wait()
	return comp
}

// fuse combines the present components by weighted mean, then applies the
// upward floor clamps.
func (e *Engine) fuse(comp *Components) float64 {
	w := e.cfg.Weights

	var weighted, total float64
	add := func(value, weight float64) {
		weighted += value * weight
		total += weight
	}

	if comp.Behavior != nil && comp.Behavior.Reliable {
		add(comp.Behavior.Score, w.Behavior)
	}
	if comp.Patterns != nil {
		add(comp.Patterns.Score, w.Patterns)
	}
	if comp.RateLimit != nil {
		add(rateLimitContribution(comp.RateLimit), w.RateLimit)
	}
	if comp.Fingerprint != nil {
		add(fingerprintContribution(comp.Fingerprint, comp.FingerprintStable), w.Fingerprint)
	}
	if comp.Reputation != nil {
		add(*comp.Reputation, w.Reputation)
	}

	score := 0.0
	if total > 0 {
		score = stats.Clamp01(weighted / total)
	}

	f := e.cfg.Floors
	if comp.Patterns != nil && comp.Patterns.AttackType != "" && score < f.Attack {
		score = f.Attack
	}
	if comp.Fingerprint != nil && comp.Fingerprint.IsBot && score < f.Bot {
		score = f.Bot
	}
	if comp.RateLimit != nil && !comp.RateLimit.Allowed && score < f.RateDenied {
		score = f.RateDenied
	}
	if comp.Travel != nil && comp.Travel.Flagged && score < comp.Travel.Risk {
		score = comp.Travel.Risk
	}
	return stats.Clamp01(score)
}

// rateLimitContribution is 0 for allowed requests and the denial severity
// otherwise, with 0.5 for a denial right at the limit.
func rateLimitContribution(rl *ratelimit.Result) float64 {
	if rl.Allowed {
		return 0
	}
	if rl.Severity > 0 {
		return rl.Severity
	}
	return 0.5
}

// fingerprintContribution takes the worst of the anomaly score, the bot
// score, and a 0.7 baseline for identities that rotate fingerprints.
func fingerprintContribution(fp *fingerprint.Fingerprint, stable bool) float64 {
	v := fp.Anomaly
	if fp.Bot > v {
		v = fp.Bot
	}
	if !stable && v < 0.7 {
		v = 0.7
	}
	return v
}

// selectAction maps the fused score to a mitigation.
func (e *Engine) selectAction(score float64, level RiskLevel, comp *Components) Action {
	switch level {
	case LevelCritical:
		return Action{Type: ActionBan, Reason: e.blockReason(comp), Duration: e.cfg.BanDuration}
	case LevelHigh:
		return Action{Type: ActionBlock, Reason: e.blockReason(comp), Duration: e.cfg.BlockDuration}
	case LevelMedium:
		return Action{Type: ActionThrottle, Reason: "elevated_risk", Factor: e.cfg.ThrottleFactor}
	case LevelLow:
		return Action{Type: ActionChallenge, Reason: "suspicious_traffic", ChallengeType: e.challengeType(comp)}
	default:
		return Action{Type: ActionAllow}
	}
}

// blockReason derives the reason from the dominant signal.
func (e *Engine) blockReason(comp *Components) string {
	if comp.Patterns != nil && comp.Patterns.AttackType != "" {
		return "detected_" + string(comp.Patterns.AttackType)
	}
	if comp.RateLimit != nil && !comp.RateLimit.Allowed && comp.RateLimit.Reason != "" {
		return comp.RateLimit.Reason
	}
	if comp.Fingerprint != nil && comp.Fingerprint.IsBot {
		return "bot_detected"
	}
	if comp.Travel != nil && comp.Travel.Flagged {
		return comp.Travel.Reason
	}
	return "high_risk"
}

func (e *Engine) challengeType(comp *Components) ChallengeType {
	if comp.Fingerprint != nil && comp.Fingerprint.Bot > 0.5 {
		return ChallengeCaptcha
	}
	if comp.Behavior != nil && comp.Behavior.Scores["automation"] > 0.5 {
		return ChallengeProofOfWork
	}
	return ChallengeJS
}

func (e *Engine) updateCounters(d *Decision) {
	e.total.Add(1)
	switch d.Action.Type {
	case ActionAllow:
		e.allowed.Add(1)
	case ActionChallenge:
		e.challenged.Add(1)
	case ActionThrottle:
		e.throttled.Add(1)
	case ActionBlock, ActionBan:
		e.blocked.Add(1)
	}

	e.scoreMu.Lock()
	e.scoreSum += d.RiskScore
	e.scoreMu.Unlock()
}

func (e *Engine) fireHooks(d *Decision) {
	if d.RiskLevel == LevelHigh || d.RiskLevel == LevelCritical {
		safeHook(e.logger, "onHighRisk", d, e.hooks.OnHighRisk)
	}
	if d.Action.Type == ActionBlock || d.Action.Type == ActionBan {
		safeHook(e.logger, "onBlock", d, e.hooks.OnBlock)
	}
	if anomalous(d) {
		safeHook(e.logger, "onAnomaly", d, e.hooks.OnAnomaly)
	}
}

func anomalous(d *Decision) bool {
	if d.Components.Fingerprint != nil && d.Components.Fingerprint.Anomaly > 0.7 {
		return true
	}
	if d.Components.Behavior != nil {
		if _, flagged := d.Components.Behavior.Factors["anomaly"]; flagged {
			return true
		}
	}
	return false
}

func (e *Engine) observe(d *Decision) {
	metrics.ObserveDecision(string(d.Action.Type), d.RiskScore, d.EvaluationTime)
	if d.Components.Patterns != nil && d.Components.Patterns.AttackType != "" {
		metrics.AttacksDetectedTotal.WithLabelValues(string(d.Components.Patterns.AttackType)).Inc()
	}
	if d.Components.RateLimit != nil && !d.Components.RateLimit.Allowed {
		metrics.RateLimitDenialsTotal.WithLabelValues(d.Components.RateLimit.Reason).Inc()
	}
	if d.Action.Type == ActionChallenge {
		metrics.ChallengesIssuedTotal.WithLabelValues(string(d.Action.ChallengeType)).Inc()
	}

	st := e.store.Stats()
	metrics.StoreEntries.Set(float64(st.Size))
	metrics.StoreEvictions.Set(float64(st.Evictions))
}

// ResetIdentity purges all per-identity state: events, behavior profile,
// fingerprint history, session history, reputation, and rate limiter
// buckets.
func (e *Engine) ResetIdentity(id string) {
	unlock := e.idLocks.Lock(id)
	defer unlock()

	e.store.Delete(eventsKey(id))
	e.behavior.Reset(id)
	e.fpTracker.Reset(id)
	e.sessions.Reset(id)
	e.reputation.Reset(id)
	e.limiter.Reset(id)
}

// History returns the identity's recorded events, oldest first.
func (e *Engine) History(id string) []event.Event {
	return decodeEvents(e.store.List(eventsKey(id)))
}

// Snapshot returns the engine's global counters.
func (e *Engine) Snapshot() Stats {
	s := Stats{
		Total:      e.total.Load(),
		Allowed:    e.allowed.Load(),
		Challenged: e.challenged.Load(),
		Throttled:  e.throttled.Load(),
		Blocked:    e.blocked.Load(),
	}
	e.scoreMu.Lock()
	sum := e.scoreSum
	e.scoreMu.Unlock()
	if s.Total > 0 {
		s.MeanScore = sum / float64(s.Total)
	}
	return s
}

// Close stops the rate limiter sweeper and, when the engine owns the
// store, the store sweeper too.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.limiter.Close()
		if e.ownsStore {
			e.store.Close()
		}
	})
}
