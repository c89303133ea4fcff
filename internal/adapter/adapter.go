// Package adapter mounts the risk engine as gin middleware.
//
// It translates each HTTP request into an engine record, evaluates it,
// and enforces the resulting action: challenges answer 429, blocks and
// bans answer 403, throttles delay the handler, allows pass through.
// Evaluation failures fail open.
package adapter

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/perimetra/riskgate/internal/engine"
	"github.com/perimetra/riskgate/internal/fingerprint"
	"github.com/perimetra/riskgate/internal/traces"
)

const (
	// ContextKeyDecision is the gin context key the decision is stored under.
	ContextKeyDecision = "riskDecision"
	// ContextKeyRequestID is the gin context key for the request id.
	ContextKeyRequestID = "riskRequestID"

	headerRequestID         = "X-Request-Id"
	headerRiskScore         = "X-Risk-Score"
	headerRiskLevel         = "X-Risk-Level"
	headerChallengeResponse = "X-Challenge-Response"
	headerRetryAfter        = "Retry-After"

	// throttleBaseDelay is divided by the action's factor: factor 0.5
	// delays 2s, factor 0.25 delays 4s.
	throttleBaseDelay = time.Second
)

// Adapter wires an Engine into a gin handler chain.
type Adapter struct {
	engine *engine.Engine
	logger *slog.Logger

	// sleep is swappable so tests don't wait out real throttle delays.
	sleep func(time.Duration)
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// New creates an adapter around an engine.
func New(e *engine.Engine, opts ...Option) *Adapter {
	a := &Adapter{
		engine: e,
		logger: slog.Default(),
		sleep:  time.Sleep,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Middleware returns the gin middleware enforcing risk decisions.
func (a *Adapter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(headerRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(ContextKeyRequestID, requestID)
		c.Header(headerRequestID, requestID)

		d, err := a.evaluate(c)
		if err != nil {
			// Fail open: a broken risk check must not take the API down.
			a.logger.Error("risk evaluation failed, allowing request",
				"error", err, "requestId", requestID)
			c.Next()
			return
		}

		c.Set(ContextKeyDecision, d)
		c.Header(headerRiskScore, strconv.FormatFloat(d.RiskScore, 'f', 3, 64))
		c.Header(headerRiskLevel, string(d.RiskLevel))

		switch d.Action.Type {
		case engine.ActionChallenge:
			// A presented challenge response lets the request through;
			// verification belongs to the challenge provider.
			if c.GetHeader(headerChallengeResponse) != "" {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":         "challenge_required",
				"challengeType": d.Action.ChallengeType,
				"requestId":     requestID,
			})

		case engine.ActionThrottle:
			if d.Action.Factor > 0 && d.Action.Factor < 1 {
				a.sleep(time.Duration(float64(throttleBaseDelay) / d.Action.Factor))
			}
			c.Next()

		case engine.ActionBlock, engine.ActionBan:
			retryAfter := int(d.Action.Duration.Seconds())
			c.Header(headerRetryAfter, strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":      "request_denied",
				"reason":     d.Action.Reason,
				"retryAfter": retryAfter,
				"requestId":  requestID,
			})

		default:
			c.Next()
		}
	}
}

// evaluate builds the engine record from the gin context and scores it.
// The recover guard turns an engine panic into a fail-open error.
func (a *Adapter) evaluate(c *gin.Context) (d *engine.Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			d, err = nil, fmt.Errorf("panic in risk evaluation: %v", r)
		}
	}()

	req := buildRequest(c)

	ctx, span := traces.StartSpan(c.Request.Context(), "risk.evaluate")
	defer span.End()

	d = a.engine.Evaluate(ctx, req)
	span.SetAttributes(
		traces.Identity(d.Identity),
		traces.DecisionID(d.ID),
		traces.Score(d.RiskScore),
		traces.Level(string(d.RiskLevel)),
		traces.ActionTaken(string(d.Action.Type)),
	)
	if p := d.Components.Patterns; p != nil && p.AttackType != "" {
		span.SetAttributes(traces.AttackType(string(p.AttackType)))
	}
	return d, nil
}

// buildRequest maps one HTTP request onto the engine's record shape.
func buildRequest(c *gin.Context) *engine.Request {
	endpoint := c.FullPath()
	if endpoint == "" {
		endpoint = c.Request.URL.Path
	}

	headers := make(map[string]string, len(c.Request.Header))
	for name, values := range c.Request.Header {
		if len(values) > 0 {
			headers[strings.ToLower(name)] = values[0]
		}
	}

	query := make(map[string]string)
	for name, values := range c.Request.URL.Query() {
		if len(values) > 0 {
			query[name] = values[0]
		}
	}

	return &engine.Request{
		IP:          c.ClientIP(),
		UserID:      c.GetHeader("X-User-Id"),
		SessionID:   c.GetHeader("X-Session-Id"),
		Method:      c.Request.Method,
		Path:        c.Request.URL.Path,
		Endpoint:    endpoint,
		Action:      strings.ToLower(c.Request.Method) + ":" + endpoint,
		Headers:     headers,
		Query:       query,
		Client:      clientHints(c),
		Geo:         geoPoint(c),
		PayloadSize: c.Request.ContentLength,
	}
}

// geoPoint reads the location an upstream geo-IP resolver attached to the
// request. Both coordinates must parse or the request carries no location.
func geoPoint(c *gin.Context) *engine.GeoPoint {
	lat, errLat := strconv.ParseFloat(c.GetHeader("X-Geo-Lat"), 64)
	lon, errLon := strconv.ParseFloat(c.GetHeader("X-Geo-Lon"), 64)
	if errLat != nil || errLon != nil {
		return nil
	}
	return &engine.GeoPoint{Lat: lat, Lon: lon}
}

// clientHints decodes the X-Client-* headers a browser probe script sends.
// Returns nil when no hints are present, which the fingerprinter treats as
// reduced confidence.
func clientHints(c *gin.Context) *fingerprint.ClientHints {
	get := func(name string) string { return c.GetHeader("X-Client-" + name) }

	hints := &fingerprint.ClientHints{
		Timezone:         get("Timezone"),
		ScreenResolution: get("Screen"),
		Platform:         get("Platform"),
		CanvasHash:       get("Canvas"),
		WebGLHash:        get("Webgl"),
		AudioHash:        get("Audio"),
		TouchSupport:     get("Touch") == "1",
		CookiesEnabled:   get("Cookies") == "1",
		HasWebDriver:     get("Webdriver") == "1",
	}
	if depth, err := strconv.Atoi(get("Color-Depth")); err == nil {
		hints.ColorDepth = depth
	}
	if plugins := get("Plugins"); plugins != "" {
		hints.Plugins = strings.Split(plugins, ",")
	}
	if fonts := get("Fonts"); fonts != "" {
		hints.Fonts = strings.Split(fonts, ",")
	}

	// Any hint at all implies a script ran.
	hints.JSEnabled = hints.Timezone != "" || hints.ScreenResolution != "" ||
		hints.CanvasHash != "" || hints.Platform != ""

	if !hints.JSEnabled && !hints.TouchSupport && !hints.CookiesEnabled &&
		!hints.HasWebDriver && hints.AudioHash == "" && hints.ColorDepth == 0 &&
		len(hints.Plugins) == 0 && len(hints.Fonts) == 0 {
		return nil
	}
	return hints
}

// DecisionFrom returns the decision stored by the middleware, if any.
func DecisionFrom(c *gin.Context) (*engine.Decision, bool) {
	v, ok := c.Get(ContextKeyDecision)
	if !ok {
		return nil, false
	}
	d, ok := v.(*engine.Decision)
	return d, ok
}

// RequestIDFrom returns the request id stored by the middleware.
func RequestIDFrom(c *gin.Context) string {
	return c.GetString(ContextKeyRequestID)
}
