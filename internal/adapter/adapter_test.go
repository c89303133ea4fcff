package adapter

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimetra/riskgate/internal/engine"
)

const desktopUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func newRouter(t *testing.T, cfg engine.Config) (*gin.Engine, *Adapter) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	e := engine.New(cfg)
	t.Cleanup(e.Close)

	a := New(e)
	r := gin.New()
	r.Use(a.Middleware())
	r.GET("/api/data", func(c *gin.Context) {
		d, ok := DecisionFrom(c)
		require.True(t, ok, "handler must see the decision")
		c.JSON(http.StatusOK, gin.H{"score": d.RiskScore})
	})
	return r, a
}

func hintedRequest(target string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("User-Agent", desktopUA)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "gzip, br")
	req.Header.Set("X-Client-Timezone", "America/Chicago")
	req.Header.Set("X-Client-Screen", "2560x1440")
	req.Header.Set("X-Client-Platform", "Win32")
	req.Header.Set("X-Client-Canvas", "c1")
	req.Header.Set("X-Client-Webgl", "w1")
	req.Header.Set("X-Client-Cookies", "1")
	return req
}

func TestMiddleware_AllowsCleanRequest(t *testing.T) {
	r, _ := newRouter(t, engine.DefaultConfig())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, hintedRequest("/api/data"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
	assert.NotEmpty(t, w.Header().Get("X-Risk-Score"))
	assert.Contains(t, []string{"minimal", "low"}, w.Header().Get("X-Risk-Level"))
}

func TestMiddleware_BlocksBotWithRetryAfter(t *testing.T) {
	r, _ := newRouter(t, engine.DefaultConfig())

	req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	req.Header.Set("User-Agent", "python-requests/2.31")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "3600", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "bot_detected")
	assert.Contains(t, w.Body.String(), "requestId")
}

func TestMiddleware_ChallengeRoundTrip(t *testing.T) {
	// Push the low band down so a bare, hintless request lands in it.
	cfg := engine.DefaultConfig()
	cfg.Thresholds = engine.Thresholds{Low: 0.05, Medium: 0.5, High: 0.7, Critical: 0.9}
	r, _ := newRouter(t, cfg)

	bare := func() *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
		req.Header.Set("User-Agent", desktopUA)
		return req
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, bare())
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "challenge_required")
	assert.Contains(t, w.Body.String(), "challengeType")

	answered := bare()
	answered.Header.Set("X-Challenge-Response", "solved")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, answered)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddleware_ThrottleDelaysHandler(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.Thresholds = engine.Thresholds{Low: 0.01, Medium: 0.05, High: 0.7, Critical: 0.9}
	r, a := newRouter(t, cfg)

	var slept time.Duration
	a.sleep = func(d time.Duration) { slept = d }

	req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	req.Header.Set("User-Agent", desktopUA)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code, "throttled requests still reach the handler")
	assert.Equal(t, 2*time.Second, slept, "factor 0.5 doubles the base delay")

	// A harsher factor stretches the delay further: base / 0.25 = 4s.
	cfg.ThrottleFactor = 0.25
	r, a = newRouter(t, cfg)
	a.sleep = func(d time.Duration) { slept = d }

	req = httptest.NewRequest(http.MethodGet, "/api/data", nil)
	req.Header.Set("User-Agent", desktopUA)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, 4*time.Second, slept)
}

func TestMiddleware_PropagatesInboundRequestID(t *testing.T) {
	r, _ := newRouter(t, engine.DefaultConfig())

	req := hintedRequest("/api/data")
	req.Header.Set("X-Request-Id", "req-fixed-1")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "req-fixed-1", w.Header().Get("X-Request-Id"))
}

func TestBuildRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodPost, "/api/orders?limit=5", nil)
	c.Request.Header.Set("User-Agent", desktopUA)
	c.Request.Header.Set("X-User-Id", "u-42")
	c.Request.Header.Set("X-Session-Id", "s-9")
	c.Request.ContentLength = 128

	req := buildRequest(c)

	assert.Equal(t, "u-42", req.UserID)
	assert.Equal(t, "s-9", req.SessionID)
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "/api/orders", req.Endpoint, "falls back to the URL path outside a route")
	assert.Equal(t, "post:/api/orders", req.Action)
	assert.Equal(t, desktopUA, req.Headers["user-agent"], "headers keyed lower-case")
	assert.Equal(t, "5", req.Query["limit"])
	assert.Equal(t, int64(128), req.PayloadSize)
}

func TestClientHints(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("absent", func(t *testing.T) {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		assert.Nil(t, clientHints(c))
	})

	t.Run("full", func(t *testing.T) {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = hintedRequest("/")
		c.Request.Header.Set("X-Client-Color-Depth", "24")
		c.Request.Header.Set("X-Client-Plugins", "pdf-viewer,flash")
		c.Request.Header.Set("X-Client-Webdriver", "1")

		hints := clientHints(c)
		require.NotNil(t, hints)
		assert.Equal(t, "America/Chicago", hints.Timezone)
		assert.Equal(t, "2560x1440", hints.ScreenResolution)
		assert.Equal(t, 24, hints.ColorDepth)
		assert.Equal(t, []string{"pdf-viewer", "flash"}, hints.Plugins)
		assert.True(t, hints.CookiesEnabled)
		assert.True(t, hints.HasWebDriver)
		assert.True(t, hints.JSEnabled, "hints imply a script ran")
	})
}

func TestGeoPoint(t *testing.T) {
	gin.SetMode(gin.TestMode)

	newCtx := func() *gin.Context {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		return c
	}

	t.Run("absent", func(t *testing.T) {
		assert.Nil(t, geoPoint(newCtx()))
	})

	t.Run("partial", func(t *testing.T) {
		c := newCtx()
		c.Request.Header.Set("X-Geo-Lat", "40.7128")
		assert.Nil(t, geoPoint(c), "one coordinate is no location")
	})

	t.Run("malformed", func(t *testing.T) {
		c := newCtx()
		c.Request.Header.Set("X-Geo-Lat", "north-ish")
		c.Request.Header.Set("X-Geo-Lon", "-74.0060")
		assert.Nil(t, geoPoint(c))
	})

	t.Run("valid", func(t *testing.T) {
		c := newCtx()
		c.Request.Header.Set("X-Geo-Lat", "40.7128")
		c.Request.Header.Set("X-Geo-Lon", "-74.0060")

		geo := geoPoint(c)
		require.NotNil(t, geo)
		assert.Equal(t, 40.7128, geo.Lat)
		assert.Equal(t, -74.0060, geo.Lon)
	})
}
