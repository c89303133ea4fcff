// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/perimetra/riskgate/internal/adapter"
	"github.com/perimetra/riskgate/internal/alert"
	"github.com/perimetra/riskgate/internal/anomaly"
	"github.com/perimetra/riskgate/internal/config"
	"github.com/perimetra/riskgate/internal/engine"
	"github.com/perimetra/riskgate/internal/health"
	"github.com/perimetra/riskgate/internal/logging"
	"github.com/perimetra/riskgate/internal/metrics"
	"github.com/perimetra/riskgate/internal/ratelimit"
	"github.com/perimetra/riskgate/internal/security"
	"github.com/perimetra/riskgate/internal/store"
	"github.com/perimetra/riskgate/internal/traces"
	"github.com/perimetra/riskgate/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *sql.DB // nil if audit trail stays in memory
	store   store.Store
	engine  *engine.Engine
	adapter *adapter.Adapter
	audit   engine.AuditStore
	checks  *health.Registry
	router  *gin.Engine
	httpSrv *http.Server

	cancelRunCtx   context.CancelFunc
	shutdownTraces func(context.Context) error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStore injects a pre-built state store (for testing)
func WithStore(st store.Store) Option {
	return func(s *Server) {
		s.store = st
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Shared state store (Redis if configured, otherwise in-memory)
	if s.store == nil {
		if cfg.RedisAddr != "" {
			rs, err := store.NewRedis(store.RedisConfig{Addr: cfg.RedisAddr}, s.logger)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to redis: %w", err)
			}
			s.store = rs
			s.logger.Info("using redis state store", "addr", cfg.RedisAddr)
		} else {
			s.store = store.NewMemory(store.DefaultCleanupInterval, store.WithLogger(s.logger))
			s.logger.Info("using in-memory state store (state will not persist)")
		}
	}

	// Audit trail (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.audit = engine.NewPostgresAuditStore(db)
		s.logger.Info("using PostgreSQL audit trail", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.audit = engine.NewMemoryAuditStore()
		s.logger.Info("using in-memory audit trail (decisions will not persist)")
	}

	// Risk engine
	engCfg := engine.DefaultConfig()
	engCfg.Thresholds = engine.Thresholds{
		Low:      cfg.ThresholdLow,
		Medium:   cfg.ThresholdMedium,
		High:     cfg.ThresholdHigh,
		Critical: cfg.ThresholdCritical,
	}
	engCfg.RateLimit = ratelimit.Config{
		DefaultLimit:    cfg.RateLimitDefault,
		Window:          cfg.RateLimitWindow,
		BurstMultiplier: cfg.BurstMultiplier,
		Adaptive:        true,
	}
	engCfg.BlockDuration = cfg.BlockDuration
	engCfg.BanDuration = cfg.BanDuration

	engOpts := []engine.Option{
		engine.WithLogger(s.logger),
		engine.WithStore(s.store),
		engine.WithAuditStore(s.audit),
	}

	// Blocked-decision alerting (optional)
	if cfg.AlertWebhookURL != "" {
		notifier, err := alert.New(cfg.AlertWebhookURL,
			alert.WithLogger(s.logger),
			alert.WithSecret(cfg.AlertWebhookSecret),
		)
		if err != nil {
			return nil, err
		}
		engOpts = append(engOpts, engine.WithHooks(notifier))
		s.logger.Info("alerting on blocked decisions", "url", cfg.AlertWebhookURL)
	}

	s.engine = engine.New(engCfg, engOpts...)
	s.adapter = adapter.New(s.engine, adapter.WithLogger(s.logger))

	s.registerHealthChecks()

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

func (s *Server) registerHealthChecks() {
	s.checks.Register("store", func(ctx context.Context) health.Status {
		st := health.Status{Name: "store", Healthy: true}
		stats := s.store.Stats()
		st.Detail = fmt.Sprintf("%d entries", stats.Size)
		return st
	})
	if s.db != nil {
		s.checks.Register("database", func(ctx context.Context) health.Status {
			st := health.Status{Name: "database", Healthy: true}
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := s.db.PingContext(ctx); err != nil {
				st.Healthy = false
				st.Detail = err.Error()
			}
			return st
		})
	}
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Body size cap
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request-scoped logger; the risk adapter sets X-Request-Id.
	s.router.Use(func(c *gin.Context) {
		ctx := logging.WithLogger(c.Request.Context(), s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())
		if d, ok := adapter.DecisionFrom(c); ok {
			logger = logger.With(
				"risk_score", d.RiskScore,
				"risk_level", d.RiskLevel,
				"risk_action", d.Action.Type,
			)
		}

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints (never risk-gated)
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/api", s.infoHandler)

	// Everything under /v1 passes through the risk engine.
	v1 := s.router.Group("/v1")
	v1.Use(s.adapter.Middleware())
	{
		v1.GET("/check", s.checkHandler)
		v1.POST("/evaluate", s.evaluateHandler)
	}

	// Admin surface, gated by X-Admin-Secret and never risk-gated
	// (an admin locked out by their own engine cannot unlock anyone).
	admin := s.router.Group("/admin")
	admin.Use(s.requireAdmin(), validation.IdentityParamMiddleware())
	{
		admin.GET("/stats", s.statsHandler)
		admin.GET("/identities/:id/history", s.historyHandler)
		admin.GET("/identities/:id/decisions", s.decisionsHandler)
		admin.GET("/identities/:id/anomaly", s.anomalyHandler)
		admin.POST("/identities/:id/reset", s.resetHandler)
	}
}

// requireAdmin gates the admin surface on the configured shared secret.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" || c.GetHeader("X-Admin-Secret") != s.cfg.AdminSecret {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Valid X-Admin-Secret header required.",
			})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "riskgate",
		"description": "Request risk scoring and abuse mitigation",
		"version":     "0.1.0",
	})
}

// checkHandler is the pass-through probe: the middleware already scored
// the request, so reaching here means it was allowed.
func (s *Server) checkHandler(c *gin.Context) {
	d, ok := adapter.DecisionFrom(c)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"allowed": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"allowed":   d.Allowed,
		"riskScore": d.RiskScore,
		"riskLevel": d.RiskLevel,
		"action":    d.Action,
		"requestId": adapter.RequestIDFrom(c),
	})
}

// evaluateHandler scores a caller-described request without enforcing the
// decision, for out-of-band integration (e.g. a login service asking
// before it processes credentials).
func (s *Server) evaluateHandler(c *gin.Context) {
	var req engine.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if req.IP == "" {
		req.IP = c.ClientIP()
	}

	d := s.engine.Evaluate(c.Request.Context(), &req)
	c.JSON(http.StatusOK, d)
}

func (s *Server) statsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"engine": s.engine.Snapshot(),
		"store":  s.store.Stats(),
	})
}

func (s *Server) historyHandler(c *gin.Context) {
	id := c.Param("id")
	events := s.engine.History(id)
	c.JSON(http.StatusOK, gin.H{
		"identity": id,
		"events":   events,
		"count":    len(events),
	})
}

func (s *Server) decisionsHandler(c *gin.Context) {
	id := c.Param("id")
	limit := 50
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 && v <= 500 {
		limit = v
	}

	decisions, err := s.audit.ListByIdentity(c.Request.Context(), id, limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list decisions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list decisions",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"identity":  id,
		"decisions": decisions,
		"count":     len(decisions),
	})
}

// anomalyHandler runs the offline outlier detectors over the identity's
// behavioral history. New identities have not accumulated enough feature
// samples yet, which reads as 404 rather than an error.
func (s *Server) anomalyHandler(c *gin.Context) {
	id := c.Param("id")
	analysis, err := s.engine.AnalyzeProfile(id)
	if err != nil {
		if errors.Is(err, anomaly.ErrInsufficientData) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "insufficient_data",
				"message": "Not enough behavioral history for offline analysis",
			})
			return
		}
		logging.L(c.Request.Context()).Error("offline analysis failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Offline analysis failed",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"identity": id,
		"analysis": analysis,
	})
}

func (s *Server) resetHandler(c *gin.Context) {
	id := c.Param("id")
	s.engine.ResetIdentity(id)
	s.logger.Info("identity state reset", "identity", id)
	c.JSON(http.StatusOK, gin.H{
		"identity": id,
		"reset":    true,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op when OTLP_ENDPOINT is unset)
	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.shutdownTraces = shutdownTraces
	}

	// Sample DB pool stats into gauges
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop the engine (rate limiter sweeper; store if engine-owned)
	s.engine.Close()
	s.store.Close()
	s.logger.Info("risk engine stopped")

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
