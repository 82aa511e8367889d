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
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/mbd888/holdfast/internal/admin"
	"github.com/mbd888/holdfast/internal/auth"
	"github.com/mbd888/holdfast/internal/circuitbreaker"
	"github.com/mbd888/holdfast/internal/config"
	"github.com/mbd888/holdfast/internal/escrow"
	"github.com/mbd888/holdfast/internal/health"
	"github.com/mbd888/holdfast/internal/idgen"
	"github.com/mbd888/holdfast/internal/ledger"
	"github.com/mbd888/holdfast/internal/logging"
	"github.com/mbd888/holdfast/internal/metrics"
	"github.com/mbd888/holdfast/internal/ratelimit"
	"github.com/mbd888/holdfast/internal/realtime"
	"github.com/mbd888/holdfast/internal/reconciliation"
	"github.com/mbd888/holdfast/internal/security"
	"github.com/mbd888/holdfast/internal/validation"
	"github.com/mbd888/holdfast/internal/webhooks"
)

// ledgerOps are the breaker keys used by ledger.Guarded.
var ledgerOps = []string{"lock", "transfer", "refund"}

// maxRequestIDLength bounds client-supplied X-Request-ID values.
const maxRequestIDLength = 64

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	version        string
	store          escrow.Store
	escrowService  *escrow.Service
	ledger         *ledger.Ledger
	breaker        *circuitbreaker.Breaker
	verifier       *auth.Verifier
	realtimeHub    *realtime.Hub
	webhookStore   webhooks.Store
	webhooks       *webhooks.Dispatcher
	reconciler     *reconciliation.Runner
	reconcileTimer *reconciliation.Timer
	rateLimiter    *ratelimit.Limiter
	health         *health.Registry
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	drainDelay     time.Duration
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

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

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithLedger sets a custom funds ledger (for testing)
func WithLedger(l *ledger.Ledger) Option {
	return func(s *Server) {
		s.ledger = l
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// sending traffic before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	faucetLimit, err := cfg.FaucetLimit()
	if err != nil {
		return nil, err
	}

	store, err := s.openStore(ctx)
	if err != nil {
		return nil, err
	}
	s.store = store

	// Funds ledger behind a breaker so an unhealthy ledger fails fast.
	if s.ledger == nil {
		s.ledger = ledger.New()
		s.logger.Info("using simulated funds ledger (balances will not persist)")
	}
	s.breaker = circuitbreaker.New(cfg.LedgerBreakerThreshold, cfg.LedgerBreakerCooldown)
	s.breaker.OnTransition(func(op string, from, to circuitbreaker.State) {
		s.logger.Warn("ledger circuit changed state", "op", op, "from", from.String(), "to", to.String())
	})
	funds := ledger.NewGuarded(s.ledger, s.breaker, cfg.LedgerTimeout, s.logger)

	s.realtimeHub = realtime.NewHub(s.logger)
	s.webhooks = webhooks.NewDispatcher(s.webhookStore, webhooks.Config{
		Workers:      cfg.WebhookWorkers,
		QueueSize:    cfg.WebhookQueueSize,
		Timeout:      cfg.WebhookTimeout,
		DisableAfter: cfg.WebhookDisableAfter,
	}).WithLogger(s.logger)

	s.escrowService = escrow.NewService(s.store, funds).
		WithConfig(escrow.Config{
			MaxAttempts:      cfg.UpdateMaxAttempts,
			BaseDelay:        cfg.UpdateBaseDelay,
			LedgerTimeout:    cfg.LedgerTimeout,
			PayoutStaleAfter: cfg.PayoutStaleAfter,
			PayoutWait:       cfg.LedgerTimeout + 5*time.Second,
		}).
		WithEvents(escrow.Emitters{s.realtimeHub, s.webhooks}).
		WithLogger(s.logger)
	s.logger.Info("escrow enabled", "store", cfg.StoreDriver)

	s.reconciler = reconciliation.NewRunner(s.escrowService, s.logger)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	s.verifier = auth.NewVerifier(cfg.AuthSecret)
	if s.verifier.Enabled() {
		s.logger.Info("bearer token authentication enabled")
	} else if cfg.IsDevelopment() {
		s.logger.Warn("no AUTH_SECRET set, trusting " + auth.DevAddressHeader + " header (development only)")
	}

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerSecond: float64(cfg.RateLimitRPS),
		Burst:             cfg.RateLimitBurst,
	})

	s.registerHealthChecks()

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes(faucetLimit)

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) openStore(ctx context.Context) (escrow.Store, error) {
	switch s.cfg.StoreDriver {
	case config.StorePostgres:
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.webhookStore = webhooks.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
		return escrow.NewPostgresStore(db), nil

	case config.StoreSQLite:
		db, err := sql.Open("sqlite", s.cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		// SQLite allows one writer; a single connection keeps
		// conditional updates serialized instead of failing with SQLITE_BUSY.
		db.SetMaxOpenConns(1)

		store := escrow.NewSQLiteStore(db)
		hooks := webhooks.NewSQLiteStore(db)
		for _, m := range []interface{ Migrate(context.Context) error }{store, hooks} {
			if err := m.Migrate(ctx); err != nil {
				_ = db.Close()
				return nil, err
			}
		}

		s.db = db
		s.webhookStore = hooks
		s.logger.Info("using SQLite storage", "path", s.cfg.SQLitePath)
		return store, nil

	default:
		s.logger.Info("using in-memory storage (data will not persist)")
		s.webhookStore = webhooks.NewMemoryStore()
		return escrow.NewMemoryStore(), nil
	}
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
	s.health = health.NewRegistry()

	if p, ok := s.store.(interface{ Ping(context.Context) error }); ok {
		s.health.Register("store", health.FromError("store", p.Ping))
	}

	s.health.Register("ledger", func(ctx context.Context) health.Status {
		var open []string
		for _, op := range ledgerOps {
			if s.breaker.State(op) == circuitbreaker.StateOpen {
				open = append(open, op)
			}
		}
		if len(open) > 0 {
			return health.Status{Name: "ledger", Detail: "circuit open: " + strings.Join(open, ", ")}
		}
		return health.Status{Name: "ledger", Healthy: true}
	})

	s.health.Register("reconciler", func(ctx context.Context) health.Status {
		if !s.reconcileTimer.Running() {
			return health.Status{Name: "reconciler", Detail: "not running"}
		}
		st := health.Status{Name: "reconciler", Healthy: true}
		if r := s.reconcileTimer.LastReport(); r != nil && r.Pending > 0 {
			st.Detail = fmt.Sprintf("%d payouts awaiting ledger", r.Pending)
		}
		return st
	})
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream ID (load balancer, MCP client) when it looks sane.
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > maxRequestIDLength || strings.ContainsAny(requestID, " \t\r\n") {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}
		if caller := auth.WalletAddr(c); caller != "" {
			attrs = append(attrs, "caller", caller)
		}

		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes(faucetLimit uint64) {
	// Health & metrics endpoints
	s.router.GET("/", s.infoHandler)
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	devMode := s.cfg.IsDevelopment()
	identify := auth.Middleware(s.verifier, devMode)

	// WebSocket stream of escrow events for the caller's escrows
	s.router.GET("/ws", identify, auth.RequireAuth(), s.realtimeHub.HandleWebSocket)

	v1 := s.router.Group("/v1")
	v1.Use(identify)
	v1.Use(s.rateLimiter.Middleware())

	auth.NewHandler(s.verifier, devMode).RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.RequireAuth())

	escrow.NewHandler(s.escrowService).RegisterRoutes(protected)

	webhooks.NewHandler(s.webhookStore).WithLogger(s.logger).RegisterRoutes(protected)

	ledgerHandler := ledger.NewHandler(s.ledger, s.logger).WithFaucetLimit(faucetLimit)
	ledgerHandler.RegisterRoutes(protected)
	if devMode {
		ledgerHandler.RegisterFaucetRoutes(protected)
		s.logger.Info("development faucet enabled", "route", "/v1/ledger/faucet")
	}

	// Operator routes exist only when ADMIN_SECRET is configured
	if s.cfg.AdminSecret != "" {
		adminGroup := v1.Group("")
		adminGroup.Use(auth.RequireAdmin(s.cfg.AdminSecret))
		admin.NewHandler(s.escrowService).
			WithReconciler(s.reconciler).
			WithHolds(s.ledger).
			RegisterRoutes(adminGroup)
		s.logger.Info("admin routes enabled", "prefix", "/v1/admin")
	}

	s.router.GET("/v1/stats", s.statsHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
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
	if healthy, statuses := s.health.CheckAll(c.Request.Context()); !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": statuses})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    "holdfast",
		"version": s.version,
		"endpoints": gin.H{
			"escrows":  "/v1/escrows",
			"ledger":   "/v1/ledger/balance",
			"webhooks": "/v1/webhooks",
			"auth":     "/v1/auth/info",
			"stream":   "/ws",
			"health":   "/health",
			"metrics":  "/metrics",
		},
	})
}

// statsHandler reports realtime and reconciliation counters.
func (s *Server) statsHandler(c *gin.Context) {
	resp := gin.H{
		"realtime":   s.realtimeHub.Stats(),
		"reconciler": gin.H{"running": s.reconcileTimer.Running()},
	}
	if r := s.reconcileTimer.LastReport(); r != nil {
		resp["reconciler"] = gin.H{"running": s.reconcileTimer.Running(), "lastRun": r}
	}
	c.JSON(http.StatusOK, resp)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// A release may wait on another caller's payout for up to PayoutWait.
	writeTimeout := s.escrowService.Config().PayoutWait + 10*time.Second

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"store", s.cfg.StoreDriver,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// startBackground launches the realtime hub, webhook delivery, the payout
// reconciler and the database stats collector. They stop when ctx is cancelled.
func (s *Server) startBackground(ctx context.Context) {
	go s.realtimeHub.Run(ctx)
	go s.webhooks.Run(ctx)
	go s.reconcileTimer.Start(ctx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, webhooks, reconciler, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	if s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	var shutdownErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.reconcileTimer.Stop()
	s.logger.Info("reconciler stopped")

	s.rateLimiter.Stop()
	s.logger.Info("rate limiter stopped")

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.healthy.Store(false)
	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
