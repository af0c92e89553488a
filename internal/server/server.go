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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mbd888/aetherlock/internal/auth"
	"github.com/mbd888/aetherlock/internal/config"
	"github.com/mbd888/aetherlock/internal/crosschain"
	"github.com/mbd888/aetherlock/internal/escrow"
	"github.com/mbd888/aetherlock/internal/events"
	"github.com/mbd888/aetherlock/internal/fees"
	"github.com/mbd888/aetherlock/internal/health"
	"github.com/mbd888/aetherlock/internal/ledger"
	"github.com/mbd888/aetherlock/internal/logging"
	"github.com/mbd888/aetherlock/internal/metrics"
	"github.com/mbd888/aetherlock/internal/oracle"
	"github.com/mbd888/aetherlock/internal/protocol"
	"github.com/mbd888/aetherlock/internal/ratelimit"
	"github.com/mbd888/aetherlock/internal/realtime"
	"github.com/mbd888/aetherlock/internal/reconciliation"
	"github.com/mbd888/aetherlock/internal/security"
	"github.com/mbd888/aetherlock/internal/traces"
	"github.com/mbd888/aetherlock/internal/units"
	"github.com/mbd888/aetherlock/internal/validation"
)

// Version is reported by /v1/info and the tracer resource.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	manifest       *config.Manifest
	tokens         *units.Tokens
	registry       *protocol.Registry
	ledger         *ledger.Ledger
	escrowService  *escrow.Service
	escrowTimer    *escrow.Timer
	reconciler     *reconciliation.Runner
	reconcileTimer *reconciliation.Timer
	relay          *crosschain.Service
	bus            *events.Bus
	realtimeHub    *realtime.Hub
	health         *health.Registry
	rateLimiter    *ratelimit.Limiter
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	nowFn          func() time.Time
	drainDelay     time.Duration
	tracerShutdown func(context.Context) error
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

// WithManifest seeds protocol config and token precision at startup.
func WithManifest(m *config.Manifest) Option {
	return func(s *Server) {
		s.manifest = m
	}
}

// WithClock overrides the time source for every service.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.nowFn = now
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		nowFn:      time.Now,
		drainDelay: 5 * time.Second,
		health:     health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	var (
		protocolStore protocol.Store
		ledgerStore   ledger.Store
		escrowStore   escrow.Store
		relayStore    crosschain.Store
		eventLog      events.Log
	)

	// Postgres if DATABASE_URL set, otherwise in-memory
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
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
		protocolStore = protocol.NewPostgresStore(db)
		ledgerStore = ledger.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		relayStore = crosschain.NewPostgresStore(db)
		eventLog = events.NewPostgresLog(db)
		s.health.Register("database", health.DBChecker(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		protocolStore = protocol.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		relayStore = crosschain.NewMemoryStore()
		eventLog = events.NewMemoryLog()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.tokens = units.NewTokens()
	s.registry = protocol.NewRegistry(protocolStore).WithClock(s.nowFn)
	if err := s.applyManifest(ctx); err != nil {
		s.closeDB()
		return nil, err
	}

	capability, err := ledger.NewCapability()
	if err != nil {
		s.closeDB()
		return nil, fmt.Errorf("failed to create ledger capability: %w", err)
	}
	s.ledger = ledger.New(ledgerStore, capability)

	calc, err := fees.NewCalculator(cfg.FeeRatePercent)
	if err != nil {
		s.closeDB()
		return nil, fmt.Errorf("invalid fee rate: %w", err)
	}

	s.bus = events.NewBus(eventLog, s.logger).WithClock(s.nowFn)
	s.realtimeHub = realtime.NewHub(s.logger).WithHistory(s.bus)
	s.bus.Subscribe(s.realtimeHub)

	s.escrowService = escrow.NewService(escrowStore, &escrowLedgerAdapter{l: s.ledger}, capability, cfg.TreasuryKey(), calc).
		WithAdmins(s.registry).
		WithVerifier(oracle.NewVerifier().WithMaxSkew(cfg.OracleMaxSkew)).
		WithEmitter(s.bus).
		WithClock(s.nowFn).
		WithLogger(s.logger)
	s.escrowTimer = escrow.NewTimer(s.escrowService, escrowStore, s.logger).WithInterval(cfg.RefundInterval)
	s.reconciler = reconciliation.NewRunner(escrowStore, s.ledger, s.logger).WithClock(s.nowFn)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, s.logger).WithInterval(cfg.ReconcileInterval)

	s.relay = crosschain.NewService(relayStore).
		WithLocalChain(cfg.LocalChain).
		WithEmitter(s.bus).
		WithClock(s.nowFn).
		WithLogger(s.logger)
	if gw := cfg.GatewayKey(); gw != nil {
		s.relay.WithGateway(*gw)
		s.logger.Info("cross-chain relay restricted to gateway", "gateway", gw.String())
	}

	s.health.Register("refund_timer", health.RunningChecker("refund_timer", s.escrowTimer.Running))
	s.health.Register("reconcile_timer", health.RunningChecker("reconcile_timer", s.reconcileTimer.Running))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	validation.RegisterBindings()
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	s.logger.Info("server configured",
		"feeRatePercent", cfg.FeeRatePercent,
		"treasury", cfg.TreasuryKey().String(),
		"localChain", cfg.LocalChain,
	)
	return s, nil
}

// applyManifest initializes the protocol config and registers token
// precision. A config already written by an earlier start is kept.
func (s *Server) applyManifest(ctx context.Context) error {
	if s.manifest == nil {
		return nil
	}
	for _, t := range s.manifest.Tokens {
		mint, err := validation.ParsePublicKey(t.Mint)
		if err != nil {
			return fmt.Errorf("manifest token: %w", err)
		}
		if err := s.tokens.Register(mint, t.Decimals); err != nil {
			return fmt.Errorf("register token %s: %w", t.Mint, err)
		}
	}

	authority, ok := s.manifest.AuthorityKey()
	if !ok {
		return nil
	}
	admins, err := s.manifest.AdminKeys()
	if err != nil {
		return err
	}
	_, err = s.registry.Init(ctx, authority, admins)
	switch {
	case errors.Is(err, protocol.ErrAlreadyInitialized):
		s.logger.Info("protocol config already initialized, manifest authority ignored")
	case err != nil:
		return fmt.Errorf("initialize protocol config: %w", err)
	default:
		s.logger.Info("protocol config initialized from manifest",
			"authority", authority.String(), "admins", len(admins))
	}
	return nil
}

func (s *Server) closeDB() {
	if s.db != nil {
		_ = s.db.Close()
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

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
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
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Signature check runs before the limiter so verified callers are
	// limited by identity rather than address.
	s.router.Use(auth.Middleware(s.nowFn))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         max(s.cfg.RateLimitRPM/6, 1),
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.NewString()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
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
		if caller, ok := auth.Caller(c); ok {
			attrs = append(attrs, "caller", caller.String())
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

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health.Handler())
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.GET("/info", s.infoHandler)
	v1.GET("/reconciliation", s.reconciliationHandler)

	protected := v1.Group("")
	protected.Use(auth.RequireAuth())

	protocolHandler := protocol.NewHandler(s.registry)
	protocolHandler.RegisterRoutes(v1)
	protocolHandler.RegisterProtectedRoutes(protected)

	ledgerHandler := ledger.NewHandler(s.ledger, s.registry, s.tokens, s.logger)
	ledgerHandler.RegisterRoutes(v1)
	ledgerHandler.RegisterProtectedRoutes(protected)

	escrowHandler := escrow.NewHandler(s.escrowService, s.tokens)
	escrowHandler.RegisterRoutes(v1)
	escrowHandler.RegisterProtectedRoutes(protected)

	relayHandler := crosschain.NewHandler(s.relay)
	relayHandler.RegisterRoutes(v1)
	relayHandler.RegisterProtectedRoutes(protected)

	events.NewHandler(s.bus).RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

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

// infoHandler describes the deployment so clients can compute fees and
// address relay messages.
func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":        Version,
		"feeRatePercent": s.cfg.FeeRatePercent,
		"treasury":       s.escrowService.Treasury().String(),
		"localChain":     s.cfg.LocalChain,
		"oracleMaxSkew":  int64(s.cfg.OracleMaxSkew / time.Second),
		"realtime":       s.realtimeHub.Stats(),
	})
}

// reconciliationHandler returns the latest holding reconciliation report,
// running one first when none exists or ?refresh=true is given.
func (s *Server) reconciliationHandler(c *gin.Context) {
	report := s.reconciler.Last()
	if report == nil || c.Query("refresh") == "true" {
		var err error
		if report, err = s.reconciler.Run(c.Request.Context()); err != nil {
			logging.L(c.Request.Context()).Error("reconciliation failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "reconciliation failed"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdown, err := traces.Init(runCtx, s.cfg.OTelEndpoint, Version, s.logger)
	if err != nil {
		s.logger.Error("tracing init failed, continuing without export", "error", err)
	} else {
		s.tracerShutdown = shutdown
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.escrowTimer.Start(runCtx)
	go s.reconcileTimer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		s.stopBackground()
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

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.stopBackground()

	if s.tracerShutdown != nil {
		if err := s.tracerShutdown(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}

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

func (s *Server) stopBackground() {
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.escrowTimer.Stop()
	s.reconcileTimer.Stop()
	s.rateLimiter.Stop()
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Adapters
// -----------------------------------------------------------------------------

// escrowLedgerAdapter exposes the ledger to the escrow service, which keeps
// its own payout and error types.
type escrowLedgerAdapter struct {
	l *ledger.Ledger
}

func (a *escrowLedgerAdapter) Lock(ctx context.Context, owner, mint solana.PublicKey, amount uint64, reference string) error {
	err := a.l.Lock(ctx, owner, mint, amount, reference)
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		return fmt.Errorf("%w: %v", escrow.ErrInsufficientFunds, err)
	}
	return err
}

func (a *escrowLedgerAdapter) Disburse(ctx context.Context, authority [32]byte, reference string, payouts []escrow.Payout) error {
	out := make([]ledger.Payout, len(payouts))
	for i, p := range payouts {
		out[i] = ledger.Payout{Owner: p.Owner, Amount: p.Amount}
	}
	return a.l.Disburse(ctx, ledger.Capability(authority), reference, out)
}
