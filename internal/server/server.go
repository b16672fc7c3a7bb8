// Package server wires the stores, engine components and background loops
// behind the HTTP API.
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
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/guardrail/internal/auth"
	"github.com/mbd888/guardrail/internal/config"
	"github.com/mbd888/guardrail/internal/gate"
	"github.com/mbd888/guardrail/internal/health"
	"github.com/mbd888/guardrail/internal/ledger"
	"github.com/mbd888/guardrail/internal/logging"
	"github.com/mbd888/guardrail/internal/metrics"
	"github.com/mbd888/guardrail/internal/notify"
	"github.com/mbd888/guardrail/internal/policy"
	"github.com/mbd888/guardrail/internal/ratelimit"
	"github.com/mbd888/guardrail/internal/realtime"
	"github.com/mbd888/guardrail/internal/reconciliation"
	"github.com/mbd888/guardrail/internal/reservation"
	"github.com/mbd888/guardrail/internal/security"
	"github.com/mbd888/guardrail/internal/sweep"
	"github.com/mbd888/guardrail/internal/traces"
	"github.com/mbd888/guardrail/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// sweepLeaseKey is the redis key replicas contend on for the periodic sweep.
const sweepLeaseKey = "guardrail:sweep:lease"

// trigger is a background loop the health check can observe.
type trigger interface {
	Running() bool
	Stop()
}

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	db    *sql.DB       // nil if using in-memory
	redis *redis.Client // nil without REDIS_URL

	policies         *policy.Cache
	policySource     *policy.FileSource // nil without POLICY_DIR
	ledger           *ledger.Ledger
	rollover         *ledger.RolloverScheduler
	exceptions       reconciliation.Store
	reservationStore reservation.Store
	reservations     *reservation.Manager
	gate             *gate.Gate
	sweeper          *sweep.Sweeper
	sweepRunner      *sweep.Runner
	sweepTrigger     trigger
	notifyStore      notify.Store
	dispatcher       *notify.Dispatcher
	emitter          *notify.Emitter
	realtimeHub      *realtime.Hub
	verifier         *auth.Verifier
	rateLimiter      *ratelimit.Limiter
	health           *health.Handler
	checks           *health.Registry
	traceShutdown    func(context.Context) error

	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the build version reported by /health.
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: "dev",
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	traceShutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = traceShutdown

	if err := s.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.setupEngine(ctx); err != nil {
		return nil, err
	}
	s.setupHealth()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// setupStorage opens Postgres (DATABASE_URL) and Redis (REDIS_URL) when
// configured. Without a database every store is in-memory.
func (s *Server) setupStorage(ctx context.Context) error {
	var (
		policyStore       policy.Store
		ledgerStore       ledger.Store
		reservationStore  reservation.Store
		exceptionStore    reconciliation.Store
		subscriptionStore notify.Store
	)

	if s.cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(s.cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(s.cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))

		pg := struct {
			policy       *policy.PostgresStore
			ledger       *ledger.PostgresStore
			reservation  *reservation.PostgresStore
			exception    *reconciliation.PostgresStore
			subscription *notify.PostgresStore
		}{
			policy.NewPostgresStore(db),
			ledger.NewPostgresStore(db),
			reservation.NewPostgresStore(db),
			reconciliation.NewPostgresStore(db),
			notify.NewPostgresStore(db),
		}
		migrators := []struct {
			name    string
			migrate func(context.Context) error
		}{
			{"policy", pg.policy.Migrate},
			{"ledger", pg.ledger.Migrate},
			{"reservation", pg.reservation.Migrate},
			{"reconciliation", pg.exception.Migrate},
			{"webhook", pg.subscription.Migrate},
		}
		for _, m := range migrators {
			if err := m.migrate(ctx); err != nil {
				s.logger.Warn("failed to migrate store", "store", m.name, "error", err)
			}
		}

		policyStore, ledgerStore, reservationStore = pg.policy, pg.ledger, pg.reservation
		exceptionStore, subscriptionStore = pg.exception, pg.subscription
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage")
		policyStore = policy.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		reservationStore = reservation.NewMemoryStore()
		exceptionStore = reconciliation.NewMemoryStore()
		subscriptionStore = notify.NewMemoryStore()
	}

	if s.cfg.RedisURL != "" {
		opt, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(opt)
		s.logger.Info("using redis sweep lease", "addr", opt.Addr)
	}

	s.policies = policy.NewCache(policyStore).
		WithTTL(s.cfg.PolicyCacheTTL).
		WithDefaultReservationTTL(s.cfg.DefaultReservationTTL)

	s.ledger = ledger.New(ledgerStore, ledger.Config{
		MaxAttempts: s.cfg.LedgerCASMaxAttempts,
		BaseDelay:   s.cfg.LedgerCASBaseDelay,
		CreditOrder: ledger.CreditOrder(s.cfg.CreditOrder),
	}, s.logger)

	s.exceptions = exceptionStore
	s.notifyStore = subscriptionStore
	s.reservationStore = reservationStore
	return nil
}

// setupEngine builds the evaluator, reservation manager, gate, sweep and
// notification path on top of the stores.
func (s *Server) setupEngine(ctx context.Context) error {
	tolerance, err := reconciliation.ParseTolerance(s.cfg.DriftToleranceMode, s.cfg.DriftToleranceMin, s.cfg.DriftToleranceBPS)
	if err != nil {
		return fmt.Errorf("invalid drift tolerance: %w", err)
	}

	s.realtimeHub = realtime.NewHub(s.logger)
	s.dispatcher = notify.NewDispatcher(s.notifyStore, s.cfg.WebhookTimeout, s.logger)
	if s.cfg.WebhookInsecure {
		s.dispatcher.WithEndpointPolicy(security.EndpointPolicy{AllowHTTP: true, AllowPrivate: true})
		s.logger.Warn("webhook endpoint checks relaxed: http and private targets allowed")
	}
	s.emitter = notify.NewEmitter(s.dispatcher, s.realtimeHub, notify.DefaultQueueSize, s.logger)

	s.reservations = reservation.NewManager(s.reservationStore, s.ledger, s.exceptions,
		reconciliation.NewDetector(tolerance), s.logger).WithNotifier(s.emitter)
	s.gate = gate.New(s.policies, s.reservations, s.logger).WithNotifier(s.emitter)

	s.sweeper = sweep.New(s.reservations, s.cfg.SweepBatchLimit, s.logger)
	var lease sweep.Lease = sweep.NewLocalLease()
	if s.redis != nil {
		lease = sweep.NewRedisLease(s.redis, sweepLeaseKey, s.cfg.SweepLeaseTTL)
	}
	s.sweepRunner = sweep.NewRunner(s.sweeper, lease, s.cfg.SweepBatchLimit, s.logger)

	s.rollover = ledger.NewRolloverScheduler(s.ledger, s.cfg.PeriodRolloverSchedule, s.logger)

	if s.cfg.PolicyDir != "" {
		s.policySource = policy.NewFileSource(s.cfg.PolicyDir, s.policies, s.logger)
		n, err := s.policySource.Sync(ctx)
		if err != nil {
			return fmt.Errorf("failed to load policies from %s: %w", s.cfg.PolicyDir, err)
		}
		s.logger.Info("policies loaded", "dir", s.cfg.PolicyDir, "count", n)
	}

	s.verifier = auth.NewVerifier(s.cfg.AuthJWTSecret, s.cfg.AuthJWTIssuer)
	if s.cfg.AuthJWTSecret == "" {
		s.logger.Warn("AUTH_JWT_SECRET not set, every /v1 request will be rejected")
	}
	return nil
}

func (s *Server) setupHealth() {
	s.checks = health.NewRegistry(2 * time.Second)
	if s.db != nil {
		s.checks.Register("database", health.Ping(s.db.PingContext))
	}
	if s.redis != nil {
		s.checks.Register("redis", health.Ping(func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		}))
	}
	s.checks.Register("sweep", health.Running(func() bool {
		return s.sweepTrigger != nil && s.sweepTrigger.Running()
	}))
	s.checks.Register("notify", health.Running(s.emitter.Running))
	s.health = health.NewHandler(s.checks, s.version)
}

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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(s.cfg.MaxRequestSize))
	s.router.Use(logging.RequestIDMiddleware(s.logger))
	s.router.Use(logging.RequestLogger())
	s.router.Use(metrics.Middleware())

	// The limiter keys on the tenant, so the principal has to be resolved first.
	s.router.Use(auth.Middleware(s.verifier))
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitBurst,
	})
	s.router.Use(s.rateLimiter.Middleware())
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.health.RegisterRoutes(s.router)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/", s.infoHandler)

	v1 := s.router.Group("/v1", auth.RequireAuth())
	v1.GET("/whoami", auth.WhoAmI)

	policyHandler := policy.NewHandler(s.policies, s.logger)
	ledgerHandler := ledger.NewHandler(s.ledger, s.logger)
	exceptionHandler := reconciliation.NewHandler(s.exceptions, s.logger)
	reservationHandler := reservation.NewHandler(s.reservations, s.logger)
	gateHandler := gate.NewHandler(s.gate, s.logger)
	sweepHandler := sweep.NewHandler(s.sweeper, s.logger)
	webhookHandler := notify.NewHandler(s.notifyStore, s.dispatcher, s.logger)

	// Reads: any human role, plus admission pipelines.
	read := v1.Group("", auth.RequireRole(auth.RoleViewer, auth.RoleService))
	policyHandler.RegisterRoutes(read)
	ledgerHandler.RegisterRoutes(read)
	exceptionHandler.RegisterRoutes(read)
	reservationHandler.RegisterRoutes(read)
	read.GET("/ws", s.realtimeHub.Handle)

	// Admission: pipelines evaluate, reserve and report cost. Escalated
	// reservations additionally need the approver role, checked by the gate.
	admit := v1.Group("", auth.RequireRole(auth.RoleService, auth.RoleOperator))
	gateHandler.RegisterRoutes(admit)
	reservationHandler.RegisterIngestRoutes(admit)

	operate := v1.Group("", auth.RequireRole(auth.RoleOperator))
	reservationHandler.RegisterOperatorRoutes(operate)
	sweepHandler.RegisterOperatorRoutes(operate)
	operate.GET("/ws/stats", s.feedStatsHandler)

	admin := v1.Group("", auth.RequireRole(auth.RoleAdmin))
	policyHandler.RegisterAdminRoutes(admin)
	ledgerHandler.RegisterAdminRoutes(admin)
	webhookHandler.RegisterAdminRoutes(admin)
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "guardrail",
		"version": s.version,
		"env":     s.cfg.Env,
	})
}

func (s *Server) feedStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the background loops: realtime hub, notification
// workers, sweep trigger, period rollover, policy watcher and pool stats.
// Run calls it; tests call it directly to exercise the loops without a
// listener.
func (s *Server) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	go s.realtimeHub.Run(runCtx)
	go s.emitter.Run(runCtx, 4)

	if s.cfg.SweepSchedule != "" {
		ct := sweep.NewCronTrigger(s.sweepRunner, s.cfg.SweepSchedule)
		if err := ct.Start(runCtx); err != nil {
			cancel()
			return fmt.Errorf("failed to start sweep schedule: %w", err)
		}
		s.sweepTrigger = ct
	} else {
		t := sweep.NewTimer(s.sweepRunner, s.cfg.SweepInterval)
		go t.Start(runCtx)
		s.sweepTrigger = t
	}

	if err := s.rollover.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start budget rollover: %w", err)
	}

	if s.policySource != nil {
		w := policy.NewWatcher(s.policySource, s.logger)
		go func() {
			if err := w.Watch(runCtx); err != nil {
				s.logger.Error("policy watcher stopped", "error", err)
			}
		}()
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.policies.Sweep()
			}
		}
	}()

	s.health.SetReady(true)
	return nil
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
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

	if err := s.Start(ctx); err != nil {
		return err
	}
	s.logger.Info("server ready")

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
	s.health.SetReady(false)
	s.logger.Info("starting graceful shutdown")

	if s.httpSrv != nil {
		// Give load balancers time to stop sending traffic
		time.Sleep(5 * time.Second)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.stopBackground()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.traceShutdown(ctx); err != nil {
		s.logger.Error("trace exporter shutdown error", "error", err)
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
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

// stopBackground cancels the loops started by Start and waits for the ones
// that can be waited on.
func (s *Server) stopBackground() {
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if s.sweepTrigger != nil {
		s.sweepTrigger.Stop()
		s.logger.Info("sweep trigger stopped")
	}
	s.rollover.Stop()
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
