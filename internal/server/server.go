// Package server wires the escrow engine into an HTTP server.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/jobescrow/internal/auth"
	"github.com/mbd888/jobescrow/internal/circuitbreaker"
	"github.com/mbd888/jobescrow/internal/config"
	"github.com/mbd888/jobescrow/internal/fees"
	"github.com/mbd888/jobescrow/internal/health"
	"github.com/mbd888/jobescrow/internal/ledger"
	"github.com/mbd888/jobescrow/internal/logging"
	"github.com/mbd888/jobescrow/internal/metrics"
	"github.com/mbd888/jobescrow/internal/notify"
	"github.com/mbd888/jobescrow/internal/payment"
	"github.com/mbd888/jobescrow/internal/rails"
	"github.com/mbd888/jobescrow/internal/ratelimit"
	"github.com/mbd888/jobescrow/internal/retry"
	"github.com/mbd888/jobescrow/internal/security"
	"github.com/mbd888/jobescrow/internal/validation"
)

// Version is reported by /health and /api.
var Version = "dev"

const (
	sinkWebSocket = "websocket"
	sinkLog       = "log"
	sinkKafka     = "kafka"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	db             *sql.DB // nil if using in-memory
	store          payment.Store
	feeRegistry    *fees.Registry
	payments       *payment.Service
	ledger         *ledger.Service
	reconcileTimer *ledger.Timer
	hub            *notify.Hub
	kafka          *notify.KafkaPublisher
	kafkaSender    notify.MessageSender
	breaker        *circuitbreaker.Breaker
	authMgr        *auth.Manager
	rateLimiter    *ratelimit.Limiter
	health         *health.Registry
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	drainDelay     time.Duration
	cancelRunCtx   context.CancelFunc

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

// WithStore injects a payment store, bypassing DATABASE_URL.
func WithStore(store payment.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithKafkaSender injects the Kafka producer, bypassing KAFKA_BROKERS dialing.
func WithKafkaSender(sender notify.MessageSender) Option {
	return func(s *Server) {
		s.kafkaSender = sender
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers after
// readiness flips to false.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	reg, err := cfg.FeeRegistry()
	if err != nil {
		return nil, err
	}
	s.feeRegistry = reg
	s.logger.Info("fee policies loaded", "default_region", reg.DefaultRegionName(), "regions", reg.Regions())

	if s.store == nil {
		if cfg.DatabaseURL != "" {
			db, err := openDB(ctx, cfg.DatabaseURL)
			if err != nil {
				return nil, err
			}
			s.db = db
			s.store = payment.NewPostgresStore(db)
			s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		} else {
			s.store = payment.NewMemoryStore()
			s.logger.Info("using in-memory storage (data will not persist)")
		}
	}

	// Event sinks, each behind its own circuit.
	s.hub = notify.NewHub(s.logger)
	s.breaker = circuitbreaker.New(5, 30*time.Second)
	s.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("event sink circuit changed", "sink", key, "from", from.String(), "to", to.String())
	})
	fanout := notify.NewFanout().WithBreaker(s.breaker).
		Add(sinkWebSocket, s.hub).
		Add(sinkLog, notify.NewLogPublisher(s.logger))

	if s.kafkaSender == nil && len(cfg.KafkaBrokers) > 0 {
		err := retry.Do(ctx, retry.Connect, func(context.Context) error {
			producer, err := notify.NewKafkaProducer(cfg.KafkaBrokers)
			if err != nil {
				return err
			}
			s.kafkaSender = producer
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to kafka: %w", err)
		}
	}
	if s.kafkaSender != nil {
		s.kafka = notify.NewKafkaPublisher(s.kafkaSender, cfg.KafkaTopic, s.logger)
		fanout.Add(sinkKafka, s.kafka)
		s.logger.Info("kafka event delivery enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	s.payments = payment.NewService(s.store, reg).
		WithPublisher(fanout).
		WithTxValidator(rails.NewValidator()).
		WithLogger(s.logger).
		WithDefaultCurrency(cfg.DefaultCurrency)

	s.ledger = ledger.NewService(s.store).WithRegistry(reg).WithLogger(s.logger)
	s.reconcileTimer = ledger.NewTimer(s.ledger, cfg.ReconcileInterval, s.logger)

	s.authMgr, err = auth.NewManager(cfg.APIKeys)
	if err != nil {
		return nil, err
	}
	if s.authMgr.Open() {
		s.logger.Warn("no API_KEYS configured; API is open to anonymous callers")
	} else {
		s.logger.Info("API authentication enabled", "clients", len(cfg.APIKeys))
	}

	if cfg.RateLimitRPM > 0 {
		s.rateLimiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimitRPM,
			BurstSize:         cfg.RateLimitBurst,
		})
	}

	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.Database(s.db))
	}
	s.health.Register("reconciliation", health.Loop("reconciliation", s.reconcileTimer.Running))
	if s.kafka != nil {
		s.health.Register(sinkKafka, func(context.Context) health.Status {
			if s.breaker.State(sinkKafka) == circuitbreaker.StateOpen {
				return health.Status{Name: sinkKafka, Healthy: false, Detail: "circuit open"}
			}
			return health.Status{Name: sinkKafka, Healthy: true}
		})
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := retry.Do(ctx, retry.Connect, db.PingContext); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(auth.Middleware(s.authMgr))
	if s.rateLimiter != nil {
		s.router.Use(s.rateLimiter.Middleware())
	}
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || !validation.IsValidID(requestID) {
			requestID = generateRequestID()
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
		if client := auth.GetClient(c); client != "" {
			attrs = append(attrs, "client", client)
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

// timeoutMiddleware bounds the request context. Store calls observe it and
// surface context.DeadlineExceeded, which handlers map to 503.
func timeoutMiddleware(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/api", s.infoHandler)

	// Live payment events. Filter with ?paymentId= or ?partyId=.
	s.router.GET("/ws", auth.RequireAuth(), func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	if s.cfg.StripeWebhookSecret != "" {
		hooks := s.router.Group("")
		hooks.Use(timeoutMiddleware(s.cfg.RequestTimeout))
		rails.NewStripeHandler(s.payments, s.cfg.StripeWebhookSecret, s.logger).RegisterRoutes(hooks)
		s.logger.Info("stripe webhook enabled")
	}

	v1 := s.router.Group("/v1")
	v1.Use(timeoutMiddleware(s.cfg.RequestTimeout))

	// PUBLIC ROUTES
	fees.NewHandler(s.feeRegistry).RegisterRoutes(v1)

	paymentHandler := payment.NewHandler(s.payments)
	ledgerHandler := ledger.NewHandler(s.ledger)

	// PROTECTED ROUTES (require API key)
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	{
		paymentHandler.RegisterRoutes(protected)
		paymentHandler.RegisterProtectedRoutes(protected)
		ledgerHandler.RegisterRoutes(protected)
	}

	// ADMIN ROUTES (arbitration, reconciliation)
	admin := v1.Group("")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	{
		paymentHandler.RegisterAdminRoutes(admin)
		ledgerHandler.RegisterAdminRoutes(admin)
		admin.GET("/admin/realtime", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"websocket": s.hub.Stats()})
		})
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status, httpStatus := "healthy", http.StatusOK
	if !ok {
		status, httpStatus = "degraded", http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":            "jobescrow",
		"version":         Version,
		"defaultCurrency": s.cfg.DefaultCurrency,
		"defaultRegion":   s.feeRegistry.DefaultRegionName(),
		"regions":         s.feeRegistry.Regions(),
		"features": gin.H{
			"postgres":      s.db != nil,
			"kafka":         s.kafka != nil,
			"stripeWebhook": s.cfg.StripeWebhookSecret != "",
			"auth":          !s.authMgr.Open(),
			"rateLimit":     s.rateLimiter != nil,
		},
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background loops, blocking until ctx is
// cancelled, a signal arrives, or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
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
		cancel()
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

	time.Sleep(s.drainDelay)

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.reconcileTimer.Stop()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka close error", "error", err)
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

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Payments exposes the payment service to in-process callers.
func (s *Server) Payments() *payment.Service {
	return s.payments
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

var _ notify.MessageSender = (sarama.SyncProducer)(nil)
