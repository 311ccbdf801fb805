// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
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

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/chainvoice/internal/chain"
	"github.com/mbd888/chainvoice/internal/circuitbreaker"
	"github.com/mbd888/chainvoice/internal/config"
	"github.com/mbd888/chainvoice/internal/expiry"
	"github.com/mbd888/chainvoice/internal/health"
	"github.com/mbd888/chainvoice/internal/inventory"
	"github.com/mbd888/chainvoice/internal/invoice"
	"github.com/mbd888/chainvoice/internal/logging"
	"github.com/mbd888/chainvoice/internal/metrics"
	"github.com/mbd888/chainvoice/internal/notify"
	"github.com/mbd888/chainvoice/internal/order"
	"github.com/mbd888/chainvoice/internal/ratelimit"
	"github.com/mbd888/chainvoice/internal/realtime"
	"github.com/mbd888/chainvoice/internal/security"
	"github.com/mbd888/chainvoice/internal/settlement"
	"github.com/mbd888/chainvoice/internal/sweeper"
	"github.com/mbd888/chainvoice/internal/validation"
	"github.com/mbd888/chainvoice/internal/verify"
	"github.com/mbd888/chainvoice/internal/wallet"
	"github.com/mbd888/chainvoice/internal/webhook"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	invoices     invoice.Store
	stock        inventory.Store
	orders       order.Store
	orderService *order.Service
	allocator    *wallet.Allocator
	walletStore  wallet.Store
	applier      *settlement.Applier
	coordinator  *verify.Coordinator
	ingestor     *webhook.Ingestor
	sweepTimer   *sweeper.Timer
	expiryTimer  *expiry.Timer
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	checks       *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Chain clients injected via options take precedence over the ones
	// built from config (used by tests).
	clientOverrides map[chain.Chain]chain.Client
	closers         []func()

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

// WithChainClient overrides the verification client for one chain (for testing)
func WithChainClient(c chain.Chain, client chain.Client) Option {
	return func(s *Server) {
		if s.clientOverrides == nil {
			s.clientOverrides = make(map[chain.Chain]chain.Client)
		}
		s.clientOverrides[c] = client
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set logger or chain clients)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.invoices = invoice.NewPostgresStore(db)
		s.stock = inventory.NewPostgresStore(db)
		s.orders = order.NewPostgresStore(db)
		s.walletStore = wallet.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		invoices := invoice.NewMemoryStore()
		stock := inventory.NewMemoryStore()
		orders := order.NewMemoryStore()
		s.invoices = invoices
		s.stock = stock
		s.orders = orders
		s.walletStore = wallet.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Realtime hub streams settlement events to storefronts
	s.realtimeHub = realtime.NewHub(s.logger)

	// Settlement applier on top of the chosen store
	emitter := notify.NewEmitter(s.realtimeHub, s.logger)
	var settleStore settlement.Store
	if s.db != nil {
		settleStore = settlement.NewPostgresStore(s.db)
	} else {
		settleStore = settlement.NewMemoryStore(
			s.invoices.(*invoice.MemoryStore),
			s.orders.(*order.MemoryStore),
			s.stock.(*inventory.MemoryStore),
		)
	}
	s.applier = settlement.NewApplier(settleStore, s.invoices, emitter)

	// Deposit address allocation
	allocator, err := wallet.NewAllocator(s.walletStore, cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create address allocator: %w", err)
	}
	s.allocator = allocator

	// Verification coordinator with one client per supported chain
	s.coordinator = verify.NewCoordinator(s.applier, s.invoices)
	if err := s.registerChainClients(); err != nil {
		return nil, err
	}

	// Orders, subscriptions, webhook ingestion
	s.orderService = order.NewService(s.orders, s.invoices, s.stock, s.allocator, cfg.InvoiceTTL)
	s.ingestor = webhook.NewIngestor(s.coordinator, s.invoices)

	// Background sweeps: polling verification and invoice expiry
	breaker := circuitbreaker.New(3, 2*time.Minute)
	sw := sweeper.New(s.coordinator, s.invoices, breaker, cfg.SweepWorkers)
	s.sweepTimer = sweeper.NewTimer(sw, cfg.PollInterval, s.logger)
	s.expiryTimer = expiry.NewTimer(expiry.New(s.invoices, s.applier), cfg.ExpiryInterval, s.logger)

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

// registerChainClients wires a verification client for every chain the
// engine supports. Option-injected clients win over config-built ones.
func (s *Server) registerChainClients() error {
	if client, ok := s.clientOverrides[chain.ETH]; ok {
		s.coordinator.Register(chain.ETH, client)
	} else {
		client, err := chain.NewEthereumClient(s.cfg.EthRPCURL)
		if err != nil {
			return fmt.Errorf("failed to create ETH client: %w", err)
		}
		s.coordinator.Register(chain.ETH, client)
		s.closers = append(s.closers, client.Close)
	}

	if client, ok := s.clientOverrides[chain.USDTERC20]; ok {
		s.coordinator.Register(chain.USDTERC20, client)
	} else {
		client, err := chain.NewERC20Client(s.cfg.EthRPCURL, s.cfg.USDTContract)
		if err != nil {
			return fmt.Errorf("failed to create USDT ERC-20 client: %w", err)
		}
		s.coordinator.Register(chain.USDTERC20, client)
		s.closers = append(s.closers, client.Close)
	}

	if client, ok := s.clientOverrides[chain.BTC]; ok {
		s.coordinator.Register(chain.BTC, client)
	} else {
		client, err := chain.NewEsploraClient(s.cfg.BTCExplorerURL, chain.BTC)
		if err != nil {
			return fmt.Errorf("failed to create BTC client: %w", err)
		}
		s.coordinator.Register(chain.BTC, client)
	}

	if client, ok := s.clientOverrides[chain.LTC]; ok {
		s.coordinator.Register(chain.LTC, client)
	} else {
		client, err := chain.NewEsploraClient(s.cfg.LTCExplorerURL, chain.LTC)
		if err != nil {
			return fmt.Errorf("failed to create LTC client: %w", err)
		}
		s.coordinator.Register(chain.LTC, client)
	}

	if client, ok := s.clientOverrides[chain.USDTTRC20]; ok {
		s.coordinator.Register(chain.USDTTRC20, client)
	} else {
		s.coordinator.Register(chain.USDTTRC20, chain.NewTronClient(s.cfg.TronExplorerURL, s.cfg.TRC20Contract))
	}

	return nil
}

func (s *Server) registerHealthChecks() {
	if s.db != nil {
		s.checks.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}

	// Pool-backed chains go unhealthy when addresses run low, giving
	// operators time to load more before checkouts start failing.
	for _, c := range []chain.Chain{chain.BTC, chain.LTC, chain.USDTTRC20} {
		c := c
		name := "address_pool_" + string(c)
		s.checks.Register(name, func(ctx context.Context) health.Status {
			remaining, err := s.allocator.PoolRemaining(ctx, c)
			if err != nil {
				return health.Status{Name: name, Healthy: false, Detail: err.Error()}
			}
			if remaining < 10 {
				return health.Status{Name: name, Healthy: false, Detail: fmt.Sprintf("%d addresses remaining", remaining)}
			}
			return health.Status{Name: name, Healthy: true, Detail: fmt.Sprintf("%d addresses remaining", remaining)}
		})
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

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

// adminMiddleware guards operational endpoints with a shared secret.
// With no ADMIN_SECRET configured the routes are disabled entirely.
func (s *Server) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "Admin API is not configured",
			})
			return
		}
		provided := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid admin secret",
			})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time settlement events
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// Explorer push callbacks. Registered before the origin check is
	// attached: the caller is an external service authenticated by a
	// shared token, not a browser.
	hooks := s.router.Group("/v1")
	webhook.NewHandler(s.ingestor, s.cfg.WebhookToken).RegisterRoutes(hooks)

	// V1 API group (browser-facing, origin-checked)
	v1 := s.router.Group("/v1")
	v1.Use(security.OriginCheckMiddleware(nil))

	orderHandler := order.NewHandler(s.orderService, s.invoices)
	orderHandler.RegisterRoutes(v1)

	stockHandler := inventory.NewHandler(s.stock)
	stockHandler.RegisterRoutes(v1)

	// Admin routes (shared-secret auth)
	admin := v1.Group("/admin")
	admin.Use(s.adminMiddleware())
	{
		admin.POST("/sweep", s.forceSweepHandler)
		admin.POST("/expire", s.forceExpireHandler)
		admin.POST("/addresses", s.addPoolAddressHandler)
		admin.GET("/pool/:chain", s.poolStatusHandler)
		stockHandler.RegisterAdminRoutes(admin)
	}
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
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	chains := make([]string, 0, len(chain.All()))
	for _, ch := range chain.All() {
		chains = append(chains, string(ch))
	}
	c.JSON(http.StatusOK, gin.H{
		"name":        "Chainvoice",
		"description": "Crypto payment invoice reconciliation engine",
		"version":     "0.1.0",
		"chains":      chains,
	})
}

// forceSweepHandler triggers an immediate verification pass across all chains
func (s *Server) forceSweepHandler(c *gin.Context) {
	s.sweepTimer.ForceSweep(c.Request.Context())
	c.JSON(http.StatusAccepted, gin.H{"status": "sweep_triggered"})
}

// forceExpireHandler triggers an immediate expiry pass
func (s *Server) forceExpireHandler(c *gin.Context) {
	s.expiryTimer.ForceSweep(c.Request.Context())
	c.JSON(http.StatusAccepted, gin.H{"status": "expiry_triggered"})
}

// addPoolAddressHandler loads a pre-generated deposit address into the pool
func (s *Server) addPoolAddressHandler(c *gin.Context) {
	var req struct {
		Chain   string `json:"chain" binding:"required"`
		Address string `json:"address" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "chain and address are required",
		})
		return
	}

	ch, err := chain.Parse(req.Chain)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_chain",
			"message": err.Error(),
		})
		return
	}
	if !validation.IsValidAddress(ch, req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address does not match the expected format for " + string(ch),
		})
		return
	}

	if err := s.walletStore.AddPooled(c.Request.Context(), ch, req.Address); err != nil {
		logging.L(c.Request.Context()).Error("failed to add pool address", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to add address to pool",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"chain": string(ch), "address": req.Address})
}

// poolStatusHandler reports remaining pool capacity for a chain
func (s *Server) poolStatusHandler(c *gin.Context) {
	ch, err := chain.Parse(c.Param("chain"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_chain",
			"message": err.Error(),
		})
		return
	}

	remaining, err := s.allocator.PoolRemaining(c.Request.Context(), ch)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to count pool addresses",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"chain": string(ch), "remaining": remaining})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"chains", len(s.coordinator.Chains()),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start polling verification sweep
	go s.sweepTimer.Start(runCtx)

	// Start expiry sweep
	go s.expiryTimer.Start(runCtx)

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

	// Cancel the context for all background goroutines (hub, timers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop sweep timers
	if s.sweepTimer != nil {
		s.sweepTimer.Stop()
		s.logger.Info("verification sweep stopped")
	}
	if s.expiryTimer != nil {
		s.expiryTimer.Stop()
		s.logger.Info("expiry sweep stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close chain client connections
	for _, closeFn := range s.closers {
		closeFn()
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

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
