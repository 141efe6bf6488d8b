// Package server sets up the facilitator HTTP server with all routes
package server

import (
	"context"
	"crypto/ed25519"
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

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/x402flash/facilitator/internal/auth"
	"github.com/x402flash/facilitator/internal/circuitbreaker"
	"github.com/x402flash/facilitator/internal/config"
	"github.com/x402flash/facilitator/internal/feeoracle"
	"github.com/x402flash/facilitator/internal/flowvault"
	"github.com/x402flash/facilitator/internal/health"
	"github.com/x402flash/facilitator/internal/logging"
	"github.com/x402flash/facilitator/internal/metrics"
	"github.com/x402flash/facilitator/internal/ratelimit"
	"github.com/x402flash/facilitator/internal/realtime"
	"github.com/x402flash/facilitator/internal/security"
	"github.com/x402flash/facilitator/internal/session"
	"github.com/x402flash/facilitator/internal/settlement"
	"github.com/x402flash/facilitator/internal/solana"
	"github.com/x402flash/facilitator/internal/validation"
	"github.com/x402flash/facilitator/internal/webhooks"
	"github.com/x402flash/facilitator/migrations"
)

// Version is reported by /health and the root info endpoint. Release
// builds overwrite it from the linker-stamped binary version.
var Version = "0.2.0"

// httpRequestsPerMinute limits the JSON API per client IP.
const httpRequestsPerMinute = 600

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Node is the ledger RPC surface the server needs beyond account reads.
type Node interface {
	flowvault.Node
	GetRecentPrioritizationFees(ctx context.Context, accounts ...solana.PublicKey) ([]uint64, error)
	GetSlot(ctx context.Context) (uint64, error)
}

// Ledger is the flow vault client used for settlement and vault reads.
type Ledger interface {
	settlement.Ledger
}

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	node         Node
	rpc          *solana.RPCClient // nil when a node was injected
	ledger       Ledger
	oracle       *feeoracle.Oracle
	prices       feeoracle.PriceFeed
	breaker      *circuitbreaker.Breaker
	engine       *settlement.Engine
	records      settlement.RecordStore
	webhooks     *webhooks.Dispatcher
	sessionStore session.Store
	sessions     *session.Manager
	realtimeHub  *realtime.Hub
	wsHandler    *realtime.Handler
	connLimiter  *ratelimit.Limiter
	rateLimiter  *ratelimit.Limiter
	health       *health.Registry
	upstream     *url.URL // nil serves the built-in sample API
	db           *sql.DB // nil if using in-memory history
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	drainDelay   time.Duration
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithNode sets the ledger RPC node (for testing)
func WithNode(n Node) Option {
	return func(s *Server) {
		s.node = n
	}
}

// WithLedger sets the flow vault client (for testing)
func WithLedger(l Ledger) Option {
	return func(s *Server) {
		s.ledger = l
	}
}

// WithSessionStore sets the session snapshot store (for testing)
func WithSessionStore(st session.Store) Option {
	return func(s *Server) {
		s.sessionStore = st
	}
}

// WithPriceFeed sets the USD price source for the fee cap (for testing)
func WithPriceFeed(p feeoracle.PriceFeed) Option {
	return func(s *Server) {
		s.prices = p
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// sending traffic before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance. Resources opened before a failure are
// released.
func New(cfg *config.Config, opts ...Option) (_ *Server, err error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}
	defer func() {
		if err != nil {
			s.closeResources()
		}
	}()

	// Apply options first (may set node/ledger/logger)
	for _, opt := range opts {
		opt(s)
	}
	validation.Register()

	// Context for initialization
	ctx := context.Background()

	// Ledger RPC
	if s.node == nil {
		rpc, err := solana.DialRPC(ctx, cfg.SolanaRPCURL,
			solana.WithHTTPClient(&http.Client{Timeout: cfg.RPCTimeout}))
		if err != nil {
			return nil, fmt.Errorf("failed to dial ledger RPC: %w", err)
		}
		s.rpc = rpc
		s.node = rpc
		s.logger.Info("ledger RPC connected", "url", cfg.SolanaRPCURL)
	}

	// Flow vault client
	if s.ledger == nil {
		key, err := loadFacilitatorKey(cfg)
		if err != nil {
			return nil, err
		}
		var programID solana.PublicKey
		if cfg.ProgramID != "" {
			if programID, err = solana.ParsePublicKey(cfg.ProgramID); err != nil {
				return nil, fmt.Errorf("invalid PROGRAM_ID: %w", err)
			}
		}
		s.ledger = flowvault.NewClient(s.node, flowvault.NewProgram(programID), key,
			flowvault.WithConfirmation(cfg.ConfirmAttempts, cfg.ConfirmInterval),
			flowvault.WithLogger(s.logger),
		)
	}
	s.logger.Info("flow vault program",
		"program", s.ledger.Program().ID.String(),
		"facilitator", s.ledger.Facilitator().String(),
	)

	// Priority fee oracle
	if s.prices == nil {
		s.prices = feeoracle.NewCoinGeckoFeed(cfg.PriceFeedURL, "solana", time.Minute)
	}
	node := s.node
	s.oracle = feeoracle.New(
		feeoracle.SamplerFunc(func(ctx context.Context) ([]uint64, error) {
			return node.GetRecentPrioritizationFees(ctx)
		}),
		s.prices,
		feeoracle.Config{
			Interval:    cfg.FeeUpdateInterval,
			DefaultFee:  cfg.FeeDefault,
			MaxUSD:      cfg.FeeMaxUSD,
			CallTimeout: cfg.RPCTimeout,
		},
		s.logger,
	)

	// Circuit breaker shared by every settlement path
	s.breaker = circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
	})
	s.breaker.OnTransition(func(from, to circuitbreaker.State) {
		s.logger.Warn("circuit breaker transition", "from", from.String(), "to", to.String())
	})

	// Settlement history (Postgres if DATABASE_URL set, otherwise in-memory)
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
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if cfg.AutoMigrate {
			if err := migrations.Up(ctx, db); err != nil {
				_ = db.Close()
				return nil, err
			}
			s.logger.Info("settlement history schema up to date")
		}

		s.db = db
		s.records = settlement.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL settlement history", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.records = settlement.NewMemoryRecordStore(0)
		s.logger.Info("using in-memory settlement history")
	}

	// Settlement engine
	engineOpts := []settlement.Option{
		settlement.WithRecords(s.records),
		settlement.WithConfig(settlement.Config{
			CallTimeout:      cfg.RPCTimeout,
			ConfirmTimeout:   time.Duration(cfg.ConfirmAttempts+1) * cfg.ConfirmInterval,
			DestinationChain: cfg.BridgeDestinationChain,
		}),
		settlement.WithLogger(s.logger),
	}
	if cfg.BridgeConnection != "" {
		if err := security.ValidateServiceURL(cfg.BridgeURL, cfg.IsProduction()); err != nil {
			return nil, fmt.Errorf("invalid BRIDGE_URL: %w", err)
		}
		bridge, err := settlement.NewBridgeClient(cfg.BridgeURL, cfg.BridgeConnection, cfg.BridgeTimeout, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to configure bridge: %w", err)
		}
		engineOpts = append(engineOpts, settlement.WithBridge(bridge))
		s.logger.Info("cross-chain bridge enabled", "destination", cfg.BridgeDestinationChain)
	}

	var merchants *settlement.MerchantClient
	if cfg.MerchantAPIURL != "" {
		if err := security.ValidateServiceURL(cfg.MerchantAPIURL, cfg.IsProduction()); err != nil {
			return nil, fmt.Errorf("invalid MERCHANT_API_URL: %w", err)
		}
		merchants = settlement.NewMerchantClient(cfg.MerchantAPIURL, cfg.MerchantAPIKey)
		engineOpts = append(engineOpts, settlement.WithMerchants(merchants))
		s.logger.Info("merchant network enabled")
	}
	if len(cfg.WebhookURLs) > 0 {
		endpoints := make([]webhooks.Endpoint, 0, len(cfg.WebhookURLs))
		for _, u := range cfg.WebhookURLs {
			if err := security.ValidateServiceURL(u, cfg.IsProduction()); err != nil {
				return nil, fmt.Errorf("invalid WEBHOOK_URLS entry %q: %w", u, err)
			}
			endpoints = append(endpoints, webhooks.Endpoint{URL: u, Secret: cfg.WebhookSecret})
		}
		s.webhooks = webhooks.NewDispatcher(endpoints,
			webhooks.WithHTTPClient(&http.Client{Timeout: cfg.WebhookTimeout}),
			webhooks.WithLogger(s.logger),
		)
		engineOpts = append(engineOpts, settlement.WithNotifier(s.webhooks))
		s.logger.Info("settlement webhooks enabled", "endpoints", len(endpoints))
	}
	s.engine = settlement.NewEngine(s.ledger, s.breaker, s.oracle, engineOpts...)

	// Session snapshots (Redis if REDIS_URL set, otherwise in-memory)
	if s.sessionStore == nil {
		if cfg.RedisURL != "" {
			store, err := session.NewRedisStore(cfg.RedisURL, cfg.SessionTTL)
			if err != nil {
				return nil, fmt.Errorf("failed to configure redis: %w", err)
			}
			s.sessionStore = store
			s.logger.Info("using Redis session store")
		} else {
			s.sessionStore = session.NewMemoryStore(cfg.SessionTTL)
			s.logger.Info("using in-memory session store")
		}
	}

	// Observer hub and session manager
	s.realtimeHub = realtime.NewHub(s.logger)

	sessionOpts := []session.Option{
		session.WithStore(s.sessionStore),
		session.WithBroadcaster(s.realtimeHub),
		session.WithStatus(func() (string, uint64) {
			return s.engine.BreakerState().String(), s.oracle.Latest()
		}),
		session.WithConfig(session.Config{
			Threshold:     cfg.SettlementThreshold,
			CheckInterval: cfg.SettlementCheckInterval,
			CallTimeout:   cfg.RPCTimeout,
			StoreTimeout:  cfg.StoreTimeout,
		}),
		session.WithLogger(s.logger),
	}
	if merchants != nil {
		sessionOpts = append(sessionOpts, session.WithMerchants(merchants))
	}
	s.sessions = session.NewManager(s.ledger, s.engine, sessionOpts...)

	// WebSocket endpoint
	verifier, err := auth.NewVerifier(cfg.AgentCredentialSecret)
	if err != nil {
		return nil, err
	}
	s.connLimiter = s.newLimiter("x402:ratelimit:ws:", cfg.WSConnectionsPerMinute)
	s.wsHandler = realtime.NewHandler(s.realtimeHub, s.sessions, verifier, s.connLimiter, cfg.CORSOrigins, s.logger)

	// Dependency health checks
	s.health = health.NewRegistry(health.DefaultTimeout)
	s.health.Register("ledger_rpc", func(ctx context.Context) error {
		slot, err := s.node.GetSlot(ctx)
		if err != nil {
			return err
		}
		if slot == 0 {
			return errors.New("node reported slot 0")
		}
		return nil
	})
	s.health.Register("session_store", s.sessionStore.Ping)
	s.health.Register("settlement_history", s.records.Ping)
	s.health.RegisterOptional("settlement_breaker", func(context.Context) error {
		if st := s.breaker.State(); st == circuitbreaker.StateOpen {
			return fmt.Errorf("circuit %s", st)
		}
		return nil
	})

	// Paid API origin
	if cfg.UpstreamURL != "" {
		if err := security.ValidateServiceURL(cfg.UpstreamURL, false); err != nil {
			return nil, fmt.Errorf("invalid UPSTREAM_URL: %w", err)
		}
		s.upstream, _ = url.Parse(cfg.UpstreamURL)
	}

	// Setup Gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	// Mark as healthy (ready is set after Run starts)
	s.healthy.Store(true)

	return s, nil
}

func loadFacilitatorKey(cfg *config.Config) (ed25519.PrivateKey, error) {
	if cfg.FacilitatorPrivateKey != "" {
		key, err := solana.ParseKeypair(cfg.FacilitatorPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("invalid FACILITATOR_PRIVATE_KEY: %w", err)
		}
		return key, nil
	}
	key, err := solana.LoadKeypairFile(cfg.FacilitatorKeypairPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load facilitator keypair: %w", err)
	}
	return key, nil
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

// newLimiter returns a per-minute limiter shared through Redis when
// REDIS_URL is set, otherwise local to this process.
func (s *Server) newLimiter(prefix string, perMinute int) *ratelimit.Limiter {
	rl := ratelimit.Config{Limit: perMinute, Window: time.Minute}
	if s.cfg.RedisURL == "" {
		return ratelimit.New(rl)
	}
	l, err := ratelimit.NewRedis(s.cfg.RedisURL, prefix, rl)
	if err != nil {
		s.logger.Warn("redis rate limiter unavailable, using in-memory", "error", err)
		return ratelimit.New(rl)
	}
	return l
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run serves HTTP until ctx ends, SIGINT/SIGTERM arrives or the listener
// fails, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("listening",
			"addr", s.httpSrv.Addr,
			"facilitator", s.ledger.Facilitator().String(),
			"threshold", s.cfg.SettlementThreshold,
		)
		err := s.httpSrv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()

	s.startBackground(runCtx)
	s.ready.Store(true)

	select {
	case err := <-serveErr:
		if err != nil {
			_ = s.Shutdown()
			return fmt.Errorf("listen: %w", err)
		}
	case <-sigCtx.Done():
		s.logger.Info("shutdown requested", "cause", context.Cause(sigCtx))
	}
	return s.Shutdown()
}

// startBackground launches the hub, fee oracle, metrics broadcast and
// runtime collector. They all exit when ctx is cancelled.
func (s *Server) startBackground(ctx context.Context) {
	go s.realtimeHub.Run(ctx)
	go s.oracle.Start(ctx)
	go s.sessions.StartBroadcast(ctx, s.cfg.MetricsBroadcastInterval)
	go metrics.StartRuntimeCollector(ctx, s.db, 15*time.Second)
}

// Shutdown fails readiness, waits drainDelay for load balancers to notice,
// then stops HTTP, drains sessions and webhooks and releases resources.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("draining", "delay", s.drainDelay)
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http: %w", err))
		}
	}
	if err := s.sessions.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("sessions: %w", err))
	}

	if s.webhooks != nil {
		if err := s.webhooks.Close(ctx); err != nil {
			s.logger.Warn("pending webhook deliveries abandoned", "error", err)
		}
	}

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.oracle.Stop()
	s.closeResources()

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Error("shutdown incomplete", "error", err)
	} else {
		s.logger.Info("server stopped")
	}
	return err
}

func (s *Server) closeResources() {
	if s.connLimiter != nil {
		s.connLimiter.Stop()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.sessionStore != nil {
		if err := s.sessionStore.Close(); err != nil {
			s.logger.Error("session store close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		}
	}

	if s.rpc != nil {
		s.rpc.Close()
	}
}

// Router exposes the handler tree, for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Sessions returns the session manager.
func (s *Server) Sessions() *session.Manager {
	return s.sessions
}
