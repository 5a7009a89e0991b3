// Package server wires the HTTP surface: the priced-call routes, health
// checks, middleware stack and graceful lifecycle.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"

	"blinkgate/internal/cache"
	"blinkgate/internal/challenge"
	"blinkgate/internal/config"
	"blinkgate/internal/db"
	"blinkgate/internal/middleware"
	"blinkgate/internal/payment"
	"blinkgate/internal/proxy"
	"blinkgate/internal/ratelimit"
	"blinkgate/internal/refund"
	"blinkgate/internal/reward"
	"blinkgate/internal/ssrf"
	"blinkgate/internal/upstream"
	"blinkgate/internal/wallet"
	"blinkgate/internal/worker"
)

// Server represents the HTTP server
type Server struct {
	app      *fiber.App
	config   *config.Config
	database *db.DB
	cache    *cache.Store
	orch     *proxy.Orchestrator
	worker   *worker.Worker
	logger   *slog.Logger
}

// New creates a new server instance
func New(cfg *config.Config) (*Server, error) {
	logger := slog.Default()

	database, err := db.New(&db.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Name:     cfg.Database.Name,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := database.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}

	cacheStore := cache.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)

	rpcClient := rpc.New(cfg.Payment.RPCURL)

	guard := ssrf.New(cfg.Upstream.APIBase)
	dispatcher := upstream.New(guard, cfg.Upstream.Timeout, cfg.Upstream.MaxResponseBytes, logger)

	facilitator := payment.NewFacilitatorClient(cfg.Payment.FacilitatorURL, logger)
	scanner := payment.NewScanner(rpcClient, logger)
	verifier := payment.NewVerifier(facilitator, scanner, logger)

	var refunder proxy.Refunder = disabledRefunder{}
	var refundManager *refund.Manager
	if cfg.Payment.RefundWalletKey != "" {
		refundWallet, err := wallet.Load(cfg.Payment.RefundWalletKey, rpcClient, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to load refund wallet: %w", err)
		}
		refundManager = refund.NewManager(database, refundWallet, logger)
		refunder = refundManager
		logger.Info("refund wallet loaded", "address", refundWallet.Address())
	} else {
		logger.Warn("no refund wallet configured, failed executions will not be refunded automatically")
	}

	var rewards proxy.RewardPayer = disabledRewards{}
	if cfg.Payment.FundedWalletKey != "" {
		fundedWallet, err := wallet.Load(cfg.Payment.FundedWalletKey, rpcClient, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to load funded wallet: %w", err)
		}
		rewards = reward.NewDisburser(database, fundedWallet, dispatcher, logger)
		logger.Info("funded wallet loaded", "address", fundedWallet.Address())
	} else {
		logger.Warn("no funded wallet configured, reward offers will reject claims")
	}

	orch := proxy.New(proxy.Deps{
		Store:      database,
		Cache:      cacheStore,
		Verifier:   verifier,
		Dispatcher: dispatcher,
		Challenges: challenge.NewService(cacheStore.Backend(), logger),
		Limiter:    ratelimit.New(cacheStore.Backend(), time.Duration(cfg.RateLimit.WindowSeconds)*time.Second, logger),
		Refunder:   refunder,
		Rewards:    rewards,
		Payments:   cfg.Payment,
		RateLimits: cfg.RateLimit,
		Mutex:      cfg.Mutex,
		Logger:     logger,
	})

	var bgRefunder worker.Refunder = noopReissuer{}
	if refundManager != nil {
		bgRefunder = refundManager
	}
	bgWorker := worker.New(database, bgRefunder, nil, logger)

	app := fiber.New(fiber.Config{
		AppName:      "Blinkgate API",
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		ErrorHandler: errorHandler,
	})

	s := &Server{
		app:      app,
		config:   cfg,
		database: database,
		cache:    cacheStore,
		orch:     orch,
		worker:   bgWorker,
		logger:   logger,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// setupMiddleware configures all middleware
func (s *Server) setupMiddleware() {
	s.app.Use(recover.New())

	// Request ID must be early so it is available for logging
	s.app.Use(middleware.RequestID())

	s.app.Use(middleware.SecurityHeaders())

	// JSON format in production for log aggregators, text for development
	if s.config.IsProduction() {
		s.app.Use(logger.New(logger.Config{
			Format: `{"time":"${time}","status":${status},"method":"${method}","path":"${path}","latency":"${latency}","ip":"${ip}","request_id":"${locals:request_id}"}` + "\n",
		}))
	} else {
		s.app.Use(logger.New(logger.Config{
			Format: "[${time}] ${status} - ${method} ${path} ${latency} [${locals:request_id}]\n",
		}))
	}

	s.app.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", proxy.HeaderPayment, proxy.HeaderPaymentTx, proxy.HeaderIdempotencyKey, proxy.HeaderIdempotencyAlt, middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader, "X-Ratelimit-Limit", "X-Ratelimit-Remaining", "Retry-After"},
		MaxAge:        300,
	}))
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.app.Get("/health", s.handleHealth)

	s.app.Get("/:slug/challenge", s.handleChallenge)
	s.app.Post("/:slug", s.handleRun)

	// 404 handler
	s.app.Use(func(c fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":      "Not found",
			"message":    "The requested endpoint does not exist",
			"path":       c.Path(),
			"request_id": middleware.GetRequestID(c),
		})
	})
}

// handleRun is the single priced-call entry point.
func (s *Server) handleRun(c fiber.Ctx) error {
	resp := s.orch.Handle(c.Context(), c.Params("slug"), c.Body(), func(key string) string {
		return c.Get(key)
	})
	return writeResponse(c, resp)
}

// handleChallenge issues a reward-claim challenge.
func (s *Server) handleChallenge(c fiber.Ctx) error {
	resp := s.orch.HandleChallenge(c.Context(), c.Params("slug"), c.Query("wallet"))
	return writeResponse(c, resp)
}

// handleHealth reports database and cache connectivity.
func (s *Server) handleHealth(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
	defer cancel()

	status := fiber.StatusOK
	overall, dbStatus, cacheStatus := "ok", "ok", "ok"

	if err := s.database.Ping(ctx); err != nil {
		dbStatus = "unreachable"
		overall = "unhealthy"
		status = fiber.StatusServiceUnavailable
	}
	// Cache loss degrades the mutex and idempotency layers but the service
	// still works, so it does not fail the health check.
	if err := s.cache.Ping(ctx); err != nil {
		cacheStatus = "unreachable"
		if overall == "ok" {
			overall = "degraded"
		}
	}

	return c.Status(status).JSON(fiber.Map{
		"status":      overall,
		"database":    dbStatus,
		"cache":       cacheStatus,
		"environment": s.config.Environment,
		"timestamp":   time.Now().Unix(),
	})
}

// writeResponse copies an orchestrator response onto the wire.
func writeResponse(c fiber.Ctx, resp *proxy.Response) error {
	for name, value := range resp.Headers {
		c.Set(name, value)
	}
	if raw, ok := resp.Body.(json.RawMessage); ok {
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return c.Status(resp.Status).Send(raw)
	}
	return c.Status(resp.Status).JSON(resp.Body)
}

// Start starts the HTTP server and background worker
func (s *Server) Start(ctx context.Context) error {
	s.worker.Start(ctx)

	addr := fmt.Sprintf(":%s", s.config.Server.Port)
	s.logger.Info("starting Blinkgate API server", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.worker.Stop()

	if s.database != nil {
		s.database.Close()
	}

	return s.app.ShutdownWithContext(ctx)
}

// errorHandler handles errors globally
func errorHandler(c fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal server error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	requestID := middleware.GetRequestID(c)
	slog.Error("request error", "error", err, "request_id", requestID, "status", code)

	return c.Status(code).JSON(fiber.Map{
		"error":      message,
		"status":     code,
		"timestamp":  time.Now().Unix(),
		"request_id": requestID,
	})
}

// disabledRefunder reports every refund as needing manual intervention.
// Used when no refund wallet is configured.
type disabledRefunder struct{}

func (disabledRefunder) RefundRun(_ context.Context, _ *db.Offer, _ *db.Run) *refund.Status {
	return &refund.Status{
		Issued:  false,
		Status:  "not-applicable",
		Message: "no refund wallet configured, refund requires manual intervention",
	}
}

// disabledRewards rejects claims when no funded wallet is configured.
type disabledRewards struct{}

func (disabledRewards) Disburse(_ context.Context, _ *db.Offer, _ *db.Run, _ string, _ map[string]any) (*reward.Outcome, error) {
	return nil, fmt.Errorf("no funded wallet configured")
}

// noopReissuer leaves pending refunds for manual intervention.
type noopReissuer struct{}

func (noopReissuer) Reissue(_ context.Context, _ *db.Offer, _ *db.Refund) error {
	return nil
}
