package server

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"crash/internal/config"
	"crash/internal/game"
	"crash/internal/logger"
)

// Engine is the round engine as the transport layer sees it.
type Engine interface {
	CurrentRound() *game.RoundView
	PlaceBet(ctx context.Context, req game.BetRequest) (game.BetReceipt, error)
	CashOut(ctx context.Context, playerID string) (game.CashoutReceipt, error)
	CancelBet(ctx context.Context, playerID string) (game.CancelReceipt, error)
}

type Balances interface {
	Balance(ctx context.Context, playerID string) (int64, error)
	SetBalance(ctx context.Context, playerID string, amount int64) error
}

type RoundHistory interface {
	Find(ctx context.Context, roundID string) (game.RoundRecord, error)
	Recent(ctx context.Context, limit int) ([]game.RoundRecord, error)
}

type HealthChecker interface {
	Health() map[string]string
}

type Deps struct {
	Engine   Engine
	Hub      *game.Hub
	Balances Balances
	Rounds   RoundHistory
	Sessions SessionValidator
	Health   map[string]HealthChecker
}

type FiberServer struct {
	*fiber.App

	cfg      config.ServerConfig
	engine   Engine
	hub      *game.Hub
	balances Balances
	rounds   RoundHistory
	sessions SessionValidator
	health   map[string]HealthChecker
}

func New(cfg config.ServerConfig, deps Deps) *FiberServer {
	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:          "crash",
			AppName:               "crash",
			ReadTimeout:           cfg.ReadTimeout,
			WriteTimeout:          cfg.WriteTimeout,
			IdleTimeout:           120 * time.Second,
			StrictRouting:         false,
			DisableStartupMessage: true,
			ErrorHandler:          errorHandler,
		}),

		cfg:      cfg,
		engine:   deps.Engine,
		hub:      deps.Hub,
		balances: deps.Balances,
		rounds:   deps.Rounds,
		sessions: deps.Sessions,
		health:   deps.Health,
	}

	// Apply global middleware
	server.App.Use(recover.New())
	if cfg.RateLimitPerMin > 0 {
		server.App.Use(limiter.New(limiter.Config{
			Max:        cfg.RateLimitPerMin,
			Expiration: 1 * time.Minute,
			Next: func(c *fiber.Ctx) bool {
				// long-lived and operational routes are not rate limited
				switch c.Path() {
				case "/ws", "/metrics", "/health":
					return true
				}
				return false
			},
		}))
	}

	server.RegisterFiberRoutes()
	return server
}

// Start serves until the listener fails or Shutdown is called.
func (s *FiberServer) Start() error {
	logger.Info(context.Background()).Str("port", s.cfg.Port).Msg("[SERVER] Listening")
	return s.App.Listen(":" + s.cfg.Port)
}

// Shutdown stops accepting connections and waits for in-flight requests up to
// the configured deadline.
func (s *FiberServer) Shutdown() error {
	logger.Info(context.Background()).Msg("[SERVER] Shutting down...")
	return s.App.ShutdownWithTimeout(s.cfg.ShutdownDeadline)
}
