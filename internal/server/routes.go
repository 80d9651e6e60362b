package server

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *FiberServer) RegisterFiberRoutes() {
	// Apply CORS middleware
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH",
		AllowHeaders:     "Accept,Authorization,Content-Type",
		AllowCredentials: false, // credentials require explicit origins
		MaxAge:           300,
	}))

	// Basic routes
	s.App.Get("/health", s.healthHandler)
	s.App.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := s.App.Group("/api/v1")

	// Round routes
	api.Get("/round", s.currentRoundHandler)
	api.Post("/round/bet", s.requireSession, s.placeBetHandler)
	api.Delete("/round/bet", s.requireSession, s.cancelBetHandler)
	api.Post("/round/cashout", s.requireSession, s.cashoutHandler)

	// History and verification
	api.Get("/rounds", s.recentRoundsHandler)
	api.Get("/rounds/:id", s.roundHandler)
	api.Get("/verify", s.verifyHandler)

	// Balance routes
	api.Get("/user/balance", s.requireSession, s.balanceHandler)
	if s.cfg.AllowBalanceSet {
		api.Post("/user/:userId/balance", s.setUserBalanceHandler)
	}

	// WebSocket route
	s.App.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.App.Get("/ws", websocket.New(s.websocketHandler))
}
