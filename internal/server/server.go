package server

import (
	"log"
	"time"

	"ecom-stream-analytics/internal/bootstrap"
	"ecom-stream-analytics/internal/config"

	"github.com/gofiber/fiber/v2"
)

// Server is the small operational surface of the aggregator job: health,
// counters and a fast session lookup backed by the cache sink. The
// prediction API and the dashboard live in other services.
type Server struct {
	app       *fiber.App
	cfg       *config.Config
	container *bootstrap.Container
	startedAt time.Time
}

func New(cfg *config.Config, container *bootstrap.Container) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	s := &Server{
		app:       app,
		cfg:       cfg,
		container: container,
		startedAt: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.app.Get("/health", s.health)
	s.app.Get("/stats", s.stats)

	api := s.app.Group("/api")
	api.Get("/sessions/:id", s.sessionLookup)
}

func (s *Server) health(c *fiber.Ctx) error {
	state := s.container.Processor.State().String()
	status := "healthy"
	code := fiber.StatusOK
	if state != "running" {
		status = "unhealthy"
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{
		"status":         status,
		"processor":      state,
		"job":            s.cfg.Stream.JobName,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) stats(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"processor":       s.container.Processor.Stats(),
		"scoring":         s.container.ScoringService.Stats(),
		"active_sessions": s.container.Aggregator.StateSize(),
	})
}

// sessionLookup serves the latest snapshot for a session straight from
// the cache mirror.
func (s *Server) sessionLookup(c *fiber.Ctx) error {
	payload, err := s.container.SessionCache.GetSnapshot(c.Context(), c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "cache unavailable",
		})
	}
	if payload == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "session not found",
		})
	}
	c.Set("Content-Type", "application/json")
	return c.Send(payload)
}

func (s *Server) Run() error {
	log.Printf("✅ Ops server is running on http://localhost:%s", s.cfg.App.Port)
	return s.app.Listen(":" + s.cfg.App.Port)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
