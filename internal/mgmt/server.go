// Package mgmt serves the administrative HTTP API of the work manager.
package mgmt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/awm/internal/health"
	"github.com/p-blackswan/awm/internal/metrics"
	"github.com/p-blackswan/awm/internal/project"
	"github.com/p-blackswan/awm/internal/requestid"
	"github.com/p-blackswan/awm/internal/scheduler"
)

// ServerConfig holds configuration for the management API server.
type ServerConfig struct {
	ListenAddr  string
	AuthConfig  AuthConfig
	RateLimit   RateLimitConfig
	CORSOrigins string
}

// Server is the management API Fiber application.
type Server struct {
	app      *fiber.App
	handlers *Handlers
	logger   zerolog.Logger
	config   ServerConfig

	done     chan struct{}
	doneOnce sync.Once
}

// NewServer creates and configures a new management API server.
func NewServer(
	cfg ServerConfig,
	store *project.Store,
	sched *scheduler.Scheduler,
	checker *health.Checker,
	metricsCollector *metrics.Metrics,
	logger zerolog.Logger,
) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		// Params and headers outlive the request once queued as triggers.
		Immutable:       true,
		ErrorHandler:    customErrorHandler(logger),
		JSONEncoder:     json.Marshal,
		JSONDecoder:     json.Unmarshal,
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
	})

	handlers := NewHandlers(store, sched, checker, logger)

	s := &Server{
		app:      app,
		handlers: handlers,
		logger:   logger.With().Str("component", "mgmt_server").Logger(),
		config:   cfg,
		done:     make(chan struct{}),
	}

	s.setupMiddleware(cfg, logger)
	s.setupRoutes(handlers, checker, metricsCollector)

	return s
}

func (s *Server) setupMiddleware(cfg ServerConfig, logger zerolog.Logger) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(requestid.Middleware())

	if cfg.CORSOrigins != "" {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID, X-Webhook-Secret",
			AllowMethods: "GET, POST, PATCH, DELETE, OPTIONS",
		}))
	}

	if cfg.RateLimit.RPS > 0 {
		s.app.Use(NewRateLimitMiddleware(cfg.RateLimit, s.done))
	}

	s.app.Use(NewAuthMiddleware(cfg.AuthConfig, logger))

	// Audit every non-probe request.
	s.app.Use(func(c *fiber.Ctx) error {
		path := c.Path()
		if isProbePath(path) {
			return c.Next()
		}

		log := requestid.Logger(c.UserContext(), logger)
		log.Info().
			Str("method", c.Method()).
			Str("path", path).
			Str("ip", c.IP()).
			Msg("mgmt api request")

		return c.Next()
	})
}

func (s *Server) setupRoutes(h *Handlers, checker *health.Checker, metricsCollector *metrics.Metrics) {
	s.app.Get("/healthz", health.LivenessHandler())
	s.app.Get("/readyz", checker.ReadinessHandler())

	if metricsCollector != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(metricsCollector.Handler()))
	} else {
		s.app.Get("/metrics", func(c *fiber.Ctx) error {
			return c.SendString("# No metrics collector configured\n")
		})
	}

	v1 := s.app.Group("/api/v1")
	operator := requireRole(RoleOperator)

	v1.Get("/status", h.Status)
	v1.Get("/health", h.HealthDetail)

	v1.Post("/projects", operator, h.CreateProject)
	v1.Get("/projects", h.ListProjects)
	v1.Get("/projects/:id", h.GetProject)
	v1.Patch("/projects/:id", operator, h.UpdateProject)
	v1.Delete("/projects/:id", requireRole(RoleAdmin), h.DeleteProject)
	v1.Post("/projects/:id/trigger", operator, h.TriggerProject)

	v1.Post("/events", operator, h.CreateEvent)
	v1.Get("/events", h.ListEvents)
	v1.Get("/events/:id", h.GetEvent)
	v1.Patch("/events/:id", operator, h.UpdateEvent)
	v1.Delete("/events/:id", operator, h.DeleteEvent)
	v1.Post("/events/:id/fire", operator, h.FireEvent)

	v1.Get("/sessions", h.ListSessions)
	v1.Get("/sessions/:id", h.GetSession)

	v1.Post("/webhooks/:eventId", h.Webhook)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":8090"
	}

	s.logger.Info().Str("addr", addr).Msg("management API server starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("management API server shutting down")
	s.doneOnce.Do(func() { close(s.done) })
	return s.app.ShutdownWithContext(ctx)
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}

		switch code {
		case fiber.StatusNotFound:
			return problemResponse(c, code, "route_not_found", "Not Found", fe.Message)
		case fiber.StatusMethodNotAllowed:
			return problemResponse(c, code, "method_not_allowed", "Method Not Allowed", fe.Message)
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("unhandled error")

		detail := err.Error()
		// Don't leak internal details
		if code == fiber.StatusInternalServerError {
			detail = "An internal error occurred"
		}

		return problemResponse(c, code, "internal_error", "Internal Server Error", detail)
	}
}
