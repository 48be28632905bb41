// Package api exposes the workflow engine over HTTP. Error responses follow
// RFC 7807; the engine's typed errors map onto statuses the caller can act
// on (409 to re-read and retry, 422 to improve the content and resubmit).
package api

import (
	"encoding/json"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/stageflow/internal/models"
	"github.com/p-blackswan/stageflow/internal/requestid"
)

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	ListenAddr  string
	AuthConfig  AuthConfig
	RateLimit   RateLimitConfig
	CORSOrigins string
}

// Server is the engine's Fiber application.
type Server struct {
	app      *fiber.App
	handlers *Handlers
	logger   zerolog.Logger
	config   ServerConfig
}

// NewServer creates and configures the API server.
func NewServer(cfg ServerConfig, handlers *Handlers, logger zerolog.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ReadBufferSize:        8192,
		WriteBufferSize:       8192,
	})

	s := &Server{
		app:      app,
		handlers: handlers,
		logger:   logger.With().Str("component", "api_server").Logger(),
		config:   cfg,
	}

	s.setupMiddleware(cfg, logger)
	s.setupRoutes(handlers)
	return s
}

func (s *Server) setupMiddleware(cfg ServerConfig, logger zerolog.Logger) {
	// Recovery middleware
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// Request ID middleware
	s.app.Use(func(c *fiber.Ctx) error {
		_, reqID := requestid.New(c.Context())
		c.Set("X-Request-ID", reqID)
		c.Locals("request_id", reqID)
		return c.Next()
	})

	// CORS middleware
	if cfg.CORSOrigins != "" {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID, X-Actor-ID",
			AllowMethods: "GET, POST, DELETE, OPTIONS",
		}))
	}

	// Rate limiter
	if cfg.RateLimit.RPS > 0 {
		s.app.Use(NewRateLimitMiddleware(cfg.RateLimit))
	}

	// Auth middleware
	s.app.Use(NewAuthMiddleware(cfg.AuthConfig, logger))

	// Request logging (skip noisy probes)
	s.app.Use(func(c *fiber.Ctx) error {
		path := c.Path()
		if path == "/healthz" || path == "/readyz" || path == "/metrics" {
			return c.Next()
		}

		logger.Info().
			Str("method", c.Method()).
			Str("path", path).
			Str("ip", c.IP()).
			Str("request_id", fmt.Sprintf("%v", c.Locals("request_id"))).
			Msg("api request")
		return c.Next()
	})
}

func (s *Server) setupRoutes(h *Handlers) {
	// Probe endpoints, exempted from auth in the middleware
	s.app.Get("/healthz", h.Liveness)
	s.app.Get("/readyz", h.Readiness)

	v1 := s.app.Group("/api/v1")

	v1.Post("/projects", requireAccess(models.AccessEditor), h.CreateProject)
	v1.Get("/projects", requireAccess(models.AccessViewer), h.ListProjects)
	v1.Get("/projects/:id", requireAccess(models.AccessViewer), h.GetProject)
	v1.Post("/projects/:id/status", requireAccess(models.AccessEditor), h.SetProjectStatus)
	v1.Delete("/projects/:id", requireAccess(models.AccessAdmin), h.DeleteProject)

	v1.Post("/projects/:id/stages/:stage/begin", requireAccess(models.AccessEditor), h.BeginStage)
	v1.Post("/projects/:id/stages/:stage/content", requireAccess(models.AccessEditor), h.SubmitContent)
	v1.Post("/projects/:id/stages/:stage/reopen", requireAccess(models.AccessEditor), h.ReopenStage)

	v1.Post("/projects/:id/advance", requireAccess(models.AccessEditor), h.Advance)
	v1.Post("/projects/:id/advance/force", requireAccess(models.AccessAdmin), h.ForceAdvance)
	v1.Post("/projects/:id/skip", requireAccess(models.AccessEditor), h.SkipStage)
	v1.Post("/projects/:id/rollback", requireAccess(models.AccessAdmin), h.Rollback)

	v1.Post("/projects/:id/edits", requireAccess(models.AccessCommenter), h.SubmitEdit)
	v1.Get("/projects/:id/conflicts", requireAccess(models.AccessViewer), h.ListConflicts)
	v1.Post("/projects/:id/conflicts/:cid", requireAccess(models.AccessEditor), h.ResolveConflict)

	v1.Get("/projects/:id/playbook", requireAccess(models.AccessViewer), h.ExportPlaybook)
	v1.Get("/projects/:id/costs", requireAccess(models.AccessViewer), h.GetCosts)
	v1.Get("/projects/:id/audit", requireAccess(models.AccessAdmin), h.GetAudit)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	s.logger.Info().Str("addr", addr).Msg("api server starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("api server shutting down")
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("unhandled error")

		detail := err.Error()
		if code == fiber.StatusInternalServerError {
			detail = "An internal error occurred"
		}

		return c.Status(code).JSON(ProblemDetail{
			Type:     "internal_error",
			Title:    "Internal Server Error",
			Status:   code,
			Detail:   detail,
			Instance: c.Path(),
		})
	}
}
