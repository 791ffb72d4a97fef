package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/hive-market/hive/internal/app"
	"github.com/hive-market/hive/internal/config"
	"github.com/hive-market/hive/internal/middleware"
	"github.com/hive-market/hive/internal/routes"
)

// Server wraps the Fiber application serving the ledger API.
type Server struct {
	app *fiber.App
	cfg config.Config
}

// New instantiates the HTTP server and delegates route wiring to routes.Setup.
func New(cfg config.Config, a *app.App, logger *slog.Logger) *Server {
	fa := fiber.New(fiber.Config{
		AppName:               cfg.AppName,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
		ErrorHandler:          middleware.ErrorHandler(logger),
		DisableStartupMessage: true,
	})

	routes.Setup(fa, routes.Deps{Cfg: cfg, App: a, Logger: logger})

	return &Server{app: fa, cfg: cfg}
}

// App exposes the underlying Fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.Address())
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
