package routes

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hive-market/hive/internal/app"
	"github.com/hive-market/hive/internal/config"
	"github.com/hive-market/hive/internal/escrow"
	"github.com/hive-market/hive/internal/middleware"
	"github.com/hive-market/hive/internal/reconcile"
	"github.com/hive-market/hive/internal/wallet"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	App    *app.App
	Logger *slog.Logger
}

// Setup configures middlewares and all application routes.
func Setup(fa *fiber.App, d Deps) {
	fa.Use(recover.New())
	fa.Use(middleware.RequestID())
	fa.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(fa, d)
	fa.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := fa.Group("/api/v1")
	if d.App.Cache != nil {
		api.Use(middleware.Idempotency(d.App.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	RegisterDirectoryRoutes(api, d.App.Accounts, d.App.Tasks)
	RegisterWalletRoutes(api, wallet.NewHandler(d.App.Wallets))
	RegisterEscrowRoutes(api, escrow.NewHandler(d.App.Escrows))
	RegisterReconcileRoutes(api, reconcile.NewHandler(d.App.Reconciler))
}
