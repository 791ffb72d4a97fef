package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/hive-market/hive/internal/app"
	"github.com/hive-market/hive/internal/config"
	"github.com/hive-market/hive/internal/database"
	"github.com/hive-market/hive/internal/infra"
	"github.com/hive-market/hive/internal/logging"
	"github.com/hive-market/hive/internal/server"
)

func main() {
	cliApp := &cli.App{
		Name:  "hive",
		Usage: "Wallet and escrow ledger for the Hive marketplace",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Start the HTTP API, outbox and periodic reconciler",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "migrate",
						Value:   true,
						Usage:   "Apply database migrations before serving",
						EnvVars: []string{"AUTO_MIGRATE"},
					},
				},
				Action: runServe,
			},
			{
				Name:   "migrate",
				Usage:  "Apply database migrations and exit",
				Action: runMigrate,
			},
			{
				Name:   "reconcile",
				Usage:  "Run one reconciliation pass and exit; fails if discrepancies are found",
				Action: runReconcile,
			},
		},
		Action: runServe,
	}

	if err := cliApp.Run(os.Args); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

type backends struct {
	db    *pgxpool.Pool
	cache *redis.Client
}

func (b backends) Close(logger *slog.Logger) {
	if b.cache != nil {
		if err := b.cache.Close(); err != nil {
			logger.Warn("close redis", "error", err)
		}
	}
	if b.db != nil {
		b.db.Close()
	}
}

func load() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.LogLevel, slog.String("app", cfg.AppName), slog.String("env", cfg.AppEnv))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func postgresOptions(cfg config.Config) infra.PostgresOptions {
	return infra.PostgresOptions{URL: cfg.DatabaseURL, AppName: cfg.AppName, MaxConns: cfg.DBMaxConns}
}

func connect(ctx context.Context, cfg config.Config, logger *slog.Logger) (backends, error) {
	var b backends
	if cfg.DatabaseURL != "" {
		db, err := infra.NewPostgresPool(ctx, postgresOptions(cfg))
		if err != nil {
			return b, err
		}
		b.db = db
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory ledger storage")
	}
	if cfg.RedisURL != "" {
		cache, err := infra.NewRedisClient(ctx, cfg.RedisURL, cfg.AppName)
		if err != nil {
			b.Close(logger)
			return backends{}, err
		}
		b.cache = cache
	} else {
		logger.Warn("REDIS_URL not set, using in-process locks and logging event sink")
	}
	return b, nil
}

func runServe(c *cli.Context) error {
	cfg, logger, err := load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close(logger)

	if b.db != nil && c.Bool("migrate") {
		if err := database.RunMigrations(ctx, b.db, logger); err != nil {
			return err
		}
	}

	a := app.New(cfg, b.db, b.cache, logger)
	srv := server.New(cfg, a, logger)

	// The outbox outlives the HTTP server so events from in-flight requests still drain.
	outboxCtx, stopOutbox := context.WithCancel(context.Background())
	defer stopOutbox()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Outbox.Run(outboxCtx)
	})
	g.Go(func() error {
		return a.Reconciler.Start(gctx, cfg.ReconcileInterval)
	})
	g.Go(func() error {
		logger.Info("starting server", slog.String("addr", cfg.Address()))
		if err := srv.Listen(); err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		stopOutbox()
		if err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server exited cleanly")
	return nil
}

func runMigrate(c *cli.Context) error {
	cfg, logger, err := load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL must be set to migrate")
	}

	db, err := infra.NewPostgresPool(c.Context, postgresOptions(cfg))
	if err != nil {
		return err
	}
	defer db.Close()

	return database.RunMigrations(c.Context, db, logger)
}

func runReconcile(c *cli.Context) error {
	cfg, logger, err := load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL must be set to reconcile")
	}

	b, err := connect(c.Context, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close(logger)

	a := app.New(cfg, b.db, b.cache, logger)
	report, err := a.Reconciler.Run(c.Context)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	logger.Info("reconcile complete",
		slog.Int("resolved", len(report.Resolved)),
		slog.Int("failed", len(report.Failed)),
		slog.Int("discrepancies", len(report.Discrepancies)),
	)
	for _, d := range report.Discrepancies {
		logger.Error("ledger discrepancy",
			slog.String("scope", string(d.Scope)),
			slog.String("key", d.Key),
			slog.String("stored", d.Stored.String()),
			slog.String("expected", d.Expected.String()),
		)
	}
	if len(report.Discrepancies) > 0 {
		return fmt.Errorf("%d ledger discrepancies found", len(report.Discrepancies))
	}
	return nil
}
