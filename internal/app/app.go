// Package app assembles the ledger components for a given configuration.
package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/hive-market/hive/internal/accounts"
	"github.com/hive-market/hive/internal/config"
	"github.com/hive-market/hive/internal/escrow"
	"github.com/hive-market/hive/internal/events"
	"github.com/hive-market/hive/internal/ledger"
	"github.com/hive-market/hive/internal/lock"
	"github.com/hive-market/hive/internal/notification"
	"github.com/hive-market/hive/internal/reconcile"
	"github.com/hive-market/hive/internal/tasks"
	"github.com/hive-market/hive/internal/wallet"
)

// App holds the wired ledger components.
type App struct {
	DB    *pgxpool.Pool
	Cache *redis.Client

	Store      ledger.Store
	Log        ledger.Log
	Accounts   accounts.Repository
	Tasks      tasks.Repository
	Locker     lock.Locker
	Outbox     *events.Outbox
	Wallets    *wallet.Engine
	Escrows    *escrow.Engine
	Reconciler *reconcile.Reconciler
}

// New wires the components. A nil db selects in-memory storage and a nil cache selects
// the in-process locker and a logging event sink.
func New(cfg config.Config, db *pgxpool.Pool, cache *redis.Client, logger *slog.Logger) *App {
	a := &App{DB: db, Cache: cache}

	if db != nil {
		a.Store = ledger.NewPostgresStore(db)
		a.Log = ledger.NewPostgresLog(db)
		a.Accounts = accounts.NewPostgresRepository(db)
		a.Tasks = tasks.NewPostgresDirectory(db)
	} else {
		a.Store = ledger.NewInMemory()
		a.Log = ledger.NewInMemoryLog()
		a.Accounts = accounts.NewMemoryRepository()
		a.Tasks = tasks.NewMemoryDirectory()
	}

	var sink events.Sink
	if cache != nil {
		backoff := lock.DefaultBackoff
		backoff.MaxWait = cfg.LockMaxWait
		a.Locker = lock.NewRedis(cache, cfg.LockTTL, backoff, logger)
		sink = events.NewRedisStreamSink(cache, cfg.EventStream, 100_000)
	} else {
		a.Locker = lock.NewKeyed(cfg.LockMaxWait)
		sink = events.NewLogSink(logger)
	}

	a.Outbox = events.NewOutbox(sink, notification.NewLoggerNotifier(logger), events.OutboxConfig{Buffer: cfg.OutboxBuffer}, logger)
	a.Wallets = wallet.NewEngine(wallet.Deps{
		Store:  a.Store,
		Log:    a.Log,
		Roles:  a.Accounts,
		Locker: a.Locker,
		Outbox: a.Outbox,
		Logger: logger.With(slog.String("component", "wallet")),
	})
	a.Escrows = escrow.NewEngine(escrow.Deps{
		Store:   a.Store,
		Wallets: a.Wallets,
		Tasks:   a.Tasks,
		Locker:  a.Locker,
		Logger:  logger.With(slog.String("component", "escrow")),
	})
	a.Reconciler = reconcile.New(reconcile.Deps{
		Store:  a.Store,
		Log:    a.Log,
		Locker: a.Locker,
		Logger: logger.With(slog.String("component", "reconcile")),
		Grace:  cfg.ReconcileGrace,
	})
	return a
}
