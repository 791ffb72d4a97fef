package config

import (
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"APP_NAME", "APP_ENV", "PORT", "LOG_LEVEL", "DATABASE_URL", "REDIS_URL",
		"SHUTDOWN_TIMEOUT", "SHUTDOWN_TIMEOUT_SECONDS", "IDEMPOTENCY_TTL", "IDEMPOTENCY_TTL_SECONDS",
		"LOCK_TTL", "LOCK_MAX_WAIT", "RECONCILE_INTERVAL", "RECONCILE_GRACE", "OUTBOX_BUFFER", "EVENT_STREAM", "DB_MAX_CONNS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDevelopmentDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.IsDevelopment() {
		t.Fatalf("expected development env, got %q", cfg.AppEnv)
	}
	if cfg.Address() != ":8080" {
		t.Fatalf("expected :8080, got %s", cfg.Address())
	}
	if cfg.LockMaxWait != defaultLockMaxWait || cfg.ReconcileGrace != defaultReconcileGrace {
		t.Fatalf("unexpected lock/reconcile defaults: %+v", cfg)
	}
	if cfg.DBMaxConns != defaultDBMaxConns {
		t.Fatalf("expected %d max conns, got %d", defaultDBMaxConns, cfg.DBMaxConns)
	}
	if cfg.OutboxBuffer != defaultOutboxBuffer {
		t.Fatalf("expected outbox buffer %d, got %d", defaultOutboxBuffer, cfg.OutboxBuffer)
	}
}

func TestLoadRequiresBackendsOutsideDevelopment(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_ENV", "production")

	if _, err := Load(); err == nil {
		t.Fatal("expected error without DATABASE_URL")
	}

	t.Setenv("DATABASE_URL", "postgres://localhost/hive")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without REDIS_URL")
	}

	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	if _, err := Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
}

func TestLoadDurations(t *testing.T) {
	clearEnv(t)
	t.Setenv("SHUTDOWN_TIMEOUT_SECONDS", "3")
	t.Setenv("LOCK_TTL", "1500ms")
	t.Setenv("RECONCILE_INTERVAL", "30s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ShutdownPeriod != 3*time.Second {
		t.Fatalf("expected 3s shutdown, got %s", cfg.ShutdownPeriod)
	}
	if cfg.LockTTL != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s lock ttl, got %s", cfg.LockTTL)
	}
	if cfg.ReconcileInterval != 30*time.Second {
		t.Fatalf("expected 30s interval, got %s", cfg.ReconcileInterval)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("LOCK_MAX_WAIT", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid duration")
	}

	clearEnv(t)
	t.Setenv("OUTBOX_BUFFER", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-positive buffer")
	}
}

func TestLoadPoolSize(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_MAX_CONNS", "25")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBMaxConns != 25 {
		t.Fatalf("expected 25 max conns, got %d", cfg.DBMaxConns)
	}

	t.Setenv("DB_MAX_CONNS", "-4")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for negative pool size")
	}
}
