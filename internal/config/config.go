package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAppName           = "Hive"
	defaultAppEnv            = "development"
	defaultPort              = "8080"
	defaultLogLevel          = "info"
	defaultShutdownDelay     = 10 * time.Second
	defaultIdempotencyTTL    = 24 * time.Hour
	defaultLockTTL           = 10 * time.Second
	defaultLockMaxWait       = 5 * time.Second
	defaultReconcileInterval = time.Minute
	defaultReconcileGrace    = 2 * time.Minute
	defaultOutboxBuffer      = 1024
	defaultEventStream       = "hive:events:v1"
	defaultDBMaxConns        = 10
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	DatabaseURL    string
	DBMaxConns     int32
	RedisURL       string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	LockTTL     time.Duration
	LockMaxWait time.Duration

	ReconcileInterval time.Duration
	ReconcileGrace    time.Duration

	OutboxBuffer int
	EventStream  string
}

// Load reads configuration values from the environment and populates a Config instance.
// Outside development both DATABASE_URL and REDIS_URL are required; in development an
// empty URL selects the in-memory backend.
func Load() (Config, error) {
	cfg := Config{
		AppName:     getEnv("APP_NAME", defaultAppName),
		AppEnv:      strings.ToLower(getEnv("APP_ENV", defaultAppEnv)),
		Port:        getEnv("PORT", defaultPort),
		LogLevel:    strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		EventStream: getEnv("EVENT_STREAM", defaultEventStream),
	}

	var err error
	if cfg.ShutdownPeriod, err = durationEnv("SHUTDOWN_TIMEOUT", defaultShutdownDelay); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = durationEnv("IDEMPOTENCY_TTL", defaultIdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.LockTTL, err = durationEnv("LOCK_TTL", defaultLockTTL); err != nil {
		return Config{}, err
	}
	if cfg.LockMaxWait, err = durationEnv("LOCK_MAX_WAIT", defaultLockMaxWait); err != nil {
		return Config{}, err
	}
	if cfg.ReconcileInterval, err = durationEnv("RECONCILE_INTERVAL", defaultReconcileInterval); err != nil {
		return Config{}, err
	}
	if cfg.ReconcileGrace, err = durationEnv("RECONCILE_GRACE", defaultReconcileGrace); err != nil {
		return Config{}, err
	}

	if cfg.OutboxBuffer, err = positiveIntEnv("OUTBOX_BUFFER", defaultOutboxBuffer); err != nil {
		return Config{}, err
	}
	maxConns, err := positiveIntEnv("DB_MAX_CONNS", defaultDBMaxConns)
	if err != nil {
		return Config{}, err
	}
	cfg.DBMaxConns = int32(maxConns)

	if !cfg.IsDevelopment() {
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set")
		}
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL must be set")
		}
	}

	return cfg, nil
}

// IsDevelopment reports whether the app runs in the development environment.
func (c Config) IsDevelopment() bool {
	return c.AppEnv == "development" || c.AppEnv == "dev"
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func positiveIntEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s %q", key, v)
	}
	return n, nil
}

// durationEnv reads KEY_SECONDS as whole seconds, falling back to KEY as a Go duration.
func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	secondsKey := key + "_SECONDS"
	if v := os.Getenv(secondsKey); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", secondsKey, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}
