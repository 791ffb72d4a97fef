package middleware

import (
	"io"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/hive-market/hive/internal/ledger"
	"github.com/hive-market/hive/internal/logging"
)

type testApp struct {
	app   *fiber.App
	calls *atomic.Int32
	fail  *atomic.Bool
}

func setupTestApp(t *testing.T) testApp {
	t.Helper()
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })

	logger := logging.Discard()
	ta := testApp{calls: &atomic.Int32{}, fail: &atomic.Bool{}}
	ta.app = fiber.New(fiber.Config{ErrorHandler: ErrorHandler(logger)})
	ta.app.Use(Idempotency(cache, time.Minute, logger))
	ta.app.Post("/credit", func(c *fiber.Ctx) error {
		n := ta.calls.Add(1)
		if ta.fail.Load() {
			return ledger.ErrStorageUnavailable
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"call": n})
	})
	ta.app.Post("/debit", func(c *fiber.Ctx) error {
		ta.calls.Add(1)
		return c.SendStatus(fiber.StatusCreated)
	})
	return ta
}

func post(t *testing.T, app *fiber.App, path, key string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, path, strings.NewReader("{}"))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if key != "" {
		req.Header.Set(idempotencyKeyHeader, key)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestIdempotencyRequiresHeader(t *testing.T) {
	ta := setupTestApp(t)
	if status, _ := post(t, ta.app, "/credit", ""); status != fiber.StatusBadRequest {
		t.Fatalf("expected %d got %d", fiber.StatusBadRequest, status)
	}
	if ta.calls.Load() != 0 {
		t.Fatal("handler ran without an idempotency key")
	}
}

func TestIdempotencyReplaysResponse(t *testing.T) {
	ta := setupTestApp(t)

	status, first := post(t, ta.app, "/credit", "abc123")
	if status != fiber.StatusCreated {
		t.Fatalf("expected status %d got %d", fiber.StatusCreated, status)
	}
	status, second := post(t, ta.app, "/credit", "abc123")
	if status != fiber.StatusCreated {
		t.Fatalf("expected replayed status %d got %d", fiber.StatusCreated, status)
	}
	if first != second {
		t.Fatalf("expected replayed body %s got %s", first, second)
	}
	if n := ta.calls.Load(); n != 1 {
		t.Fatalf("expected handler to run once, ran %d times", n)
	}
}

func TestIdempotencyKeysAreScopedToRoute(t *testing.T) {
	ta := setupTestApp(t)
	post(t, ta.app, "/credit", "same")
	post(t, ta.app, "/debit", "same")
	if n := ta.calls.Load(); n != 2 {
		t.Fatalf("expected both routes to run, got %d calls", n)
	}
}

func TestIdempotencyReleasesKeyOnFailure(t *testing.T) {
	ta := setupTestApp(t)

	ta.fail.Store(true)
	if status, _ := post(t, ta.app, "/credit", "retry-me"); status != fiber.StatusServiceUnavailable {
		t.Fatalf("expected %d got %d", fiber.StatusServiceUnavailable, status)
	}

	ta.fail.Store(false)
	if status, _ := post(t, ta.app, "/credit", "retry-me"); status != fiber.StatusCreated {
		t.Fatalf("expected retry to succeed, got %d", status)
	}
	if n := ta.calls.Load(); n != 2 {
		t.Fatalf("expected two handler runs, got %d", n)
	}
}
