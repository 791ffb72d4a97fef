package middleware

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/hive-market/hive/internal/ledger"
	"github.com/hive-market/hive/internal/logging"
)

func TestAuditLogsStatusFromHandlerError(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter(&buf, "info")

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(logger)})
	app.Use(RequestID())
	app.Use(Audit(logger))
	app.Get("/wallets/:accountId", func(c *fiber.Ctx) error {
		return ledger.ErrNotFound
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/wallets/a", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	var record map[string]any
	line := strings.TrimSpace(buf.String())
	if err := json.Unmarshal([]byte(line), &record); err != nil {
		t.Fatalf("decode audit record %q: %v", line, err)
	}
	if record["level"] != "WARN" || record["status"] != float64(404) || record["route"] != "/wallets/:accountId" {
		t.Fatalf("unexpected audit record %v", record)
	}
	if record["request_id"] == "" {
		t.Fatal("expected request id in audit record")
	}
}
