package middleware

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
)

func requestIDApp() *fiber.App {
	app := fiber.New()
	app.Use(RequestID())
	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString(RequestIDFrom(c))
	})
	return app
}

func TestRequestIDPropagatesCallerValue(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	resp, err := requestIDApp().Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if got := resp.Header.Get(requestIDHeader); got != "abc-123" {
		t.Fatalf("expected echoed request id, got %q", got)
	}
}

func TestRequestIDReplacesOversizedValue(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(requestIDHeader, strings.Repeat("x", maxRequestIDLen+1))
	resp, err := requestIDApp().Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	got := resp.Header.Get(requestIDHeader)
	if got == "" || len(got) > maxRequestIDLen {
		t.Fatalf("expected a generated request id, got %q", got)
	}
}
