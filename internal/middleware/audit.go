package middleware

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/hive-market/hive/internal/metrics"
)

// Audit logs every request and records its latency. Handler errors log at warn, server
// errors at error. The status is derived from the returned error because the error handler
// has not written the response yet.
func Audit(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			status = StatusFor(err)
		}
		duration := time.Since(start)
		route := c.Route().Path
		metrics.HTTPRequests.WithLabelValues(c.Method(), route, strconv.Itoa(status)).Observe(duration.Seconds())

		attrs := []any{
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Duration("duration", duration),
		}
		if reqID := RequestIDFrom(c); reqID != "" {
			attrs = append(attrs, slog.String("request_id", reqID))
		}
		switch {
		case status >= fiber.StatusInternalServerError:
			logger.Error("request failed", append(attrs, slog.Any("error", err))...)
		case err != nil:
			logger.Warn("request rejected", append(attrs, slog.Any("error", err))...)
		default:
			logger.Info("request completed", attrs...)
		}
		return err
	}
}
