package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/hive-market/hive/internal/accounts"
	"github.com/hive-market/hive/internal/escrow"
	"github.com/hive-market/hive/internal/ledger"
	"github.com/hive-market/hive/internal/tasks"
	"github.com/hive-market/hive/internal/wallet"
)

// StatusFor maps a handler error to an HTTP status code.
func StatusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrRoleMismatch):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, wallet.ErrSameAccount):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrInvalidEscrowState),
		errors.Is(err, escrow.ErrNoDoer),
		errors.Is(err, accounts.ErrAccountExists),
		errors.Is(err, tasks.ErrTaskConflict):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrStorageUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorHandler renders handler errors as JSON. Internal errors are logged and their detail
// withheld from the client.
func ErrorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		status := StatusFor(err)
		message := err.Error()
		if status == http.StatusInternalServerError {
			logger.Error("unhandled error",
				slog.String("path", c.Path()),
				slog.Any("error", err),
			)
			message = http.StatusText(status)
		}
		requestID := RequestIDFrom(c)
		return c.Status(status).JSON(fiber.Map{
			"error":      message,
			"request_id": requestID,
		})
	}
}
