package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const (
	requestIDHeader = "X-Request-ID"
	requestIDLocal  = "request_id"
	maxRequestIDLen = 128
)

// RequestID propagates the caller's X-Request-ID, or assigns one, so every log line and
// error body for the request can be correlated.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		reqID := c.Get(requestIDHeader)
		if reqID == "" || len(reqID) > maxRequestIDLen {
			reqID = uuid.NewString()
		}
		c.Set(requestIDHeader, reqID)
		c.Locals(requestIDLocal, reqID)
		return c.Next()
	}
}

// RequestIDFrom returns the identifier assigned by RequestID, or "" outside it.
func RequestIDFrom(c *fiber.Ctx) string {
	reqID, _ := c.Locals(requestIDLocal).(string)
	return reqID
}
