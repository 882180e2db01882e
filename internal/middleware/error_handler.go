package middleware

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"
)

// ErrorHandler is Fiber's fallback error handler, used for errors that
// escape a route handler without already being mapped by handleError.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	} else {
		slog.Error("unhandled error reached Fiber's default error handler", "error", err, "path", c.Path())
	}

	return c.Status(code).JSON(fiber.Map{
		"error": message,
		"code":  code,
	})
}

