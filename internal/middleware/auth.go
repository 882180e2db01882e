package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"llmgateway/internal/auth"
	"llmgateway/internal/domain"
)

// AuthMiddleware validates a Supabase-issued bearer token with verifier and
// sets the authenticated user's ID in fiber.Ctx.Locals("userID") for
// downstream handlers.
func AuthMiddleware(verifier auth.Verifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			return fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
		}

		claims, err := verifier.VerifyToken(token)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid or expired token")
		}

		c.Locals("userID", claims.UserID())
		return c.Next()
	}
}

// StubAuthMiddleware sets a fixed user ID without verifying anything, for
// local development when no Supabase project is configured.
func StubAuthMiddleware(testUserID string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if testUserID == "" {
			return fiber.NewError(fiber.StatusUnauthorized, domain.ErrUnauthorized.Error())
		}
		c.Locals("userID", testUserID)
		return c.Next()
	}
}
