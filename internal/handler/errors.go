package handler

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"llmgateway/internal/domain"
)

// errorBody is the flat JSON shape every mapped error is returned as:
// "error" carries the error kind string (e.g. "seq_mismatch") and "message"
// the human-readable detail.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func errorResponse(code, message string) errorBody {
	return errorBody{Error: code, Message: message}
}

// handleError maps a domain/persistence error to its HTTP response, per
// spec.md §7's error taxonomy.
func handleError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(errorResponse("conversation_not_found", err.Error()))
	case errors.Is(err, domain.ErrConflict):
		return c.Status(fiber.StatusConflict).JSON(errorResponse("seq_mismatch", err.Error()))
	case errors.Is(err, domain.ErrValidation):
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse("invalid_request_error", err.Error()))
	case errors.Is(err, domain.ErrInvalidConfig):
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse("invalid_config", err.Error()))
	case errors.Is(err, domain.ErrUpstream):
		return c.Status(fiber.StatusBadGateway).JSON(errorResponse("upstream_error", err.Error()))
	case errors.Is(err, domain.ErrUnauthorized):
		return c.Status(fiber.StatusUnauthorized).JSON(errorResponse("unauthorized", "authentication required"))
	case errors.Is(err, domain.ErrForbidden):
		return c.Status(fiber.StatusForbidden).JSON(errorResponse("forbidden", "not permitted"))
	case errors.Is(err, domain.ErrLimitExceeded):
		return c.Status(fiber.StatusTooManyRequests).JSON(errorResponse("limit_exceeded", err.Error()))
	case errors.Is(err, domain.ErrAbort):
		return c.Status(fiber.StatusRequestTimeout).JSON(errorResponse("aborted", err.Error()))
	default:
		slog.Error("unmapped error in chat handler", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse("internal_error", "internal server error"))
	}
}
