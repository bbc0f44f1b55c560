package httputil

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/agentmeter/agentmeter/internal/model"
	"github.com/agentmeter/agentmeter/internal/store"
)

// WriteError standardizes JSON error responses across the API surfaces.
func WriteError(c *fiber.Ctx, status int, msg string) error {
	if msg == "" {
		msg = http.StatusText(status)
		if msg == "" {
			msg = "unknown error"
		}
	}
	return c.Status(status).JSON(fiber.Map{
		"error": msg,
	})
}

// WriteDomainError maps the service error taxonomy onto HTTP statuses.
// Store unavailability is the only 5xx in the set.
func WriteDomainError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return WriteError(c, fiber.StatusNotFound, "not found")
	case errors.Is(err, model.ErrValidation):
		return WriteError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrUnavailable):
		return WriteError(c, fiber.StatusServiceUnavailable, "storage unavailable, retry the batch")
	default:
		return WriteError(c, fiber.StatusInternalServerError, err.Error())
	}
}
