package api

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/agentmeter/agentmeter/internal/httpserver/httputil"
	"github.com/agentmeter/agentmeter/internal/ingest"
	"github.com/agentmeter/agentmeter/internal/limits"
	"github.com/agentmeter/agentmeter/internal/store"
)

type ingestRequest struct {
	Events []ingest.EventInput `json:"events"`
}

// ingest accepts a batch of events. Malformed events are counted, never
// fatal; a storage failure returns 503 and the client retries the whole
// batch safely because ids dedupe.
func (h *handler) ingest(c *fiber.Ctx) error {
	rc, err := tenantFrom(c)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusUnauthorized, err.Error())
	}

	var req ingestRequest
	if err := c.BodyParser(&req); err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid json body")
	}
	if len(req.Events) == 0 {
		return httputil.WriteError(c, fiber.StatusBadRequest, "events array required")
	}
	if max := h.container.Config.Ingest.MaxBatchSize; len(req.Events) > max {
		return httputil.WriteError(c, fiber.StatusRequestEntityTooLarge,
			fmt.Sprintf("batch exceeds %d events", max))
	}

	if h.container.RateLimiter != nil {
		err := h.container.RateLimiter.AllowEvents(userContext(c), rc.APIKeyPrefix, len(req.Events), limits.LimitConfig{
			EventsPerMinute: h.container.Config.RateLimits.EventsPerMinute,
		})
		if errors.Is(err, limits.ErrLimitExceeded) {
			return httputil.WriteError(c, fiber.StatusTooManyRequests, "event rate limit exceeded")
		}
		if err != nil {
			return httputil.WriteError(c, fiber.StatusInternalServerError, "rate limit check failed")
		}
	}

	result, err := h.container.Ingest.Ingest(userContext(c), rc.TenantID, req.Events)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			return httputil.WriteDomainError(c, err)
		}
		return httputil.WriteError(c, fiber.StatusInternalServerError, err.Error())
	}

	return c.Status(fiber.StatusOK).JSON(result)
}
