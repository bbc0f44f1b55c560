package api

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/agentmeter/agentmeter/internal/httpserver/httputil"
	"github.com/agentmeter/agentmeter/internal/pricing"
)

// listPricing exposes the active rate card so clients can estimate cost
// before spending.
func (h *handler) listPricing(c *fiber.Ctx) error {
	if _, err := tenantFrom(c); err != nil {
		return httputil.WriteError(c, fiber.StatusUnauthorized, err.Error())
	}
	return c.JSON(fiber.Map{"pricing": h.container.Pricing.Snapshot().Entries()})
}

type pricingUpsertRequest struct {
	Entries []pricing.Entry `json:"entries"`
}

// upsertPricing appends new rate rows and swaps the registry snapshot.
// Historical rows are never mutated; costs already computed stay as they
// were, and late-arriving events keep resolving against the rates that
// were effective at their own timestamps.
func (h *handler) upsertPricing(c *fiber.Ctx) error {
	var req pricingUpsertRequest
	if err := c.BodyParser(&req); err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid json body")
	}
	if len(req.Entries) == 0 {
		return httputil.WriteError(c, fiber.StatusBadRequest, "entries array required")
	}

	if err := h.container.Pricing.Upsert(req.Entries...); err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, err.Error())
	}
	if err := h.container.Store.SavePricing(userContext(c), req.Entries...); err != nil {
		return httputil.WriteDomainError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"upserted": len(req.Entries)})
}

type pricingDeactivateRequest struct {
	Provider      string    `json:"provider"`
	Model         string    `json:"model"`
	EffectiveDate time.Time `json:"effective_date"`
}

func (h *handler) deactivatePricing(c *fiber.Ctx) error {
	var req pricingDeactivateRequest
	if err := c.BodyParser(&req); err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid json body")
	}
	if req.Provider == "" || req.Model == "" || req.EffectiveDate.IsZero() {
		return httputil.WriteError(c, fiber.StatusBadRequest, "provider, model, and effective_date required")
	}

	row, found := h.container.Pricing.Deactivate(req.Provider, req.Model, req.EffectiveDate)
	if !found {
		return httputil.WriteError(c, fiber.StatusNotFound, "pricing entry not found")
	}
	if err := h.container.Store.SavePricing(userContext(c), row); err != nil {
		return httputil.WriteDomainError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
