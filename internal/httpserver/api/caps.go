package api

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agentmeter/agentmeter/internal/caps"
	"github.com/agentmeter/agentmeter/internal/httpserver/httputil"
	"github.com/agentmeter/agentmeter/internal/model"
	"github.com/agentmeter/agentmeter/internal/timeutil"
)

type capRequest struct {
	CapType        string  `json:"cap_type"`
	TargetName     string  `json:"target_name"`
	LimitUSD       float64 `json:"limit_usd"`
	Period         string  `json:"period"`
	AlertThreshold float64 `json:"alert_threshold"`
	Enforcement    string  `json:"enforcement"`
	Enabled        *bool   `json:"enabled"`
}

func (r capRequest) apply(c *model.Cap) {
	c.Type = model.CapType(r.CapType)
	c.TargetName = r.TargetName
	c.LimitUSD = r.LimitUSD
	c.Period = timeutil.CapPeriod(r.Period)
	c.AlertThreshold = r.AlertThreshold
	c.Enforcement = model.Enforcement(r.Enforcement)
	if r.Enabled != nil {
		c.Enabled = *r.Enabled
	}
}

func (h *handler) createCap(c *fiber.Ctx) error {
	rc, err := tenantFrom(c)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusUnauthorized, err.Error())
	}

	var req capRequest
	if err := c.BodyParser(&req); err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid json body")
	}
	if req.AlertThreshold == 0 {
		req.AlertThreshold = 0.8
	}

	now := time.Now().UTC()
	newCap := &model.Cap{
		ID:        uuid.New(),
		TenantID:  rc.TenantID,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	req.apply(newCap)
	if err := newCap.Validate(); err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, err.Error())
	}

	if err := h.container.Store.CreateCap(userContext(c), newCap); err != nil {
		return httputil.WriteDomainError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(newCap)
}

func (h *handler) listCaps(c *fiber.Ctx) error {
	rc, err := tenantFrom(c)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusUnauthorized, err.Error())
	}

	out, err := h.container.Store.ListCaps(userContext(c), rc.TenantID)
	if err != nil {
		return httputil.WriteDomainError(c, err)
	}
	return c.JSON(fiber.Map{"caps": out})
}

func (h *handler) getCap(c *fiber.Ctx) error {
	rc, err := tenantFrom(c)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusUnauthorized, err.Error())
	}
	capID, err := uuid.Parse(c.Params("capID"))
	if err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid cap id")
	}

	found, err := h.container.Store.GetCap(userContext(c), rc.TenantID, capID)
	if err != nil {
		return httputil.WriteDomainError(c, err)
	}
	return c.JSON(found)
}

func (h *handler) updateCap(c *fiber.Ctx) error {
	rc, err := tenantFrom(c)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusUnauthorized, err.Error())
	}
	capID, err := uuid.Parse(c.Params("capID"))
	if err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid cap id")
	}

	existing, err := h.container.Store.GetCap(userContext(c), rc.TenantID, capID)
	if err != nil {
		return httputil.WriteDomainError(c, err)
	}

	var req capRequest
	if err := c.BodyParser(&req); err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid json body")
	}
	if req.AlertThreshold == 0 {
		req.AlertThreshold = existing.AlertThreshold
	}
	req.apply(&existing)
	existing.UpdatedAt = time.Now().UTC()
	if err := existing.Validate(); err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, err.Error())
	}

	if err := h.container.Store.UpdateCap(userContext(c), &existing); err != nil {
		return httputil.WriteDomainError(c, err)
	}
	return c.JSON(existing)
}

func (h *handler) deleteCap(c *fiber.Ctx) error {
	rc, err := tenantFrom(c)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusUnauthorized, err.Error())
	}
	capID, err := uuid.Parse(c.Params("capID"))
	if err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid cap id")
	}

	if err := h.container.Store.DeleteCap(userContext(c), rc.TenantID, capID); err != nil {
		return httputil.WriteDomainError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// checkCap answers the advisory pre-spend question: would this cost be
// allowed right now? A blocking verdict is distinct from generic failure
// so the caller can switch models instead of erroring out.
func (h *handler) checkCap(c *fiber.Ctx) error {
	rc, err := tenantFrom(c)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusUnauthorized, err.Error())
	}
	capID, err := uuid.Parse(c.Params("capID"))
	if err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid cap id")
	}
	cost, err := strconv.ParseFloat(c.Query("cost", "0"), 64)
	if err != nil || cost < 0 {
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid cost")
	}

	found, err := h.container.Store.GetCap(userContext(c), rc.TenantID, capID)
	if err != nil {
		return httputil.WriteDomainError(c, err)
	}

	decision, err := h.container.CapEvaluator.Evaluate(userContext(c), &found, decimal.NewFromFloat(cost))
	if err != nil {
		return httputil.WriteDomainError(c, err)
	}

	if decision.Outcome == caps.OutcomeBlock {
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
			"error":    caps.ErrCapBlocked.Error(),
			"decision": decision,
		})
	}
	return c.JSON(decision)
}

func (h *handler) listAlerts(c *fiber.Ctx) error {
	rc, err := tenantFrom(c)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusUnauthorized, err.Error())
	}
	limit, parseErr := strconv.Atoi(c.Query("limit", "50"))
	if parseErr != nil || limit <= 0 {
		limit = 50
	}

	alerts, err := h.container.Store.ListAlerts(userContext(c), rc.TenantID, limit)
	if err != nil {
		return httputil.WriteDomainError(c, err)
	}
	return c.JSON(fiber.Map{"alerts": alerts})
}
