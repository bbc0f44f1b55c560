package api

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/agentmeter/agentmeter/internal/aggregate"
	"github.com/agentmeter/agentmeter/internal/httpserver/httputil"
)

func (h *handler) defaultPeriod() string {
	if p := h.container.Config.Reporting.DefaultPeriod; p != "" {
		return p
	}
	return "7d"
}

func (h *handler) latestRuns(c *fiber.Ctx) error {
	rc, err := tenantFrom(c)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusUnauthorized, err.Error())
	}

	period := c.Query("period", h.defaultPeriod())
	limit, _ := strconv.Atoi(c.Query("limit", "20"))

	runs, err := h.container.Aggregate.LatestRuns(userContext(c), rc.TenantID, period, c.Query("tz"), limit)
	if err != nil {
		return writeAggregateError(c, err)
	}
	return c.JSON(fiber.Map{"runs": runs})
}

func (h *handler) runDetail(c *fiber.Ctx) error {
	rc, err := tenantFrom(c)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusUnauthorized, err.Error())
	}

	runID := c.Params("runID")
	detail, err := h.container.Aggregate.RunDetail(userContext(c), rc.TenantID, runID)
	if err != nil {
		if errors.Is(err, aggregate.ErrRunNotFound) {
			return httputil.WriteError(c, fiber.StatusNotFound, "run not found")
		}
		return writeAggregateError(c, err)
	}
	return c.JSON(detail)
}

func (h *handler) stats(c *fiber.Ctx) error {
	rc, err := tenantFrom(c)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusUnauthorized, err.Error())
	}

	group := aggregate.Group(c.Query("group_by", string(aggregate.GroupProvider)))
	period := c.Query("period", h.defaultPeriod())

	summary, err := h.container.Aggregate.Stats(userContext(c), rc.TenantID, period, group, c.Query("tz"))
	if err != nil {
		return writeAggregateError(c, err)
	}
	return c.JSON(summary)
}

func (h *handler) dailySeries(c *fiber.Ctx) error {
	rc, err := tenantFrom(c)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusUnauthorized, err.Error())
	}

	period := c.Query("period", h.defaultPeriod())
	points, err := h.container.Aggregate.DailySeries(userContext(c), rc.TenantID, period, c.Query("tz"))
	if err != nil {
		return writeAggregateError(c, err)
	}
	return c.JSON(fiber.Map{"series": points})
}

func (h *handler) insights(c *fiber.Ctx) error {
	rc, err := tenantFrom(c)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusUnauthorized, err.Error())
	}

	findings, err := h.container.Insights.Detect(userContext(c), rc.TenantID)
	if err != nil {
		return httputil.WriteDomainError(c, err)
	}
	return c.JSON(fiber.Map{"insights": findings})
}

func writeAggregateError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, aggregate.ErrInvalidPeriod):
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid period")
	case errors.Is(err, aggregate.ErrInvalidGroup):
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid group_by")
	case errors.Is(err, aggregate.ErrInvalidTimezone):
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid timezone")
	default:
		return httputil.WriteDomainError(c, err)
	}
}
