// Package api implements the tenant-scoped /v1 surface and the JWT-guarded
// /admin surface.
package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/agentmeter/agentmeter/internal/app"
)

// Register wires up the metering API routes.
func Register(fiberApp *fiber.App, container *app.Container) {
	h := &handler{container: container}

	v1 := fiberApp.Group("/v1", apiKeyAuth(container))
	v1.Post("/ingest", h.ingest)
	v1.Get("/runs/latest", h.latestRuns)
	v1.Get("/runs/:runID", h.runDetail)
	v1.Get("/stats", h.stats)
	v1.Get("/series", h.dailySeries)
	v1.Get("/insights", h.insights)
	v1.Get("/pricing", h.listPricing)

	v1.Post("/caps", h.createCap)
	v1.Get("/caps", h.listCaps)
	v1.Get("/caps/:capID", h.getCap)
	v1.Put("/caps/:capID", h.updateCap)
	v1.Delete("/caps/:capID", h.deleteCap)
	v1.Get("/caps/:capID/check", h.checkCap)
	v1.Get("/alerts", h.listAlerts)

	admin := fiberApp.Group("/admin", adminAuth(container))
	admin.Post("/pricing", h.upsertPricing)
	admin.Delete("/pricing", h.deactivatePricing)
}

type handler struct {
	container *app.Container
}
