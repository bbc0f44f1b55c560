package api

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/agentmeter/agentmeter/internal/app"
	"github.com/agentmeter/agentmeter/internal/httpserver/httputil"
	"github.com/agentmeter/agentmeter/internal/limits"
	"github.com/agentmeter/agentmeter/internal/requestctx"
)

const authBearerPrefix = "bearer "

// apiKeyAuth validates the Authorization bearer token and injects the
// resolved tenant into the request context. Every /v1 read and write is
// scoped to that tenant and nothing else.
func apiKeyAuth(container *app.Container) fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
		if raw == "" {
			return httputil.WriteError(c, fiber.StatusUnauthorized, "authorization header required")
		}
		if !strings.HasPrefix(strings.ToLower(raw), authBearerPrefix) {
			return httputil.WriteError(c, fiber.StatusUnauthorized, "bearer token required")
		}
		token := strings.TrimSpace(raw[len(authBearerPrefix):])

		key, ok := container.LookupAPIKey(token)
		if !ok {
			return httputil.WriteError(c, fiber.StatusUnauthorized, "invalid api key")
		}

		if container.RateLimiter != nil {
			err := container.RateLimiter.AllowRequest(c.UserContext(), key.Prefix, limits.LimitConfig{
				RequestsPerMinute: container.Config.RateLimits.RequestsPerMinute,
			})
			if errors.Is(err, limits.ErrLimitExceeded) {
				return httputil.WriteError(c, fiber.StatusTooManyRequests, "rate limit exceeded")
			}
			if err != nil {
				return httputil.WriteError(c, fiber.StatusInternalServerError, "rate limit check failed")
			}
		}

		rc := &requestctx.Context{
			TenantID:     key.TenantID,
			APIKeyName:   key.Name,
			APIKeyPrefix: key.Prefix,
		}
		c.Locals(requestctx.FiberLocalsKey(), rc)
		c.SetUserContext(requestctx.WithContext(c.UserContext(), rc))
		return c.Next()
	}
}

// adminAuth guards the admin surface with a JWT signed by the configured
// secret. With no secret configured the surface stays closed.
func adminAuth(container *app.Container) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if container.TokenManager == nil {
			return httputil.WriteError(c, fiber.StatusForbidden, "admin surface disabled")
		}
		raw := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
		if !strings.HasPrefix(strings.ToLower(raw), authBearerPrefix) {
			return httputil.WriteError(c, fiber.StatusUnauthorized, "bearer token required")
		}
		subject, err := container.TokenManager.Verify(strings.TrimSpace(raw[len(authBearerPrefix):]))
		if err != nil {
			return httputil.WriteError(c, fiber.StatusUnauthorized, "invalid admin token")
		}
		c.Locals("admin_subject", subject)
		return c.Next()
	}
}

// tenantFrom extracts the authenticated identity set by apiKeyAuth.
func tenantFrom(c *fiber.Ctx) (*requestctx.Context, error) {
	rc, ok := c.Locals(requestctx.FiberLocalsKey()).(*requestctx.Context)
	if !ok || rc == nil {
		return nil, errors.New("request context missing")
	}
	return rc, nil
}

// userContext returns the request-scoped context for service calls.
func userContext(c *fiber.Ctx) context.Context {
	if ctx := c.UserContext(); ctx != nil {
		return ctx
	}
	return c.Context()
}
