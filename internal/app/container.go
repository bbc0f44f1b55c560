// Package app wires configuration, storage, and services into one
// dependency container shared by the HTTP layer and the commands.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/agentmeter/agentmeter/internal/aggregate"
	"github.com/agentmeter/agentmeter/internal/auth"
	"github.com/agentmeter/agentmeter/internal/cache"
	"github.com/agentmeter/agentmeter/internal/caps"
	"github.com/agentmeter/agentmeter/internal/config"
	"github.com/agentmeter/agentmeter/internal/ingest"
	"github.com/agentmeter/agentmeter/internal/insights"
	"github.com/agentmeter/agentmeter/internal/limits"
	"github.com/agentmeter/agentmeter/internal/observability"
	"github.com/agentmeter/agentmeter/internal/pricing"
	"github.com/agentmeter/agentmeter/internal/store"
)

// APIKey is one resolved ingest credential.
type APIKey struct {
	TenantID uuid.UUID
	Name     string
	Prefix   string
}

// Container aggregates runtime dependencies for handlers and commands.
type Container struct {
	Config            *config.Config
	Logger            *slog.Logger
	DBPool            *pgxpool.Pool
	Redis             *redis.Client
	Store             store.Store
	Pricing           *pricing.Registry
	Ingest            *ingest.Service
	Aggregate         *aggregate.Service
	Insights          *insights.Detector
	CapEvaluator      *caps.Evaluator
	RateLimiter       *limits.RateLimiter
	TokenManager      *auth.TokenManager
	Observability     *observability.Provider
	ReportingLocation *time.Location

	apiKeys map[string]APIKey
}

// Options carries the already-connected primitives into the container.
// Pool and Redis are optional; without a pool the service runs on the
// in-memory store, which is the test and single-node development mode.
type Options struct {
	Config        *config.Config
	Logger        *slog.Logger
	Pool          *pgxpool.Pool
	Redis         *redis.Client
	Observability *observability.Provider
}

// NewContainer builds the full service graph.
func NewContainer(ctx context.Context, opts Options) (*Container, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	locName := strings.TrimSpace(cfg.Reporting.Timezone)
	if locName == "" {
		locName = "UTC"
	}
	reportingLoc, err := time.LoadLocation(locName)
	if err != nil {
		return nil, fmt.Errorf("load reporting timezone: %w", err)
	}

	c := &Container{
		Config:            cfg,
		Logger:            logger,
		DBPool:            opts.Pool,
		Redis:             opts.Redis,
		Observability:     opts.Observability,
		ReportingLocation: reportingLoc,
	}

	if opts.Pool != nil {
		c.Store = store.NewPostgres(opts.Pool)
	} else {
		c.Store = store.NewMemory()
		logger.Warn("no database url configured, using in-memory store")
	}

	registry, err := buildPricingRegistry(ctx, cfg, c.Store)
	if err != nil {
		return nil, err
	}
	c.Pricing = registry

	var sinks []caps.AlertSink
	sinks = append(sinks, caps.NewLogAlertSink(logger))
	if webhook := caps.NewWebhookSink(caps.WebhookOptions{
		URLs:       cfg.Caps.Alert.Webhooks,
		Timeout:    cfg.Caps.Alert.Timeout,
		MaxRetries: cfg.Caps.Alert.MaxRetries,
	}, logger); webhook != nil {
		sinks = append(sinks, webhook)
	}
	c.CapEvaluator = caps.NewEvaluator(c.Store, caps.NewCompositeSink(sinks...), logger)

	c.Ingest = ingest.NewService(c.Store, c.Pricing, c.CapEvaluator, c.Observability, logger, cfg.Ingest.Workers)
	if opts.Redis != nil {
		c.Ingest.WithDedupe(cache.NewDedupe(opts.Redis, cfg.Ingest.DedupeTTL))
	}
	c.Aggregate = aggregate.NewService(c.Store, reportingLoc)
	c.Insights = insights.NewDetector(c.Store, insights.Options{
		SpikeFactor:     cfg.Insights.SpikeFactor,
		BloatFactor:     cfg.Insights.BloatFactor,
		MinRetryCalls:   cfg.Insights.MinRetryCalls,
		CheapCostFactor: cfg.Insights.CheapCostFactor,
	})

	if cfg.RateLimits.Enabled && opts.Redis != nil {
		c.RateLimiter = limits.NewRateLimiter(opts.Redis)
	}

	if secret := strings.TrimSpace(cfg.Admin.JWTSecret); secret != "" {
		tm, err := auth.NewTokenManager(secret, cfg.Admin.AccessTokenTTL, "agentmeter")
		if err != nil {
			return nil, fmt.Errorf("admin token manager: %w", err)
		}
		c.TokenManager = tm
	}

	c.apiKeys = make(map[string]APIKey, len(cfg.Auth.APIKeys))
	for _, key := range cfg.Auth.APIKeys {
		tenantID, err := uuid.Parse(key.TenantID)
		if err != nil {
			return nil, fmt.Errorf("api key %q: bad tenant id: %w", key.Name, err)
		}
		c.apiKeys[key.Key] = APIKey{
			TenantID: tenantID,
			Name:     key.Name,
			Prefix:   auth.KeyPrefix(key.Key),
		}
	}

	return c, nil
}

// LookupAPIKey resolves a bearer token to its credential.
func (c *Container) LookupAPIKey(token string) (APIKey, bool) {
	key, ok := c.apiKeys[token]
	return key, ok
}

// buildPricingRegistry merges the shipped catalog with persisted entries.
// Persisted rows win over seed rows with the same coordinates.
func buildPricingRegistry(ctx context.Context, cfg *config.Config, st store.PricingStore) (*pricing.Registry, error) {
	var seed []pricing.Entry
	if cfg.Pricing.SeedDefaults {
		seed = pricing.DefaultEntries()
	}
	registry := pricing.NewRegistry(seed)

	persisted, err := st.ListPricing(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pricing entries: %w", err)
	}
	if len(persisted) > 0 {
		if err := registry.Upsert(persisted...); err != nil {
			return nil, fmt.Errorf("apply persisted pricing: %w", err)
		}
	}
	return registry, nil
}
