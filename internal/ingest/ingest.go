// Package ingest implements the write path: validate, dedupe, price, and
// persist batches of usage events. One malformed event never fails its
// batch, and a retried batch never double-counts.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmeter/agentmeter/internal/cache"
	"github.com/agentmeter/agentmeter/internal/caps"
	"github.com/agentmeter/agentmeter/internal/model"
	"github.com/agentmeter/agentmeter/internal/observability"
	"github.com/agentmeter/agentmeter/internal/pricing"
	"github.com/agentmeter/agentmeter/internal/store"
)

// EventInput is the wire shape of one reported event. Tenant identity is
// never read from the payload; it comes from the authenticated credential.
type EventInput struct {
	ID           string           `json:"id"`
	RunID        string           `json:"run_id"`
	SpanID       string           `json:"span_id"`
	ParentSpanID string           `json:"parent_span_id,omitempty"`
	Section      string           `json:"section,omitempty"`
	Provider     string           `json:"provider"`
	Model        string           `json:"model,omitempty"`
	Endpoint     string           `json:"endpoint,omitempty"`
	Quantities   model.Quantities `json:"quantities"`
	LatencyMs    int64            `json:"latency_ms,omitempty"`
	Status       string           `json:"status,omitempty"`
	CustomerID   string           `json:"customer_id,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

func (in EventInput) toEvent(tenantID uuid.UUID) (*model.Event, error) {
	id, err := uuid.Parse(strings.TrimSpace(in.ID))
	if err != nil {
		return nil, fmt.Errorf("%w: bad event id %q", model.ErrValidation, in.ID)
	}
	e := &model.Event{
		ID:           id,
		RunID:        strings.TrimSpace(in.RunID),
		SpanID:       strings.TrimSpace(in.SpanID),
		ParentSpanID: strings.TrimSpace(in.ParentSpanID),
		Section:      strings.TrimSpace(in.Section),
		Provider:     strings.TrimSpace(in.Provider),
		Model:        strings.TrimSpace(in.Model),
		Endpoint:     strings.TrimSpace(in.Endpoint),
		Quantities:   in.Quantities,
		LatencyMs:    in.LatencyMs,
		Status:       model.NormalizeStatus(in.Status),
		TenantID:     tenantID,
		CustomerID:   strings.TrimSpace(in.CustomerID),
		CreatedAt:    in.CreatedAt.UTC(),
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Service orchestrates the ingest pipeline. Cap evaluation after a created
// event only fires threshold alerts; the advisory check endpoint is where
// blocking verdicts are consumed, before the spend happens.
type Service struct {
	events  store.EventStore
	pricing *pricing.Registry
	eval    *caps.Evaluator
	metrics *observability.Provider
	logger  *slog.Logger
	dedupe  *cache.Dedupe
	workers int
}

func NewService(events store.EventStore, registry *pricing.Registry, eval *caps.Evaluator, metrics *observability.Provider, logger *slog.Logger, workers int) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = 8
	}
	return &Service{
		events:  events,
		pricing: registry,
		eval:    eval,
		metrics: metrics,
		logger:  logger,
		workers: workers,
	}
}

// WithDedupe attaches the optional Redis dedupe fast path.
func (s *Service) WithDedupe(d *cache.Dedupe) *Service {
	s.dedupe = d
	return s
}

// Ingest processes one batch for one tenant. Events are priced and
// persisted in parallel under a bounded worker pool; the store's dedupe
// index is the only shared state. Store failures are joined into the
// returned error while the rest of the batch still completes, so a retry
// of the same batch converges via id dedupe.
func (s *Service) Ingest(ctx context.Context, tenantID uuid.UUID, inputs []EventInput) (model.IngestResult, error) {
	started := time.Now()

	var (
		mu       sync.Mutex
		result   model.IngestResult
		storeErr error
	)

	workers := s.workers
	if workers > len(inputs) {
		workers = len(inputs)
	}
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan EventInput)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for in := range jobs {
				outcome, err := s.ingestOne(ctx, tenantID, in)
				mu.Lock()
				switch outcome {
				case outcomeCreated:
					result.Created++
				case outcomeSkipped:
					result.Skipped++
				case outcomeRejected:
					result.Rejected++
				}
				if err != nil {
					storeErr = errors.Join(storeErr, err)
				}
				mu.Unlock()
			}
		}()
	}

	for _, in := range inputs {
		jobs <- in
	}
	close(jobs)
	wg.Wait()

	s.metrics.RecordBatch(time.Since(started))
	return result, storeErr
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeCreated
	outcomeSkipped
	outcomeRejected
)

func (s *Service) ingestOne(ctx context.Context, tenantID uuid.UUID, in EventInput) (outcome, error) {
	e, err := in.toEvent(tenantID)
	if err != nil {
		s.metrics.RecordEvent(tenantID.String(), "rejected")
		s.logger.Debug("event rejected",
			slog.String("tenant_id", tenantID.String()),
			slog.String("event_id", in.ID),
			slog.String("error", err.Error()),
		)
		return outcomeRejected, nil
	}

	if s.dedupe.Seen(ctx, tenantID, e.ID) {
		s.metrics.RecordEvent(tenantID.String(), "skipped")
		return outcomeSkipped, nil
	}

	s.price(e)

	created, err := s.events.InsertEvent(ctx, e)
	if err != nil {
		return outcomeNone, fmt.Errorf("insert event %s: %w", e.ID, err)
	}
	s.dedupe.Mark(ctx, tenantID, e.ID)
	if !created {
		s.metrics.RecordEvent(tenantID.String(), "skipped")
		return outcomeSkipped, nil
	}

	s.metrics.RecordEvent(tenantID.String(), "created")
	if e.Untracked {
		s.metrics.RecordEvent(tenantID.String(), "untracked")
	}
	s.metrics.RecordCost(tenantID.String(), strings.ToLower(e.Provider), e.CostUSD)

	if s.eval != nil {
		if _, err := s.eval.EvaluateEvent(ctx, e); err != nil {
			// Alerting is best-effort on the write path; the event is
			// already durable.
			s.logger.Warn("cap evaluation failed after ingest",
				slog.String("event_id", e.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return outcomeCreated, nil
}

// price resolves the rate effective at the event's own timestamp and
// computes cost_usd. No pricing entry means cost zero and the untracked
// flag; the event still counts.
func (s *Service) price(e *model.Event) {
	if s.pricing == nil {
		e.CostUSD = 0
		e.Untracked = true
		return
	}
	entry, ok := s.pricing.Lookup(e.Provider, e.Model, e.CreatedAt)
	if !ok {
		e.CostUSD = 0
		e.Untracked = true
		return
	}
	cost, _ := pricing.Cost(entry, e.Quantities).Round(10).Float64()
	e.CostUSD = cost
	e.Untracked = false
}
