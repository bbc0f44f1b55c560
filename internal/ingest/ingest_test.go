package ingest

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/agentmeter/agentmeter/internal/cache"
	"github.com/agentmeter/agentmeter/internal/model"
	"github.com/agentmeter/agentmeter/internal/pricing"
	"github.com/agentmeter/agentmeter/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	registry := pricing.NewRegistry(nil)
	if err := registry.Upsert(pricing.Entry{
		Provider:      "openai",
		Model:         "gpt-4o",
		EffectiveDate: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Type:          pricing.TypeTokenBased,
		Data: pricing.Data{
			InputRate:       2.5e-6,
			OutputRate:      1e-5,
			CachedInputRate: 2.5e-7,
		},
		Active: true,
	}); err != nil {
		t.Fatalf("seed pricing: %v", err)
	}
	return NewService(mem, registry, nil, nil, slog.Default(), 4), mem
}

func tokenInput(id uuid.UUID) EventInput {
	return EventInput{
		ID:       id.String(),
		RunID:    "run-1",
		SpanID:   uuid.NewString(),
		Provider: "openai",
		Model:    "gpt-4o",
		Quantities: model.Quantities{
			InputTokens:  1000,
			OutputTokens: 500,
			CachedTokens: 200,
		},
		CreatedAt: time.Now().UTC(),
	}
}

func TestIngestIdempotent(t *testing.T) {
	svc, mem := newTestService(t)
	tenant := uuid.New()
	input := tokenInput(uuid.New())

	first, err := svc.Ingest(context.Background(), tenant, []EventInput{input})
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if first.Created != 1 || first.Skipped != 0 {
		t.Fatalf("first result %+v", first)
	}

	second, err := svc.Ingest(context.Background(), tenant, []EventInput{input})
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if second.Created != 0 || second.Skipped != 1 {
		t.Fatalf("second result %+v", second)
	}

	events, err := mem.QueryEvents(context.Background(), store.EventFilter{TenantID: tenant})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("stored events = %d, want exactly 1", len(events))
	}
}

func TestIngestComputesCostServerSide(t *testing.T) {
	svc, mem := newTestService(t)
	tenant := uuid.New()

	if _, err := svc.Ingest(context.Background(), tenant, []EventInput{tokenInput(uuid.New())}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	events, err := mem.QueryEvents(context.Background(), store.EventFilter{TenantID: tenant})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	// 1000*2.5e-6 + 500*1e-5 + 200*2.5e-7
	if events[0].CostUSD != 0.00755 {
		t.Fatalf("cost = %v, want 0.00755", events[0].CostUSD)
	}
	if events[0].Untracked {
		t.Fatal("priced event marked untracked")
	}
}

func TestIngestUnknownProviderStoredUntracked(t *testing.T) {
	svc, mem := newTestService(t)
	tenant := uuid.New()

	input := tokenInput(uuid.New())
	input.Provider = "homegrown-llm"
	input.Model = "local-7b"

	result, err := svc.Ingest(context.Background(), tenant, []EventInput{input})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if result.Created != 1 {
		t.Fatalf("result %+v, unknown provider must still store", result)
	}

	events, err := mem.QueryEvents(context.Background(), store.EventFilter{TenantID: tenant})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if events[0].CostUSD != 0 {
		t.Fatalf("cost = %v, want exactly 0", events[0].CostUSD)
	}
	if !events[0].Untracked {
		t.Fatal("expected untracked flag")
	}
}

func TestIngestLateEventUsesHistoricalRate(t *testing.T) {
	svc, mem := newTestService(t)
	tenant := uuid.New()

	// Rate doubles today; the late-arriving event is from last month.
	if err := svc.pricing.Upsert(pricing.Entry{
		Provider:      "openai",
		Model:         "gpt-4o",
		EffectiveDate: time.Now().UTC(),
		Type:          pricing.TypeTokenBased,
		Data:          pricing.Data{InputRate: 5e-6, OutputRate: 2e-5, CachedInputRate: 5e-7},
		Active:        true,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	input := tokenInput(uuid.New())
	input.CreatedAt = time.Now().UTC().AddDate(0, -1, 0)
	if _, err := svc.Ingest(context.Background(), tenant, []EventInput{input}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	events, err := mem.QueryEvents(context.Background(), store.EventFilter{TenantID: tenant})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if events[0].CostUSD != 0.00755 {
		t.Fatalf("cost = %v, want the old rate's 0.00755", events[0].CostUSD)
	}
}

func TestIngestMalformedEventDoesNotFailBatch(t *testing.T) {
	svc, mem := newTestService(t)
	tenant := uuid.New()

	bad := tokenInput(uuid.New())
	bad.RunID = ""
	noID := tokenInput(uuid.New())
	noID.ID = "not-a-uuid"
	good := tokenInput(uuid.New())

	result, err := svc.Ingest(context.Background(), tenant, []EventInput{bad, noID, good})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if result.Created != 1 || result.Rejected != 2 {
		t.Fatalf("result %+v, want created=1 rejected=2", result)
	}

	events, err := mem.QueryEvents(context.Background(), store.EventFilter{TenantID: tenant})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("stored events = %d, want 1", len(events))
	}
}

func TestIngestConcurrentDuplicateBatches(t *testing.T) {
	svc, mem := newTestService(t)
	tenant := uuid.New()

	batch := make([]EventInput, 0, 20)
	for i := 0; i < 20; i++ {
		batch = append(batch, tokenInput(uuid.New()))
	}

	const attempts = 8
	results := make(chan model.IngestResult, attempts)
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			r, err := svc.Ingest(context.Background(), tenant, batch)
			results <- r
			errs <- err
		}()
	}

	var created, skipped int
	for i := 0; i < attempts; i++ {
		r := <-results
		created += r.Created
		skipped += r.Skipped
		if err := <-errs; err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}

	if created != 20 {
		t.Fatalf("created = %d across retries, want exactly 20", created)
	}
	if skipped != 20*(attempts-1) {
		t.Fatalf("skipped = %d, want %d", skipped, 20*(attempts-1))
	}

	events, err := mem.QueryEvents(context.Background(), store.EventFilter{TenantID: tenant})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 20 {
		t.Fatalf("stored events = %d, want 20", len(events))
	}
}

func TestIngestNormalizesStatus(t *testing.T) {
	svc, mem := newTestService(t)
	tenant := uuid.New()

	input := tokenInput(uuid.New())
	input.Status = "TIMEOUT"
	if _, err := svc.Ingest(context.Background(), tenant, []EventInput{input}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	events, err := mem.QueryEvents(context.Background(), store.EventFilter{TenantID: tenant})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if events[0].Status != model.StatusError {
		t.Fatalf("status = %q, want error", events[0].Status)
	}
}

func TestIngestDedupeCacheSkipsStore(t *testing.T) {
	svc, mem := newTestService(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	svc.WithDedupe(cache.NewDedupe(client, time.Minute))

	tenant := uuid.New()
	input := tokenInput(uuid.New())

	first, err := svc.Ingest(context.Background(), tenant, []EventInput{input})
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if first.Created != 1 {
		t.Fatalf("created = %d, want 1", first.Created)
	}

	second, err := svc.Ingest(context.Background(), tenant, []EventInput{input})
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if second.Skipped != 1 {
		t.Fatalf("skipped = %d, want 1", second.Skipped)
	}

	events, err := mem.QueryEvents(context.Background(), store.EventFilter{TenantID: tenant})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("stored events = %d, want 1", len(events))
	}
}
