package caps

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agentmeter/agentmeter/internal/model"
	"github.com/agentmeter/agentmeter/internal/store"
	"github.com/agentmeter/agentmeter/internal/timeutil"
)

type recordingSink struct {
	payloads []AlertPayload
}

func (s *recordingSink) Notify(_ context.Context, payload AlertPayload) error {
	s.payloads = append(s.payloads, payload)
	return nil
}

func newTestCap(tenantID uuid.UUID, enforcement model.Enforcement) *model.Cap {
	c := &model.Cap{
		ID:             uuid.New(),
		TenantID:       tenantID,
		Type:           model.CapGlobal,
		LimitUSD:       10.0,
		Period:         timeutil.CapPeriodMonthly,
		AlertThreshold: 0.8,
		Enforcement:    enforcement,
		Enabled:        true,
	}
	if err := c.Validate(); err != nil {
		panic(err)
	}
	return c
}

func seedSpend(t *testing.T, mem *store.Memory, tenantID uuid.UUID, provider string, cost float64) {
	t.Helper()
	e := &model.Event{
		ID:        uuid.New(),
		RunID:     "run-spend",
		SpanID:    uuid.NewString(),
		Provider:  provider,
		TenantID:  tenantID,
		CostUSD:   cost,
		Status:    model.StatusOK,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := mem.InsertEvent(context.Background(), e); err != nil {
		t.Fatalf("seed spend: %v", err)
	}
}

func TestEvaluateSoftCapAlertsButAllows(t *testing.T) {
	mem := store.NewMemory()
	tenant := uuid.New()
	sink := &recordingSink{}
	ev := NewEvaluator(mem, sink, slog.Default())

	seedSpend(t, mem, tenant, "openai", 9.50)
	c := newTestCap(tenant, model.EnforcementAlert)

	decision, err := ev.Evaluate(context.Background(), c, decimal.NewFromFloat(1.0))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Outcome != OutcomeAllowAlert {
		t.Fatalf("outcome = %s, want allow_alert", decision.Outcome)
	}
	if !decision.AlertFired {
		t.Fatal("expected alert to fire on first crossing")
	}
	if decision.CurrentSpend != 9.50 {
		t.Fatalf("current spend = %v, want 9.50 (proposed must not count)", decision.CurrentSpend)
	}
	if len(sink.payloads) != 1 {
		t.Fatalf("sink notified %d times, want 1", len(sink.payloads))
	}
}

func TestEvaluateHardCapBlocks(t *testing.T) {
	mem := store.NewMemory()
	tenant := uuid.New()
	ev := NewEvaluator(mem, &recordingSink{}, slog.Default())

	seedSpend(t, mem, tenant, "openai", 9.50)
	c := newTestCap(tenant, model.EnforcementHardBlock)

	decision, err := ev.Evaluate(context.Background(), c, decimal.NewFromFloat(1.0))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Outcome != OutcomeBlock {
		t.Fatalf("outcome = %s, want block", decision.Outcome)
	}
	if !Blocked([]Decision{decision}) {
		t.Fatal("Blocked should report the block")
	}
}

func TestEvaluateUnderThresholdAllows(t *testing.T) {
	mem := store.NewMemory()
	tenant := uuid.New()
	sink := &recordingSink{}
	ev := NewEvaluator(mem, sink, slog.Default())

	seedSpend(t, mem, tenant, "openai", 2.00)
	c := newTestCap(tenant, model.EnforcementHardBlock)

	decision, err := ev.Evaluate(context.Background(), c, decimal.NewFromFloat(1.0))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Outcome != OutcomeAllow || decision.AlertFired {
		t.Fatalf("unexpected decision %+v", decision)
	}
	if len(sink.payloads) != 0 {
		t.Fatalf("sink notified %d times, want 0", len(sink.payloads))
	}
}

func TestAlertFiresOncePerPeriod(t *testing.T) {
	mem := store.NewMemory()
	tenant := uuid.New()
	sink := &recordingSink{}
	ev := NewEvaluator(mem, sink, slog.Default())

	seedSpend(t, mem, tenant, "openai", 9.00)
	c := newTestCap(tenant, model.EnforcementAlert)

	first, err := ev.Evaluate(context.Background(), c, decimal.NewFromFloat(0.5))
	if err != nil {
		t.Fatalf("first evaluate: %v", err)
	}
	if first.Outcome != OutcomeAllowAlert || !first.AlertFired {
		t.Fatalf("first decision %+v", first)
	}

	second, err := ev.Evaluate(context.Background(), c, decimal.NewFromFloat(0.5))
	if err != nil {
		t.Fatalf("second evaluate: %v", err)
	}
	if second.AlertFired {
		t.Fatal("alert re-fired within the same period")
	}
	if second.Outcome != OutcomeAllow {
		t.Fatalf("second outcome = %s, want allow", second.Outcome)
	}
	if len(sink.payloads) != 1 {
		t.Fatalf("sink notified %d times, want 1", len(sink.payloads))
	}

	// A new period starts the dedupe over.
	ev.now = func() time.Time { return time.Now().UTC().AddDate(0, 1, 0) }
	third, err := ev.Evaluate(context.Background(), c, decimal.NewFromFloat(20.0))
	if err != nil {
		t.Fatalf("third evaluate: %v", err)
	}
	if !third.AlertFired {
		t.Fatal("new period should fire a fresh alert")
	}
}

func TestEvaluateEventMatchesCapScope(t *testing.T) {
	mem := store.NewMemory()
	tenant := uuid.New()
	ev := NewEvaluator(mem, &recordingSink{}, slog.Default())

	providerCap := &model.Cap{
		ID:             uuid.New(),
		TenantID:       tenant,
		Type:           model.CapProvider,
		TargetName:     "openai",
		LimitUSD:       10.0,
		AlertThreshold: 0.8,
		Enforcement:    model.EnforcementHardBlock,
		Enabled:        true,
	}
	if err := providerCap.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := mem.CreateCap(context.Background(), providerCap); err != nil {
		t.Fatalf("create cap: %v", err)
	}

	seedSpend(t, mem, tenant, "openai", 9.90)
	seedSpend(t, mem, tenant, "anthropic", 50.0)

	openaiEvent := &model.Event{
		ID:        uuid.New(),
		RunID:     "run-1",
		SpanID:    "s1",
		Provider:  "OpenAI",
		TenantID:  tenant,
		CostUSD:   0.5,
		CreatedAt: time.Now().UTC(),
	}
	decisions, err := ev.EvaluateEvent(context.Background(), openaiEvent)
	if err != nil {
		t.Fatalf("evaluate event: %v", err)
	}
	if len(decisions) != 1 || decisions[0].Outcome != OutcomeBlock {
		t.Fatalf("unexpected decisions %+v", decisions)
	}
	if decisions[0].CurrentSpend != 9.90 {
		t.Fatalf("provider cap counted foreign spend: %v", decisions[0].CurrentSpend)
	}

	anthropicEvent := &model.Event{
		ID:        uuid.New(),
		RunID:     "run-1",
		SpanID:    "s2",
		Provider:  "anthropic",
		TenantID:  tenant,
		CostUSD:   0.5,
		CreatedAt: time.Now().UTC(),
	}
	decisions, err = ev.EvaluateEvent(context.Background(), anthropicEvent)
	if err != nil {
		t.Fatalf("evaluate event: %v", err)
	}
	if len(decisions) != 0 {
		t.Fatalf("provider cap matched wrong provider: %+v", decisions)
	}
}

func TestDisabledCapIsIgnored(t *testing.T) {
	mem := store.NewMemory()
	tenant := uuid.New()
	ev := NewEvaluator(mem, &recordingSink{}, slog.Default())

	c := newTestCap(tenant, model.EnforcementHardBlock)
	c.Enabled = false
	if err := mem.CreateCap(context.Background(), c); err != nil {
		t.Fatalf("create cap: %v", err)
	}
	seedSpend(t, mem, tenant, "openai", 100.0)

	e := &model.Event{
		ID:        uuid.New(),
		RunID:     "run-1",
		SpanID:    "s1",
		Provider:  "openai",
		TenantID:  tenant,
		CostUSD:   1.0,
		CreatedAt: time.Now().UTC(),
	}
	decisions, err := ev.EvaluateEvent(context.Background(), e)
	if err != nil {
		t.Fatalf("evaluate event: %v", err)
	}
	if len(decisions) != 0 {
		t.Fatalf("disabled cap evaluated: %+v", decisions)
	}
}
