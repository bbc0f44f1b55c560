package aggregate

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/agentmeter/agentmeter/internal/model"
	"github.com/agentmeter/agentmeter/internal/store"
)

func seedEvent(tenantID uuid.UUID, runID, spanID, section, provider, mdl string, cost float64, latency int64, at time.Time) model.Event {
	return model.Event{
		ID:        uuid.New(),
		RunID:     runID,
		SpanID:    spanID,
		Section:   section,
		Provider:  provider,
		Model:     mdl,
		CostUSD:   cost,
		LatencyMs: latency,
		Status:    model.StatusOK,
		TenantID:  tenantID,
		CreatedAt: at,
	}
}

func mustInsert(t *testing.T, mem *store.Memory, events ...model.Event) {
	t.Helper()
	for _, e := range events {
		if _, err := mem.InsertEvent(context.Background(), &e); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
}

func TestStatsGroupedBySection(t *testing.T) {
	mem := store.NewMemory()
	tenant := uuid.New()
	now := time.Now().UTC()

	mustInsert(t, mem,
		seedEvent(tenant, "run-1", "s1", "research", "openai", "gpt-4o", 3.0, 100, now.Add(-time.Hour)),
		seedEvent(tenant, "run-1", "s2", "research", "openai", "gpt-4o", 1.0, 300, now.Add(-time.Hour)),
		seedEvent(tenant, "run-1", "s3", "summarize", "anthropic", "claude", 1.0, 200, now.Add(-time.Hour)),
	)

	svc := NewService(mem, time.UTC)
	summary, err := svc.Stats(context.Background(), tenant, "24h", GroupSection, "")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}

	if summary.Totals.Calls != 3 {
		t.Fatalf("calls = %d, want 3", summary.Totals.Calls)
	}
	if len(summary.Groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(summary.Groups))
	}

	top := summary.Groups[0]
	if top.Key != "research" || top.TotalCostUSD != 4.0 || top.CallCount != 2 {
		t.Fatalf("unexpected top group %+v", top)
	}
	if top.PercentageOfTotal != 80.0 {
		t.Fatalf("percentage = %v, want 80", top.PercentageOfTotal)
	}

	var pctSum float64
	for _, g := range summary.Groups {
		pctSum += g.PercentageOfTotal
	}
	if math.Abs(pctSum-100.0) > 0.01 {
		t.Fatalf("percentages sum to %v", pctSum)
	}
}

func TestStatsZeroCostWindowHasZeroPercentages(t *testing.T) {
	mem := store.NewMemory()
	tenant := uuid.New()
	now := time.Now().UTC()

	mustInsert(t, mem,
		seedEvent(tenant, "run-1", "s1", "a", "internal", "", 0, 10, now.Add(-time.Minute)),
		seedEvent(tenant, "run-1", "s2", "b", "internal", "", 0, 20, now.Add(-time.Minute)),
	)

	svc := NewService(mem, time.UTC)
	summary, err := svc.Stats(context.Background(), tenant, "24h", GroupSection, "")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	for _, g := range summary.Groups {
		if g.PercentageOfTotal != 0 {
			t.Fatalf("zero-cost window produced percentage %v", g.PercentageOfTotal)
		}
	}
}

func TestStatsRejectsBadInput(t *testing.T) {
	svc := NewService(store.NewMemory(), time.UTC)

	if _, err := svc.Stats(context.Background(), uuid.New(), "24h", Group("bogus"), ""); err != ErrInvalidGroup {
		t.Fatalf("group err = %v", err)
	}
	if _, err := svc.Stats(context.Background(), uuid.New(), "forever", GroupModel, ""); err != ErrInvalidPeriod {
		t.Fatalf("period err = %v", err)
	}
	if _, err := svc.Stats(context.Background(), uuid.New(), "24h", GroupModel, "Mars/Olympus"); err != ErrInvalidTimezone {
		t.Fatalf("timezone err = %v", err)
	}
}

func TestPercentile(t *testing.T) {
	sorted := []int64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}

	if got := Percentile(sorted, 0.50); got != 60 {
		t.Fatalf("p50 = %d, want 60", got)
	}
	if got := Percentile(sorted, 0.95); got != 100 {
		t.Fatalf("p95 = %d, want 100", got)
	}
	if got := Percentile(sorted, 1.0); got != 100 {
		t.Fatalf("p100 = %d, want clamp to 100", got)
	}
	if got := Percentile(nil, 0.95); got != 0 {
		t.Fatalf("empty = %d, want 0", got)
	}
	if got := Percentile([]int64{42}, 0.95); got != 42 {
		t.Fatalf("single = %d, want 42", got)
	}
}

func TestLatestRunsNewestFirst(t *testing.T) {
	mem := store.NewMemory()
	tenant := uuid.New()
	now := time.Now().UTC()

	mustInsert(t, mem,
		seedEvent(tenant, "run-old", "s1", "plan", "openai", "gpt-4o", 1.0, 50, now.Add(-3*time.Hour)),
		seedEvent(tenant, "run-new", "s2", "plan", "openai", "gpt-4o", 2.0, 50, now.Add(-time.Hour)),
		seedEvent(tenant, "run-new", "s3", "write", "openai", "gpt-4o", 5.0, 50, now.Add(-30*time.Minute)),
	)

	svc := NewService(mem, time.UTC)
	runs, err := svc.LatestRuns(context.Background(), tenant, "24h", "", 10)
	if err != nil {
		t.Fatalf("latest runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs = %d, want 2", len(runs))
	}
	if runs[0].RunID != "run-new" {
		t.Fatalf("first run = %q, want run-new", runs[0].RunID)
	}
	if runs[0].TotalCostUSD != 7.0 || runs[0].CallCount != 2 {
		t.Fatalf("unexpected digest %+v", runs[0])
	}
	if runs[0].DominantSection != "write" {
		t.Fatalf("dominant section = %q, want write", runs[0].DominantSection)
	}
}

func TestRunDetailBuildsTree(t *testing.T) {
	mem := store.NewMemory()
	tenant := uuid.New()
	now := time.Now().UTC()

	root := seedEvent(tenant, "run-1", "root", "agent", "openai", "gpt-4o", 1.0, 50, now.Add(-time.Hour))
	child := seedEvent(tenant, "run-1", "child", "tool", "serpapi", "", 0.5, 20, now.Add(-59*time.Minute))
	child.ParentSpanID = "root"
	mustInsert(t, mem, root, child)

	svc := NewService(mem, time.UTC)
	detail, err := svc.RunDetail(context.Background(), tenant, "run-1")
	if err != nil {
		t.Fatalf("run detail: %v", err)
	}
	if len(detail.Tree) != 1 {
		t.Fatalf("roots = %d, want 1", len(detail.Tree))
	}
	if len(detail.Tree[0].Children) != 1 || detail.Tree[0].Children[0].Event.SpanID != "child" {
		t.Fatalf("child not attached: %+v", detail.Tree[0].Children)
	}
	if detail.Digest.TotalCostUSD != 1.5 {
		t.Fatalf("run cost = %v, want 1.5", detail.Digest.TotalCostUSD)
	}

	if _, err := svc.RunDetail(context.Background(), tenant, "no-such-run"); err != ErrRunNotFound {
		t.Fatalf("missing run err = %v", err)
	}
}

func TestDailySeriesIncludesEmptyDays(t *testing.T) {
	mem := store.NewMemory()
	tenant := uuid.New()
	now := time.Now().UTC()

	mustInsert(t, mem,
		seedEvent(tenant, "run-1", "s1", "plan", "openai", "gpt-4o", 2.5, 50, now.Add(-48*time.Hour)),
		seedEvent(tenant, "run-2", "s2", "plan", "openai", "gpt-4o", 1.5, 50, now.Add(-time.Hour)),
	)

	svc := NewService(mem, time.UTC)
	points, err := svc.DailySeries(context.Background(), tenant, "7d", "")
	if err != nil {
		t.Fatalf("daily series: %v", err)
	}
	if len(points) < 7 {
		t.Fatalf("points = %d, want at least 7", len(points))
	}

	var withCalls int
	var cost float64
	for _, p := range points {
		if p.Calls > 0 {
			withCalls++
		}
		cost += p.CostUSD
	}
	if withCalls != 2 {
		t.Fatalf("days with calls = %d, want 2", withCalls)
	}
	if math.Abs(cost-4.0) > 1e-9 {
		t.Fatalf("total series cost = %v, want 4.0", cost)
	}
}
