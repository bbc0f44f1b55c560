package insights

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/agentmeter/agentmeter/internal/model"
	"github.com/agentmeter/agentmeter/internal/store"
)

func usageEvent(runID, section, provider, endpoint, mdl string, cost float64, inTokens, outTokens int64) model.Event {
	return model.Event{
		ID:       uuid.New(),
		RunID:    runID,
		SpanID:   uuid.NewString(),
		Section:  section,
		Provider: provider,
		Endpoint: endpoint,
		Model:    mdl,
		CostUSD:  cost,
		Quantities: model.Quantities{
			InputTokens:  inTokens,
			OutputTokens: outTokens,
		},
		Status:    model.StatusOK,
		TenantID:  uuid.New(),
		CreatedAt: time.Now().UTC(),
	}
}

func repeat(n int, f func(i int) model.Event) []model.Event {
	out := make([]model.Event, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, f(i))
	}
	return out
}

func TestSectionSpikes(t *testing.T) {
	// Baseline: $7 over 7 days, $1/day average. Recent day: $5.
	baseline := repeat(7, func(i int) model.Event {
		return usageEvent("base", "research", "openai", "", "gpt-4o", 1.0, 100, 50)
	})
	recent := []model.Event{
		usageEvent("today", "research", "openai", "", "gpt-4o", 5.0, 100, 50),
	}

	findings := SectionSpikes(recent, baseline, Options{})
	if len(findings) != 1 {
		t.Fatalf("findings = %d, want 1", len(findings))
	}
	f := findings[0]
	if f.Kind != KindSectionSpike || f.Subject != "research" {
		t.Fatalf("unexpected finding %+v", f)
	}
	if f.Ratio != 5.0 {
		t.Fatalf("ratio = %v, want 5", f.Ratio)
	}
}

func TestSectionSpikesQuietWithoutBaseline(t *testing.T) {
	recent := []model.Event{
		usageEvent("today", "brand-new", "openai", "", "gpt-4o", 50.0, 100, 50),
	}
	if findings := SectionSpikes(recent, nil, Options{}); len(findings) != 0 {
		t.Fatalf("expected no findings without history, got %+v", findings)
	}
}

func TestSectionSpikesBelowFactor(t *testing.T) {
	baseline := repeat(7, func(i int) model.Event {
		return usageEvent("base", "research", "openai", "", "gpt-4o", 1.0, 100, 50)
	})
	recent := []model.Event{
		usageEvent("today", "research", "openai", "", "gpt-4o", 1.9, 100, 50),
	}
	if findings := SectionSpikes(recent, baseline, Options{}); len(findings) != 0 {
		t.Fatalf("1.9x should not trip a 2x detector: %+v", findings)
	}
}

func TestTokenBloat(t *testing.T) {
	baseline := repeat(10, func(i int) model.Event {
		return usageEvent("base", "chat", "openai", "", "gpt-4o", 0.01, 1000, 200)
	})
	recent := repeat(3, func(i int) model.Event {
		return usageEvent("today", "chat", "openai", "", "gpt-4o", 0.05, 2000, 200)
	})

	findings := TokenBloat(recent, baseline, Options{})
	if len(findings) != 1 {
		t.Fatalf("findings = %d, want 1", len(findings))
	}
	f := findings[0]
	if f.Subject != "openai/gpt-4o" || f.Current != 2000 || f.Baseline != 1000 {
		t.Fatalf("unexpected finding %+v", f)
	}
}

func TestRetryLoops(t *testing.T) {
	// Baseline runs call the search endpoint once or twice each.
	var baseline []model.Event
	for run := 0; run < 10; run++ {
		runID := uuid.NewString()
		baseline = append(baseline, usageEvent(runID, "tool", "serpapi", "/search", "", 0.01, 0, 0))
		if run%2 == 0 {
			baseline = append(baseline, usageEvent(runID, "tool", "serpapi", "/search", "", 0.01, 0, 0))
		}
	}

	looping := repeat(12, func(i int) model.Event {
		return usageEvent("run-loop", "tool", "serpapi", "/search", "", 0.01, 0, 0)
	})
	quiet := []model.Event{
		usageEvent("run-quiet", "tool", "serpapi", "/search", "", 0.01, 0, 0),
	}
	recent := append(looping, quiet...)

	findings := RetryLoops(recent, baseline, Options{})
	if len(findings) != 1 {
		t.Fatalf("findings = %d, want 1: %+v", len(findings), findings)
	}
	if findings[0].Subject != "run-loop" || findings[0].Current != 12 {
		t.Fatalf("unexpected finding %+v", findings[0])
	}
}

func TestRetryLoopsQuietWithoutBaseline(t *testing.T) {
	recent := repeat(50, func(i int) model.Event {
		return usageEvent("run-loop", "tool", "serpapi", "/search", "", 0.01, 0, 0)
	})
	if findings := RetryLoops(recent, nil, Options{}); len(findings) != 0 {
		t.Fatalf("expected no findings without baseline, got %+v", findings)
	}
}

func TestModelInefficiencies(t *testing.T) {
	// Historically gpt-4o-mini produced the same output volume at a tenth
	// of the cost per call.
	baseline := repeat(20, func(i int) model.Event {
		return usageEvent("base", "chat", "openai", "", "gpt-4o-mini", 0.002, 500, 400)
	})
	recent := repeat(5, func(i int) model.Event {
		return usageEvent("today", "chat", "openai", "", "gpt-4o", 0.02, 500, 400)
	})

	findings := ModelInefficiencies(recent, baseline, Options{})
	if len(findings) != 1 {
		t.Fatalf("findings = %d, want 1: %+v", len(findings), findings)
	}
	f := findings[0]
	if f.Kind != KindModelInefficiency || f.Subject != "gpt-4o" {
		t.Fatalf("unexpected finding %+v", f)
	}
}

func TestModelInefficienciesIgnoresOtherFamilies(t *testing.T) {
	baseline := repeat(20, func(i int) model.Event {
		return usageEvent("base", "chat", "anthropic", "", "claude-haiku", 0.002, 500, 400)
	})
	recent := repeat(5, func(i int) model.Event {
		return usageEvent("today", "chat", "openai", "", "gpt-4o", 0.02, 500, 400)
	})
	if findings := ModelInefficiencies(recent, baseline, Options{}); len(findings) != 0 {
		t.Fatalf("cross-family comparison fired: %+v", findings)
	}
}

func TestDetectorQueriesBothWindows(t *testing.T) {
	mem := store.NewMemory()
	tenant := uuid.New()
	now := time.Now().UTC()

	insert := func(e model.Event, at time.Time) {
		e.TenantID = tenant
		e.CreatedAt = at
		if _, err := mem.InsertEvent(context.Background(), &e); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	for day := 1; day <= 7; day++ {
		insert(usageEvent("base", "research", "openai", "", "gpt-4o", 1.0, 100, 50),
			now.Add(-time.Duration(day)*26*time.Hour))
	}
	insert(usageEvent("today", "research", "openai", "", "gpt-4o", 6.0, 100, 50),
		now.Add(-time.Hour))

	d := NewDetector(mem, Options{})
	findings, err := d.Detect(context.Background(), tenant)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}

	var spikes int
	for _, f := range findings {
		if f.Kind == KindSectionSpike {
			spikes++
		}
	}
	if spikes != 1 {
		t.Fatalf("spike findings = %d, want 1: %+v", spikes, findings)
	}
}
