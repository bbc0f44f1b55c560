// Package insights derives anomaly findings from recent usage: section
// spend spikes, prompt token bloat, retry loops, and model overkill. All
// detectors are read-only and independent; a finding is advice, never an
// enforcement decision.
package insights

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agentmeter/agentmeter/internal/aggregate"
	"github.com/agentmeter/agentmeter/internal/model"
	"github.com/agentmeter/agentmeter/internal/store"
)

// Kind identifies a detector.
type Kind string

const (
	KindSectionSpike      Kind = "section_spike"
	KindTokenBloat        Kind = "token_bloat"
	KindRetryLoop         Kind = "retry_loop"
	KindModelInefficiency Kind = "model_inefficiency"
)

// Insight is one typed finding with the values that triggered it.
type Insight struct {
	Kind     Kind    `json:"kind"`
	Subject  string  `json:"subject"`
	Message  string  `json:"message"`
	Current  float64 `json:"current"`
	Baseline float64 `json:"baseline"`
	Ratio    float64 `json:"ratio"`
}

// Options tunes detector thresholds. The zero value gets defaults.
type Options struct {
	SpikeFactor     float64
	BloatFactor     float64
	MinRetryCalls   int64
	CheapCostFactor float64
}

func (o Options) withDefaults() Options {
	if o.SpikeFactor <= 0 {
		o.SpikeFactor = 2.0
	}
	if o.BloatFactor <= 0 {
		o.BloatFactor = 1.5
	}
	if o.MinRetryCalls <= 0 {
		o.MinRetryCalls = 3
	}
	if o.CheapCostFactor <= 0 {
		o.CheapCostFactor = 0.5
	}
	return o
}

// Detector runs all findings for a tenant over a recent 24h window against
// a trailing 7-day baseline that ends where the recent window begins.
type Detector struct {
	events store.EventStore
	opts   Options
	now    func() time.Time
}

func NewDetector(events store.EventStore, opts Options) *Detector {
	return &Detector{events: events, opts: opts.withDefaults(), now: time.Now}
}

// Detect loads both windows once and evaluates every detector over the
// shared slices.
func (d *Detector) Detect(ctx context.Context, tenantID uuid.UUID) ([]Insight, error) {
	now := d.now().UTC()
	recentStart := now.Add(-24 * time.Hour)
	baselineStart := recentStart.Add(-7 * 24 * time.Hour)

	recent, err := d.events.QueryEvents(ctx, store.EventFilter{
		TenantID: tenantID,
		Start:    recentStart,
		End:      now,
	})
	if err != nil {
		return nil, fmt.Errorf("query recent window: %w", err)
	}
	baseline, err := d.events.QueryEvents(ctx, store.EventFilter{
		TenantID: tenantID,
		Start:    baselineStart,
		End:      recentStart,
	})
	if err != nil {
		return nil, fmt.Errorf("query baseline window: %w", err)
	}

	var findings []Insight
	findings = append(findings, SectionSpikes(recent, baseline, d.opts)...)
	findings = append(findings, TokenBloat(recent, baseline, d.opts)...)
	findings = append(findings, RetryLoops(recent, baseline, d.opts)...)
	findings = append(findings, ModelInefficiencies(recent, baseline, d.opts)...)

	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Kind != findings[j].Kind {
			return findings[i].Kind < findings[j].Kind
		}
		return findings[i].Subject < findings[j].Subject
	})
	return findings, nil
}

// SectionSpikes flags sections whose recent spend exceeds the baseline
// daily average by the spike factor. Sections with no baseline history are
// skipped; there is nothing meaningful to compare a first day against.
func SectionSpikes(recent, baseline []model.Event, opts Options) []Insight {
	opts = opts.withDefaults()
	recentSpend := sectionSpend(recent)
	baselineSpend := sectionSpend(baseline)

	var findings []Insight
	for section, spend := range recentSpend {
		base, ok := baselineSpend[section]
		if !ok || !base.IsPositive() {
			continue
		}
		dailyAvg, _ := base.Div(decimal.NewFromInt(7)).Float64()
		current, _ := spend.Float64()
		if dailyAvg <= 0 || current <= dailyAvg*opts.SpikeFactor {
			continue
		}
		findings = append(findings, Insight{
			Kind:     KindSectionSpike,
			Subject:  section,
			Message:  fmt.Sprintf("section %q spent $%.4f in the last 24h, %.1fx its daily average of $%.4f", section, current, current/dailyAvg, dailyAvg),
			Current:  current,
			Baseline: dailyAvg,
			Ratio:    current / dailyAvg,
		})
	}
	return findings
}

// TokenBloat flags providers/models whose average input tokens per call
// grew past the bloat factor, a sign of an unbounded prompt or context.
func TokenBloat(recent, baseline []model.Event, opts Options) []Insight {
	opts = opts.withDefaults()
	recentAvg := avgInputTokens(recent)
	baselineAvg := avgInputTokens(baseline)

	var findings []Insight
	for key, current := range recentAvg {
		base, ok := baselineAvg[key]
		if !ok || base <= 0 {
			continue
		}
		if current <= base*opts.BloatFactor {
			continue
		}
		findings = append(findings, Insight{
			Kind:     KindTokenBloat,
			Subject:  key,
			Message:  fmt.Sprintf("%s now averages %.0f input tokens per call against a baseline of %.0f", key, current, base),
			Current:  current,
			Baseline: base,
			Ratio:    current / base,
		})
	}
	return findings
}

// RetryLoops flags runs that hit one (provider, endpoint) pair far more
// often than baseline runs do. The bar is the p95 of per-run call counts
// across baseline runs, with an absolute floor to keep small runs quiet.
func RetryLoops(recent, baseline []model.Event, opts Options) []Insight {
	opts = opts.withDefaults()

	baselineCounts := perRunTargetCounts(baseline)
	var sample []int64
	for _, counts := range baselineCounts {
		for _, n := range counts {
			sample = append(sample, n)
		}
	}
	if len(sample) == 0 {
		return nil
	}
	sort.Slice(sample, func(i, j int) bool { return sample[i] < sample[j] })
	bar := aggregate.Percentile(sample, 0.95)
	if bar < opts.MinRetryCalls {
		bar = opts.MinRetryCalls
	}

	var findings []Insight
	for runID, counts := range perRunTargetCounts(recent) {
		for target, n := range counts {
			if n <= bar {
				continue
			}
			findings = append(findings, Insight{
				Kind:     KindRetryLoop,
				Subject:  runID,
				Message:  fmt.Sprintf("run %s called %s %d times; baseline p95 is %d calls per run", runID, target, n, bar),
				Current:  float64(n),
				Baseline: float64(bar),
				Ratio:    float64(n) / float64(bar),
			})
		}
	}
	return findings
}

// ModelInefficiencies flags recent use of a model when a cheaper model of
// the same family historically produced comparable output volume. This is
// a heuristic: family is the leading name segment, comparable means the
// cheaper sibling's average output tokens reach 80% of the expensive
// model's, and cheaper means average cost per call below the cheap cost
// factor.
func ModelInefficiencies(recent, baseline []model.Event, opts Options) []Insight {
	opts = opts.withDefaults()

	type modelProfile struct {
		costPerCall  float64
		avgOutTokens float64
		calls        int64
	}
	profile := func(events []model.Event) map[string]modelProfile {
		type acc struct {
			cost   decimal.Decimal
			tokens int64
			calls  int64
		}
		accs := make(map[string]*acc)
		for _, e := range events {
			if e.Model == "" {
				continue
			}
			a := accs[e.Model]
			if a == nil {
				a = &acc{}
				accs[e.Model] = a
			}
			a.cost = a.cost.Add(e.Cost())
			a.tokens += e.Quantities.OutputTokens
			a.calls++
		}
		out := make(map[string]modelProfile, len(accs))
		for name, a := range accs {
			cost, _ := a.cost.Float64()
			out[name] = modelProfile{
				costPerCall:  cost / float64(a.calls),
				avgOutTokens: float64(a.tokens) / float64(a.calls),
				calls:        a.calls,
			}
		}
		return out
	}

	recentProfiles := profile(recent)
	baselineProfiles := profile(baseline)

	var findings []Insight
	for name, rp := range recentProfiles {
		if rp.costPerCall <= 0 {
			continue
		}
		for sibling, bp := range baselineProfiles {
			if sibling == name || modelFamily(sibling) != modelFamily(name) {
				continue
			}
			if bp.costPerCall <= 0 || bp.costPerCall >= rp.costPerCall*opts.CheapCostFactor {
				continue
			}
			if bp.avgOutTokens < rp.avgOutTokens*0.8 {
				continue
			}
			findings = append(findings, Insight{
				Kind:     KindModelInefficiency,
				Subject:  name,
				Message:  fmt.Sprintf("%s costs $%.4f per call while %s historically produced comparable output at $%.4f", name, rp.costPerCall, sibling, bp.costPerCall),
				Current:  rp.costPerCall,
				Baseline: bp.costPerCall,
				Ratio:    rp.costPerCall / bp.costPerCall,
			})
			break
		}
	}
	return findings
}

func sectionSpend(events []model.Event) map[string]decimal.Decimal {
	spend := make(map[string]decimal.Decimal)
	for _, e := range events {
		if e.Section == "" {
			continue
		}
		spend[e.Section] = spend[e.Section].Add(e.Cost())
	}
	return spend
}

func avgInputTokens(events []model.Event) map[string]float64 {
	type acc struct {
		tokens int64
		calls  int64
	}
	accs := make(map[string]*acc)
	for _, e := range events {
		if e.Quantities.InputTokens <= 0 {
			continue
		}
		key := strings.ToLower(e.Provider)
		if e.Model != "" {
			key += "/" + e.Model
		}
		a := accs[key]
		if a == nil {
			a = &acc{}
			accs[key] = a
		}
		a.tokens += e.Quantities.InputTokens
		a.calls++
	}
	out := make(map[string]float64, len(accs))
	for key, a := range accs {
		out[key] = float64(a.tokens) / float64(a.calls)
	}
	return out
}

func perRunTargetCounts(events []model.Event) map[string]map[string]int64 {
	counts := make(map[string]map[string]int64)
	for _, e := range events {
		target := strings.ToLower(e.Provider)
		if e.Endpoint != "" {
			target += " " + e.Endpoint
		}
		perRun := counts[e.RunID]
		if perRun == nil {
			perRun = make(map[string]int64)
			counts[e.RunID] = perRun
		}
		perRun[target]++
	}
	return counts
}

// modelFamily is the leading name segment before the first dash, lowered.
// "gpt-4o" and "gpt-4o-mini" share a family; so do the claude variants.
func modelFamily(name string) string {
	name = strings.ToLower(name)
	if i := strings.IndexByte(name, '-'); i > 0 {
		return name[:i]
	}
	return name
}
