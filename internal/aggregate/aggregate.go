// Package aggregate exposes windowed usage rollups shared across the API
// surfaces: grouped cost breakdowns, daily series, and run summaries.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agentmeter/agentmeter/internal/model"
	"github.com/agentmeter/agentmeter/internal/spantree"
	"github.com/agentmeter/agentmeter/internal/store"
	"github.com/agentmeter/agentmeter/internal/timeutil"
)

var (
	ErrInvalidPeriod   = timeutil.ErrInvalidPeriod
	ErrInvalidGroup    = errors.New("invalid breakdown group")
	ErrInvalidTimezone = errors.New("invalid timezone")
	ErrRunNotFound     = errors.New("run not found")
)

// Group selects the dimension a stats breakdown is keyed on.
type Group string

const (
	GroupProvider Group = "provider"
	GroupModel    Group = "model"
	GroupSection  Group = "section"
	GroupCustomer Group = "customer"
	GroupRun      Group = "run"
)

func validGroup(g Group) bool {
	switch g {
	case GroupProvider, GroupModel, GroupSection, GroupCustomer, GroupRun:
		return true
	}
	return false
}

// Totals describes aggregate call/token/cost counts for a window.
type Totals struct {
	Calls          int64   `json:"calls"`
	Tokens         int64   `json:"tokens"`
	CostUSD        float64 `json:"cost_usd"`
	UntrackedCalls int64   `json:"untracked_calls"`
	ErrorCalls     int64   `json:"error_calls"`
}

// GroupStat is one row of a grouped breakdown.
type GroupStat struct {
	Key               string  `json:"key"`
	TotalCostUSD      float64 `json:"total_cost_usd"`
	CallCount         int64   `json:"call_count"`
	TotalTokens       int64   `json:"total_tokens"`
	AvgLatencyMs      float64 `json:"avg_latency_ms"`
	P50LatencyMs      int64   `json:"p50_latency_ms"`
	P95LatencyMs      int64   `json:"p95_latency_ms"`
	UntrackedCalls    int64   `json:"untracked_calls"`
	PercentageOfTotal float64 `json:"percentage_of_total"`
}

// Summary is a full stats response for one window and grouping.
type Summary struct {
	Period   string      `json:"period"`
	Start    string      `json:"start"`
	End      string      `json:"end"`
	Timezone string      `json:"timezone"`
	Group    Group       `json:"group"`
	Totals   Totals      `json:"totals"`
	Groups   []GroupStat `json:"groups"`
}

// SeriesPoint is a daily time-series datapoint.
type SeriesPoint struct {
	Date    string  `json:"date"`
	Calls   int64   `json:"calls"`
	Tokens  int64   `json:"tokens"`
	CostUSD float64 `json:"cost_usd"`
}

// RunDigest summarizes one run for list views.
type RunDigest struct {
	RunID           string  `json:"run_id"`
	StartedAt       string  `json:"started_at"`
	EndedAt         string  `json:"ended_at"`
	CallCount       int64   `json:"call_count"`
	TotalTokens     int64   `json:"total_tokens"`
	TotalCostUSD    float64 `json:"total_cost_usd"`
	ErrorCalls      int64   `json:"error_calls"`
	DominantSection string  `json:"dominant_section,omitempty"`
}

// RunDetail is the drill-down view of a single run: its digest, the
// reconstructed span hierarchy, and a per-section cost breakdown.
type RunDetail struct {
	Digest   RunDigest        `json:"digest"`
	Tree     []*spantree.Node `json:"tree"`
	Sections []GroupStat      `json:"sections"`
}

// Service exposes aggregation reads over the event store. All queries are
// tenant scoped and read only.
type Service struct {
	events   store.EventStore
	timezone *time.Location
}

func NewService(events store.EventStore, timezone *time.Location) *Service {
	return &Service{events: events, timezone: timezone}
}

func (s *Service) location() *time.Location {
	if s == nil || s.timezone == nil {
		return time.UTC
	}
	return s.timezone
}

func (s *Service) newWindow(period, overrideTZ string) (timeutil.Window, error) {
	loc := s.location()
	if tz := strings.TrimSpace(overrideTZ); tz != "" {
		custom, err := time.LoadLocation(tz)
		if err != nil {
			return timeutil.Window{}, ErrInvalidTimezone
		}
		loc = custom
	}
	return timeutil.NewWindow(period, time.Now().In(loc), loc)
}

// Stats computes a grouped breakdown over the requested window.
// Percentages are computed against the window total after the full sum,
// so rows always add up to the whole even when costs are tiny.
func (s *Service) Stats(ctx context.Context, tenantID uuid.UUID, period string, group Group, overrideTZ string) (Summary, error) {
	if !validGroup(group) {
		return Summary{}, ErrInvalidGroup
	}
	window, err := s.newWindow(period, overrideTZ)
	if err != nil {
		return Summary{}, err
	}

	start, end := window.Bounds()
	events, err := s.events.QueryEvents(ctx, store.EventFilter{
		TenantID: tenantID,
		Start:    start,
		End:      end,
	})
	if err != nil {
		return Summary{}, fmt.Errorf("query events: %w", err)
	}

	summary := Summary{
		Period:   window.Period(),
		Start:    window.StartString(),
		End:      window.EndString(),
		Timezone: window.Timezone(),
		Group:    group,
		Totals:   totalsOf(events),
		Groups:   GroupStats(events, group),
	}
	return summary, nil
}

// DailySeries buckets the window into calendar days in the window's
// location and returns one point per day, including empty days.
func (s *Service) DailySeries(ctx context.Context, tenantID uuid.UUID, period, overrideTZ string) ([]SeriesPoint, error) {
	window, err := s.newWindow(period, overrideTZ)
	if err != nil {
		return nil, err
	}

	start, end := window.Bounds()
	events, err := s.events.QueryEvents(ctx, store.EventFilter{
		TenantID: tenantID,
		Start:    start,
		End:      end,
	})
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	loc := window.Location()
	type bucket struct {
		calls  int64
		tokens int64
		cost   decimal.Decimal
	}
	buckets := make(map[string]*bucket)
	for _, e := range events {
		day := e.CreatedAt.In(loc).Format("2006-01-02")
		b := buckets[day]
		if b == nil {
			b = &bucket{}
			buckets[day] = b
		}
		b.calls++
		b.tokens += e.Quantities.TotalTokens()
		b.cost = b.cost.Add(e.Cost())
	}

	var points []SeriesPoint
	for day := timeutil.TruncateToDay(start, loc); day.Before(end); day = day.AddDate(0, 0, 1) {
		key := day.Format("2006-01-02")
		point := SeriesPoint{Date: key}
		if b := buckets[key]; b != nil {
			point.Calls = b.calls
			point.Tokens = b.tokens
			point.CostUSD = roundUSD(b.cost)
		}
		points = append(points, point)
	}
	return points, nil
}

// LatestRuns returns the most recently active runs in the window, newest
// first.
func (s *Service) LatestRuns(ctx context.Context, tenantID uuid.UUID, period, overrideTZ string, limit int) ([]RunDigest, error) {
	window, err := s.newWindow(period, overrideTZ)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}

	start, end := window.Bounds()
	runIDs, err := s.events.ListRunIDs(ctx, store.EventFilter{
		TenantID: tenantID,
		Start:    start,
		End:      end,
		Limit:    limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	digests := make([]RunDigest, 0, len(runIDs))
	for _, runID := range runIDs {
		events, err := s.events.QueryEvents(ctx, store.EventFilter{
			TenantID: tenantID,
			RunID:    runID,
		})
		if err != nil {
			return nil, fmt.Errorf("query run %s: %w", runID, err)
		}
		if len(events) == 0 {
			continue
		}
		digests = append(digests, digestOf(runID, events))
	}
	return digests, nil
}

// RunDetail loads every event of one run and reconstructs its hierarchy.
func (s *Service) RunDetail(ctx context.Context, tenantID uuid.UUID, runID string) (RunDetail, error) {
	events, err := s.events.QueryEvents(ctx, store.EventFilter{
		TenantID: tenantID,
		RunID:    runID,
	})
	if err != nil {
		return RunDetail{}, fmt.Errorf("query run %s: %w", runID, err)
	}
	if len(events) == 0 {
		return RunDetail{}, ErrRunNotFound
	}

	forest := spantree.BuildForest(events)
	spantree.SortChildren(forest)

	return RunDetail{
		Digest:   digestOf(runID, events),
		Tree:     forest.Roots,
		Sections: GroupStats(events, GroupSection),
	}, nil
}

// GroupStats computes breakdown rows for an already-loaded event slice,
// sorted by total cost descending then key.
func GroupStats(events []model.Event, group Group) []GroupStat {
	type acc struct {
		cost      decimal.Decimal
		calls     int64
		tokens    int64
		untracked int64
		latencies []int64
	}
	accs := make(map[string]*acc)
	total := decimal.Zero

	for _, e := range events {
		key := groupKey(e, group)
		a := accs[key]
		if a == nil {
			a = &acc{}
			accs[key] = a
		}
		cost := e.Cost()
		a.cost = a.cost.Add(cost)
		a.calls++
		a.tokens += e.Quantities.TotalTokens()
		if e.Untracked {
			a.untracked++
		}
		a.latencies = append(a.latencies, e.LatencyMs)
		total = total.Add(cost)
	}

	stats := make([]GroupStat, 0, len(accs))
	for key, a := range accs {
		sort.Slice(a.latencies, func(i, j int) bool { return a.latencies[i] < a.latencies[j] })
		row := GroupStat{
			Key:            key,
			TotalCostUSD:   roundUSD(a.cost),
			CallCount:      a.calls,
			TotalTokens:    a.tokens,
			UntrackedCalls: a.untracked,
			P50LatencyMs:   Percentile(a.latencies, 0.50),
			P95LatencyMs:   Percentile(a.latencies, 0.95),
		}
		var sum int64
		for _, l := range a.latencies {
			sum += l
		}
		if a.calls > 0 {
			row.AvgLatencyMs = float64(sum) / float64(a.calls)
		}
		if total.IsPositive() {
			pct, _ := a.cost.Div(total).Mul(decimal.NewFromInt(100)).Round(2).Float64()
			row.PercentageOfTotal = pct
		}
		stats = append(stats, row)
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].TotalCostUSD != stats[j].TotalCostUSD {
			return stats[i].TotalCostUSD > stats[j].TotalCostUSD
		}
		return stats[i].Key < stats[j].Key
	})
	return stats
}

// Percentile returns the value at index floor(n*p) of a sorted slice,
// clamped to the last element. Empty input yields zero.
func Percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func groupKey(e model.Event, group Group) string {
	switch group {
	case GroupProvider:
		return strings.ToLower(e.Provider)
	case GroupModel:
		return e.Model
	case GroupSection:
		if e.Section == "" {
			return "(none)"
		}
		return e.Section
	case GroupCustomer:
		if e.CustomerID == "" {
			return "(none)"
		}
		return e.CustomerID
	case GroupRun:
		return e.RunID
	}
	return ""
}

func totalsOf(events []model.Event) Totals {
	var t Totals
	cost := decimal.Zero
	for _, e := range events {
		t.Calls++
		t.Tokens += e.Quantities.TotalTokens()
		cost = cost.Add(e.Cost())
		if e.Untracked {
			t.UntrackedCalls++
		}
		if e.Status == model.StatusError {
			t.ErrorCalls++
		}
	}
	t.CostUSD = roundUSD(cost)
	return t
}

func digestOf(runID string, events []model.Event) RunDigest {
	digest := RunDigest{RunID: runID}
	cost := decimal.Zero
	sections := make(map[string]decimal.Decimal)
	var started, ended time.Time

	for _, e := range events {
		if started.IsZero() || e.CreatedAt.Before(started) {
			started = e.CreatedAt
		}
		if e.CreatedAt.After(ended) {
			ended = e.CreatedAt
		}
		digest.CallCount++
		digest.TotalTokens += e.Quantities.TotalTokens()
		if e.Status == model.StatusError {
			digest.ErrorCalls++
		}
		c := e.Cost()
		cost = cost.Add(c)
		if e.Section != "" {
			sections[e.Section] = sections[e.Section].Add(c)
		}
	}

	digest.TotalCostUSD = roundUSD(cost)
	digest.StartedAt = started.UTC().Format(time.RFC3339)
	digest.EndedAt = ended.UTC().Format(time.RFC3339)

	best := decimal.Zero
	var keys []string
	for k := range sections {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if sections[k].GreaterThan(best) {
			best = sections[k]
			digest.DominantSection = k
		}
	}
	return digest
}

func roundUSD(d decimal.Decimal) float64 {
	f, _ := d.Round(6).Float64()
	return f
}
