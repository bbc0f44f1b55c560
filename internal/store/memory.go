package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	decimal "github.com/shopspring/decimal"

	"github.com/agentmeter/agentmeter/internal/model"
	"github.com/agentmeter/agentmeter/internal/pricing"
)

// Memory is the in-process store. The id index and event log share one
// mutex, which makes the dedupe check-and-insert a single atomic step, and
// reads copy matching rows out under the read lock so queries always see a
// consistent snapshot while ingestion keeps running.
type Memory struct {
	mu      sync.RWMutex
	events  []model.Event
	byID    map[uuid.UUID]int
	caps    map[uuid.UUID]model.Cap
	alerts  []model.CapAlert
	fired   map[string]struct{}
	pricing []pricing.Entry
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		byID:  make(map[uuid.UUID]int),
		caps:  make(map[uuid.UUID]model.Cap),
		fired: make(map[string]struct{}),
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) InsertEvent(_ context.Context, e *model.Event) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[e.ID]; exists {
		return false, nil
	}
	m.byID[e.ID] = len(m.events)
	m.events = append(m.events, *e)
	return true, nil
}

func (m *Memory) QueryEvents(_ context.Context, f EventFilter) ([]model.Event, error) {
	if f.TenantID == uuid.Nil {
		return nil, fmt.Errorf("%w: tenant id required", ErrNotFound)
	}
	m.mu.RLock()
	out := make([]model.Event, 0, 64)
	for i := range m.events {
		e := &m.events[i]
		if !eventMatches(e, f) {
			continue
		}
		out = append(out, *e)
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func eventMatches(e *model.Event, f EventFilter) bool {
	if e.TenantID != f.TenantID {
		return false
	}
	if f.RunID != "" && e.RunID != f.RunID {
		return false
	}
	if f.Provider != "" && !strings.EqualFold(e.Provider, f.Provider) {
		return false
	}
	if f.Model != "" && e.Model != f.Model {
		return false
	}
	if f.Section != "" && e.Section != f.Section {
		return false
	}
	if f.CustomerID != "" && e.CustomerID != f.CustomerID {
		return false
	}
	return f.matchesWindow(e.CreatedAt)
}

func (m *Memory) ListRunIDs(_ context.Context, f EventFilter) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type runMark struct {
		id   string
		last time.Time
	}
	seen := make(map[string]time.Time)
	for i := range m.events {
		e := &m.events[i]
		if !eventMatches(e, f) {
			continue
		}
		if ts, ok := seen[e.RunID]; !ok || e.CreatedAt.After(ts) {
			seen[e.RunID] = e.CreatedAt
		}
	}
	runs := make([]runMark, 0, len(seen))
	for id, last := range seen {
		runs = append(runs, runMark{id: id, last: last})
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].last.After(runs[j].last) })
	if f.Limit > 0 && len(runs) > f.Limit {
		runs = runs[:f.Limit]
	}
	out := make([]string, len(runs))
	for i, r := range runs {
		out[i] = r.id
	}
	return out, nil
}

func (m *Memory) SumSpend(_ context.Context, f SpendFilter) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := decimal.Zero
	for i := range m.events {
		e := &m.events[i]
		if e.TenantID != f.TenantID {
			continue
		}
		if f.Provider != "" && !strings.EqualFold(e.Provider, f.Provider) {
			continue
		}
		if f.Model != "" && e.Model != f.Model {
			continue
		}
		if f.Section != "" && e.Section != f.Section {
			continue
		}
		if f.CustomerID != "" && e.CustomerID != f.CustomerID {
			continue
		}
		if !f.Start.IsZero() && e.CreatedAt.Before(f.Start) {
			continue
		}
		if !f.End.IsZero() && !e.CreatedAt.Before(f.End) {
			continue
		}
		total = total.Add(e.Cost())
	}
	return total, nil
}

func (m *Memory) CreateCap(_ context.Context, c *model.Cap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caps[c.ID] = *c
	return nil
}

func (m *Memory) GetCap(_ context.Context, tenantID, capID uuid.UUID) (model.Cap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.caps[capID]
	if !ok || c.TenantID != tenantID {
		return model.Cap{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) ListCaps(_ context.Context, tenantID uuid.UUID) ([]model.Cap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Cap, 0, len(m.caps))
	for _, c := range m.caps {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateCap(_ context.Context, c *model.Cap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.caps[c.ID]
	if !ok || existing.TenantID != c.TenantID {
		return ErrNotFound
	}
	m.caps[c.ID] = *c
	return nil
}

func (m *Memory) DeleteCap(_ context.Context, tenantID, capID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.caps[capID]
	if !ok || existing.TenantID != tenantID {
		return ErrNotFound
	}
	delete(m.caps, capID)
	return nil
}

func (m *Memory) RecordAlertOnce(_ context.Context, alert *model.CapAlert) (bool, error) {
	key := alertKey(alert.CapID, alert.PeriodStart, alert.Threshold)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.fired[key]; dup {
		return false, nil
	}
	m.fired[key] = struct{}{}
	m.alerts = append(m.alerts, *alert)
	return true, nil
}

func (m *Memory) ListAlerts(_ context.Context, tenantID uuid.UUID, limit int) ([]model.CapAlert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.CapAlert, 0, len(m.alerts))
	for i := len(m.alerts) - 1; i >= 0; i-- {
		if m.alerts[i].TenantID != tenantID {
			continue
		}
		out = append(out, m.alerts[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) ListPricing(_ context.Context) ([]pricing.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]pricing.Entry, len(m.pricing))
	copy(out, m.pricing)
	return out, nil
}

func (m *Memory) SavePricing(_ context.Context, entries ...pricing.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		replaced := false
		for i := range m.pricing {
			if m.pricing[i].Provider == e.Provider && m.pricing[i].Model == e.Model &&
				m.pricing[i].EffectiveDate.Equal(e.EffectiveDate) {
				m.pricing[i] = e
				replaced = true
				break
			}
		}
		if !replaced {
			m.pricing = append(m.pricing, e)
		}
	}
	return nil
}

func alertKey(capID uuid.UUID, periodStart time.Time, threshold float64) string {
	return fmt.Sprintf("%s:%d:%.4f", capID, periodStart.UTC().Unix(), threshold)
}
