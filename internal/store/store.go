// Package store defines the persistence contracts for the metering engine
// and provides two implementations: an in-memory store that is authoritative
// for the concurrency semantics, and a Postgres store built on pgx.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	decimal "github.com/shopspring/decimal"

	"github.com/agentmeter/agentmeter/internal/model"
	"github.com/agentmeter/agentmeter/internal/pricing"
)

var (
	// ErrUnavailable is the only error class callers should treat as a hard
	// failure; retries are safe because inserts dedupe on event id.
	ErrUnavailable = errors.New("store unavailable")
	ErrNotFound    = errors.New("not found")
)

// EventFilter narrows event queries. TenantID is mandatory on every read
// path so cross-tenant access is impossible regardless of other fields.
type EventFilter struct {
	TenantID   uuid.UUID
	RunID      string
	Provider   string
	Model      string
	Section    string
	CustomerID string
	Start      time.Time // inclusive, zero means unbounded
	End        time.Time // exclusive, zero means unbounded
	Limit      int
}

func (f EventFilter) matchesWindow(ts time.Time) bool {
	if !f.Start.IsZero() && ts.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && !ts.Before(f.End) {
		return false
	}
	return true
}

// SpendFilter selects the events whose cost counts toward a cap window.
type SpendFilter struct {
	TenantID   uuid.UUID
	Provider   string
	Model      string
	Section    string
	CustomerID string
	Start      time.Time
	End        time.Time
}

// EventStore is the durable, idempotent event log.
type EventStore interface {
	// InsertEvent appends the event unless its id is already present.
	// Returns false (and no error) for duplicates; the check-and-insert is
	// atomic so concurrent identical batches cannot both create the row.
	InsertEvent(ctx context.Context, e *model.Event) (created bool, err error)

	// QueryEvents returns matching events ordered by created_at ascending.
	// Reads observe a consistent snapshot and never block writers.
	QueryEvents(ctx context.Context, f EventFilter) ([]model.Event, error)

	// ListRunIDs returns the most recently active run ids matching the
	// filter, newest first.
	ListRunIDs(ctx context.Context, f EventFilter) ([]string, error)

	// SumSpend totals cost_usd over the filter window.
	SumSpend(ctx context.Context, f SpendFilter) (decimal.Decimal, error)
}

// CapStore persists cap definitions, scoped by tenant.
type CapStore interface {
	CreateCap(ctx context.Context, cap *model.Cap) error
	GetCap(ctx context.Context, tenantID, capID uuid.UUID) (model.Cap, error)
	ListCaps(ctx context.Context, tenantID uuid.UUID) ([]model.Cap, error)
	UpdateCap(ctx context.Context, cap *model.Cap) error
	DeleteCap(ctx context.Context, tenantID, capID uuid.UUID) error
}

// AlertStore records threshold crossings exactly once per cap period.
type AlertStore interface {
	// RecordAlertOnce inserts the alert unless one already exists for the
	// same (cap, period_start, threshold). Returns true when this call won.
	RecordAlertOnce(ctx context.Context, alert *model.CapAlert) (bool, error)
	ListAlerts(ctx context.Context, tenantID uuid.UUID, limit int) ([]model.CapAlert, error)
}

// PricingStore persists the append-only pricing history backing the
// in-memory registry snapshot across restarts.
type PricingStore interface {
	ListPricing(ctx context.Context) ([]pricing.Entry, error)
	SavePricing(ctx context.Context, entries ...pricing.Entry) error
}

// Store is the full persistence surface the engine needs.
type Store interface {
	EventStore
	CapStore
	AlertStore
	PricingStore
}
