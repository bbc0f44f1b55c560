package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	decimal "github.com/shopspring/decimal"
)

var (
	ErrValidation      = errors.New("invalid event")
	ErrMissingID       = fmt.Errorf("%w: id is required", ErrValidation)
	ErrMissingRunID    = fmt.Errorf("%w: run_id is required", ErrValidation)
	ErrMissingSpanID   = fmt.Errorf("%w: span_id is required", ErrValidation)
	ErrMissingTenant   = fmt.Errorf("%w: tenant_id is required", ErrValidation)
	ErrMissingCreated  = fmt.Errorf("%w: created_at is required", ErrValidation)
	ErrMissingProvider = fmt.Errorf("%w: provider is required", ErrValidation)
)

// Status is the three-way call outcome split plus cancellation, supplied
// explicitly by the client instead of being inferred from error text.
type Status string

const (
	StatusOK          Status = "ok"
	StatusError       Status = "error"
	StatusRateLimited Status = "rate_limited"
	StatusCancelled   Status = "cancelled"
)

// NormalizeStatus maps arbitrary client strings onto the closed status set.
// Empty means ok; anything unrecognized counts as a plain error.
func NormalizeStatus(value string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(value))) {
	case StatusOK, "":
		return StatusOK
	case StatusRateLimited:
		return StatusRateLimited
	case StatusCancelled:
		return StatusCancelled
	default:
		return StatusError
	}
}

// Quantities carries every usage measure a pricing scheme can bill against.
// Each calculator branch reads exactly the fields its scheme defines; the
// zero value means the client reported nothing for that measure.
type Quantities struct {
	InputTokens  int64   `json:"input_tokens,omitempty"`
	OutputTokens int64   `json:"output_tokens,omitempty"`
	CachedTokens int64   `json:"cached_tokens,omitempty"`
	Characters   int64   `json:"characters,omitempty"`
	Seconds      float64 `json:"seconds,omitempty"`
	Minutes      float64 `json:"minutes,omitempty"`
	Images       int64   `json:"images,omitempty"`
	Calls        int64   `json:"calls,omitempty"`
	Requests     int64   `json:"requests,omitempty"`
	AmountUSD    float64 `json:"amount_usd,omitempty"`
	GBMonths     float64 `json:"gb_months,omitempty"`
	Units        float64 `json:"units,omitempty"`
}

// TotalTokens returns the billable token volume for reporting.
func (q Quantities) TotalTokens() int64 {
	return q.InputTokens + q.OutputTokens + q.CachedTokens
}

// Event is one traced unit of work reported by an instrumented client.
// Immutable once stored; cost_usd is always recomputed server side.
type Event struct {
	ID           uuid.UUID  `json:"id"`
	RunID        string     `json:"run_id"`
	SpanID       string     `json:"span_id"`
	ParentSpanID string     `json:"parent_span_id,omitempty"`
	Section      string     `json:"section,omitempty"`
	SectionPath  string     `json:"section_path,omitempty"`
	Provider     string     `json:"provider"`
	Model        string     `json:"model"`
	Endpoint     string     `json:"endpoint,omitempty"`
	Quantities   Quantities `json:"quantities"`
	CostUSD      float64    `json:"cost_usd"`
	Untracked    bool       `json:"untracked,omitempty"`
	LatencyMs    int64      `json:"latency_ms"`
	Status       Status     `json:"status"`
	TenantID     uuid.UUID  `json:"tenant_id"`
	CustomerID   string     `json:"customer_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Validate reports the first missing required field. Pricing coverage is
// deliberately not validated here: events with unknown providers still count.
func (e *Event) Validate() error {
	if e.ID == uuid.Nil {
		return ErrMissingID
	}
	if strings.TrimSpace(e.RunID) == "" {
		return ErrMissingRunID
	}
	if strings.TrimSpace(e.SpanID) == "" {
		return ErrMissingSpanID
	}
	if e.TenantID == uuid.Nil {
		return ErrMissingTenant
	}
	if e.CreatedAt.IsZero() {
		return ErrMissingCreated
	}
	if strings.TrimSpace(e.Provider) == "" {
		return ErrMissingProvider
	}
	return nil
}

// IsRoot reports whether the event starts a hierarchy: no parent, a
// self-referencing parent, or a parent the store has never seen.
func (e *Event) IsRoot() bool {
	return e.ParentSpanID == "" || e.ParentSpanID == e.SpanID
}

// Cost returns the stored cost as a decimal for downstream arithmetic.
func (e *Event) Cost() decimal.Decimal {
	return decimal.NewFromFloat(e.CostUSD)
}

// IngestResult summarizes one ingest batch.
type IngestResult struct {
	Created  int `json:"created"`
	Skipped  int `json:"skipped"`
	Rejected int `json:"rejected"`
}
