// Package caps evaluates spending limits against derived period spend and
// dispatches threshold alerts. Soft caps only ever alert; blocking is
// reserved for caps explicitly marked hard_block.
package caps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agentmeter/agentmeter/internal/model"
	"github.com/agentmeter/agentmeter/internal/store"
	"github.com/agentmeter/agentmeter/internal/timeutil"
)

// ErrCapBlocked marks a decision where a hard cap refused the spend. It is
// surfaced distinctly so callers can map it to a payment-required response
// instead of a generic failure.
var ErrCapBlocked = errors.New("spending cap exceeded")

// Outcome is the three-way evaluation verdict.
type Outcome string

const (
	OutcomeAllow      Outcome = "allow"
	OutcomeAllowAlert Outcome = "allow_alert"
	OutcomeBlock      Outcome = "block"
)

// Decision reports one cap's verdict on a proposed spend.
type Decision struct {
	CapID        uuid.UUID `json:"cap_id"`
	Outcome      Outcome   `json:"outcome"`
	CurrentSpend float64   `json:"current_spend"`
	ProposedUSD  float64   `json:"proposed_usd"`
	LimitUSD     float64   `json:"limit_usd"`
	PeriodStart  time.Time `json:"period_start"`
	PeriodEnd    time.Time `json:"period_end"`
	AlertFired   bool      `json:"alert_fired"`
}

// Evaluator loads a tenant's caps and decides whether a proposed spend may
// proceed. Current spend is always derived from the event log at evaluation
// time; the proposed event itself is never part of the sum.
//
// The in-memory store serializes evaluation with ingestion under one lock.
// The Postgres store does not, so two racing evaluations near a boundary
// can both read the pre-insert sum; the window is one read and bounded by
// ingest latency, and the failure mode is a single extra allowed event.
type Evaluator struct {
	caps   store.CapStore
	alerts store.AlertStore
	events store.EventStore
	sink   AlertSink
	logger *slog.Logger
	now    func() time.Time
}

func NewEvaluator(st store.Store, sink AlertSink, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = NewLogAlertSink(logger)
	}
	return &Evaluator{
		caps:   st,
		alerts: st,
		events: st,
		sink:   sink,
		logger: logger,
		now:    time.Now,
	}
}

// EvaluateEvent runs every enabled cap that matches the event against the
// event's cost. The first blocking verdict wins; alert verdicts from other
// caps still fire their alerts first.
func (ev *Evaluator) EvaluateEvent(ctx context.Context, e *model.Event) ([]Decision, error) {
	caps, err := ev.caps.ListCaps(ctx, e.TenantID)
	if err != nil {
		return nil, fmt.Errorf("list caps: %w", err)
	}

	var decisions []Decision
	for i := range caps {
		c := caps[i]
		if !c.Enabled || !c.Matches(e) {
			continue
		}
		decision, err := ev.Evaluate(ctx, &c, e.Cost())
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, decision)
	}
	return decisions, nil
}

// Evaluate decides one cap against one proposed cost.
func (ev *Evaluator) Evaluate(ctx context.Context, c *model.Cap, proposed decimal.Decimal) (Decision, error) {
	periodStart, periodEnd := timeutil.CapPeriodBounds(ev.now().UTC(), c.Period)

	spend, err := ev.events.SumSpend(ctx, spendFilter(c, periodStart, periodEnd))
	if err != nil {
		return Decision{}, fmt.Errorf("sum spend for cap %s: %w", c.ID, err)
	}

	limit := decimal.NewFromFloat(c.LimitUSD)
	projected := spend.Add(proposed)

	decision := Decision{
		CapID:       c.ID,
		Outcome:     OutcomeAllow,
		ProposedUSD: roundUSD(proposed),
		LimitUSD:    c.LimitUSD,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
	}
	decision.CurrentSpend = roundUSD(spend)

	threshold := limit.Mul(decimal.NewFromFloat(c.AlertThreshold))
	if projected.GreaterThanOrEqual(threshold) {
		fired, err := ev.fireAlertOnce(ctx, c, periodStart, spend)
		if err != nil {
			return Decision{}, err
		}
		decision.AlertFired = fired
		if fired {
			decision.Outcome = OutcomeAllowAlert
		}
	}

	if projected.GreaterThanOrEqual(limit) && c.Enforcement == model.EnforcementHardBlock {
		decision.Outcome = OutcomeBlock
	}
	return decision, nil
}

// fireAlertOnce persists the crossing and notifies the sink only when this
// is the first time the threshold is crossed in the current period.
func (ev *Evaluator) fireAlertOnce(ctx context.Context, c *model.Cap, periodStart time.Time, spend decimal.Decimal) (bool, error) {
	alert := &model.CapAlert{
		ID:           uuid.New(),
		CapID:        c.ID,
		TenantID:     c.TenantID,
		PeriodStart:  periodStart,
		Threshold:    c.AlertThreshold,
		CurrentSpend: roundUSD(spend),
		LimitUSD:     c.LimitUSD,
		CreatedAt:    ev.now().UTC(),
	}
	created, err := ev.alerts.RecordAlertOnce(ctx, alert)
	if err != nil {
		return false, fmt.Errorf("record alert: %w", err)
	}
	if !created {
		return false, nil
	}

	if err := ev.sink.Notify(ctx, AlertPayload{Cap: *c, Alert: *alert}); err != nil {
		// Notification failures never fail the evaluation; the crossing is
		// already durable and will not re-fire.
		ev.logger.Warn("cap alert notification failed",
			slog.String("cap_id", c.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	return true, nil
}

// Blocked reports whether any decision in the set refused the spend.
func Blocked(decisions []Decision) bool {
	for _, d := range decisions {
		if d.Outcome == OutcomeBlock {
			return true
		}
	}
	return false
}

func spendFilter(c *model.Cap, start, end time.Time) store.SpendFilter {
	f := store.SpendFilter{
		TenantID: c.TenantID,
		Start:    start,
		End:      end,
	}
	switch c.Type {
	case model.CapProvider:
		f.Provider = c.TargetName
	case model.CapModel:
		f.Model = c.TargetName
	case model.CapAgent:
		f.Section = c.TargetName
	case model.CapCustomer:
		f.CustomerID = c.TargetName
	}
	return f
}

func roundUSD(d decimal.Decimal) float64 {
	f, _ := d.Round(6).Float64()
	return f
}
