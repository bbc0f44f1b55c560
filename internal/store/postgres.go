package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	decimal "github.com/shopspring/decimal"

	"github.com/agentmeter/agentmeter/internal/model"
	"github.com/agentmeter/agentmeter/internal/pricing"
	"github.com/agentmeter/agentmeter/internal/timeutil"
)

// Postgres persists the engine's data in PostgreSQL. Dedupe relies on the
// events primary key with ON CONFLICT DO NOTHING, so concurrent identical
// batches resolve to exactly one stored row. Cap spend sums read committed
// rows; an event committing between a cap check and its billed call is an
// accepted, documented consistency window.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing pgx pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

var _ Store = (*Postgres)(nil)

func (p *Postgres) InsertEvent(ctx context.Context, e *model.Event) (bool, error) {
	quantities, err := json.Marshal(e.Quantities)
	if err != nil {
		return false, fmt.Errorf("encode quantities: %w", err)
	}
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO events (
			id, run_id, span_id, parent_span_id, section, section_path,
			provider, model, endpoint, quantities, cost_usd, untracked,
			latency_ms, status, tenant_id, customer_id, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.RunID, e.SpanID, nullable(e.ParentSpanID), e.Section, e.SectionPath,
		e.Provider, e.Model, e.Endpoint, quantities, e.CostUSD, e.Untracked,
		e.LatencyMs, string(e.Status), e.TenantID, nullable(e.CustomerID), e.CreatedAt.UTC(),
	)
	if err != nil {
		return false, wrapStoreErr(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) QueryEvents(ctx context.Context, f EventFilter) ([]model.Event, error) {
	query := `
		SELECT id, run_id, span_id, COALESCE(parent_span_id, ''), section,
		       section_path, provider, model, endpoint, quantities, cost_usd,
		       untracked, latency_ms, status, tenant_id, COALESCE(customer_id, ''),
		       created_at
		FROM events
		WHERE tenant_id = $1`
	args := []any{f.TenantID}
	query, args = appendEventPredicates(query, args, f)
	query += ` ORDER BY created_at ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var e model.Event
		var quantities []byte
		var status string
		if err := rows.Scan(
			&e.ID, &e.RunID, &e.SpanID, &e.ParentSpanID, &e.Section,
			&e.SectionPath, &e.Provider, &e.Model, &e.Endpoint, &quantities,
			&e.CostUSD, &e.Untracked, &e.LatencyMs, &status, &e.TenantID,
			&e.CustomerID, &e.CreatedAt,
		); err != nil {
			return nil, wrapStoreErr(err)
		}
		if len(quantities) > 0 {
			if err := json.Unmarshal(quantities, &e.Quantities); err != nil {
				return nil, fmt.Errorf("decode quantities for %s: %w", e.ID, err)
			}
		}
		e.Status = model.Status(status)
		out = append(out, e)
	}
	return out, wrapStoreErr(rows.Err())
}

func appendEventPredicates(query string, args []any, f EventFilter) (string, []any) {
	add := func(clause string, value any) {
		args = append(args, value)
		query += fmt.Sprintf(" AND %s = $%d", clause, len(args))
	}
	if f.RunID != "" {
		add("run_id", f.RunID)
	}
	if f.Provider != "" {
		add("lower(provider)", strings.ToLower(f.Provider))
	}
	if f.Model != "" {
		add("model", f.Model)
	}
	if f.Section != "" {
		add("section", f.Section)
	}
	if f.CustomerID != "" {
		add("customer_id", f.CustomerID)
	}
	if !f.Start.IsZero() {
		args = append(args, f.Start.UTC())
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !f.End.IsZero() {
		args = append(args, f.End.UTC())
		query += fmt.Sprintf(" AND created_at < $%d", len(args))
	}
	return query, args
}

func (p *Postgres) ListRunIDs(ctx context.Context, f EventFilter) ([]string, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT run_id FROM events WHERE tenant_id = $1`
	args := []any{f.TenantID}
	query, args = appendEventPredicates(query, args, f)
	args = append(args, limit)
	query += fmt.Sprintf(" GROUP BY run_id ORDER BY max(created_at) DESC LIMIT $%d", len(args))

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapStoreErr(err)
		}
		out = append(out, id)
	}
	return out, wrapStoreErr(rows.Err())
}

func (p *Postgres) SumSpend(ctx context.Context, f SpendFilter) (decimal.Decimal, error) {
	query := `SELECT COALESCE(SUM(cost_usd), 0) FROM events WHERE tenant_id = $1`
	args := []any{f.TenantID}
	query, args = appendEventPredicates(query, args, EventFilter{
		TenantID:   f.TenantID,
		Provider:   f.Provider,
		Model:      f.Model,
		Section:    f.Section,
		CustomerID: f.CustomerID,
		Start:      f.Start,
		End:        f.End,
	})

	var total float64
	if err := p.pool.QueryRow(ctx, query, args...).Scan(&total); err != nil {
		return decimal.Zero, wrapStoreErr(err)
	}
	return decimal.NewFromFloat(total), nil
}

func (p *Postgres) CreateCap(ctx context.Context, c *model.Cap) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO caps (
			id, tenant_id, cap_type, target_name, limit_usd, period,
			alert_threshold, enforcement, enabled, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		c.ID, c.TenantID, string(c.Type), c.TargetName, c.LimitUSD, string(c.Period),
		c.AlertThreshold, string(c.Enforcement), c.Enabled, c.CreatedAt.UTC(), c.UpdatedAt.UTC(),
	)
	return wrapStoreErr(err)
}

func (p *Postgres) GetCap(ctx context.Context, tenantID, capID uuid.UUID) (model.Cap, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, tenant_id, cap_type, target_name, limit_usd, period,
		       alert_threshold, enforcement, enabled, created_at, updated_at
		FROM caps WHERE id = $1 AND tenant_id = $2`, capID, tenantID)
	return scanCap(row)
}

func (p *Postgres) ListCaps(ctx context.Context, tenantID uuid.UUID) ([]model.Cap, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, tenant_id, cap_type, target_name, limit_usd, period,
		       alert_threshold, enforcement, enabled, created_at, updated_at
		FROM caps WHERE tenant_id = $1 ORDER BY created_at ASC`, tenantID)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	defer rows.Close()

	var out []model.Cap
	for rows.Next() {
		c, err := scanCap(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, wrapStoreErr(rows.Err())
}

func (p *Postgres) UpdateCap(ctx context.Context, c *model.Cap) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE caps SET cap_type = $3, target_name = $4, limit_usd = $5,
		       period = $6, alert_threshold = $7, enforcement = $8,
		       enabled = $9, updated_at = $10
		WHERE id = $1 AND tenant_id = $2`,
		c.ID, c.TenantID, string(c.Type), c.TargetName, c.LimitUSD, string(c.Period),
		c.AlertThreshold, string(c.Enforcement), c.Enabled, c.UpdatedAt.UTC(),
	)
	if err != nil {
		return wrapStoreErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteCap(ctx context.Context, tenantID, capID uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM caps WHERE id = $1 AND tenant_id = $2`, capID, tenantID)
	if err != nil {
		return wrapStoreErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) RecordAlertOnce(ctx context.Context, alert *model.CapAlert) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO cap_alerts (
			id, cap_id, tenant_id, period_start, threshold,
			current_spend, limit_usd, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (cap_id, period_start, threshold) DO NOTHING`,
		alert.ID, alert.CapID, alert.TenantID, alert.PeriodStart.UTC(),
		alert.Threshold, alert.CurrentSpend, alert.LimitUSD, alert.CreatedAt.UTC(),
	)
	if err != nil {
		return false, wrapStoreErr(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) ListAlerts(ctx context.Context, tenantID uuid.UUID, limit int) ([]model.CapAlert, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, cap_id, tenant_id, period_start, threshold,
		       current_spend, limit_usd, created_at
		FROM cap_alerts WHERE tenant_id = $1
		ORDER BY created_at DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	defer rows.Close()

	var out []model.CapAlert
	for rows.Next() {
		var a model.CapAlert
		if err := rows.Scan(&a.ID, &a.CapID, &a.TenantID, &a.PeriodStart,
			&a.Threshold, &a.CurrentSpend, &a.LimitUSD, &a.CreatedAt); err != nil {
			return nil, wrapStoreErr(err)
		}
		out = append(out, a)
	}
	return out, wrapStoreErr(rows.Err())
}

func (p *Postgres) ListPricing(ctx context.Context) ([]pricing.Entry, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT provider, model, effective_date, pricing_type, pricing_data, active
		FROM pricing_entries ORDER BY provider, model, effective_date`)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	defer rows.Close()

	var out []pricing.Entry
	for rows.Next() {
		var e pricing.Entry
		var pricingType string
		var data []byte
		if err := rows.Scan(&e.Provider, &e.Model, &e.EffectiveDate, &pricingType, &data, &e.Active); err != nil {
			return nil, wrapStoreErr(err)
		}
		e.Type = pricing.Type(pricingType)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("decode pricing data for %s/%s: %w", e.Provider, e.Model, err)
			}
		}
		out = append(out, e)
	}
	return out, wrapStoreErr(rows.Err())
}

func (p *Postgres) SavePricing(ctx context.Context, entries ...pricing.Entry) error {
	for _, e := range entries {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("encode pricing data: %w", err)
		}
		_, err = p.pool.Exec(ctx, `
			INSERT INTO pricing_entries (provider, model, effective_date, pricing_type, pricing_data, active)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (provider, model, effective_date)
			DO UPDATE SET pricing_data = EXCLUDED.pricing_data, active = EXCLUDED.active`,
			e.Provider, e.Model, e.EffectiveDate.UTC(), string(e.Type), data, e.Active,
		)
		if err != nil {
			return wrapStoreErr(err)
		}
	}
	return nil
}

func scanCap(row pgx.Row) (model.Cap, error) {
	var c model.Cap
	var capType, period, enforcement string
	err := row.Scan(&c.ID, &c.TenantID, &capType, &c.TargetName, &c.LimitUSD,
		&period, &c.AlertThreshold, &enforcement, &c.Enabled, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Cap{}, ErrNotFound
		}
		return model.Cap{}, wrapStoreErr(err)
	}
	c.Type = model.CapType(capType)
	c.Period = timeutil.NormalizeCapPeriod(period)
	c.Enforcement = model.Enforcement(enforcement)
	return c, nil
}

func wrapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func nullable(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
