package caps

import (
	"context"
	"errors"
	"log/slog"

	"github.com/agentmeter/agentmeter/internal/model"
)

// AlertPayload is what a sink receives for one threshold crossing.
type AlertPayload struct {
	Cap   model.Cap      `json:"cap"`
	Alert model.CapAlert `json:"alert"`
}

// AlertSink delivers cap alerts to an operator-facing channel.
type AlertSink interface {
	Notify(ctx context.Context, payload AlertPayload) error
}

// LogAlertSink writes alerts to structured logs. It is the default sink
// and the fallback when no delivery channel is configured.
type LogAlertSink struct {
	logger *slog.Logger
}

func NewLogAlertSink(logger *slog.Logger) *LogAlertSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAlertSink{logger: logger}
}

func (s *LogAlertSink) Notify(ctx context.Context, payload AlertPayload) error {
	if s == nil {
		return nil
	}
	s.logger.WarnContext(ctx, "spending cap alert",
		slog.String("cap_id", payload.Cap.ID.String()),
		slog.String("tenant_id", payload.Cap.TenantID.String()),
		slog.String("cap_type", string(payload.Cap.Type)),
		slog.String("target", payload.Cap.TargetName),
		slog.Float64("threshold", payload.Alert.Threshold),
		slog.Float64("current_spend", payload.Alert.CurrentSpend),
		slog.Float64("limit_usd", payload.Alert.LimitUSD),
		slog.Time("period_start", payload.Alert.PeriodStart),
	)
	return nil
}

// CompositeSink fans out notifications to multiple sinks.
type CompositeSink struct {
	sinks []AlertSink
}

func NewCompositeSink(sinks ...AlertSink) AlertSink {
	filtered := make([]AlertSink, 0, len(sinks))
	for _, sink := range sinks {
		if sink == nil {
			continue
		}
		filtered = append(filtered, sink)
	}
	if len(filtered) == 0 {
		return nil
	}
	return &CompositeSink{sinks: filtered}
}

func (c *CompositeSink) Notify(ctx context.Context, payload AlertPayload) error {
	if c == nil {
		return nil
	}
	var err error
	for _, sink := range c.sinks {
		if notifyErr := sink.Notify(ctx, payload); notifyErr != nil {
			err = joinErr(err, notifyErr)
		}
	}
	return err
}

func joinErr(base, next error) error {
	if base == nil {
		return next
	}
	if next == nil {
		return base
	}
	return errors.Join(base, next)
}
