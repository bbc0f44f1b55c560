package caps

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// WebhookOptions configures alert delivery to HTTP endpoints.
type WebhookOptions struct {
	URLs       []string
	Timeout    time.Duration
	MaxRetries int
}

// WebhookSink delivers cap alerts to arbitrary HTTP endpoints.
type WebhookSink struct {
	client     *http.Client
	urls       []string
	maxRetries int
	logger     *slog.Logger
}

func NewWebhookSink(opts WebhookOptions, logger *slog.Logger) AlertSink {
	urls := make([]string, 0, len(opts.URLs))
	for _, u := range opts.URLs {
		if strings.TrimSpace(u) != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}
	return &WebhookSink{
		client:     &http.Client{Timeout: opts.Timeout},
		urls:       urls,
		maxRetries: opts.MaxRetries,
		logger:     logger,
	}
}

func (s *WebhookSink) Notify(ctx context.Context, payload AlertPayload) error {
	if s == nil {
		return nil
	}

	body, err := json.Marshal(webhookPayload{
		CapID:        payload.Cap.ID.String(),
		TenantID:     payload.Cap.TenantID.String(),
		CapType:      string(payload.Cap.Type),
		TargetName:   payload.Cap.TargetName,
		Threshold:    payload.Alert.Threshold,
		CurrentSpend: payload.Alert.CurrentSpend,
		LimitUSD:     payload.Alert.LimitUSD,
		PeriodStart:  payload.Alert.PeriodStart.UTC(),
		Timestamp:    payload.Alert.CreatedAt.UTC(),
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, target := range s.urls {
		if err := s.postWithRetries(ctx, target, body); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", target, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (s *WebhookSink) postWithRetries(ctx context.Context, url string, body []byte) error {
	var lastErr error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		if err := s.post(ctx, url, body); err != nil {
			lastErr = err
			delay := time.Duration(attempt) * 250 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		return nil
	}
	return lastErr
}

func (s *WebhookSink) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

type webhookPayload struct {
	CapID        string    `json:"cap_id"`
	TenantID     string    `json:"tenant_id"`
	CapType      string    `json:"cap_type"`
	TargetName   string    `json:"target_name,omitempty"`
	Threshold    float64   `json:"threshold"`
	CurrentSpend float64   `json:"current_spend"`
	LimitUSD     float64   `json:"limit_usd"`
	PeriodStart  time.Time `json:"period_start"`
	Timestamp    time.Time `json:"timestamp"`
}
