package caps

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/agentmeter/agentmeter/internal/model"
)

func testPayload() AlertPayload {
	capID := uuid.New()
	tenant := uuid.New()
	return AlertPayload{
		Cap: model.Cap{
			ID:         capID,
			TenantID:   tenant,
			Type:       model.CapProvider,
			TargetName: "openai",
			LimitUSD:   10,
		},
		Alert: model.CapAlert{
			ID:           uuid.New(),
			CapID:        capID,
			TenantID:     tenant,
			Threshold:    0.8,
			CurrentSpend: 8.5,
			LimitUSD:     10,
			PeriodStart:  time.Now().UTC(),
			CreatedAt:    time.Now().UTC(),
		},
	}
}

func TestWebhookSinkNotify(t *testing.T) {
	var received webhookPayload
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	sink := NewWebhookSink(WebhookOptions{URLs: []string{ts.URL}, Timeout: time.Second, MaxRetries: 1}, nil)
	payload := testPayload()
	if err := sink.Notify(context.Background(), payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if received.CapID != payload.Cap.ID.String() {
		t.Fatalf("cap mismatch")
	}
	if received.CurrentSpend != payload.Alert.CurrentSpend {
		t.Fatalf("spend mismatch")
	}
}

func TestWebhookSinkRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	sink := NewWebhookSink(WebhookOptions{URLs: []string{ts.URL}, Timeout: time.Second, MaxRetries: 3}, nil)
	if err := sink.Notify(context.Background(), testPayload()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestWebhookSinkNilWithoutURLs(t *testing.T) {
	if sink := NewWebhookSink(WebhookOptions{}, nil); sink != nil {
		t.Fatalf("expected nil sink without targets, got %#v", sink)
	}
}

func TestCompositeSinkFansOut(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{}
	sink := NewCompositeSink(a, nil, b)

	if err := sink.Notify(context.Background(), testPayload()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(a.payloads) != 1 || len(b.payloads) != 1 {
		t.Fatalf("fan out missed a sink: %d, %d", len(a.payloads), len(b.payloads))
	}
}
