package model

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func validEvent() *Event {
	return &Event{
		ID:        uuid.New(),
		RunID:     "run-1",
		SpanID:    "span-1",
		Provider:  "openai",
		TenantID:  uuid.New(),
		CreatedAt: time.Now().UTC(),
	}
}

func TestValidateFieldErrorsAreValidationErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Event)
		want   error
	}{
		{"missing id", func(e *Event) { e.ID = uuid.Nil }, ErrMissingID},
		{"missing run", func(e *Event) { e.RunID = " " }, ErrMissingRunID},
		{"missing span", func(e *Event) { e.SpanID = "" }, ErrMissingSpanID},
		{"missing tenant", func(e *Event) { e.TenantID = uuid.Nil }, ErrMissingTenant},
		{"missing created", func(e *Event) { e.CreatedAt = time.Time{} }, ErrMissingCreated},
		{"missing provider", func(e *Event) { e.Provider = "" }, ErrMissingProvider},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := validEvent()
			tc.mutate(e)
			err := e.Validate()
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("%v does not match ErrValidation", err)
			}
		})
	}

	if err := validEvent().Validate(); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}
}

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]Status{
		"":              StatusOK,
		"ok":            StatusOK,
		"OK":            StatusOK,
		"rate_limited":  StatusRateLimited,
		"cancelled":     StatusCancelled,
		"error":         StatusError,
		"TIMEOUT":       StatusError,
		"something odd": StatusError,
	}
	for in, want := range cases {
		if got := NormalizeStatus(in); got != want {
			t.Errorf("NormalizeStatus(%q) = %q, want %q", in, got, want)
		}
	}
}
