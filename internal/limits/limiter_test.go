package limits

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) *RateLimiter {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRateLimiter(client)
}

func TestAllowRequestWithinLimit(t *testing.T) {
	l := newTestLimiter(t)
	cfg := LimitConfig{RequestsPerMinute: 3}

	for i := 0; i < 3; i++ {
		if err := l.AllowRequest(context.Background(), "key-a", cfg); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if err := l.AllowRequest(context.Background(), "key-a", cfg); err != ErrLimitExceeded {
		t.Fatalf("fourth request err = %v, want ErrLimitExceeded", err)
	}
}

func TestAllowRequestKeysAreIndependent(t *testing.T) {
	l := newTestLimiter(t)
	cfg := LimitConfig{RequestsPerMinute: 1}

	if err := l.AllowRequest(context.Background(), "key-a", cfg); err != nil {
		t.Fatalf("key-a: %v", err)
	}
	if err := l.AllowRequest(context.Background(), "key-b", cfg); err != nil {
		t.Fatalf("key-b must not share key-a's budget: %v", err)
	}
}

func TestAllowEventsChargesBatch(t *testing.T) {
	l := newTestLimiter(t)
	cfg := LimitConfig{EventsPerMinute: 100}

	if err := l.AllowEvents(context.Background(), "key-a", 80, cfg); err != nil {
		t.Fatalf("first batch: %v", err)
	}
	if err := l.AllowEvents(context.Background(), "key-a", 30, cfg); err != ErrLimitExceeded {
		t.Fatalf("overflow batch err = %v, want ErrLimitExceeded", err)
	}
	// The rejected batch must not consume budget.
	if err := l.AllowEvents(context.Background(), "key-a", 20, cfg); err != nil {
		t.Fatalf("fitting batch after rollback: %v", err)
	}
}

func TestNilLimiterAllowsEverything(t *testing.T) {
	var l *RateLimiter
	if err := l.AllowRequest(context.Background(), "key", LimitConfig{RequestsPerMinute: 1}); err != nil {
		t.Fatalf("nil limiter: %v", err)
	}
	if err := l.AllowEvents(context.Background(), "key", 10, LimitConfig{EventsPerMinute: 1}); err != nil {
		t.Fatalf("nil limiter events: %v", err)
	}
}
