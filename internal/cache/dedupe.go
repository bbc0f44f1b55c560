// Package cache provides a Redis-backed fast path for event dedupe. The
// store's unique index on event id remains the source of truth; this
// cache only lets retried batches skip the round trip for ids ingested
// within the TTL.
package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type Dedupe struct {
	client *redis.Client
	ttl    time.Duration
}

func NewDedupe(client *redis.Client, ttl time.Duration) *Dedupe {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Dedupe{client: client, ttl: ttl}
}

// Seen reports whether the event id was marked recently. A false answer
// is not authoritative; callers still rely on the store's conflict check.
func (d *Dedupe) Seen(ctx context.Context, tenantID uuid.UUID, eventID uuid.UUID) bool {
	if d == nil || d.client == nil {
		return false
	}
	n, err := d.client.Exists(ctx, d.key(tenantID, eventID)).Result()
	if err != nil {
		return false
	}
	return n > 0
}

// Mark records the id after the store has accepted or deduped it.
// Failures are ignored; the cache is advisory.
func (d *Dedupe) Mark(ctx context.Context, tenantID uuid.UUID, eventID uuid.UUID) {
	if d == nil || d.client == nil {
		return
	}
	d.client.SetNX(ctx, d.key(tenantID, eventID), 1, d.ttl)
}

func (d *Dedupe) key(tenantID, eventID uuid.UUID) string {
	return "dedupe:" + tenantID.String() + ":" + eventID.String()
}
