package cache

import (
	"context"
	"fmt"
	"time"
)

// Deduper remembers inbound message ids so platform redeliveries are dropped.
type Deduper struct {
	redis *Redis
	ttl   time.Duration
}

// NewDeduper keeps ids for ttl.
func NewDeduper(r *Redis, ttl time.Duration) *Deduper {
	return &Deduper{redis: r, ttl: ttl}
}

// Seen records id and reports whether it had already been recorded.
// An empty id is never considered seen.
func (d *Deduper) Seen(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	fresh, err := d.redis.client.SetNX(ctx, d.redis.key("msg", id), 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("record message %s: %w", id, err)
	}
	return !fresh, nil
}
