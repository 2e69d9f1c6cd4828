/**
 * @description
 * Webhook delivery deduplication. The processor redelivers events, and the
 * monotonic guard alone would still let a redelivered event write duplicate
 * audit-log entries and notifications. Processed event keys are therefore
 * recorded before processing: in Redis when it is configured (shared across
 * instances), or in an in-process map as a degraded fallback.
 */

package app

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventDeduper records processed webhook event keys.
type EventDeduper interface {
	// MarkProcessed records the key and reports whether this is the first
	// time it has been seen inside the dedupe window.
	MarkProcessed(ctx context.Context, key string) (first bool, err error)
	// Forget releases a key recorded by MarkProcessed, so a delivery whose
	// processing failed can be accepted again when the processor redelivers.
	Forget(ctx context.Context, key string) error
}

// RedisEventDeduper implements distributed webhook dedupe using Redis SETNX.
type RedisEventDeduper struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisEventDeduper(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisEventDeduper {
	if prefix == "" {
		prefix = "coverly:webhook_events"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisEventDeduper{client: client, prefix: prefix, ttl: ttl}
}

func (d *RedisEventDeduper) MarkProcessed(ctx context.Context, key string) (bool, error) {
	return d.client.SetNX(ctx, d.prefix+":"+key, 1, d.ttl).Result()
}

func (d *RedisEventDeduper) Forget(ctx context.Context, key string) error {
	return d.client.Del(ctx, d.prefix+":"+key).Err()
}

// MemoryEventDeduper is the in-process fallback used when Redis is not
// configured. It prunes old entries on each call to bound memory.
type MemoryEventDeduper struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
}

func NewMemoryEventDeduper(ttl time.Duration) *MemoryEventDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryEventDeduper{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

func (d *MemoryEventDeduper) MarkProcessed(ctx context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := time.Now().Add(-d.ttl)
	for k, seenAt := range d.seen {
		if seenAt.Before(cutoff) {
			delete(d.seen, k)
		}
	}

	if _, exists := d.seen[key]; exists {
		return false, nil
	}
	d.seen[key] = time.Now()
	return true, nil
}

func (d *MemoryEventDeduper) Forget(ctx context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
	return nil
}
