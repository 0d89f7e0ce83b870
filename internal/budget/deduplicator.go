package budget

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AlertKey identifies one alert: a level reached by a scope within a
// billing period ("2006-01").
type AlertKey struct {
	Scope  string
	Period string
	Level  AlertLevel
}

func (k AlertKey) String() string {
	return k.Scope + ":" + k.Period + ":" + string(k.Level)
}

// Deduplicator lets each AlertKey through once. A new period yields new
// keys, so nothing has to be cleared when the month rolls over.
type Deduplicator interface {
	Claim(ctx context.Context, key AlertKey) bool
	// Reset re-arms every level of scope within period.
	Reset(ctx context.Context, scope, period string)
}

// MemoryDeduplicator holds claimed keys in process.
type MemoryDeduplicator struct {
	mu      sync.Mutex
	claimed map[AlertKey]struct{}
}

func NewMemoryDeduplicator() *MemoryDeduplicator {
	return &MemoryDeduplicator{claimed: make(map[AlertKey]struct{})}
}

func (d *MemoryDeduplicator) Claim(ctx context.Context, key AlertKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.claimed[key]; ok {
		return false
	}
	d.claimed[key] = struct{}{}
	return true
}

func (d *MemoryDeduplicator) Reset(ctx context.Context, scope, period string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for k := range d.claimed {
		if k.Scope == scope && k.Period == period {
			delete(d.claimed, k)
		}
	}
}

const alertKeyPrefix = "llmorch:budget:alert:"

// RedisDeduplicator claims keys with SETNX so only one orchestrator
// instance dispatches a given alert.
type RedisDeduplicator struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduplicator shares an existing client. ttl should outlive a
// billing period; expired keys only matter for storage.
func NewRedisDeduplicator(client *redis.Client, ttl time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{client: client, ttl: ttl}
}

// Claim dispatches on Redis errors: a duplicate alert beats a lost one.
func (d *RedisDeduplicator) Claim(ctx context.Context, key AlertKey) bool {
	ok, err := d.client.SetNX(ctx, alertKeyPrefix+key.String(), time.Now().Unix(), d.ttl).Result()
	if err != nil {
		slog.Warn("alert dedup unavailable, dispatching", "key", key.String(), "error", err)
		return true
	}
	return ok
}

func (d *RedisDeduplicator) Reset(ctx context.Context, scope, period string) {
	pattern := fmt.Sprintf("%s%s:%s:*", alertKeyPrefix, scope, period)

	var keys []string
	iter := d.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		slog.Warn("alert dedup scan failed", "pattern", pattern, "error", err)
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := d.client.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("alert dedup reset failed", "keys", strings.Join(keys, ","), "error", err)
	}
}
