package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/llm-orchestrator/internal/domain"
)

const keyPrefix = "llmorch:rpm:"

// Redis shares the per-minute counters across orchestrator instances.
// Every call increments the counter, refused ones included.
type Redis struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, now: time.Now}
}

func counterKey(provider domain.ProviderID, window time.Time) string {
	return fmt.Sprintf("%s%s:%d", keyPrefix, provider, window.Unix())
}

func (r *Redis) Take(ctx context.Context, provider domain.ProviderID, rpm int) (Decision, error) {
	window := windowOf(r.now())
	key := counterKey(provider, window)

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireAt(ctx, key, window.Add(2*time.Minute))
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", provider, err)
	}

	return decide(int(incr.Val()), rpm, window), nil
}
