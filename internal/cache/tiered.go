package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/felipepmaragno/llm-orchestrator/internal/domain"
	"github.com/felipepmaragno/llm-orchestrator/internal/metrics"
)

// TwoTier composes an optional distributed tier with the local tier. Any
// distributed failure is logged and the call is retried against the local
// tier; a local failure turns the call into a miss or no-op.
type TwoTier struct {
	distributed Store
	local       Store
}

// NewTwoTier builds the composed cache. distributed may be nil.
func NewTwoTier(distributed Store, local Store) *TwoTier {
	if local == nil {
		local = NewLocalStore(DefaultLocalSize)
	}
	return &TwoTier{distributed: distributed, local: local}
}

func (c *TwoTier) Get(ctx context.Context, key string) (string, bool) {
	if c.distributed != nil {
		value, ok, err := c.distributed.Get(ctx, key)
		if err == nil {
			return value, ok
		}
		c.logFailure("distributed", "get", key, err)
	}

	value, ok, err := c.local.Get(ctx, key)
	if err != nil {
		c.logFailure("local", "get", key, err)
		return "", false
	}
	return value, ok
}

func (c *TwoTier) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if c.distributed != nil {
		err := c.distributed.Set(ctx, key, value, ttl)
		if err == nil {
			return
		}
		c.logFailure("distributed", "set", key, err)
	}

	if err := c.local.Set(ctx, key, value, ttl); err != nil {
		c.logFailure("local", "set", key, err)
	}
}

func (c *TwoTier) Delete(ctx context.Context, key string) {
	if c.distributed != nil {
		if err := c.distributed.Delete(ctx, key); err != nil {
			c.logFailure("distributed", "delete", key, err)
		}
	}
	if err := c.local.Delete(ctx, key); err != nil {
		c.logFailure("local", "delete", key, err)
	}
}

func (c *TwoTier) Clear(ctx context.Context) {
	if c.distributed != nil {
		if err := c.distributed.Clear(ctx); err != nil {
			c.logFailure("distributed", "clear", "", err)
		}
	}
	if err := c.local.Clear(ctx); err != nil {
		c.logFailure("local", "clear", "", err)
	}
}

func (c *TwoTier) logFailure(tier, op, key string, err error) {
	metrics.RecordCacheError(tier, op)
	slog.Warn("cache tier failure",
		"tier", tier,
		"op", op,
		"key", key,
		"error", domain.NewCacheError(op, err),
	)
}
