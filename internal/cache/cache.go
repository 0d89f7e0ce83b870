// Package cache memoizes non-streaming responses keyed by a fingerprint of
// the normalized request. A distributed Redis tier is preferred when
// configured; a bounded in-process LRU tier is always present and absorbs
// every distributed-tier failure.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/felipepmaragno/llm-orchestrator/internal/domain"
)

// KeyPrefix is prepended to every fingerprint.
const KeyPrefix = "cache:"

// Cache is the boundary the orchestrator consumes. Values are opaque
// serialized strings. Implementations never surface backend failures.
// A ttl <= 0 stores nothing, in every tier.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
	Delete(ctx context.Context, key string)
	Clear(ctx context.Context)
}

// Store is a single cache tier. Unlike Cache, it reports backend failures.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

type fingerprintMessage struct {
	Role    domain.Role `json:"role"`
	Content string      `json:"content"`
}

// Fingerprint returns a deterministic key for the fields that determine a
// response: messages (role and trimmed content, in order), model,
// temperature (defaulting to 0.7) and max_tokens.
func Fingerprint(req domain.Request) string {
	messages := make([]fingerprintMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = fingerprintMessage{Role: m.Role, Content: strings.TrimSpace(m.Content)}
	}

	temperature := domain.DefaultTemperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	data, _ := json.Marshal(struct {
		Messages    []fingerprintMessage `json:"messages"`
		Model       string               `json:"model"`
		Temperature float64              `json:"temperature"`
		MaxTokens   *int                 `json:"max_tokens"`
	}{
		Messages:    messages,
		Model:       req.Model,
		Temperature: temperature,
		MaxTokens:   req.MaxTokens,
	})

	hash := sha256.Sum256(data)
	return KeyPrefix + hex.EncodeToString(hash[:])
}
