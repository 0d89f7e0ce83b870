package cost

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/felipepmaragno/llm-orchestrator/internal/domain"
)

type ModelPricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

var defaultPricing = map[string]ModelPricing{
	"gpt-4":                       {InputPer1K: 0.03, OutputPer1K: 0.06},
	"gpt-4-turbo":                 {InputPer1K: 0.01, OutputPer1K: 0.03},
	"gpt-4o":                      {InputPer1K: 0.005, OutputPer1K: 0.015},
	"gpt-4o-mini":                 {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-3.5-turbo":               {InputPer1K: 0.0005, OutputPer1K: 0.0015},
	"claude-3-5-sonnet":           {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-5-haiku":            {InputPer1K: 0.001, OutputPer1K: 0.005},
	"claude-3-opus":               {InputPer1K: 0.015, OutputPer1K: 0.075},
	"claude-3-sonnet":             {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-haiku":              {InputPer1K: 0.00025, OutputPer1K: 0.00125},
	"anthropic.claude-3-5-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"anthropic.claude-3-5-haiku":  {InputPer1K: 0.001, OutputPer1K: 0.005},
	"anthropic.claude-3-opus":     {InputPer1K: 0.015, OutputPer1K: 0.075},
	"anthropic.claude-3-haiku":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
}

// providerPricing applies when a model has no entry of its own.
var providerPricing = map[domain.ProviderID]ModelPricing{
	domain.ProviderOpenAI:    {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	domain.ProviderAnthropic: {InputPer1K: 0.001, OutputPer1K: 0.005},
	domain.ProviderBedrock:   {InputPer1K: 0.001, OutputPer1K: 0.005},
	domain.ProviderOllama:    {},
}

type Calculator struct {
	mu       sync.RWMutex
	pricing  map[string]ModelPricing
	prefixes []string
}

func NewCalculator() *Calculator {
	c := &Calculator{pricing: make(map[string]ModelPricing, len(defaultPricing))}
	for model, p := range defaultPricing {
		c.pricing[model] = p
	}
	c.rebuildPrefixes()
	return c
}

// Calculate estimates the USD cost of a call. Models are matched exactly,
// then by longest known prefix (so dated snapshots such as
// "gpt-4o-mini-2024-07-18" price like their family), then by provider.
// Local providers cost nothing.
func (c *Calculator) Calculate(provider domain.ProviderID, model string, usage domain.Usage) float64 {
	if provider == domain.ProviderOllama {
		return 0
	}

	pricing, ok := c.lookup(model)
	if !ok {
		pricing, ok = providerPricing[provider]
		if !ok {
			return 0
		}
	}

	inputCost := float64(usage.PromptTokens) / 1000 * pricing.InputPer1K
	outputCost := float64(usage.CompletionTokens) / 1000 * pricing.OutputPer1K

	return inputCost + outputCost
}

func (c *Calculator) SetPricing(model string, pricing ModelPricing) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pricing[model] = pricing
	c.rebuildPrefixes()
}

func (c *Calculator) lookup(model string) (ModelPricing, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if p, ok := c.pricing[model]; ok {
		return p, true
	}
	for _, prefix := range c.prefixes {
		if strings.HasPrefix(model, prefix) {
			return c.pricing[prefix], true
		}
	}
	return ModelPricing{}, false
}

func (c *Calculator) rebuildPrefixes() {
	c.prefixes = c.prefixes[:0]
	for model := range c.pricing {
		c.prefixes = append(c.prefixes, model)
	}
	sort.Slice(c.prefixes, func(i, j int) bool {
		return len(c.prefixes[i]) > len(c.prefixes[j])
	})
}

type UsageRecord struct {
	RequestID        string            `json:"request_id"`
	Provider         domain.ProviderID `json:"provider"`
	Model            string            `json:"model"`
	PromptTokens     int               `json:"prompt_tokens"`
	CompletionTokens int               `json:"completion_tokens"`
	CostUSD          float64           `json:"cost_usd"`
	Cached           bool              `json:"cached"`
	LatencyMs        int64             `json:"latency_ms"`
	Timestamp        time.Time         `json:"timestamp"`
}

// Recorder is a sink for completed-request records.
type Recorder interface {
	Record(ctx context.Context, record UsageRecord) error
}

// Tracker is a Recorder that can also answer spend queries.
type Tracker interface {
	Recorder
	TotalCost(ctx context.Context, since time.Time) (float64, error)
	Recent(ctx context.Context, limit int) ([]UsageRecord, error)
}

// Fanout records into every sink and joins their errors.
type Fanout []Recorder

func (f Fanout) Record(ctx context.Context, record UsageRecord) error {
	var errs []error
	for _, r := range f {
		if err := r.Record(ctx, record); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type InMemoryTracker struct {
	mu      sync.RWMutex
	records []UsageRecord
}

func NewInMemoryTracker() *InMemoryTracker {
	return &InMemoryTracker{
		records: make([]UsageRecord, 0),
	}
}

func (t *InMemoryTracker) Record(ctx context.Context, record UsageRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.records = append(t.records, record)
	return nil
}

func (t *InMemoryTracker) TotalCost(ctx context.Context, since time.Time) (float64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var total float64
	for _, r := range t.records {
		if r.Timestamp.After(since) {
			total += r.CostUSD
		}
	}
	return total, nil
}

// Recent returns up to limit records, newest first.
func (t *InMemoryTracker) Recent(ctx context.Context, limit int) ([]UsageRecord, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if limit <= 0 || limit > len(t.records) {
		limit = len(t.records)
	}
	result := make([]UsageRecord, 0, limit)
	for i := len(t.records) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, t.records[i])
	}
	return result, nil
}

func (t *InMemoryTracker) GetAllRecords() []UsageRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]UsageRecord, len(t.records))
	copy(result, t.records)
	return result
}
