package cost

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/felipepmaragno/llm-orchestrator/internal/domain"
)

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestCalculator_Calculate(t *testing.T) {
	calc := NewCalculator()

	tests := []struct {
		name     string
		provider domain.ProviderID
		model    string
		usage    domain.Usage
		expected float64
	}{
		{
			name:     "gpt-4 with tokens",
			provider: domain.ProviderOpenAI,
			model:    "gpt-4",
			usage:    domain.Usage{PromptTokens: 1000, CompletionTokens: 500},
			expected: 0.03 + 0.03, // 1K * 0.03 + 0.5K * 0.06
		},
		{
			name:     "dated snapshot uses family price",
			provider: domain.ProviderOpenAI,
			model:    "gpt-4o-mini-2024-07-18",
			usage:    domain.Usage{PromptTokens: 1000, CompletionTokens: 1000},
			expected: 0.00015 + 0.0006,
		},
		{
			name:     "bedrock model id",
			provider: domain.ProviderBedrock,
			model:    "anthropic.claude-3-5-haiku-20241022-v1:0",
			usage:    domain.Usage{PromptTokens: 2000, CompletionTokens: 1000},
			expected: 0.002 + 0.005,
		},
		{
			name:     "unknown model falls back to provider price",
			provider: domain.ProviderAnthropic,
			model:    "claude-next",
			usage:    domain.Usage{PromptTokens: 1000, CompletionTokens: 1000},
			expected: 0.001 + 0.005,
		},
		{
			name:     "ollama is free",
			provider: domain.ProviderOllama,
			model:    "gpt-4",
			usage:    domain.Usage{PromptTokens: 1000, CompletionTokens: 500},
			expected: 0,
		},
		{
			name:     "unknown provider and model",
			provider: "custom",
			model:    "unknown-model",
			usage:    domain.Usage{PromptTokens: 1000, CompletionTokens: 500},
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := calc.Calculate(tt.provider, tt.model, tt.usage)
			if !approxEqual(result, tt.expected) {
				t.Errorf("expected %f, got %f", tt.expected, result)
			}
		})
	}
}

func TestCalculator_SetPricing(t *testing.T) {
	calc := NewCalculator()
	calc.SetPricing("my-model", ModelPricing{InputPer1K: 1, OutputPer1K: 2})

	got := calc.Calculate(domain.ProviderOpenAI, "my-model-v2", domain.Usage{PromptTokens: 1000, CompletionTokens: 1000})
	if !approxEqual(got, 3) {
		t.Errorf("expected 3, got %f", got)
	}

	if other := NewCalculator(); other.Calculate(domain.ProviderOpenAI, "my-model", domain.Usage{PromptTokens: 1000}) == 1 {
		t.Error("SetPricing must not leak into other calculators")
	}
}

func TestInMemoryTracker_Record(t *testing.T) {
	tracker := NewInMemoryTracker()
	ctx := context.Background()

	record := UsageRecord{
		RequestID:        "req1",
		Model:            "gpt-4",
		Provider:         domain.ProviderOpenAI,
		PromptTokens:     100,
		CompletionTokens: 50,
		CostUSD:          0.01,
		Timestamp:        time.Now(),
	}

	if err := tracker.Record(ctx, record); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	records := tracker.GetAllRecords()
	if len(records) != 1 {
		t.Errorf("expected 1 record, got %d", len(records))
	}
}

func TestInMemoryTracker_TotalCost(t *testing.T) {
	tracker := NewInMemoryTracker()
	ctx := context.Background()

	now := time.Now()

	tracker.Record(ctx, UsageRecord{CostUSD: 0.10, Timestamp: now})
	tracker.Record(ctx, UsageRecord{CostUSD: 0.20, Timestamp: now})
	tracker.Record(ctx, UsageRecord{CostUSD: 0.50, Timestamp: now.Add(-2 * time.Hour)})

	total, err := tracker.TotalCost(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if total < 0.29 || total > 0.31 {
		t.Errorf("expected ~0.30, got %f", total)
	}
}

func TestInMemoryTracker_Recent(t *testing.T) {
	tracker := NewInMemoryTracker()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		tracker.Record(ctx, UsageRecord{RequestID: id})
	}

	recent, _ := tracker.Recent(ctx, 2)
	if len(recent) != 2 || recent[0].RequestID != "c" || recent[1].RequestID != "b" {
		t.Errorf("Recent(2) = %+v, want c, b", recent)
	}

	all, _ := tracker.Recent(ctx, 0)
	if len(all) != 3 {
		t.Errorf("Recent(0) returned %d records, want 3", len(all))
	}
}

type failingRecorder struct{}

func (failingRecorder) Record(ctx context.Context, record UsageRecord) error {
	return errors.New("sink down")
}

func TestFanout_RecordsIntoEverySink(t *testing.T) {
	a := NewInMemoryTracker()
	b := NewInMemoryTracker()
	f := Fanout{a, failingRecorder{}, b}

	err := f.Record(context.Background(), UsageRecord{RequestID: "r1"})
	if err == nil {
		t.Error("expected joined error from failing sink")
	}
	if len(a.GetAllRecords()) != 1 || len(b.GetAllRecords()) != 1 {
		t.Error("a failing sink must not stop the others")
	}
}
