package cost

import (
	"context"
	"testing"
	"time"

	"github.com/felipepmaragno/llm-orchestrator/internal/domain"
)

func BenchmarkCalculate(b *testing.B) {
	calc := NewCalculator()
	usage := domain.Usage{PromptTokens: 1200, CompletionTokens: 300, TotalTokens: 1500}

	models := []struct {
		name     string
		provider domain.ProviderID
		model    string
	}{
		{"exact", domain.ProviderAnthropic, "claude-3-5-sonnet-20241022"},
		{"dated prefix", domain.ProviderOpenAI, "gpt-4o-mini-2024-07-18"},
		{"unknown", domain.ProviderOpenAI, "not-a-model"},
		{"free", domain.ProviderOllama, "llama3.2"},
	}
	for _, m := range models {
		b.Run(m.name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				calc.Calculate(m.provider, m.model, usage)
			}
		})
	}
}

func BenchmarkTracker(b *testing.B) {
	ctx := context.Background()
	rec := UsageRecord{Provider: domain.ProviderOpenAI, Model: "gpt-4o", CostUSD: 0.002}

	b.Run("record", func(b *testing.B) {
		tr := NewInMemoryTracker()
		for i := 0; i < b.N; i++ {
			rec.Timestamp = time.Now()
			tr.Record(ctx, rec)
		}
	})

	b.Run("month to date over 5k", func(b *testing.B) {
		tr := NewInMemoryTracker()
		start := time.Now().Add(-48 * time.Hour)
		for i := 0; i < 5000; i++ {
			rec.Timestamp = start.Add(time.Duration(i) * time.Second)
			tr.Record(ctx, rec)
		}
		since := start.Add(24 * time.Hour)
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			tr.TotalCost(ctx, since)
		}
	})
}
