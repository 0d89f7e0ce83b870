// Package usage holds the process-wide request counters the orchestrator
// updates after every completed call.
package usage

import (
	"sync"
	"time"

	"github.com/felipepmaragno/llm-orchestrator/internal/domain"
)

// Sample is one completed request.
type Sample struct {
	Latency time.Duration
	Tokens  int
	CostUSD float64
	Cached  bool
}

// Accumulator is safe for concurrent use. Snapshot never observes a
// partially applied Record or Reset.
type Accumulator struct {
	mu sync.Mutex
	m  domain.UsageMetrics
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

func (a *Accumulator) Record(s Sample) {
	latencyMs := float64(s.Latency) / float64(time.Millisecond)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.m.TotalRequests++
	a.m.TotalTokens += int64(s.Tokens)
	a.m.TotalCostUSD += s.CostUSD
	if s.Cached {
		a.m.CacheHits++
	} else {
		a.m.CacheMisses++
	}

	n := float64(a.m.TotalRequests)
	a.m.AverageLatencyMs = (a.m.AverageLatencyMs*(n-1) + latencyMs) / n
}

func (a *Accumulator) Snapshot() domain.UsageMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.m
}

func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.m = domain.UsageMetrics{}
}
