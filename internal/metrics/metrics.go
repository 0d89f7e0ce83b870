package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmorch_requests_total",
			Help: "Total number of orchestrated requests",
		},
		[]string{"provider", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmorch_request_duration_seconds",
			Help:    "End-to-end request duration in seconds",
			Buckets: []float64{0.01, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmorch_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"provider", "model", "type"},
	)

	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmorch_cost_usd_total",
			Help: "Total cost in USD",
		},
		[]string{"provider", "model"},
	)

	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llmorch_cache_hits_total",
			Help: "Total number of response cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llmorch_cache_misses_total",
			Help: "Total number of response cache misses",
		},
	)

	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmorch_cache_errors_total",
			Help: "Cache tier failures, by tier and operation",
		},
		[]string{"tier", "op"},
	)

	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmorch_retries_total",
			Help: "Send attempts beyond the first",
		},
		[]string{"provider"},
	)

	FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmorch_fallbacks_total",
			Help: "Fallback attempts, by failed provider, target and outcome",
		},
		[]string{"from", "to", "status"},
	)

	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmorch_upstream_response_seconds",
			Help:    "Time from sending an upstream request to its response headers",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider", "code"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmorch_rate_limit_hits_total",
			Help: "Calls refused by the per-provider rate limit",
		},
		[]string{"provider"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmorch_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"provider"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmorch_provider_errors_total",
			Help: "Total number of provider errors",
		},
		[]string{"provider", "error_type"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmorch_active_streams",
			Help: "Number of streams currently open",
		},
	)

	StreamChunks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmorch_stream_chunks_total",
			Help: "Content chunks forwarded to stream consumers",
		},
		[]string{"provider"},
	)

	BudgetUsageRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmorch_budget_usage_ratio",
			Help: "Current spend as a fraction of the configured budget",
		},
	)

	InstanceInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmorch_instance_info",
			Help: "Instance information (always 1)",
		},
		[]string{"instance", "version"},
	)
)

func RecordRequest(provider, model, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(provider, model, status).Inc()
	RequestDuration.WithLabelValues(provider, model).Observe(durationSec)
}

func RecordTokens(provider, model string, inputTokens, outputTokens int) {
	TokensTotal.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	TokensTotal.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
}

func RecordCost(provider, model string, costUSD float64) {
	CostTotal.WithLabelValues(provider, model).Add(costUSD)
}

func RecordCacheHit() {
	CacheHits.Inc()
}

func RecordCacheMiss() {
	CacheMisses.Inc()
}

func RecordCacheError(tier, op string) {
	CacheErrors.WithLabelValues(tier, op).Inc()
}

func RecordRetry(provider string) {
	RetriesTotal.WithLabelValues(provider).Inc()
}

func RecordFallback(from, to, status string) {
	FallbacksTotal.WithLabelValues(from, to, status).Inc()
}

func RecordProviderError(provider, errorType string) {
	ProviderErrors.WithLabelValues(provider, errorType).Inc()
}

func RecordStreamChunk(provider string) {
	StreamChunks.WithLabelValues(provider).Inc()
}

// RecordUpstream observes one upstream round trip. code is the HTTP status,
// or "error" when no response arrived.
func RecordUpstream(provider, code string, durationSec float64) {
	UpstreamLatency.WithLabelValues(provider, code).Observe(durationSec)
}

func RecordRateLimitHit(provider string) {
	RateLimitHits.WithLabelValues(provider).Inc()
}

func SetCircuitBreakerState(provider string, state int) {
	CircuitBreakerState.WithLabelValues(provider).Set(float64(state))
}

func SetBudgetUsage(ratio float64) {
	BudgetUsageRatio.Set(ratio)
}

// InitInstanceMetrics publishes the instance identity. Call once at startup.
func InitInstanceMetrics(instance, version string) {
	InstanceInfo.WithLabelValues(instance, version).Set(1)
}

func IncrementActiveStreams() {
	ActiveStreams.Inc()
}

func DecrementActiveStreams() {
	ActiveStreams.Dec()
}
