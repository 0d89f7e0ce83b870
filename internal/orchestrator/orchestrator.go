// Package orchestrator is the single entry point for completions. It owns
// the request lifecycle: sanitize, cache lookup, adapter selection, retry
// with exponential backoff, the single fallback hop, output sanitizing,
// cache store and usage accounting.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/felipepmaragno/llm-orchestrator/internal/cache"
	"github.com/felipepmaragno/llm-orchestrator/internal/circuitbreaker"
	"github.com/felipepmaragno/llm-orchestrator/internal/cost"
	"github.com/felipepmaragno/llm-orchestrator/internal/domain"
	"github.com/felipepmaragno/llm-orchestrator/internal/metrics"
	"github.com/felipepmaragno/llm-orchestrator/internal/provider"
	"github.com/felipepmaragno/llm-orchestrator/internal/ratelimit"
	"github.com/felipepmaragno/llm-orchestrator/internal/router"
	"github.com/felipepmaragno/llm-orchestrator/internal/sanitize"
	"github.com/felipepmaragno/llm-orchestrator/internal/telemetry"
	"github.com/felipepmaragno/llm-orchestrator/internal/usage"
)

const DefaultCacheTTL = time.Hour

type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

// Delay returns the wait before retry n (n >= 1): BaseDelay doubled n-1
// times, capped at MaxDelay. With Jitter the wait is drawn from [d/2, d].
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter && d > 1 {
		half := d / 2
		d = half + time.Duration(rand.Int64N(int64(half)+1))
	}
	return d
}

type Config struct {
	Router *router.Router

	// Cache is consulted only when CacheEnabled is set.
	Cache        cache.Cache
	CacheEnabled bool
	CacheTTL     time.Duration

	Sanitizer *sanitize.Sanitizer
	Retry     RetryPolicy

	// FallbackModel is sent to the alternate adapter on the fallback hop.
	// Empty means the alternate's default model.
	FallbackModel string

	Pricing  *cost.Calculator
	Recorder cost.Recorder
	Breakers *circuitbreaker.Set

	// RateLimiter caps calls per provider at ProviderRPM[id] per minute.
	// Providers without an entry are not limited.
	RateLimiter ratelimit.Limiter
	ProviderRPM map[domain.ProviderID]int
}

type Orchestrator struct {
	router        *router.Router
	cache         cache.Cache
	cacheEnabled  bool
	cacheTTL      time.Duration
	sanitizer     *sanitize.Sanitizer
	retry         RetryPolicy
	fallbackModel string
	pricing       *cost.Calculator
	recorder      cost.Recorder
	breakers      *circuitbreaker.Set
	limiter       ratelimit.Limiter
	providerRPM   map[domain.ProviderID]int
	usage         *usage.Accumulator
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Router == nil {
		return nil, errors.New("orchestrator: router is required")
	}
	if cfg.CacheEnabled && cfg.Cache == nil {
		return nil, errors.New("orchestrator: caching enabled without a cache")
	}

	o := &Orchestrator{
		router:        cfg.Router,
		cache:         cfg.Cache,
		cacheEnabled:  cfg.CacheEnabled,
		cacheTTL:      cfg.CacheTTL,
		sanitizer:     cfg.Sanitizer,
		retry:         cfg.Retry,
		fallbackModel: cfg.FallbackModel,
		pricing:       cfg.Pricing,
		recorder:      cfg.Recorder,
		breakers:      cfg.Breakers,
		limiter:       cfg.RateLimiter,
		providerRPM:   cfg.ProviderRPM,
		usage:         usage.NewAccumulator(),
	}

	if o.cacheTTL <= 0 {
		o.cacheTTL = DefaultCacheTTL
	}
	if o.sanitizer == nil {
		o.sanitizer = sanitize.New(sanitize.DefaultMaxLength)
	}
	if o.retry.MaxAttempts <= 0 {
		o.retry.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	if o.pricing == nil {
		o.pricing = cost.NewCalculator()
	}

	return o, nil
}

type requestIDKey struct{}

// WithRequestID attaches an inbound request ID so log lines and usage
// records share it.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request ID carried by ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func ensureRequestID(ctx context.Context) (context.Context, string) {
	if id := RequestID(ctx); id != "" {
		return ctx, id
	}
	id := uuid.New().String()
	return WithRequestID(ctx, id), id
}

// SendRequest completes req. hint names a preferred provider; when it is set
// and that provider exhausts its retries with a transport error, the request
// is re-issued once against another registered provider.
//
// Errors are a *domain.Error of kind validation, transport or no_adapter, or
// the context's error when ctx ends first.
func (o *Orchestrator) SendRequest(ctx context.Context, req domain.Request, hint domain.ProviderID) (*domain.Response, error) {
	start := time.Now()
	ctx, requestID := ensureRequestID(ctx)
	log := slog.With("request_id", requestID)

	ctx, span := telemetry.StartSpan(ctx, "orchestrator.SendRequest")
	defer span.End()

	clean := o.sanitizer.Request(req)
	if err := provider.Validate(clean); err != nil {
		log.Warn("request rejected", "error", err)
		metrics.RecordRequest("none", clean.Model, "invalid", time.Since(start).Seconds())
		telemetry.RecordError(span, err)
		return nil, err
	}

	var key string
	if o.cacheEnabled && !clean.Stream {
		key = cache.Fingerprint(clean)
		if resp, ok := o.lookup(ctx, key, log); ok {
			telemetry.AddCacheAttribute(span, true)
			o.complete(ctx, requestID, resp, start, log)
			return resp, nil
		}
		metrics.RecordCacheMiss()
	}
	telemetry.AddCacheAttribute(span, false)

	primary, err := o.router.Select(hint)
	if err != nil {
		log.Error("no adapter available", "hint", hint, "error", err)
		metrics.RecordRequest("none", clean.Model, "no_adapter", time.Since(start).Seconds())
		telemetry.RecordError(span, err)
		return nil, err
	}

	resp, attempts, err := o.sendWithRetry(ctx, primary, clean, log)
	fellBack := false

	if err != nil && o.shouldFallBack(ctx, hint, err) {
		if alt, ok := o.router.Alternate(primary.ID()); ok {
			fellBack = true
			resp, err = o.fallback(ctx, primary.ID(), alt, clean, log)
		}
	}
	telemetry.AddRetryAttributes(span, attempts, fellBack)

	if err != nil {
		status := statusOf(err)
		metrics.RecordRequest(string(primary.ID()), clean.Model, status, time.Since(start).Seconds())
		telemetry.RecordError(span, err)
		log.Error("request failed",
			"provider", primary.ID(),
			"attempts", attempts,
			"fallback", fellBack,
			"status", status,
			"error", err,
		)
		return nil, err
	}

	resp.Content = o.sanitizer.Output(resp.Content)
	resp.Cached = false

	if key != "" && ctx.Err() == nil {
		if value, err := cache.EncodeResponse(resp); err != nil {
			log.Warn("failed to encode response for cache", "error", err)
		} else {
			o.cache.Set(ctx, key, value, o.cacheTTL)
		}
	}

	telemetry.AddRequestAttributes(span, requestID, resp.Provider, resp.Model)
	telemetry.AddUsageAttributes(span, resp.Usage)
	o.complete(ctx, requestID, resp, start, log)
	return resp, nil
}

func (o *Orchestrator) lookup(ctx context.Context, key string, log *slog.Logger) (*domain.Response, bool) {
	value, ok := o.cache.Get(ctx, key)
	if !ok {
		return nil, false
	}
	resp, err := cache.DecodeResponse(value)
	if err != nil {
		log.Warn("dropping unreadable cache entry", "key", key, "error", err)
		o.cache.Delete(ctx, key)
		return nil, false
	}
	resp.Cached = true
	metrics.RecordCacheHit()
	return resp, true
}

// sendWithRetry returns the number of attempts made alongside the outcome.
func (o *Orchestrator) sendWithRetry(ctx context.Context, a router.Adapter, req domain.Request, log *slog.Logger) (*domain.Response, int, error) {
	var lastErr error

	for attempt := 1; attempt <= o.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			metrics.RecordRetry(string(a.ID()))
			if err := sleep(ctx, o.retry.Delay(attempt-1)); err != nil {
				return nil, attempt - 1, err
			}
		}

		resp, err := o.call(ctx, a, req)
		if err == nil {
			return resp, attempt, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, attempt, ctxErr
		}

		lastErr = err
		metrics.RecordProviderError(string(a.ID()), domain.KindOf(err).String())

		if !domain.IsRetryable(err) || errors.Is(err, domain.ErrCircuitBreakerOpen) || errors.Is(err, domain.ErrRateLimited) {
			return nil, attempt, err
		}

		log.Warn("provider attempt failed",
			"provider", a.ID(),
			"attempt", attempt,
			"max_attempts", o.retry.MaxAttempts,
			"error", err,
		)
	}

	return nil, o.retry.MaxAttempts, lastErr
}

func (o *Orchestrator) shouldFallBack(ctx context.Context, hint domain.ProviderID, err error) bool {
	return hint != "" && ctx.Err() == nil && domain.KindOf(err) == domain.KindTransport
}

// fallback issues exactly one call against alt with the fallback model.
func (o *Orchestrator) fallback(ctx context.Context, from domain.ProviderID, alt router.Adapter, req domain.Request, log *slog.Logger) (*domain.Response, error) {
	fbReq := req.Clone()
	fbReq.Model = o.fallbackModel

	log.Warn("provider exhausted, falling back",
		"from", from,
		"to", alt.ID(),
		"model", fbReq.Model,
	)

	resp, err := o.call(ctx, alt, fbReq)
	if err != nil {
		metrics.RecordFallback(string(from), string(alt.ID()), "error")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		metrics.RecordProviderError(string(alt.ID()), domain.KindOf(err).String())
		return nil, err
	}
	metrics.RecordFallback(string(from), string(alt.ID()), "success")
	return resp, nil
}

// call runs one Send through the provider's rate limit and circuit breaker
// when those are configured.
func (o *Orchestrator) call(ctx context.Context, a router.Adapter, req domain.Request) (*domain.Response, error) {
	if err := o.throttle(ctx, a.ID()); err != nil {
		return nil, err
	}
	if o.breakers == nil {
		return a.Send(ctx, req)
	}

	b := o.breakers.Get(a.ID())
	if err := b.Allow(); err != nil {
		return nil, domain.NewTransportError(a.ID(), err)
	}

	resp, err := a.Send(ctx, req)
	switch {
	case err == nil:
		b.Success()
	case domain.KindOf(err) == domain.KindTransport:
		b.Failure()
	default:
		b.Release()
	}
	return resp, err
}

// throttle fails open when the limiter itself errors.
func (o *Orchestrator) throttle(ctx context.Context, id domain.ProviderID) error {
	limit := o.providerRPM[id]
	if o.limiter == nil || limit <= 0 {
		return nil
	}

	d, err := o.limiter.Take(ctx, id, limit)
	if err != nil {
		slog.Warn("rate limiter unavailable", "provider", id, "error", err)
		return nil
	}
	if !d.Allowed {
		metrics.RecordRateLimitHit(string(id))
		return domain.NewTransportError(id, fmt.Errorf("%w, resets at %s", domain.ErrRateLimited, d.ResetAt.Format(time.RFC3339)))
	}
	return nil
}

func (o *Orchestrator) complete(ctx context.Context, requestID string, resp *domain.Response, start time.Time, log *slog.Logger) {
	latency := time.Since(start)

	var costUSD float64
	if !resp.Cached {
		costUSD = o.pricing.Calculate(resp.Provider, resp.Model, resp.Usage)
	}

	o.usage.Record(usage.Sample{
		Latency: latency,
		Tokens:  resp.Usage.TotalTokens,
		CostUSD: costUSD,
		Cached:  resp.Cached,
	})

	status := "success"
	if resp.Cached {
		status = "cached"
	}
	metrics.RecordRequest(string(resp.Provider), resp.Model, status, latency.Seconds())
	metrics.RecordTokens(string(resp.Provider), resp.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	metrics.RecordCost(string(resp.Provider), resp.Model, costUSD)
	telemetry.AddCostAttribute(trace.SpanFromContext(ctx), costUSD)

	if o.recorder != nil {
		record := cost.UsageRecord{
			RequestID:        requestID,
			Provider:         resp.Provider,
			Model:            resp.Model,
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			CostUSD:          costUSD,
			Cached:           resp.Cached,
			LatencyMs:        latency.Milliseconds(),
			Timestamp:        time.Now().UTC(),
		}
		if err := o.recorder.Record(context.WithoutCancel(ctx), record); err != nil {
			log.Warn("failed to record usage", "error", err)
		}
	}

	log.Info("request completed",
		"provider", resp.Provider,
		"model", resp.Model,
		"cached", resp.Cached,
		"tokens", resp.Usage.TotalTokens,
		"cost_usd", costUSD,
		"latency_ms", latency.Milliseconds(),
	)
}

// Metrics returns a copy of the usage counters.
func (o *Orchestrator) Metrics() domain.UsageMetrics {
	return o.usage.Snapshot()
}

func (o *Orchestrator) ResetMetrics() {
	o.usage.Reset()
}

// ClearCache empties every cache tier. It is a no-op when caching is off.
func (o *Orchestrator) ClearCache(ctx context.Context) {
	if o.cache != nil {
		o.cache.Clear(ctx)
	}
}

func (o *Orchestrator) Providers() []domain.ProviderID {
	return o.router.List()
}

// BreakerStates reports the circuit state of every provider called so far,
// or nil when breakers are off.
func (o *Orchestrator) BreakerStates() map[domain.ProviderID]string {
	if o.breakers == nil {
		return nil
	}
	out := make(map[domain.ProviderID]string)
	for id, st := range o.breakers.States() {
		out[id] = st.String()
	}
	return out
}

// HealthCheck probes every registered adapter and returns the failures by
// provider.
func (o *Orchestrator) HealthCheck(ctx context.Context) map[domain.ProviderID]error {
	failures := make(map[domain.ProviderID]error)
	for _, id := range o.router.List() {
		a, ok := o.router.Get(id)
		if !ok {
			continue
		}
		if err := a.HealthCheck(ctx); err != nil {
			failures[id] = fmt.Errorf("%s: %w", id, err)
		}
	}
	return failures
}

func statusOf(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return domain.KindOf(err).String()
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
