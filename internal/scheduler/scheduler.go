// Package scheduler runs periodic maintenance jobs on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/felipepmaragno/llm-orchestrator/internal/budget"
	"github.com/felipepmaragno/llm-orchestrator/internal/cache"
	"github.com/felipepmaragno/llm-orchestrator/internal/domain"
	"github.com/felipepmaragno/llm-orchestrator/internal/notifications"
)

// JobFunc is one run of a job. Errors are logged; the job stays scheduled.
type JobFunc func(ctx context.Context) error

type Scheduler struct {
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
}

// New returns a stopped scheduler. Each run gets its own context bounded
// by timeout; overlapping runs of the same job are skipped.
func New(timeout time.Duration) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		ctx:     ctx,
		cancel:  cancel,
		timeout: timeout,
	}
}

// Add schedules fn under a standard five-field spec or a descriptor such as
// "@every 1m".
func (s *Scheduler) Add(name, spec string, fn JobFunc) error {
	_, err := s.cron.AddFunc(spec, func() { s.run(name, fn) })
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	slog.Debug("job scheduled", "job", name, "spec", spec)
	return nil
}

func (s *Scheduler) run(name string, fn JobFunc) {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	if err := fn(ctx); err != nil {
		slog.Warn("job failed", "job", name, "error", err)
		return
	}
	slog.Debug("job finished", "job", name, "duration_ms", time.Since(start).Milliseconds())
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs and waits for them, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len reports the number of scheduled jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

func PurgeLocalCache(store *cache.LocalStore) JobFunc {
	return func(ctx context.Context) error {
		if n := store.PurgeExpired(); n > 0 {
			slog.Info("purged expired cache entries", "count", n, "remaining", store.Len())
		}
		return nil
	}
}

func LogUsageSnapshot(snapshot func() domain.UsageMetrics) JobFunc {
	return func(ctx context.Context) error {
		m := snapshot()
		slog.Info("usage snapshot",
			"total_requests", m.TotalRequests,
			"total_tokens", m.TotalTokens,
			"total_cost_usd", m.TotalCostUSD,
			"cache_hits", m.CacheHits,
			"cache_misses", m.CacheMisses,
			"average_latency_ms", m.AverageLatencyMs,
		)
		return nil
	}
}

func CheckBudget(m *budget.Monitor) JobFunc {
	return func(ctx context.Context) error {
		_, err := m.Check(ctx)
		return err
	}
}

// WatchProviders probes every registered provider and notifies on health
// transitions only: once when a provider goes down, once when it recovers.
// probe reports failures by provider; a missing entry means healthy.
func WatchProviders(probe func(ctx context.Context) map[domain.ProviderID]error, n notifications.Notifier) JobFunc {
	var mu sync.Mutex
	down := make(map[domain.ProviderID]bool)

	return func(ctx context.Context) error {
		failures := probe(ctx)

		mu.Lock()
		defer mu.Unlock()

		var notes []notifications.Notification
		for id, err := range failures {
			if err == nil || down[id] {
				continue
			}
			down[id] = true
			notes = append(notes, notifications.Notification{
				Kind:     notifications.KindProviderDown,
				Provider: id,
				Message:  fmt.Sprintf("health check failed: %v", err),
			})
		}
		for id := range down {
			if failures[id] != nil {
				continue
			}
			delete(down, id)
			notes = append(notes, notifications.Notification{
				Kind:     notifications.KindProviderUp,
				Provider: id,
				Message:  fmt.Sprintf("%s is healthy again", id),
			})
		}

		var errs []error
		for _, note := range notes {
			if err := n.Notify(ctx, note); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}
