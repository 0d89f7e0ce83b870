// Package ratelimit enforces per-provider requests-per-minute quotas in
// fixed one-minute windows aligned to the wall clock.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/felipepmaragno/llm-orchestrator/internal/domain"
)

type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	// Take spends one call of provider's rpm quota for the current minute.
	Take(ctx context.Context, provider domain.ProviderID, rpm int) (Decision, error)
}

// windowOf returns the start of the minute containing t.
func windowOf(t time.Time) time.Time {
	return t.Truncate(time.Minute)
}

func decide(used, rpm int, window time.Time) Decision {
	d := Decision{Allowed: used <= rpm, ResetAt: window.Add(time.Minute)}
	if rpm > used {
		d.Remaining = rpm - used
	}
	return d
}

// Local counts calls in process.
type Local struct {
	now func() time.Time

	mu     sync.Mutex
	counts map[domain.ProviderID]counter
}

type counter struct {
	window time.Time
	used   int
}

func NewLocal() *Local {
	return &Local{now: time.Now, counts: make(map[domain.ProviderID]counter)}
}

func (l *Local) Take(ctx context.Context, provider domain.ProviderID, rpm int) (Decision, error) {
	window := windowOf(l.now())

	l.mu.Lock()
	defer l.mu.Unlock()

	c := l.counts[provider]
	if !c.window.Equal(window) {
		c = counter{window: window}
	}
	// Refused calls do not consume quota.
	if c.used >= rpm {
		return decide(c.used+1, rpm, window), nil
	}
	c.used++
	l.counts[provider] = c
	return decide(c.used, rpm, window), nil
}
